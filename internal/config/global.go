package config

import "sync/atomic"

var global atomic.Value

// Init installs the default config as the process-wide singleton.
func Init() error {
	c, err := Default()
	if err != nil {
		return err
	}
	global.Store(&c)
	return nil
}

// Load returns the current config. Treat the result as read-only.
func Load() *Config {
	c, _ := global.Load().(*Config)
	if c == nil {
		c = &Config{}
	}
	return c
}

// Update applies mut to a copy of the current config and swaps it in
// atomically, returning the new value.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	global.Store(&next)
	return &next
}
