package config

import "sync/atomic"

var cfg atomic.Value

// Init installs the default configuration as the process-wide config.
func Init() {
	c := Default()
	cfg.Store(&c)
}

// Load returns the current config. Treat the result as read-only.
func Load() *Config {
	v, ok := cfg.Load().(*Config)
	if !ok {
		c := Default()
		cfg.Store(&c)
		return &c
	}
	return v
}

// Update applies a mutation to a copy of the current config and swaps it in
// atomically.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}

// Swap replaces the global config atomically with the provided value.
func Swap(next Config) *Config {
	cfg.Store(&next)
	return &next
}
