package config

import "sync/atomic"

// Store holds the current configuration and supports atomic swaps.
// Scheduled runs read it once per tick so a reload applies to the next run.
type Store struct {
	v atomic.Pointer[Config]
}

// NewStore creates a Store with the initial configuration.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.v.Store(cfg)
	return s
}

// Current returns the current configuration.
func (s *Store) Current() *Config {
	return s.v.Load()
}

// Update replaces the current configuration.
func (s *Store) Update(cfg *Config) {
	s.v.Store(cfg)
}
