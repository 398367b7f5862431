package interceptor

import (
	"go.uber.org/atomic"
)

// Stats counts persistence activity of one cache. Counting only happens
// while enabled.
type Stats struct {
	enabled      atomic.Bool
	activations  atomic.Int64
	passivations atomic.Int64
	cacheLoads   atomic.Int64
	cacheMisses  atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Activations  int64 `json:"activations"`
	Passivations int64 `json:"passivations"`
	CacheLoads   int64 `json:"cache_loads"`
	CacheMisses  int64 `json:"cache_misses"`
}

// NewStats creates a counter set
func NewStats(enabled bool) *Stats {
	s := &Stats{}
	s.enabled.Store(enabled)
	return s
}

// Enabled reports whether counting is on
func (s *Stats) Enabled() bool {
	return s != nil && s.enabled.Load()
}

// SetEnabled turns counting on or off
func (s *Stats) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// Activations returns the number of store removals that followed an access
func (s *Stats) Activations() int64 {
	return s.activations.Load()
}

// Snapshot copies the counters
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Activations:  s.activations.Load(),
		Passivations: s.passivations.Load(),
		CacheLoads:   s.cacheLoads.Load(),
		CacheMisses:  s.cacheMisses.Load(),
	}
}

// Reset zeroes the counters
func (s *Stats) Reset() {
	s.activations.Store(0)
	s.passivations.Store(0)
	s.cacheLoads.Store(0)
	s.cacheMisses.Store(0)
}

func (s *Stats) addActivations(n int) {
	if s.Enabled() {
		s.activations.Add(int64(n))
	}
}

func (s *Stats) incPassivations() {
	if s.Enabled() {
		s.passivations.Inc()
	}
}

func (s *Stats) incLoads() {
	if s.Enabled() {
		s.cacheLoads.Inc()
	}
}

func (s *Stats) incMisses() {
	if s.Enabled() {
		s.cacheMisses.Inc()
	}
}
