// Package clocksync estimates the server clock from timestamped messages.
//
// The offset is replaced, not smoothed: the dominant error source is one-way
// network delay, which the most recent sample bounds better than an average
// of stale ones.
package clocksync

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Synchronizer tracks a single (server time - local time) offset.
type Synchronizer struct {
	clock clockwork.Clock

	mu        sync.Mutex
	offset    time.Duration
	hasSample bool
}

// New returns a Synchronizer reading local time from clock.
func New(clock clockwork.Clock) *Synchronizer {
	return &Synchronizer{clock: clock}
}

// Update replaces the offset using a server timestamp in ms since epoch.
// Zero samples are ignored.
func (s *Synchronizer) Update(serverTimeMs int64) {
	if serverTimeMs == 0 {
		return
	}
	local := s.clock.Now()
	s.mu.Lock()
	s.offset = time.UnixMilli(serverTimeMs).Sub(local)
	s.hasSample = true
	s.mu.Unlock()
}

// Now returns the estimated server time, computed fresh from the local clock.
// Before the first sample the offset is zero and Now equals local time.
func (s *Synchronizer) Now() time.Time {
	s.mu.Lock()
	off := s.offset
	s.mu.Unlock()
	return s.clock.Now().Add(off)
}

// Offset returns the current offset estimate.
func (s *Synchronizer) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// HasSample reports whether any server timestamp has been observed. Callers
// fall back to a locally captured phase start until this is true.
func (s *Synchronizer) HasSample() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasSample
}
