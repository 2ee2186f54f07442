// Package collector tracks the interchangeable collection endpoints
// an injection point may upload to. Picks rotate round-robin;
// endpoints that failed are skipped until a background probe sees
// them accept connections again.
package collector

import (
	"log"
	"sync"
	"time"
)

const (
	probeInterval    = 3 * time.Second
	maxProbeInterval = 2 * time.Minute
)

// HostPort is a collector address, e.g. "collector1.example:3003".
type HostPort string

// ProbeFunc checks whether an endpoint accepts connections again.
type ProbeFunc func(HostPort) error

// Set is a rotation of equivalent collectors. All state is protected
// by mu; probe goroutines run until the endpoint recovers or the set
// is destroyed.
type Set struct {
	mu        sync.Mutex
	endpoints []HostPort
	next      int
	down      map[HostPort]time.Time
	stopCh    chan struct{}
}

// NewSet creates a rotation over the given endpoints.
func NewSet(endpoints []HostPort) *Set {
	return &Set{
		endpoints: append([]HostPort(nil), endpoints...),
		down:      make(map[HostPort]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Destroy stops any running recovery probes.
func (s *Set) Destroy() {
	close(s.stopCh)
}

// Pick returns the next endpoint in rotation that is not marked down.
// ok is false when every endpoint is down.
func (s *Set) Pick() (ep HostPort, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < len(s.endpoints); i++ {
		ep = s.endpoints[s.next]
		s.next = (s.next + 1) % len(s.endpoints)

		if _, bad := s.down[ep]; !bad {
			return ep, true
		}
	}

	return "", false
}

// MarkDown takes ep out of rotation and starts a probe loop that puts
// it back once probe succeeds. Marking an endpoint that is already
// down does nothing.
func (s *Set) MarkDown(ep HostPort, probe ProbeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, bad := s.down[ep]; bad {
		return
	}

	log.Printf("Collector %s marked down", ep)
	s.down[ep] = time.Now()

	go s.probeLoop(ep, probe)
}

// probeLoop re-checks a down endpoint, doubling the pause between
// attempts up to a ceiling.
func (s *Set) probeLoop(ep HostPort, probe ProbeFunc) {
	interval := probeInterval

	for {
		select {
		case <-time.After(interval):
		case <-s.stopCh:
			return
		}

		if err := probe(ep); err != nil {
			log.Printf("Collector %s still down: %s", ep, err.Error())
			if interval *= 2; interval > maxProbeInterval {
				interval = maxProbeInterval
			}
			continue
		}

		s.mu.Lock()
		delete(s.down, ep)
		s.mu.Unlock()

		log.Printf("Collector %s is back in rotation", ep)
		return
	}
}

// Downs reports how many endpoints are currently out of rotation.
func (s *Set) Downs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.down)
}
