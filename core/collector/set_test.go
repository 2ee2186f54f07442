package collector

import (
	"errors"
	"testing"
	"time"
)

func TestPickRotates(t *testing.T) {
	s := NewSet([]HostPort{"c1:3003", "c2:3003", "c3:3003"})
	defer s.Destroy()

	var got []HostPort
	for i := 0; i < 6; i++ {
		ep, ok := s.Pick()
		if !ok {
			t.Fatalf("Pick failed on iteration %d", i)
		}
		got = append(got, ep)
	}

	for i := 3; i < 6; i++ {
		if got[i] != got[i-3] {
			t.Fatalf("Rotation broke: %v", got)
		}
	}
	if got[0] == got[1] {
		t.Fatalf("No rotation: %v", got)
	}
}

func TestPickSkipsDownEndpoints(t *testing.T) {
	s := NewSet([]HostPort{"c1:3003", "c2:3003"})
	defer s.Destroy()

	neverUp := func(HostPort) error { return errors.New("still down") }
	s.MarkDown("c1:3003", neverUp)

	for i := 0; i < 4; i++ {
		ep, ok := s.Pick()
		if !ok {
			t.Fatal("Pick failed with one endpoint up")
		}
		if ep != "c2:3003" {
			t.Fatalf("Picked down endpoint %s", ep)
		}
	}

	s.MarkDown("c2:3003", neverUp)
	if _, ok := s.Pick(); ok {
		t.Fatal("Pick succeeded with all endpoints down")
	}
	if s.Downs() != 2 {
		t.Fatalf("Got %d down endpoints, want 2", s.Downs())
	}
}

func TestMarkDownIdempotent(t *testing.T) {
	s := NewSet([]HostPort{"c1:3003"})
	defer s.Destroy()

	probe := func(HostPort) error { return errors.New("down") }
	s.MarkDown("c1:3003", probe)
	s.MarkDown("c1:3003", probe)

	if s.Downs() != 1 {
		t.Fatalf("Got %d down endpoints, want 1", s.Downs())
	}
}

func TestProbeRestoresEndpoint(t *testing.T) {
	s := NewSet([]HostPort{"c1:3003"})
	defer s.Destroy()

	s.MarkDown("c1:3003", func(HostPort) error { return nil })

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if s.Downs() == 0 {
			if ep, ok := s.Pick(); !ok || ep != "c1:3003" {
				t.Fatalf("Restored endpoint not pickable: (%s, %v)", ep, ok)
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Fatal("Endpoint not restored after successful probe")
}
