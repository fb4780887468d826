package liveness

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for deterministic expiry tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(timeout time.Duration) (*Monitor, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	return newMonitor(timeout, clock.now), clock
}

func TestMonitor_NotExpiredBeforeDeadline(t *testing.T) {
	m, clock := newTestMonitor(45 * time.Second)
	clock.advance(44 * time.Second)
	if m.Expired() {
		t.Error("expired before deadline")
	}
}

func TestMonitor_FiresExactlyOnce(t *testing.T) {
	m, clock := newTestMonitor(45 * time.Second)
	clock.advance(46 * time.Second)

	if !m.Expired() {
		t.Fatal("expected expiry")
	}
	// No repeated firing without an explicit reset.
	for i := 0; i < 3; i++ {
		if m.Expired() {
			t.Fatal("fired again without Reset")
		}
	}
	clock.advance(time.Hour)
	if m.Expired() {
		t.Error("fired again without Reset after more silence")
	}
}

func TestMonitor_OnFramePushesDeadline(t *testing.T) {
	m, clock := newTestMonitor(45 * time.Second)
	clock.advance(40 * time.Second)
	m.OnFrame()
	clock.advance(40 * time.Second)
	if m.Expired() {
		t.Error("expired despite recent frame")
	}
	clock.advance(6 * time.Second)
	if !m.Expired() {
		t.Error("expected expiry after silence following last frame")
	}
}

func TestMonitor_ResetReArms(t *testing.T) {
	m, clock := newTestMonitor(10 * time.Second)
	clock.advance(11 * time.Second)
	if !m.Expired() {
		t.Fatal("expected first expiry")
	}

	m.Reset()
	if m.Expired() {
		t.Error("expired immediately after Reset")
	}
	clock.advance(11 * time.Second)
	if !m.Expired() {
		t.Error("expected expiry after Reset and fresh silence")
	}
}

func TestMonitor_DefaultTimeout(t *testing.T) {
	m := New(0)
	if m.Timeout() != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", m.Timeout(), DefaultTimeout)
	}
}
