package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	for range 3 {
		if err := b.Execute(fail); !errors.Is(err, errBoom) {
			t.Fatalf("err = %v, want boom", err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if err := b.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want circuit open", err)
	}
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	_ = b.Execute(fail)
	_ = b.Execute(fail)
	_ = b.Execute(succeed)
	_ = b.Execute(fail)
	_ = b.Execute(fail)

	if b.State() != StateClosed {
		t.Errorf("state = %s, streak should have reset on success", b.State())
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker(1, time.Minute)
	b.clock = func() time.Time { return now }

	_ = b.Execute(fail)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	// Before the cooldown the probe is rejected.
	if err := b.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want circuit open", err)
	}

	// After the cooldown one probe goes through and closes the circuit.
	now = now.Add(2 * time.Minute)
	if err := b.Execute(succeed); err != nil {
		t.Fatalf("probe err = %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed after successful probe", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(2, time.Minute)
	b.clock = func() time.Time { return now }

	_ = b.Execute(fail)
	_ = b.Execute(fail)
	now = now.Add(2 * time.Minute)

	if err := b.Execute(fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v, want boom", err)
	}
	if b.State() != StateOpen {
		t.Errorf("state = %s, a failed probe must reopen immediately", b.State())
	}
	if err := b.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("err = %v, want circuit open after failed probe", err)
	}
}
