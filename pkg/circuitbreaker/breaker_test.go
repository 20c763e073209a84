package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("tr")
	cfg.ConsecutiveFailures = 2
	cfg.Timeout = time.Hour

	var transitions []State
	cb, err := New(cfg, nil, WithStateListener(func(_ string, to State) {
		transitions = append(transitions, to)
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	boom := errors.New("boom")
	for i := 0; i < 2; i++ {
		_, err := Do(context.Background(), cb, func(context.Context) (int, error) { return 0, boom })
		if !errors.Is(err, boom) {
			t.Fatalf("call %d: got %v, want boom", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	_, err = Do(context.Background(), cb, func(context.Context) (int, error) { return 1, nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("open breaker returned %v, want ErrOpen", err)
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestDoReturnsTypedValue(t *testing.T) {
	cb, _ := New(DefaultConfig("x"), nil)
	got, err := Do(context.Background(), cb, func(context.Context) (string, error) { return "ok", nil })
	if err != nil || got != "ok" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestCanceledCallsDoNotTrip(t *testing.T) {
	cfg := DefaultConfig("c")
	cfg.ConsecutiveFailures = 1
	cb, _ := New(cfg, nil)

	_, _ = Do(context.Background(), cb, func(context.Context) (int, error) { return 0, context.Canceled })
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestRegistryHealth(t *testing.T) {
	r := NewRegistry()
	cb, _ := New(DefaultConfig("tr"), nil)
	r.Register(cb)

	health := r.Health()
	if len(health) != 1 || !health[0].Healthy || health[0].Name != "tr" {
		t.Errorf("health = %+v", health)
	}
}
