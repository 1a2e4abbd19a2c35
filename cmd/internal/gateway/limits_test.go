package gateway

import (
	"testing"
	"time"
)

func TestEventBudget(t *testing.T) {
	t.Parallel()

	b := newEventBudget(Config{RateEvents: 2, RateWindow: time.Second})
	t0 := time.Unix(1000, 0)
	if !b.admit(t0) || !b.admit(t0.Add(100*time.Millisecond)) {
		t.Fatalf("first two frames denied")
	}
	if b.admit(t0.Add(200 * time.Millisecond)) {
		t.Fatalf("third frame admitted inside window")
	}
	if !b.admit(t0.Add(time.Second)) {
		t.Fatalf("frame once the oldest left the window denied")
	}
	if b.admit(t0.Add(1050 * time.Millisecond)) {
		t.Fatalf("frame admitted while t0+100ms is still inside the window")
	}
	if !b.admit(t0.Add(1100 * time.Millisecond)) {
		t.Fatalf("frame after second slot expired denied")
	}
}

func TestEventBudget_Defaults(t *testing.T) {
	t.Parallel()

	b := newEventBudget(Config{})
	now := time.Unix(2000, 0)
	for i := 0; i < defaultRateEvents; i++ {
		if !b.admit(now) {
			t.Fatalf("frame %d denied within default budget", i)
		}
	}
	if b.admit(now) {
		t.Fatalf("frame beyond default budget admitted")
	}
	if !b.admit(now.Add(defaultRateWindow)) {
		t.Fatalf("frame after default window denied")
	}
}
