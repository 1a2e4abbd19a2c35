package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	m.LikeSubmitted(true)
	m.LikeSubmitted(true)
	m.LikeSubmitted(false)
	m.MatchResolved("created")
	m.MessagesRead(3)
	m.MessagesRead(0)

	if got := testutil.ToFloat64(m.likes.WithLabelValues("created")); got != 2 {
		t.Fatalf("likes created=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.likes.WithLabelValues("existing")); got != 1 {
		t.Fatalf("likes existing=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.messagesRead); got != 3 {
		t.Fatalf("messages read=%v want 3", got)
	}
}

func TestMetrics_DoubleRegisterFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.LikeSubmitted(true)
	m.MatchResolved("pending")
	m.MessageAppended(false)
	m.MessagesRead(5)
	m.SubscriptionOpened("conv")
	m.SubscriptionClosed("conv")
	m.StoreError("x", true)
	m.WSConnected(1)
	m.ObserveHTTP("GET", "/", "2xx", 1)
}
