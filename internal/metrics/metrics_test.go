package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveLoad(t *testing.T) {
	before := testutil.ToFloat64(modelLoadsTotal.WithLabelValues("ok"))
	ObserveLoad("ok", 20*time.Millisecond)
	ObserveLoad("model_not_found", 0)
	if got := testutil.ToFloat64(modelLoadsTotal.WithLabelValues("ok")); got != before+1 {
		t.Fatalf("ok loads: got %v want %v", got, before+1)
	}
	if got := testutil.ToFloat64(modelLoadsTotal.WithLabelValues("model_not_found")); got < 1 {
		t.Fatalf("failed loads not counted")
	}
}

func TestObserveGeneration(t *testing.T) {
	states := testutil.ToFloat64(generationsTotal.WithLabelValues("completed"))
	tokens := testutil.ToFloat64(tokensGeneratedTotal)
	ObserveGeneration("completed", 7)
	if got := testutil.ToFloat64(generationsTotal.WithLabelValues("completed")); got != states+1 {
		t.Fatalf("generations: got %v", got)
	}
	if got := testutil.ToFloat64(tokensGeneratedTotal); got != tokens+7 {
		t.Fatalf("tokens: got %v want %v", got, tokens+7)
	}
}

func TestSessionPosition(t *testing.T) {
	SetPosition("s1", 12)
	if got := testutil.ToFloat64(contextPosition.WithLabelValues("s1")); got != 12 {
		t.Fatalf("position: %v", got)
	}
	DropSession("s1")
	if n := testutil.CollectAndCount(contextPosition); n != 0 {
		t.Fatalf("expected no position series after drop, got %d", n)
	}
}

func TestIncBusyDefaultsReason(t *testing.T) {
	before := testutil.ToFloat64(busyRejectionsTotal.WithLabelValues("unspecified"))
	IncBusy("")
	if got := testutil.ToFloat64(busyRejectionsTotal.WithLabelValues("unspecified")); got != before+1 {
		t.Fatalf("busy: got %v", got)
	}
}
