package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveTransitionSplitsConflicts(t *testing.T) {
	applied := testutil.ToFloat64(transitionsTotal.WithLabelValues("pending", "approved"))
	conflicts := testutil.ToFloat64(transitionConflictsTotal.WithLabelValues("pending", "approved"))

	ObserveTransition("pending", "approved", true)
	ObserveTransition("pending", "approved", false)
	ObserveTransition("pending", "approved", false)

	if got := testutil.ToFloat64(transitionsTotal.WithLabelValues("pending", "approved")) - applied; got != 1 {
		t.Fatalf("expected 1 applied transition, got %v", got)
	}
	if got := testutil.ToFloat64(transitionConflictsTotal.WithLabelValues("pending", "approved")) - conflicts; got != 2 {
		t.Fatalf("expected 2 conflicts, got %v", got)
	}
}

func TestObservePlannerCallLabelsOutcome(t *testing.T) {
	before := testutil.ToFloat64(plannerCallsTotal.WithLabelValues("summarize", "error"))

	ObservePlannerCall("summarize", time.Now(), errors.New("timeout"))

	if got := testutil.ToFloat64(plannerCallsTotal.WithLabelValues("summarize", "error")) - before; got != 1 {
		t.Fatalf("expected one error call, got %v", got)
	}
}
