package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewWithRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	if m == nil {
		t.Fatal("expected metrics instance, got nil")
	}
	if m.EventsTotal == nil {
		t.Error("EventsTotal should not be nil")
	}
	if m.ActiveAgents == nil {
		t.Error("ActiveAgents should not be nil")
	}
	if m.SandboxCallDuration == nil {
		t.Error("SandboxCallDuration should not be nil")
	}
}

func TestRecordEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordEvent("artifact_written")
	m.RecordEvent("artifact_written")
	m.RecordEvent("scrip_transferred")

	if got := testutil.ToFloat64(m.EventsTotal.WithLabelValues("artifact_written")); got != 2 {
		t.Errorf("expected 2 artifact_written events, got %v", got)
	}
}

func TestRecordLedgerDebit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	// Should not panic.
	m.RecordLedgerDebit("scrip", 50)
	m.RecordLedgerDebit("llm_tokens", 120)
}

func TestRecordSandboxCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.RecordSandboxCall("contract", "allow", 2*time.Millisecond)
	m.RecordSandboxCall("executable", "error", 5*time.Millisecond)
}

func TestSetActiveAgents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWithRegistry(reg)

	m.SetActiveAgents(3)
	if got := testutil.ToFloat64(m.ActiveAgents); got != 3 {
		t.Errorf("expected active agents 3, got %v", got)
	}
}

func TestGlobalInitIsIdempotent(t *testing.T) {
	first := Init()
	second := Init()
	if first != second {
		t.Error("Init should return the same instance on repeated calls")
	}
}
