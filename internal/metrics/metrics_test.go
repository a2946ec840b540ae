package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

func testutilGaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return -1
	}
	return m.GetGauge().GetValue()
}

func TestGetReturnsSingleton(t *testing.T) {
	a := Get()
	b := Get()
	if a != b {
		t.Fatalf("expected Get() to return the same instance across calls")
	}
}

func TestExecutionStartedAndFinishedTrackInFlight(t *testing.T) {
	m := Get()

	m.ExecutionStarted("python")
	m.ExecutionStarted("python")
	if got := testutilGaugeValue(m.ExecutionsInFlight); got != 2 {
		t.Fatalf("expected in-flight 2 after two starts, got %v", got)
	}

	m.ExecutionFinished("python", "completed", 1.5)
	if got := testutilGaugeValue(m.ExecutionsInFlight); got != 1 {
		t.Fatalf("expected in-flight 1 after one finish, got %v", got)
	}
}

func TestUpdateAndClearContainerSample(t *testing.T) {
	m := Get()
	m.UpdateContainerSample("exec-1", "python", 42.5, 1024)
	m.ClearContainerSample("exec-1", "python")
}

func TestRecordAdmissionRejection(t *testing.T) {
	m := Get()
	m.RecordAdmissionRejection("too_many_concurrent")
	m.RecordAdmissionRejection("too_many_concurrent")
}

func TestSetQueueLength(t *testing.T) {
	m := Get()
	m.SetQueueLength(3)
}
