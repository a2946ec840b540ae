package sandbox

import "testing"

func TestParseStatsComputesCPUAndMemory(t *testing.T) {
	raw := []byte(`{
		"cpu_stats": {"cpu_usage": {"total_usage": 2000000000}, "system_cpu_usage": 10000000000, "online_cpus": 2},
		"precpu_stats": {"cpu_usage": {"total_usage": 1000000000}, "system_cpu_usage": 8000000000},
		"memory_stats": {"usage": 104857600, "stats": {"inactive_file": 1048576}},
		"pids_stats": {"current": 7}
	}`)

	sample, err := parseStats(raw)
	if err != nil {
		t.Fatalf("parseStats returned error: %v", err)
	}
	if !sample.Running {
		t.Fatalf("expected Running=true")
	}
	if sample.Pids != 7 {
		t.Fatalf("expected 7 pids, got %d", sample.Pids)
	}
	wantMem := int64(104857600 - 1048576)
	if sample.MemBytes != wantMem {
		t.Fatalf("expected mem %d, got %d", wantMem, sample.MemBytes)
	}
	if sample.CPUPercent <= 0 {
		t.Fatalf("expected positive cpu percent, got %f", sample.CPUPercent)
	}
}

func TestParseStatsHandlesZeroDeltas(t *testing.T) {
	raw := []byte(`{
		"cpu_stats": {"cpu_usage": {"total_usage": 500}, "system_cpu_usage": 500, "online_cpus": 1},
		"precpu_stats": {"cpu_usage": {"total_usage": 500}, "system_cpu_usage": 500},
		"memory_stats": {"usage": 1024, "stats": {}},
		"pids_stats": {"current": 1}
	}`)

	sample, err := parseStats(raw)
	if err != nil {
		t.Fatalf("parseStats returned error: %v", err)
	}
	if sample.CPUPercent != 0 {
		t.Fatalf("expected 0 cpu percent on zero delta, got %f", sample.CPUPercent)
	}
}
