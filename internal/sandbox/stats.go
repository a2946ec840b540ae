package sandbox

import "encoding/json"

// dockerStats mirrors the subset of the Docker Engine stats JSON payload
// this package needs; the full schema carries many fields this driver has
// no use for.
type dockerStats struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs  uint32 `json:"online_cpus"`
	} `json:"cpu_stats"`
	PreCPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Stats struct {
			InactiveFile uint64 `json:"inactive_file"`
			Cache        uint64 `json:"cache"`
		} `json:"stats"`
	} `json:"memory_stats"`
	PidsStats struct {
		Current uint64 `json:"current"`
	} `json:"pids_stats"`
}

func parseStats(raw []byte) (Sample, error) {
	var s dockerStats
	if err := json.Unmarshal(raw, &s); err != nil {
		return Sample{}, err
	}

	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	onlineCPUs := float64(s.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = 1
	}

	var cpuPct float64
	if sysDelta > 0 && cpuDelta > 0 {
		cpuPct = (cpuDelta / sysDelta) * onlineCPUs * 100.0
	}

	memUsage := int64(s.MemoryStats.Usage)
	cacheLike := s.MemoryStats.Stats.InactiveFile
	if cacheLike == 0 {
		cacheLike = s.MemoryStats.Stats.Cache
	}
	memUsage -= int64(cacheLike)
	if memUsage < 0 {
		memUsage = 0
	}

	return Sample{
		CPUPercent: cpuPct,
		MemBytes:   memUsage,
		Pids:       int64(s.PidsStats.Current),
		Running:    true,
	}, nil
}
