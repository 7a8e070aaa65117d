package gateway

import (
	"runtime"
	"time"
)

// Stats is the payload of the periodic "stats" WS envelope.
type Stats struct {
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	SysMB       float64 `json:"sys_mb"`
	GCRuns      uint32  `json:"gc_runs"`
	Goroutines  int     `json:"goroutines"`
	CPUCores    int     `json:"cpu_cores"`
	UptimeSec   int64   `json:"uptime_sec"`
	Clients     int     `json:"clients"`
	FeedState   string  `json:"feed_state,omitempty"`
	LatencyP50  float64 `json:"broadcast_p50_ms"`
	LatencyP95  float64 `json:"broadcast_p95_ms"`
	LatencyP99  float64 `json:"broadcast_p99_ms"`
	TS          string  `json:"ts"`
}

// CollectStats gathers process resource usage.
func CollectStats(start time.Time) Stats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Stats{
		HeapAllocMB: float64(ms.HeapAlloc) / 1024 / 1024,
		SysMB:       float64(ms.Sys) / 1024 / 1024,
		GCRuns:      ms.NumGC,
		Goroutines:  runtime.NumGoroutine(),
		CPUCores:    runtime.NumCPU(),
		UptimeSec:   int64(time.Since(start).Seconds()),
		TS:          time.Now().UTC().Format(time.RFC3339Nano),
	}
}
