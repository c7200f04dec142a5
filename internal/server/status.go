package server

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/framecast/framecast/internal/registry"
)

var startTime = time.Now()

type processStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	Goroutines int     `json:"goroutines"`
	UptimeSec  int64   `json:"uptime_sec"`
}

type stateResponse struct {
	Streams     []registry.StreamStatus `json:"streams"`
	Connections int                     `json:"connections"`
	Process     processStats            `json:"process"`
}

// stateHandler reports live streams and coarse process telemetry.
func stateHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := stateResponse{
			Streams: reg.Snapshot(),
			Process: processStats{
				Goroutines: runtime.NumGoroutine(),
				UptimeSec:  int64(time.Since(startTime).Seconds()),
			},
		}
		for _, s := range resp.Streams {
			resp.Connections += s.Producers
		}
		if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
			if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
				resp.Process.RSSBytes = mem.RSS
			}
			if cpu, err := proc.CPUPercent(); err == nil {
				resp.Process.CPUPercent = cpu
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
