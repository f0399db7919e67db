package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RuntimeStats samples process state that tracks connection load: each
// websocket holds two goroutines and its send buffer lives on the heap.
var RuntimeStats = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "chatrelay_runtime_stats",
		Help: "Sampled runtime statistics (goroutines, heap_inuse, heap_objects, num_gc)",
	},
	[]string{"type"},
)

// CollectRuntime samples RuntimeStats every interval until ctx is cancelled.
func CollectRuntime(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sampleRuntime()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sampleRuntime()
		}
	}
}

func sampleRuntime() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	RuntimeStats.WithLabelValues("goroutines").Set(float64(runtime.NumGoroutine()))
	RuntimeStats.WithLabelValues("heap_inuse").Set(float64(stats.HeapInuse))
	RuntimeStats.WithLabelValues("heap_objects").Set(float64(stats.HeapObjects))
	RuntimeStats.WithLabelValues("num_gc").Set(float64(stats.NumGC))
}
