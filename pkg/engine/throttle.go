package engine

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/conveyor/conveyor/pkg/telemetry"
)

const (
	throttlePollInterval = 10 * time.Millisecond
	throttleMaxWait      = 2 * time.Second
)

// throttle defers the next shipment cycle while buffered items plus the live heap exceed
// the configured watermark.
type throttle struct {
	watermark int64
	heapInUse func() int64
	poll      time.Duration
	maxWait   time.Duration
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
}

func newThrottle(cfg Config, logger *telemetry.Logger, metrics *telemetry.Metrics) *throttle {
	return &throttle{
		watermark: cfg.MemoryHighWatermarkBytes,
		heapInUse: heapInUse,
		poll:      throttlePollInterval,
		maxWait:   throttleMaxWait,
		logger:    logger,
		metrics:   metrics,
	}
}

func heapInUse() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.HeapInuse)
}

func (t *throttle) pressure(rc *RunContext) int64 {
	_, buffered := rc.TotalBuffered()
	return buffered + t.heapInUse()
}

// wait blocks until pressure drops below the watermark, the bounded wait elapses or ctx is
// done. It returns the pressure that triggered the wait, or 0 when it did not wait.
func (t *throttle) wait(ctx context.Context, rc *RunContext) int64 {
	if t.watermark <= 0 {
		return 0
	}
	initial := t.pressure(rc)
	if initial <= t.watermark {
		return 0
	}

	t.metrics.RecordThrottleWait()
	t.logger.WithField("pressure_bytes", initial).
		WithField("watermark_bytes", t.watermark).
		Warn("memory pressure above watermark, deferring next shipment cycle")

	runtime.GC()
	debug.FreeOSMemory()

	deadline := time.NewTimer(t.maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for t.pressure(rc) > t.watermark {
		select {
		case <-ctx.Done():
			return initial
		case <-deadline.C:
			t.logger.Warn("memory pressure still above watermark, resuming")
			return initial
		case <-ticker.C:
		}
	}
	return initial
}
