package engine

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the executor configuration.
type Config struct {
	// MaxShipmentSize caps how many items a source produces per invocation.
	MaxShipmentSize int `yaml:"max_shipment_size" json:"max_shipment_size" validate:"min=1"`

	// MaxDegreeOfParallelism is the number of concurrent workers.
	MaxDegreeOfParallelism int `yaml:"max_degree_of_parallelism" json:"max_degree_of_parallelism" validate:"min=1"`

	// WatchdogTimeoutSeconds is how long one stage invocation may run before it is failed.
	WatchdogTimeoutSeconds float64 `yaml:"watchdog_timeout_seconds" json:"watchdog_timeout_seconds" validate:"gt=0"`

	// ProfilingWindowSize is the number of duration samples kept per stage.
	ProfilingWindowSize int `yaml:"profiling_window_size" json:"profiling_window_size" validate:"min=1"`

	// CostEmaAlpha is the smoothing factor of the per-stage cost average.
	CostEmaAlpha float64 `yaml:"cost_ema_alpha" json:"cost_ema_alpha" validate:"gt=0,lte=1"`

	// CriticalPathRecomputeInterval is the number of dequeues between critical path recomputations.
	CriticalPathRecomputeInterval int `yaml:"critical_path_recompute_interval" json:"critical_path_recompute_interval" validate:"min=1"`

	// CriticalPathBoost multiplies the priority of ready stages on the critical path.
	CriticalPathBoost float64 `yaml:"critical_path_boost" json:"critical_path_boost" validate:"gte=1"`

	// BatchSize is how many ranked ready stages the scheduler prefetches per refill.
	BatchSize int `yaml:"batch_size" json:"batch_size" validate:"min=1"`

	// ExecutionMode selects the scheduler by its registered name.
	ExecutionMode string `yaml:"execution_mode" json:"execution_mode" validate:"required"`

	// EnableGcThrottling defers new shipment cycles while memory pressure is high.
	EnableGcThrottling bool `yaml:"enable_gc_throttling" json:"enable_gc_throttling"`

	// MemoryHighWatermarkBytes is the pressure above which throttling kicks in.
	MemoryHighWatermarkBytes int64 `yaml:"memory_high_watermark_bytes" json:"memory_high_watermark_bytes" validate:"min=0"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		MaxShipmentSize:               64,
		MaxDegreeOfParallelism:        runtime.NumCPU(),
		WatchdogTimeoutSeconds:        30,
		ProfilingWindowSize:           20,
		CostEmaAlpha:                  0.2,
		CriticalPathRecomputeInterval: 10,
		CriticalPathBoost:             1.5,
		BatchSize:                     5,
		ExecutionMode:                 ModeAdaptive,
		EnableGcThrottling:            true,
		MemoryHighWatermarkBytes:      256 << 20,
	}
}

var validate = validator.New()

// Validate checks the configuration for invalid values.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid executor config: %w", err)
	}
	return nil
}

// WatchdogTimeout returns the per-invocation watchdog timeout.
func (c Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.WatchdogTimeoutSeconds * float64(time.Second))
}
