// Package telemetry provides observability instrumentation for the conveyor engine.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and lifecycle event publishing.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// and hand the components to the engine:
//
//	exec, err := engine.NewExecutor(engine.DefaultConfig(), engine.Options{
//	    Logger:  tel.Logger,
//	    Tracer:  tel.Tracer,
//	    Metrics: tel.Metrics,
//	    Events:  tel.Events,
//	})
//
// # Structured Logging
//
//	logger := tel.Logger.NewComponentLogger("executor")
//	logger.WithRunID(runID).WithStage("resize").Debug("stage dispatched")
//
// Log levels: trace, debug, info, warn, error, fatal, disabled.
//
// # Tracing
//
// The executor opens one span per run, one per shipment cycle and one per stage
// invocation. Exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// All metrics live in a private registry exposed through Metrics.Handler. With metrics
// disabled every recording method is a no-op, so callers never need nil checks.
//
//	_ = tel.Metrics.StartMetricsServer(ctx, tel.Logger)
//
// # Events
//
// EventPublisher fans lifecycle events (run started/completed, cycle started, stage
// failed/blocked/timed out) out to subscribers, synchronously or through a buffer.
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Stage)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
package telemetry
