package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/conveyor/conveyor/pkg/pipeline"
	"github.com/conveyor/conveyor/pkg/telemetry"
)

// workerIdleWait bounds how long an idle worker sleeps before re-polling the scheduler.
const workerIdleWait = 25 * time.Millisecond

// Options carries the executor's collaborators. Every field is optional.
type Options struct {
	// Registry resolves Config.ExecutionMode. Defaults to DefaultRegistry().
	Registry *Registry

	// Validator is run once per graph before the first cycle.
	// Defaults to pipeline.StructuralValidator.
	Validator pipeline.Validator

	Logger   *telemetry.Logger
	Metrics  *telemetry.Metrics
	Tracer   *telemetry.Tracer
	Events   *telemetry.EventPublisher
	Recorder RunRecorder
}

// Executor runs pipeline graphs in shipment cycles on a bounded worker pool.
// One executor may run several graphs concurrently; each run has its own RunContext.
type Executor struct {
	mu  sync.RWMutex
	cfg Config

	registry  *Registry
	validator pipeline.Validator
	logger    *telemetry.Logger
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	events    *telemetry.EventPublisher
	recorder  RunRecorder
}

// NewExecutor creates an executor. The configuration is validated up front.
func NewExecutor(cfg Config, opts Options) (*Executor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, NewValidationError("invalid executor configuration", err)
	}

	e := &Executor{
		cfg:       cfg,
		registry:  opts.Registry,
		validator: opts.Validator,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		events:    opts.Events,
		recorder:  opts.Recorder,
	}
	if e.registry == nil {
		e.registry = DefaultRegistry()
	}
	if e.validator == nil {
		e.validator = pipeline.StructuralValidator{}
	}
	if e.logger == nil {
		e.logger = telemetry.NopLogger()
	}
	if e.metrics == nil {
		e.metrics = telemetry.NopMetrics()
	}
	if e.tracer == nil {
		e.tracer = telemetry.NopTracer()
	}
	if e.events == nil {
		e.events = telemetry.NopEventPublisher()
	}
	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}
	e.logger = e.logger.NewComponentLogger("executor")
	return e, nil
}

// Config returns the configuration used for new runs.
func (e *Executor) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetConfig replaces the configuration used for new runs. Runs in flight keep theirs.
func (e *Executor) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return NewValidationError("invalid executor configuration", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	return nil
}

// Registry returns the scheduler registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Run executes the graph until every source is exhausted and all work has drained, or ctx
// is cancelled.
//
// Stage failures do not stop the run; they are collected and returned together as a
// *RunError alongside the report. A cancelled run returns an error matching ErrRunCancelled.
// Validation failures are returned before anything executes, with a nil report.
func (e *Executor) Run(ctx context.Context, g *pipeline.Graph) (*RunReport, error) {
	cfg := e.Config()

	if g == nil {
		return nil, NewValidationError("graph is nil", nil)
	}
	if err := e.validator.Validate(ctx, g); err != nil {
		e.metrics.RecordError(string(ErrorClassValidation), ErrCodeValidation)
		return nil, NewValidationError("graph rejected", err)
	}
	costs := NewCostProfiler(cfg.ProfilingWindowSize, cfg.CostEmaAlpha)
	sched, err := e.registry.Create(cfg.ExecutionMode, cfg, costs)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	rc, err := newRunContext(runID, g, cfg)
	if err != nil {
		return nil, NewValidationError("graph rejected", err)
	}

	r := &run{
		exec:   e,
		cfg:    cfg,
		rc:     rc,
		sched:  sched,
		logger: e.logger.WithRunID(runID),
		wd:     newWatchdog(cfg.WatchdogTimeout()),
		thr:    newThrottle(cfg, e.logger.WithRunID(runID), e.metrics),
		costs:  costs,
	}
	return r.execute(ctx)
}

// run is the state of one Executor.Run call.
type run struct {
	exec   *Executor
	cfg    Config
	rc     *RunContext
	sched  Scheduler
	logger *telemetry.Logger
	wd     watchdog
	thr    *throttle
	costs  *CostProfiler
}

func (r *run) execute(ctx context.Context) (*RunReport, error) {
	e, rc, cfg := r.exec, r.rc, r.cfg
	runID := rc.RunID()
	started := time.Now()

	ctx, span := e.tracer.StartRunSpan(ctx, runID, cfg.ExecutionMode)
	defer span.End()

	e.metrics.RecordRunStarted(cfg.ExecutionMode)
	_ = e.events.PublishRunStarted(runID, cfg.ExecutionMode)
	r.logger.WithField("mode", cfg.ExecutionMode).
		WithField("stages", rc.Graph().Len()).
		WithField("parallelism", cfg.MaxDegreeOfParallelism).
		Info("run started")

	r.applyShipmentSize()
	r.sched.Initialize(rc)

	for ctx.Err() == nil {
		cycle := rc.beginCycle()
		if cycle > 1 {
			r.sched.BeginNextShipmentCycle(rc)
		}
		e.metrics.RecordCycle(cfg.ExecutionMode)
		_ = e.events.PublishCycleStarted(runID, cycle)
		r.logger.WithCycle(cycle).Debug("shipment cycle started")

		cctx, cspan := e.tracer.StartCycleSpan(ctx, cycle)
		r.drain(cctx)
		cspan.End()

		if ctx.Err() != nil {
			break
		}
		if !rc.anySourceLive() {
			r.checkDeadlock()
			break
		}
		if cfg.EnableGcThrottling {
			if p := r.thr.wait(ctx, rc); p > 0 {
				_ = e.events.PublishThrottled(runID, cycle, p)
			}
		}
	}

	var (
		status RunStatus
		runErr error
	)
	failures := rc.Failures()
	if err := ctx.Err(); err != nil {
		rc.cancelRemaining()
		status = RunStatusCancelled
		runErr = NewCancelledError(err)
	} else {
		status = runStatus(rc, len(failures))
		if len(failures) > 0 {
			runErr = newRunError(runID, failures)
		}
	}

	report := buildReport(rc, cfg.ExecutionMode, status, started, r.costs)
	items, bytes := rc.TotalBuffered()
	e.metrics.SetBuffered(items, bytes)
	e.metrics.SetRunningStages(0)
	e.metrics.RecordRunCompleted(string(status), report.Duration())
	for _, f := range failures {
		e.metrics.RecordError(string(f.Class), f.Code)
	}

	span.SetAttributes(telemetry.AttrRunStatus.String(string(status)))
	logger := r.logger.WithField("status", string(status)).
		WithField("cycles", report.Cycles).
		WithField("duration", report.Duration().String())
	switch status {
	case RunStatusCancelled:
		telemetry.RecordError(span, runErr)
		_ = e.events.PublishRunCancelled(runID)
		logger.Warn("run cancelled")
	case RunStatusSucceeded:
		telemetry.RecordSuccess(span)
		_ = e.events.PublishRunCompleted(runID, string(status), report.Cycles, report.Duration())
		logger.Info("run completed")
	default:
		telemetry.RecordError(span, runErr)
		_ = e.events.PublishRunFailed(runID, runErr.Error())
		logger.WithField("failures", len(failures)).Error("run completed with failures")
	}

	if err := e.recorder.RecordRun(context.WithoutCancel(ctx), report); err != nil {
		r.logger.WithError(err).Warn("failed to record run")
	}

	return report, runErr
}

// applyShipmentSize pushes the configured shipment size to every stage that accepts one.
func (r *run) applyShipmentSize() {
	g := r.rc.Graph()
	for i := 0; i < g.Len(); i++ {
		if ss, ok := g.Stage(pipeline.StageID(i)).(pipeline.ShipmentSource); ok {
			ss.SetMaxShipmentSize(r.cfg.MaxShipmentSize)
		}
	}
}

// shipmentCap is the number of items a source must produce to not count as exhausted.
func (r *run) shipmentCap(id pipeline.StageID) int {
	if ss, ok := r.rc.Graph().Stage(id).(pipeline.ShipmentSource); ok && ss.MaxShipmentSize() > 0 {
		return ss.MaxShipmentSize()
	}
	return r.cfg.MaxShipmentSize
}

// drain runs the worker pool until the cycle is quiescent or ctx is done.
func (r *run) drain(ctx context.Context) {
	workers := r.cfg.MaxDegreeOfParallelism
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			r.work(gctx)
			return nil
		})
	}
	_ = g.Wait()
}

func (r *run) work(ctx context.Context) {
	rc, sched := r.rc, r.sched
	for ctx.Err() == nil {
		changed := rc.Changed()
		if id, ok := sched.TryDequeue(rc); ok {
			r.process(ctx, id)
			continue
		}
		if rc.quiescent() && !sched.HasPendingWork(rc) {
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return
		case <-time.After(workerIdleWait):
		}
	}
}

// process runs one dispatched stage and applies its outcome.
func (r *run) process(ctx context.Context, id pipeline.StageID) {
	e, rc, sched := r.exec, r.rc, r.sched
	g := rc.Graph()
	name := g.Name(id)

	in, ok := rc.claim(id)
	if !ok {
		sched.NotifyCompleted(id, rc)
		rc.broadcast()
		return
	}

	cycle := rc.Cycle()
	logger := r.logger.WithStage(name).WithCycle(cycle)
	e.metrics.SetRunningStages(rc.Running())

	sctx, span := e.tracer.StartStageSpan(ctx, name, cycle, in.Count())
	start := time.Now()
	res := r.wd.invoke(sctx, g.Stage(id), in)
	d := time.Since(start)

	var blocked []pipeline.StageID
	outcome := "succeeded"
	switch {
	case res.timedOut:
		outcome = "timeout"
		if !res.abandoned {
			releaseInvocation(in, res.out)
		}
		cause := ErrStageTimeout
		if res.err != nil {
			cause = fmt.Errorf("%w: %w", ErrStageTimeout, res.err)
		}
		eerr := NewTimeoutError(name, cause).
			WithStage(name, cycle).
			WithDetail("timeout", r.wd.timeout.String())
		blocked = rc.fail(id, eerr, d)
		telemetry.RecordError(span, eerr)
		e.metrics.RecordWatchdogTimeout(name)
		_ = e.events.PublishStageTimedOut(rc.RunID(), name, cycle, r.wd.timeout)
		logger.WithField("abandoned", res.abandoned).Error("stage exceeded watchdog timeout")

	case res.err != nil && ctx.Err() != nil && !res.panicked:
		outcome = "cancelled"
		releaseInvocation(in, res.out)
		rc.cancel(id, d)
		logger.Debug("stage cancelled")

	case res.err != nil:
		outcome = "failed"
		releaseInvocation(in, res.out)
		eerr := NewStageError(name, res.err).WithStage(name, cycle)
		if res.panicked {
			eerr = eerr.WithCode(ErrCodeStagePanic)
		}
		blocked = rc.fail(id, eerr, d)
		telemetry.RecordError(span, eerr)
		_ = e.events.PublishStageFailed(rc.RunID(), name, cycle, res.err.Error())
		logger.WithError(res.err).Error("stage failed")

	default:
		releaseConsumed(in, res.out)
		deliveries, produced := route(g, id, res.out, logger)
		exhausted := g.IsSource(id) && produced < r.shipmentCap(id)
		blocked = rc.complete(id, deliveries, res.out.Count(), exhausted, d)
		span.SetAttributes(telemetry.AttrItemsOut.Int(res.out.Count()))
		telemetry.RecordSuccess(span)
		if exhausted {
			logger.WithField("produced", produced).Debug("source exhausted")
		}
	}
	span.End()

	r.costs.Observe(id, d)
	e.metrics.RecordStageInvocation(name, outcome, d, res.out.Count())
	sched.NotifyCompleted(id, rc)

	for _, b := range blocked {
		bname := g.Name(b)
		sched.NotifyBlocked(b, rc)
		e.metrics.RecordStageBlocked(bname)
		_ = e.events.PublishStageBlocked(rc.RunID(), bname, cycle)
		r.logger.WithStage(bname).WithCycle(cycle).Debug("stage blocked")
	}

	items, bytes := rc.TotalBuffered()
	e.metrics.SetBuffered(items, bytes)
	e.metrics.SetRunningStages(rc.Running())
	rc.broadcast()
}

// checkDeadlock fails every stage that is still pending once no source can produce.
func (r *run) checkDeadlock() {
	stuck := r.rc.stuckStages()
	if len(stuck) == 0 {
		return
	}
	err := NewInternalError(
		fmt.Sprintf("stages pending after all sources finished: %s", strings.Join(stuck, ", ")), nil).
		WithCode(ErrCodeDeadlock)
	r.rc.recordFailure(err)
	r.logger.WithField("stages", stuck).Error("deadlock detected")
}
