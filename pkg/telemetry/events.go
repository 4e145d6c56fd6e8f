package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a lifecycle event emitted by the engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// RunID is the associated run ID.
	RunID string `json:"run_id,omitempty"`

	// Stage is the associated stage name, if applicable.
	Stage string `json:"stage,omitempty"`

	// Cycle is the shipment cycle the event belongs to, if applicable.
	Cycle int `json:"cycle,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants.
const (
	EventTypeRunStarted    = "run.started"
	EventTypeRunCompleted  = "run.completed"
	EventTypeRunFailed     = "run.failed"
	EventTypeRunCancelled  = "run.cancelled"
	EventTypeCycleStarted  = "cycle.started"
	EventTypeStageFailed   = "stage.failed"
	EventTypeStageBlocked  = "stage.blocked"
	EventTypeStageTimedOut = "stage.timed_out"
	EventTypeThrottled     = "run.throttled"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
// In synchronous mode subscribers run on the publishing goroutine and must not block.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.buffer = make(chan Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// NopEventPublisher returns a disabled publisher.
func NopEventPublisher() *EventPublisher {
	return &EventPublisher{}
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	ep.deliverEvent(event)
	return nil
}

// PublishRunStarted publishes a run started event.
func (ep *EventPublisher) PublishRunStarted(runID, mode string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s started with scheduler %s", runID, mode),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"mode": mode,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID, status string, cycles int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed with status %s after %d cycles", runID, status, cycles),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"status":   status,
			"cycles":   cycles,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishRunCancelled publishes a run cancelled event.
func (ep *EventPublisher) PublishRunCancelled(runID string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCancelled,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s cancelled", runID),
		Level:   EventLevelWarning,
	})
}

// PublishCycleStarted publishes a shipment cycle started event.
func (ep *EventPublisher) PublishCycleStarted(runID string, cycle int) error {
	return ep.Publish(Event{
		Type:    EventTypeCycleStarted,
		RunID:   runID,
		Cycle:   cycle,
		Message: fmt.Sprintf("Shipment cycle %d started", cycle),
		Level:   EventLevelInfo,
	})
}

// PublishStageFailed publishes a stage failure event.
func (ep *EventPublisher) PublishStageFailed(runID, stage string, cycle int, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeStageFailed,
		RunID:   runID,
		Stage:   stage,
		Cycle:   cycle,
		Message: fmt.Sprintf("Stage %s failed: %s", stage, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishStageTimedOut publishes a watchdog timeout event.
func (ep *EventPublisher) PublishStageTimedOut(runID, stage string, cycle int, after time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeStageTimedOut,
		RunID:   runID,
		Stage:   stage,
		Cycle:   cycle,
		Message: fmt.Sprintf("Stage %s exceeded watchdog timeout of %s", stage, after),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"timeout": after.Seconds(),
		},
	})
}

// PublishStageBlocked publishes a stage blocked event.
func (ep *EventPublisher) PublishStageBlocked(runID, stage string, cycle int) error {
	return ep.Publish(Event{
		Type:    EventTypeStageBlocked,
		RunID:   runID,
		Stage:   stage,
		Cycle:   cycle,
		Message: fmt.Sprintf("Stage %s blocked: an input can no longer be supplied", stage),
		Level:   EventLevelWarning,
	})
}

// PublishThrottled publishes a backpressure wait event.
func (ep *EventPublisher) PublishThrottled(runID string, cycle int, pressure int64) error {
	return ep.Publish(Event{
		Type:    EventTypeThrottled,
		RunID:   runID,
		Cycle:   cycle,
		Message: fmt.Sprintf("Cycle %d deferred by memory pressure (%d bytes)", cycle, pressure),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"pressure_bytes": pressure,
		},
	})
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := func() {
		for _, event := range batch {
			ep.deliverEvent(event)
		}
		batch = batch[:0]
	}

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)
			if len(batch) >= ep.config.MaxBatchSize || len(ep.buffer) == 0 {
				flush()
			}

		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					flush()
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher, delivering buffered events.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	ep.cancel()

	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// LogSubscriber returns a subscriber that writes every event it receives to logger at info
// level, with the event's identity and data as fields.
func LogSubscriber(logger *Logger) EventSubscriber {
	return func(event Event) {
		fields := make(map[string]interface{}, len(event.Data)+4)
		for k, v := range event.Data {
			fields[k] = v
		}
		fields["event"] = event.Type
		fields["run_id"] = event.RunID
		if event.Stage != "" {
			fields["stage"] = event.Stage
		}
		if event.Cycle > 0 {
			fields["cycle"] = event.Cycle
		}
		logger.WithFields(fields).Infof("[%s] %s", event.Level, event.Message)
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByRunID creates a filter that only allows events for a specific run.
func FilterByRunID(runID string) EventFilter {
	return func(event Event) bool {
		return event.RunID == runID
	}
}

// FilterByStage creates a filter that only allows events for a specific stage.
func FilterByStage(stage string) EventFilter {
	return func(event Event) bool {
		return event.Stage == stage
	}
}
