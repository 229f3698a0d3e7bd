package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a rule engine lifecycle event.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// RunID is the associated run ID, if applicable.
	RunID string `json:"run_id,omitempty"`

	// Rule is the associated rule name, if applicable.
	Rule string `json:"rule,omitempty"`

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
	EventTypeRunTerminated = "run.terminated"
	EventTypeRuleInvoked   = "rule.invoked"
	EventTypeRuleSkipped   = "rule.skipped"
	EventTypeRuleFailed    = "rule.failed"
	EventTypePackReloaded  = "pack.reloaded"
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

// EventPublisher fans events out to subscribers. In async mode events are
// buffered and delivered in batches from a single goroutine; otherwise
// Publish delivers before returning. A nil publisher drops everything.
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
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.config.Enabled
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
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
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
		}
		select {
		case ep.buffer <- event:
			return nil
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
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s started (%s)", runID, mode),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"mode": mode,
		},
	})
}

// PublishRunCompleted publishes a run completed event.
func (ep *EventPublisher) PublishRunCompleted(runID string, results int, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s completed with %d results", runID, results),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"results":  results,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRunFailed publishes a run failed event.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "engine",
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishRunTerminated publishes the event for the rule that terminated a run.
func (ep *EventPublisher) PublishRunTerminated(runID, rule string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunTerminated,
		Source:  "engine",
		RunID:   runID,
		Rule:    rule,
		Message: fmt.Sprintf("Run %s terminated by %s", runID, rule),
		Level:   EventLevelWarning,
	})
}

// PublishRuleInvoked publishes a rule invoked event.
func (ep *EventPublisher) PublishRuleInvoked(runID, rule, lane string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRuleInvoked,
		Source:  "engine",
		RunID:   runID,
		Rule:    rule,
		Message: fmt.Sprintf("Rule %s invoked", rule),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"lane":     lane,
			"duration": duration.Seconds(),
		},
	})
}

// PublishRuleSkipped publishes a rule skipped event.
func (ep *EventPublisher) PublishRuleSkipped(runID, rule, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRuleSkipped,
		Source:  "engine",
		RunID:   runID,
		Rule:    rule,
		Message: fmt.Sprintf("Rule %s skipped: %s", rule, reason),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishRuleFailed publishes a rule failed event.
func (ep *EventPublisher) PublishRuleFailed(runID, rule, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRuleFailed,
		Source:  "engine",
		RunID:   runID,
		Rule:    rule,
		Message: fmt.Sprintf("Rule %s failed: %s", rule, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishPackReloaded publishes a rule pack reload event.
func (ep *EventPublisher) PublishPackReloaded(source string, rules int) error {
	return ep.Publish(Event{
		Type:    EventTypePackReloaded,
		Source:  "watcher",
		Message: fmt.Sprintf("Rule pack %s reloaded (%d rules)", source, rules),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"source": source,
			"rules":  rules,
		},
	})
}

// Subscribe adds a new event subscriber with an optional filter.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents drains the buffer, delivering a batch when it is full or
// when the flush interval elapses.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	interval := ep.config.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

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
			if len(batch) >= ep.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

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

// deliverEvent delivers an event to all matching subscribers.
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

// Shutdown flushes buffered events and stops the publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() || ep.cancel == nil {
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

// FilterByRule creates a filter that only allows events for a specific rule.
func FilterByRule(rule string) EventFilter {
	return func(event Event) bool {
		return event.Rule == rule
	}
}
