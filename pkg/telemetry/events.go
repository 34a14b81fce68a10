package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable step of a run, delivered to subscribers such as the
// MQTT sink.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Node      string                 `json:"node,omitempty"`
	LoopID    string                 `json:"loop_id,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeClusterUp      = "cluster.up"
	EventTypeClusterLoaded  = "cluster.loaded"
	EventTypeActionComplete = "action.completed"
	EventTypeActionFailed   = "action.failed"
	EventTypeLoopStarted    = "loop.started"
	EventTypeLoopFinished   = "loop.finished"
	EventTypeMinerStarted   = "miner.started"
)

// Event levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber handles one event.
type EventSubscriber func(event Event)

// EventPublisher fans events out to subscribers from a single delivery
// goroutine, so each subscriber sees events in publish order.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []EventSubscriber

	mu     sync.RWMutex
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEventPublisher creates a publisher. A disabled config yields a
// publisher whose Publish is a no-op.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ep := &EventPublisher{
		config: cfg,
		buffer: make(chan Event, cfg.BufferSize),
		ctx:    ctx,
		cancel: cancel,
	}

	ep.wg.Add(1)
	go ep.processEvents()

	return ep
}

// Publish queues an event. It never blocks: a full buffer drops the event
// and returns an error.
func (ep *EventPublisher) Publish(event Event) error {
	if ep == nil || !ep.config.Enabled {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Level == "" {
		event.Level = EventLevelInfo
	}

	select {
	case <-ep.ctx.Done():
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, %s dropped", event.Type)
	}
}

// PublishAction publishes the outcome of one action.
func (ep *EventPublisher) PublishAction(action, from, to string, err error, duration time.Duration) error {
	event := Event{
		Type:    EventTypeActionComplete,
		Node:    from,
		Message: fmt.Sprintf("%s %s -> %s completed", action, from, to),
		Data: map[string]interface{}{
			"action":   action,
			"to":       to,
			"duration": duration.Seconds(),
		},
	}
	if err != nil {
		event.Type = EventTypeActionFailed
		event.Level = EventLevelError
		event.Message = fmt.Sprintf("%s %s -> %s failed: %v", action, from, to, err)
	}
	return ep.Publish(event)
}

// Subscribe adds a subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.subscribers = append(ep.subscribers, subscriber)
}

func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliver(event)
		case <-ep.ctx.Done():
			for {
				select {
				case event := <-ep.buffer:
					ep.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, subscriber := range ep.subscribers {
		subscriber(event)
	}
}

// Shutdown drains queued events and stops delivery.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || !ep.config.Enabled {
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
