// Package events provides a publish/subscribe bus for conversation cycle
// events. Events flow from the orchestrator and invoker to subscribers
// (the /v1/events WebSocket, the MQTT notifier). The bus is nil-safe:
// calling Publish or Emit on a nil *Bus is a no-op, so components do not
// need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceOrchestrator identifies events from conversation cycles.
	SourceOrchestrator = "orchestrator"
	// SourceInvoker identifies events from model invocations.
	SourceInvoker = "invoke"
	// SourceAPI identifies events from direct entity edits.
	SourceAPI = "api"
)

// Kind constants describe the type of event within a source.
const (
	// KindCycleState signals a cycle state transition.
	// Data: user_turn_id, state.
	KindCycleState = "cycle_state"
	// KindLLMCall signals the start of a backend call.
	// Data: request_id, call_site, tier, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a backend call.
	// Data: request_id, model, tokens_in, tokens_out, cost_usd,
	// elapsed_ms, ok.
	KindLLMResponse = "llm_response"
	// KindSuggestion signals a pending task suggestion.
	// Data: suggestion_id, title, room.
	KindSuggestion = "suggestion"
	// KindEntityUpdated signals a patched entity.
	// Data: fields, version, cause.
	KindEntityUpdated = "entity_updated"
	// KindDirectiveDropped signals a directive stripped without effect.
	// Data: tag, reason, error_kind.
	KindDirectiveDropped = "directive_dropped"
	// KindCycleComplete signals the end of a cycle. Clients reconcile
	// optimistic turns by these identifiers.
	// Data: user_turn_id, assistant_turn_id, tier, fallback, elapsed_ms.
	KindCycleComplete = "cycle_complete"
	// KindCycleAbandoned signals a cycle cancelled before any effect.
	// Data: user_turn_id.
	KindCycleAbandoned = "cycle_abandoned"
)

// Event represents a single event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Entity is the "kind/id" of the task or project concerned, if any.
	Entity string `json:"entity,omitempty"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu sync.RWMutex
	// subs maps each send channel to its entity filter ("" for all).
	subs map[chan Event]string
	// recvToSend lets Unsubscribe accept the caller's receive-only view.
	recvToSend map[<-chan Event]chan Event
	now        func() time.Time
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]string),
		recvToSend: make(map[<-chan Event]chan Event),
		now:        time.Now,
	}
}

// Publish sends an event to all matching subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, entity := range b.subs {
		if entity != "" && entity != e.Entity {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps and publishes an event. Safe to call on a nil receiver.
func (b *Bus) Emit(source, kind, entity string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: b.now(),
		Source:    source,
		Kind:      kind,
		Entity:    entity,
		Data:      data,
	})
}

// Subscribe returns a channel that receives every published event. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	return b.SubscribeEntity(bufSize, "")
}

// SubscribeEntity is Subscribe restricted to events about one entity.
// An empty entity matches everything.
func (b *Bus) SubscribeEntity(bufSize int, entity string) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = entity
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
