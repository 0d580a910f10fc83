package bridge

import "sync"

// Event names published by a Bridge.
const (
	EventModelLoaded       = "model_loaded"
	EventModelLoadFailed   = "model_load_failed"
	EventWarmed            = "warmed"
	EventEmbeddingIngested = "embedding_ingested"
	EventEmbeddingSkipped  = "embedding_skipped"
	EventGenerationDone    = "generation_done"
	EventContextReset      = "context_reset"
	EventClosed            = "closed"
)

// Event represents a bridge lifecycle event.
// Minimal and stable: name + session ID and optional fields via key/values.
type Event struct {
	Name    string
	Session string
	Fields  map[string]any
}

// EventPublisher receives events from the bridge. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// MemoryPublisher stores events in-memory for tests and the CLI.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher { return &MemoryPublisher{} }

func (p *MemoryPublisher) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the event names in publish order.
func (p *MemoryPublisher) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Name
	}
	return out
}
