// Package events provides a lightweight in-process pub/sub bus for
// runtime notifications: conversation turns, hook failures, tool calls,
// and document ingestion progress. Subscribers receive events on
// buffered channels; slow subscribers drop events rather than block
// the publisher.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Source identifies the subsystem that produced an event.
type Source string

const (
	SourcePipeline   Source = "pipeline"
	SourceAgent      Source = "agent"
	SourceRabbitHole Source = "rabbithole"
	SourceHooks      Source = "hooks"
	SourcePlugins    Source = "plugins"
)

// Kind identifies what happened.
type Kind string

const (
	KindTurnStarted     Kind = "turn_started"
	KindTurnCompleted   Kind = "turn_completed"
	KindTurnRejected    Kind = "turn_rejected"
	KindLLMCall         Kind = "llm_call"
	KindToolCall        Kind = "tool_call"
	KindHookError       Kind = "hook_error"
	KindIngestionDone   Kind = "ingestion_done"
	KindIngestionFailed Kind = "ingestion_failed"
	KindPluginToggled   Kind = "plugin_toggled"
)

// Event is a single bus notification.
type Event struct {
	Source  Source         `json:"source"`
	Kind    Kind           `json:"kind"`
	Time    time.Time      `json:"time"`
	Session string         `json:"session,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

const subscriberBuffer = 64

type subscriber struct {
	ch      chan Event
	sources map[Source]bool // nil means all sources
}

// Bus fan-outs events to subscribers. The zero value is not usable;
// construct with NewBus. A nil *Bus is safe to publish to.
type Bus struct {
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	dropped int64
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Bus{
		logger: logger,
		subs:   make(map[int]*subscriber),
	}
}

// Subscribe registers a new subscriber. If sources is empty the
// subscriber receives every event. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe(sources ...Source) (<-chan Event, func()) {
	if b == nil {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if len(sources) > 0 {
		sub.sources = make(map[Source]bool, len(sources))
		for _, s := range sources {
			sub.sources[s] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers an event to all matching subscribers without
// blocking. Events to full subscriber channels are dropped.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if sub.sources != nil && !sub.sources[ev.Source] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped++
			b.logger.Debug("event dropped, subscriber channel full",
				"source", ev.Source, "kind", ev.Kind)
		}
	}
}

// Emit is shorthand for Publish with the common fields.
func (b *Bus) Emit(source Source, kind Kind, session string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Session: session, Data: data})
}

// Dropped reports how many events were discarded because a subscriber
// channel was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
