// Package eventbus implements the Event Bus: a pub/sub channel for
// observability and human-in-the-loop prompts, matching subscribers by a
// "category:action" or "category:*" pattern.
//
// Publish never blocks the producer: events land in a bounded buffer and
// are dropped with a warning when it is full. Handlers run concurrently,
// each in its own failure domain.
package eventbus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/cairn/cairnerr"
)

// Category groups related actions: agent, tool, model, graph, human.
type Category string

const (
	CategoryAgent Category = "agent"
	CategoryTool  Category = "tool"
	CategoryModel Category = "model"
	CategoryGraph Category = "graph"
	CategoryHuman Category = "human"
)

// Event is one immutable, tagged record flowing through the bus.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  Category       `json:"category"`
	Action    string         `json:"action"`
	AgentID   string         `json:"agent_id,omitempty"`
	GraphID   string         `json:"graph_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// pattern returns the "category:action" string this event matches against.
func (e Event) pattern() string { return string(e.Category) + ":" + e.Action }

// Handler processes one delivered event. Handler errors are logged, never
// propagated or retried.
type Handler func(ctx context.Context, event Event) error

// New builds an Event with a generated ID and the current time, for callers
// that only need to supply category/action/payload.
func New(category Category, action, agentID, graphID string, payload map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Category:  category,
		Action:    action,
		AgentID:   agentID,
		GraphID:   graphID,
		Payload:   payload,
	}
}

type subscription struct {
	id      string
	pattern string
	handler Handler
}

func matches(pattern, candidate string) bool {
	if pattern == candidate {
		return true
	}
	catPattern, actionPattern, ok := strings.Cut(pattern, ":")
	if !ok {
		return false
	}
	catCandidate, actionCandidate, ok := strings.Cut(candidate, ":")
	if !ok {
		return false
	}
	if catPattern != catCandidate {
		return false
	}
	return actionPattern == "*" || actionPattern == actionCandidate
}

// Bus is the process-wide event bus. Dispatch to matching subscribers runs
// concurrently per event, isolated so one handler's error or panic cannot
// block or poison delivery to the others.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	logger *zap.Logger

	streamMu sync.Mutex
	streams  map[chan Event]struct{}

	buf          chan Event
	done         chan struct{}
	dispatchDone chan struct{}
	closeOnce    sync.Once
}

// NewBus creates a Bus and starts its single dispatch goroutine. Each
// Stream() subscriber gets a bounded channel; a full stream channel drops
// the event rather than blocking the dispatcher.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		subs:         make(map[string]*subscription),
		streams:      make(map[chan Event]struct{}),
		logger:       logger,
		buf:          make(chan Event, DefaultBufferSize),
		done:         make(chan struct{}),
		dispatchDone: make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// DefaultBufferSize bounds the bus's internal publish buffer.
const DefaultBufferSize = 1024

// DefaultStreamBuffer is the default bounded capacity of a Stream() channel.
const DefaultStreamBuffer = 1024

// Subscribe registers handler for every event matching pattern
// ("category:action" or "category:*"). Returns an unsubscribe function.
func (b *Bus) Subscribe(pattern string, handler Handler) func() {
	id := uuid.NewString()
	sub := &subscription{id: id, pattern: pattern, handler: handler}

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish enqueues event into the bus's bounded buffer and returns
// immediately; it never blocks the producer. A full buffer drops the event
// with a warning. Delivery to subscribers and streams happens on the bus's
// dispatch goroutine.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.buf <- event:
	default:
		b.logger.Warn("eventbus buffer full, dropping event",
			zap.String("event", event.pattern()), zap.String("event_id", event.ID))
	}
}

// dispatchLoop drains the bounded buffer one event at a time, preserving
// publish order; on Close it delivers whatever is already buffered, then
// exits.
func (b *Bus) dispatchLoop() {
	defer close(b.dispatchDone)
	for {
		select {
		case event := <-b.buf:
			b.dispatch(event)
		case <-b.done:
			for {
				select {
				case event := <-b.buf:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

// dispatch fans one event out to every matching subscriber (concurrently,
// each handler in its own failure domain) and to every open Stream()
// channel (dropped on a full channel). It waits for the handlers of this
// event before moving to the next so that a single subscriber observes
// events in publish order.
func (b *Bus) dispatch(event Event) {
	candidate := event.pattern()

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if matches(sub.pattern, candidate) {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range matched {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("eventbus handler panicked",
						zap.Any("recovered", r), zap.String("pattern", sub.pattern))
				}
			}()
			if err := sub.handler(context.Background(), event); err != nil {
				b.logger.Error("eventbus handler failed",
					zap.Error(err), zap.String("pattern", sub.pattern), zap.String("event", candidate))
			}
		}(sub)
	}
	wg.Wait()

	b.streamMu.Lock()
	for ch := range b.streams {
		select {
		case ch <- event:
		default:
			b.logger.Warn("eventbus stream buffer full, dropping event",
				zap.String("event", candidate), zap.String("event_id", event.ID))
		}
	}
	b.streamMu.Unlock()
}

// Close stops accepting new events, delivers what is already buffered, and
// waits for the dispatch goroutine to exit. Safe to call more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	<-b.dispatchDone
}

// Stream returns a channel that receives every event published after this
// call (publish order preserved), plus a cancel func that closes the
// channel and stops delivery. The channel is bounded at DefaultStreamBuffer;
// a slow consumer drops events rather than stalling publishers.
func (b *Bus) Stream() (<-chan Event, func()) {
	ch := make(chan Event, DefaultStreamBuffer)
	b.streamMu.Lock()
	b.streams[ch] = struct{}{}
	b.streamMu.Unlock()

	cancel := func() {
		b.streamMu.Lock()
		if _, ok := b.streams[ch]; ok {
			delete(b.streams, ch)
			close(ch)
		}
		b.streamMu.Unlock()
	}
	return ch, cancel
}

// WaitFor blocks until an event matching pattern and predicate arrives, ctx
// is done, or timeout elapses, whichever comes first. A zero timeout means
// "no timeout beyond ctx".
func (b *Bus) WaitFor(ctx context.Context, pattern string, predicate func(Event) bool, timeout time.Duration) (Event, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result := make(chan Event, 1)
	unsubscribe := b.Subscribe(pattern, func(_ context.Context, e Event) error {
		if predicate == nil || predicate(e) {
			select {
			case result <- e:
			default:
			}
		}
		return nil
	})
	defer unsubscribe()

	select {
	case e := <-result:
		return e, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return Event{}, cairnerr.New(cairnerr.Timeout, "wait_for timed out").WithField("pattern", pattern)
		}
		return Event{}, cairnerr.Wrap(cairnerr.Cancelled, "wait_for cancelled", ctx.Err())
	}
}
