package stream

import (
	"context"
	"log/slog"
	"sync"

	"nxmramm/core/events"
	"nxmramm/core/types"
	"nxmramm/observability"
	"nxmramm/services/rammd/storage"
)

// Journal persists and replays emitted events.
type Journal interface {
	RecordEvent(ctx context.Context, evt *types.Event) error
	RecentEvents(ctx context.Context, eventType string, limit int) ([]storage.EventRecord, error)
}

type renderer interface {
	Event() *types.Event
}

// Hub fans engine events out to the journal and to live subscribers. A
// subscriber whose buffer is full is disconnected rather than blocking the
// emitter.
type Hub struct {
	journal Journal
	logger  *slog.Logger
	buffer  int

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// NewHub constructs a hub. A nil journal disables persistence.
func NewHub(journal Journal, buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		journal: journal,
		logger:  logger,
		buffer:  buffer,
		subs:    make(map[uint64]*Subscription),
	}
}

// Subscription is one live consumer of the hub.
type Subscription struct {
	id   uint64
	hub  *Hub
	ch   chan *types.Event
	once sync.Once
}

// Events returns the delivery channel. It is closed when the subscription is
// cancelled or dropped for falling behind.
func (s *Subscription) Events() <-chan *types.Event { return s.ch }

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.hub.remove(s.id)
}

func (s *Subscription) shut() {
	s.once.Do(func() { close(s.ch) })
}

// Render converts an engine event into its wire form.
func Render(evt events.Event) *types.Event {
	if evt == nil {
		return nil
	}
	if r, ok := evt.(renderer); ok {
		if rendered := r.Event(); rendered != nil {
			return rendered
		}
	}
	return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	rendered := Render(evt)
	if rendered == nil {
		return
	}
	observability.Events().RecordEmitted(rendered.Type)
	if h.journal != nil {
		if err := h.journal.RecordEvent(context.Background(), rendered); err != nil {
			h.logger.Error("journal event", slog.String("type", rendered.Type), slog.Any("error", err))
		}
	}
	h.broadcast(rendered)
}

func (h *Hub) broadcast(evt *types.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		select {
		case sub.ch <- evt:
		default:
			delete(h.subs, id)
			sub.shut()
			observability.Events().RecordDropped(evt.Type)
			h.logger.Warn("dropped slow event subscriber", slog.Uint64("subscriber", id))
		}
	}
}

// Subscribe registers a live consumer. After Close the returned subscription
// is already shut.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &Subscription{id: h.nextID, hub: h, ch: make(chan *types.Event, h.buffer)}
	if h.closed {
		sub.shut()
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Subscribers returns the number of live consumers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Backlog returns up to limit journaled events, oldest first.
func (h *Hub) Backlog(ctx context.Context, limit int) ([]*types.Event, error) {
	if h.journal == nil || limit <= 0 {
		return nil, nil
	}
	records, err := h.journal.RecentEvents(ctx, "", limit)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Event, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, &types.Event{Type: records[i].Type, Attributes: records[i].Attributes})
	}
	return out, nil
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		sub.shut()
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.shut()
	}
}

var _ events.Emitter = (*Hub)(nil)
