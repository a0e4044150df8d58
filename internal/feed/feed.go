// Package feed delivers "something changed" notifications for remote tables.
// Events carry the kind of change and, at best, a row id; consumers must not
// treat them as row content.
package feed

import (
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
	KindOther  Kind = "other"
)

// ParseKind maps a database operation name (INSERT, UPDATE, ...) to a Kind.
func ParseKind(op string) Kind {
	switch strings.ToUpper(strings.TrimSpace(op)) {
	case "INSERT":
		return KindInsert
	case "UPDATE":
		return KindUpdate
	case "DELETE":
		return KindDelete
	default:
		return KindOther
	}
}

type Mask uint8

const (
	MaskInsert Mask = 1 << iota
	MaskUpdate
	MaskDelete
	MaskOther

	MaskAll = MaskInsert | MaskUpdate | MaskDelete | MaskOther
)

func (m Mask) Matches(k Kind) bool {
	switch k {
	case KindInsert:
		return m&MaskInsert != 0
	case KindUpdate:
		return m&MaskUpdate != 0
	case KindDelete:
		return m&MaskDelete != 0
	default:
		return m&MaskOther != 0
	}
}

type Event struct {
	Table string `json:"table"`
	Kind  Kind   `json:"kind"`
	ID    string `json:"id,omitempty"`
}

var ErrHubClosed = errors.New("feed hub closed")

// Subscription is the handle returned by Subscribe. C is closed once the
// subscription is released.
type Subscription struct {
	C <-chan Event

	id    uint64
	table string
	mask  Mask
	ch    chan Event
}

// Hub fans events out to in-process subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	logger *zap.Logger
}

func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{subs: make(map[uint64]*Subscription), buffer: buffer, logger: logger}
}

func (h *Hub) Subscribe(table string, mask Mask) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	h.nextID++
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, id: h.nextID, table: table, mask: mask, ch: ch}
	h.subs[sub.id] = sub
	return sub, nil
}

// Unsubscribe releases sub. Once it returns no further event is delivered.
// It is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
}

// Publish delivers ev to every matching subscriber without blocking. A
// subscriber whose buffer is full loses the event.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.table != ev.Table || !sub.mask.Matches(ev.Kind) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("feed subscriber lagging, event dropped",
				zap.String("table", ev.Table),
				zap.String("kind", string(ev.Kind)),
			)
		}
	}
}

// Close releases every subscription and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
