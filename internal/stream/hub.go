// Package stream pushes deposit session updates to websocket subscribers.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ashureev/shsh-deposits/internal/notify"
)

const defaultBuffer = 16

type subscriber struct {
	userID string
	ch     chan notify.Notification
}

// Hub fans notifications out to the subscribers of each session token.
// It implements notify.Notifier.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	logger *slog.Logger
}

var _ notify.Notifier = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: defaultBuffer,
		logger: logger,
	}
}

// Subscribe registers userID for updates on token. The returned cancel func
// must be called to release the subscription.
func (h *Hub) Subscribe(token, userID string) (<-chan notify.Notification, func()) {
	sub := &subscriber{userID: userID, ch: make(chan notify.Notification, h.buffer)}

	h.mu.Lock()
	if _, exists := h.subs[token]; !exists {
		h.subs[token] = make(map[*subscriber]struct{})
	}
	h.subs[token][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { h.unsubscribe(token, sub) })
	}
}

func (h *Hub) unsubscribe(token string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.subs[token]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.subs, token)
		}
	}
}

// Subscribers returns the number of live subscriptions for token.
func (h *Hub) Subscribers(token string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[token])
}

// Notify delivers n to the session's subscribers owned by n.UserID. Slow
// subscribers miss events rather than block the pipeline.
func (h *Hub) Notify(_ context.Context, n notify.Notification) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[n.SessionToken] {
		if sub.userID != n.UserID {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			h.logger.Warn("Stream subscriber lagging; dropping event",
				"session_token", n.SessionToken, "kind", string(n.Kind))
		}
	}
	return nil
}
