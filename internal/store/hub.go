package store

import (
	"context"
	"sync"

	"foodbridge/core/internal/models"
)

// Bus fans appended chat messages out to live subscribers.
type Bus interface {
	Publish(ctx context.Context, m models.ChatMessage) error
	Subscribe(ctx context.Context, listingID string, fn func(models.ChatMessage)) (Unsubscribe, error)
}

// Hub is an in-process Bus. Each subscription owns its own entry, so one
// caller unsubscribing never affects another.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(models.ChatMessage)
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]func(models.ChatMessage))}
}

func (h *Hub) Publish(_ context.Context, m models.ChatMessage) error {
	h.mu.RLock()
	fns := make([]func(models.ChatMessage), 0, len(h.subs[m.ListingID]))
	for _, fn := range h.subs[m.ListingID] {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(m)
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, listingID string, fn func(models.ChatMessage)) (Unsubscribe, error) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	if h.subs[listingID] == nil {
		h.subs[listingID] = make(map[int]func(models.ChatMessage))
	}
	h.subs[listingID][id] = fn
	h.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[listingID], id)
			if len(h.subs[listingID]) == 0 {
				delete(h.subs, listingID)
			}
		})
	}

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			unsubscribe()
		}()
	}

	return unsubscribe, nil
}

// Subscribers returns the number of live subscriptions for listingID.
func (h *Hub) Subscribers(listingID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[listingID])
}
