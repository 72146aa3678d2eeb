package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

const DefaultBuffer = 256

// ErrSlowSubscriber is reported by a subscription the hub dropped because its
// buffer filled up. The subscriber has missed events and must re-fetch.
var ErrSlowSubscriber = errors.New("realtime: subscriber too slow, events dropped")

// ErrHubClosed is reported by subscriptions ended by Hub.Close.
var ErrHubClosed = errors.New("realtime: hub closed")

// Hub routes events to per-conversation subscribers. Each subscriber owns a
// buffered channel; events reach it in publish order and Publish never waits
// for it.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	buffer int
	closed bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{topics: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscription is a live registration on one conversation channel.
type Subscription struct {
	hub            *Hub
	conversationID string
	ch             chan Event
	done           chan struct{}
	once           sync.Once
	dropped        atomic.Bool
	err            atomic.Value
}

// Subscribe registers on conversationID. The subscription ends when ctx is
// cancelled or Close is called.
func (h *Hub) Subscribe(ctx context.Context, conversationID string) *Subscription {
	sub := &Subscription{
		hub:            h,
		conversationID: conversationID,
		ch:             make(chan Event, h.buffer),
		done:           make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.err.Store(ErrHubClosed)
		close(sub.ch)
		close(sub.done)
		sub.once.Do(func() {})
		return sub
	}
	subs, ok := h.topics[conversationID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[conversationID] = subs
	}
	subs[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()

	log.Debug().Str("conversationID", conversationID).Msg("Realtime subscriber added")
	return sub
}

// Listen is Subscribe behind the Stream interface, for in-process views.
func (h *Hub) Listen(ctx context.Context, conversationID string) (Stream, error) {
	sub := h.Subscribe(ctx, conversationID)
	if err := sub.Err(); err != nil {
		return nil, err
	}
	return sub, nil
}

// Publish delivers e to every subscriber of its conversation.
func (h *Hub) Publish(e Event) {
	if e.ConversationID == "" {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.topics[e.ConversationID] {
		if sub.dropped.Load() {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Store(true)
			log.Warn().Str("conversationID", e.ConversationID).Msg("Realtime subscriber buffer full, dropping subscriber")
			go sub.closeWith(ErrSlowSubscriber)
		}
	}
}

func (h *Hub) SubscriberCount(conversationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[conversationID])
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var all []*Subscription
	for _, subs := range h.topics {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.closeWith(ErrHubClosed)
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[sub.conversationID]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.conversationID)
	}
	// Publish only sends under the read lock, so closing here cannot race a send.
	close(sub.ch)
}

// Events yields the conversation's events in publish order. The channel is
// closed when the subscription ends.
func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) ConversationID() string { return s.conversationID }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: nil after Close or context
// cancellation, ErrSlowSubscriber or ErrHubClosed otherwise.
func (s *Subscription) Err() error {
	if err, ok := s.err.Load().(error); ok {
		return err
	}
	return nil
}

// Close unsubscribes and releases the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeWith(nil)
}

func (s *Subscription) closeWith(err error) {
	s.once.Do(func() {
		if err != nil {
			s.err.Store(err)
		}
		s.hub.remove(s)
		close(s.done)
		log.Debug().Str("conversationID", s.conversationID).Msg("Realtime subscriber removed")
	})
}
