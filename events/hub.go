package events

import (
	"context"
	"sync"

	"github.com/dcap-x-project/dcap-commerce/logger"
)

const defaultReplaySize = 100

// subscriber is one consumer of the broadcast stream. Both websocket
// connections and in-process subscriptions sit behind the same channel.
type subscriber struct {
	send chan []byte
}

// Hub fans market events out to all subscribers and keeps a bounded replay
// buffer so late joiners see recent history
type Hub struct {
	register   chan *subscriber
	unregister chan *subscriber
	broadcast  chan []byte

	subscribers map[*subscriber]bool

	mu         sync.RWMutex
	replay     [][]byte
	replaySize int

	log *logger.Logger
}

// NewHub creates a hub with the default replay buffer
func NewHub() *Hub {
	return &Hub{
		register:    make(chan *subscriber),
		unregister:  make(chan *subscriber),
		broadcast:   make(chan []byte, 64),
		subscribers: make(map[*subscriber]bool),
		replay:      make([][]byte, 0, defaultReplaySize),
		replaySize:  defaultReplaySize,
		log:         logger.New().WithComponent("events"),
	}
}

// Run processes registrations and broadcasts until the context ends
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for sub := range h.subscribers {
				close(sub.send)
				delete(h.subscribers, sub)
			}
			return

		case sub := <-h.register:
			h.subscribers[sub] = true
			for _, msg := range h.snapshotReplay() {
				select {
				case sub.send <- msg:
				default:
				}
			}

		case sub := <-h.unregister:
			if h.subscribers[sub] {
				delete(h.subscribers, sub)
				close(sub.send)
			}

		case msg := <-h.broadcast:
			h.appendReplay(msg)
			for sub := range h.subscribers {
				select {
				case sub.send <- msg:
				default:
					// Slow subscriber, drop it rather than block the hub
					delete(h.subscribers, sub)
					close(sub.send)
				}
			}
		}
	}
}

// Publish broadcasts a market event to every subscriber
func (h *Hub) Publish(event *MarketEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return err
	}
	h.log.WithFields(map[string]interface{}{
		"event_type":     string(event.Type),
		"transaction_id": event.TransactionID.String(),
	}).Debug("publishing market event")
	h.broadcast <- data
	return nil
}

// Subscription is an in-process view of the broadcast stream
type Subscription struct {
	C      <-chan []byte
	hub    *Hub
	sub    *subscriber
	cancel sync.Once
}

// Subscribe attaches an in-process subscriber. The caller must drain C and
// call Cancel when done.
func (h *Hub) Subscribe() *Subscription {
	sub := &subscriber{send: make(chan []byte, 64)}
	h.register <- sub
	return &Subscription{C: sub.send, hub: h, sub: sub}
}

// Cancel detaches the subscription from the hub
func (s *Subscription) Cancel() {
	s.cancel.Do(func() {
		s.hub.unregister <- s.sub
	})
}

// Recent returns a copy of the replay buffer, oldest first
func (h *Hub) Recent() [][]byte {
	return h.snapshotReplay()
}

func (h *Hub) appendReplay(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.replay = append(h.replay, msg)
	if len(h.replay) > h.replaySize {
		h.replay = h.replay[len(h.replay)-h.replaySize:]
	}
}

func (h *Hub) snapshotReplay() [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([][]byte, len(h.replay))
	copy(out, h.replay)
	return out
}
