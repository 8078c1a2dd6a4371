package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/types"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func receiveEvent(t *testing.T, ch <-chan []byte) *MarketEvent {
	t.Helper()
	select {
	case data := <-ch:
		var ev MarketEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return &ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// TestPublishReachesSubscribers tests the basic fan-out path
func TestPublishReachesSubscribers(t *testing.T) {
	hub := newTestHub(t)

	first := hub.Subscribe()
	defer first.Cancel()
	second := hub.Subscribe()
	defer second.Cancel()

	txID := types.TransactionID(uuid.New())
	event := NewMarketEvent(EventQuoteIssued, map[string]any{"price": 1140.0}).WithTransaction(txID)
	if err := hub.Publish(event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, sub := range []*Subscription{first, second} {
		got := receiveEvent(t, sub.C)
		if got.Type != EventQuoteIssued {
			t.Errorf("Expected quote.issued, got %s", got.Type)
		}
		if got.TransactionID != txID {
			t.Errorf("Expected transaction %s, got %s", txID, got.TransactionID)
		}
	}
}

// TestLateSubscriberGetsReplay tests that the replay buffer is delivered on
// subscribe
func TestLateSubscriberGetsReplay(t *testing.T) {
	hub := newTestHub(t)

	early := hub.Subscribe()
	for _, typ := range []EventType{EventNegotiationCreated, EventQuoteIssued, EventNegotiationAccepted} {
		if err := hub.Publish(NewMarketEvent(typ, nil)); err != nil {
			t.Fatalf("publish: %v", err)
		}
		receiveEvent(t, early.C)
	}
	early.Cancel()

	late := hub.Subscribe()
	defer late.Cancel()

	want := []EventType{EventNegotiationCreated, EventQuoteIssued, EventNegotiationAccepted}
	for i, typ := range want {
		got := receiveEvent(t, late.C)
		if got.Type != typ {
			t.Errorf("Expected replayed event %d to be %s, got %s", i, typ, got.Type)
		}
	}
}

// TestReplayBufferIsBounded tests that old events fall off the buffer
func TestReplayBufferIsBounded(t *testing.T) {
	hub := newTestHub(t)
	drain := hub.Subscribe()
	defer drain.Cancel()

	for i := 0; i < defaultReplaySize+10; i++ {
		if err := hub.Publish(NewMarketEvent(EventQuoteIssued, map[string]any{"seq": i})); err != nil {
			t.Fatalf("publish: %v", err)
		}
		receiveEvent(t, drain.C)
	}

	recent := hub.Recent()
	if len(recent) != defaultReplaySize {
		t.Errorf("Expected %d buffered events, got %d", defaultReplaySize, len(recent))
	}

	var first MarketEvent
	if err := json.Unmarshal(recent[0], &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if seq, ok := first.Payload["seq"].(float64); !ok || int(seq) != 10 {
		t.Errorf("Expected oldest buffered event to be seq 10, got %v", first.Payload["seq"])
	}
}

// TestCancelStopsDelivery tests that cancelled subscriptions are detached
func TestCancelStopsDelivery(t *testing.T) {
	hub := newTestHub(t)

	sub := hub.Subscribe()
	sub.Cancel()

	if err := hub.Publish(NewMarketEvent(EventQuoteIssued, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Error("Expected no delivery after cancel")
		}
	case <-time.After(50 * time.Millisecond):
	}
}
