package seller

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/events"
	"github.com/dcap-x-project/dcap-commerce/internal/identity"
	"github.com/dcap-x-project/dcap-commerce/storage"
	"github.com/dcap-x-project/dcap-commerce/trust"
	"github.com/dcap-x-project/dcap-commerce/types"
)

func almostEqual(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff < 1e-9
}

func testCatalog() []types.Product {
	return []types.Product{
		{
			ID:            "prod-1",
			Name:          "industrial widget",
			Category:      "tools",
			BasePrice:     100.0,
			Currency:      "USD",
			StockQuantity: 50,
		},
	}
}

func newTestSetup(t *testing.T) (*Client, *Agent, storage.Store) {
	t.Helper()

	store := storage.NewMemoryStore()
	trustEngine := trust.NewEngine(trust.Config{TokenSecret: "test-secret"}, store)
	hub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	ident, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}

	agent := NewAgent(Options{
		ID:             uuid.New(),
		Name:           "widgets-inc",
		Endpoint:       "http://localhost:9100",
		Identity:       ident,
		Catalog:        testCatalog(),
		Store:          store,
		Trust:          trustEngine,
		Hub:            hub,
		PaymentMethods: []types.PaymentMethod{types.PaymentMethodStripe, types.PaymentMethodEscrow},
	})

	mux := http.NewServeMux()
	NewServer(agent).Routes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return NewClient(ts.URL, 2*time.Second), agent, store
}

func seedBuyer(t *testing.T, store storage.Store, score int) types.AgentID {
	t.Helper()
	buyerID := uuid.New()
	rec := &storage.ReputationRecord{
		AgentID:         buyerID,
		Score:           score,
		LastUpdatedUnix: time.Now().Unix(),
	}
	if err := store.SaveReputation(context.Background(), rec); err != nil {
		t.Fatalf("seed reputation: %v", err)
	}
	return buyerID
}

func testRFQ(buyerID types.AgentID, quantity int, maxPrice float64) *types.RFQ {
	rfq := types.NewRFQ(buyerID, "prod-1", quantity, maxPrice, "USD", time.Now().Add(time.Hour))
	return rfq
}

// waitForEvent drains the subscription until an event of the wanted type
// arrives
func waitForEvent(t *testing.T, sub *events.Subscription, want events.EventType) *events.MarketEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscription closed waiting for %s", want)
			}
			var event events.MarketEvent
			if err := json.Unmarshal(msg, &event); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			if event.Type == want {
				return &event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

// TestQuoteOverHTTP tests the RFQ round trip through the HTTP protocol,
// including the quote signature buyers check against the seller's key
func TestQuoteOverHTTP(t *testing.T) {
	client, agent, store := newTestSetup(t)
	buyerID := seedBuyer(t, store, 70)

	resp, err := client.RequestQuote(context.Background(), testRFQ(buyerID, 2, 500))
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}
	if resp.Quote == nil || resp.Quote.Price <= 0 {
		t.Fatalf("Expected a priced quote, got %+v", resp.Quote)
	}
	if resp.Message == "" {
		t.Error("Expected a phrased quote message")
	}

	sig, err := hex.DecodeString(resp.Signature)
	if err != nil || len(sig) < 64 {
		t.Fatalf("Expected a hex quote signature, got %q", resp.Signature)
	}
	pub, err := hex.DecodeString(agent.identity.PublicKeyHex())
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if !crypto.VerifySignature(pub, crypto.Keccak256(resp.Quote.ID[:]), sig[:64]) {
		t.Error("Expected quote signature to verify against the seller's key")
	}

	n, err := client.Negotiation(context.Background(), resp.NegotiationID)
	if err != nil {
		t.Fatalf("negotiation: %v", err)
	}
	if n.Status != types.StatusQuoted {
		t.Errorf("Expected quoted negotiation, got %s", n.Status)
	}
}

// TestQuoteRejectsLowReputationBuyer tests the reputation gate over HTTP
func TestQuoteRejectsLowReputationBuyer(t *testing.T) {
	client, _, store := newTestSetup(t)
	buyerID := seedBuyer(t, store, 30)

	_, err := client.RequestQuote(context.Background(), testRFQ(buyerID, 2, 500))
	if types.KindOf(err) != types.KindInsufficientReputation {
		t.Errorf("Expected insufficient-reputation error, got %v", err)
	}
}

// TestQuoteRejectsUnknownProduct tests the not-found mapping over HTTP
func TestQuoteRejectsUnknownProduct(t *testing.T) {
	client, _, store := newTestSetup(t)
	buyerID := seedBuyer(t, store, 70)

	rfq := testRFQ(buyerID, 2, 500)
	rfq.ProductID = "prod-x"
	if _, err := client.RequestQuote(context.Background(), rfq); !types.IsNotFound(err) {
		t.Errorf("Expected not-found error, got %v", err)
	}
}

// TestCounterRoundTrip tests a counter-offer landing a revised quote
func TestCounterRoundTrip(t *testing.T) {
	client, _, store := newTestSetup(t)
	buyerID := seedBuyer(t, store, 70)
	ctx := context.Background()

	quoted, err := client.RequestQuote(ctx, testRFQ(buyerID, 2, 500))
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}

	countered, err := client.Counter(ctx, quoted.NegotiationID, 450)
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	// Score 70 lands in the 0.90 acceptance band
	if !almostEqual(countered.Quote.Price, 405.0) {
		t.Errorf("Expected revised price 405.00, got %.2f", countered.Quote.Price)
	}

	n, err := client.Negotiation(ctx, quoted.NegotiationID)
	if err != nil {
		t.Fatalf("negotiation: %v", err)
	}
	if n.Status != types.StatusNegotiating {
		t.Errorf("Expected negotiating status, got %s", n.Status)
	}
}

// TestCounterBelowFloorRejectsNegotiation tests the floor rule over HTTP
func TestCounterBelowFloorRejectsNegotiation(t *testing.T) {
	client, agent, store := newTestSetup(t)
	buyerID := seedBuyer(t, store, 70)
	ctx := context.Background()

	quoted, err := client.RequestQuote(ctx, testRFQ(buyerID, 2, 500))
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}

	sub := agent.hub.Subscribe()
	t.Cleanup(sub.Cancel)

	// Floor is 80% of the 500 opening bid
	if _, err := client.Counter(ctx, quoted.NegotiationID, 399); !types.IsValidation(err) {
		t.Fatalf("Expected validation error below floor, got %v", err)
	}

	n, err := client.Negotiation(ctx, quoted.NegotiationID)
	if err != nil {
		t.Fatalf("negotiation: %v", err)
	}
	if n.Status != types.StatusRejected {
		t.Errorf("Expected rejected negotiation after floor violation, got %s", n.Status)
	}

	// The rejection broadcast carries a phrased reason
	event := waitForEvent(t, sub, events.EventNegotiationRejected)
	if msg, _ := event.Payload["message"].(string); msg == "" {
		t.Errorf("Expected a phrased rejection message, got %v", event.Payload)
	}
}

// TestAcceptAfterQuoteExpiry tests that a lapsed quote expires the
// negotiation and announces it
func TestAcceptAfterQuoteExpiry(t *testing.T) {
	client, agent, store := newTestSetup(t)
	buyerID := seedBuyer(t, store, 70)
	ctx := context.Background()

	quoted, err := client.RequestQuote(ctx, testRFQ(buyerID, 2, 500))
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}

	// Age the quote past its TTL
	quote, err := store.GetQuote(ctx, quoted.Quote.ID)
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	quote.CreatedAt = time.Now().Add(-2 * time.Hour)
	if err := store.SaveQuote(ctx, quote); err != nil {
		t.Fatalf("save quote: %v", err)
	}

	sub := agent.hub.Subscribe()
	t.Cleanup(sub.Cancel)

	if _, err := client.Accept(ctx, quoted.NegotiationID, quoted.Quote.Price); !types.IsExpired(err) {
		t.Fatalf("Expected expired error, got %v", err)
	}

	n, err := client.Negotiation(ctx, quoted.NegotiationID)
	if err != nil {
		t.Fatalf("negotiation: %v", err)
	}
	if n.Status != types.StatusExpired {
		t.Errorf("Expected expired negotiation, got %s", n.Status)
	}
	waitForEvent(t, sub, events.EventNegotiationExpired)
}

// TestAcceptAndSettleOverHTTP tests the full path from quote to settlement
func TestAcceptAndSettleOverHTTP(t *testing.T) {
	client, agent, store := newTestSetup(t)
	buyerID := seedBuyer(t, store, 70)
	ctx := context.Background()

	quoted, err := client.RequestQuote(ctx, testRFQ(buyerID, 2, 500))
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}

	n, err := client.Accept(ctx, quoted.NegotiationID, quoted.Quote.Price)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if n.Status != types.StatusAccepted {
		t.Fatalf("Expected accepted negotiation, got %s", n.Status)
	}

	sub := agent.hub.Subscribe()
	t.Cleanup(sub.Cancel)

	ack, err := client.NotifySettlement(ctx, quoted.NegotiationID, SettlementNotice{
		PaymentID:     "stripe_test",
		PaymentMethod: types.PaymentMethodStripe,
		Success:       true,
	})
	if err != nil {
		t.Fatalf("notify settlement: %v", err)
	}
	if ack.Status != types.StatusSettled {
		t.Errorf("Expected settled status, got %s", ack.Status)
	}
	if ack.Message == "" {
		t.Error("Expected a settlement receipt message")
	}

	// Stock reduced by the settled quantity
	product, err := agent.seller.Product("prod-1")
	if err != nil {
		t.Fatalf("product: %v", err)
	}
	if product.StockQuantity != 48 {
		t.Errorf("Expected stock 48 after settlement, got %d", product.StockQuantity)
	}

	// Both parties got the success hook
	buyerRep, err := store.GetReputation(ctx, buyerID)
	if err != nil {
		t.Fatalf("buyer reputation: %v", err)
	}
	if buyerRep.Score != 75 {
		t.Errorf("Expected buyer score 75 after success hook, got %d", buyerRep.Score)
	}
	sellerRep, err := store.GetReputation(ctx, agent.ID())
	if err != nil {
		t.Fatalf("seller reputation: %v", err)
	}
	if sellerRep.Score != 5 {
		t.Errorf("Expected seller score 5 after success hook, got %d", sellerRep.Score)
	}

	// The hooks are announced with the post-update scores
	event := waitForEvent(t, sub, events.EventReputationUpdated)
	if outcome, _ := event.Payload["outcome"].(string); outcome != "success" {
		t.Errorf("Expected success outcome in event, got %v", event.Payload["outcome"])
	}
	if score, _ := event.Payload["buyer_score"].(float64); score != 75 {
		t.Errorf("Expected buyer score 75 in event, got %v", event.Payload["buyer_score"])
	}
}

// TestFailedSettlementAppliesPenalty tests the failure hook path
func TestFailedSettlementAppliesPenalty(t *testing.T) {
	client, agent, store := newTestSetup(t)
	buyerID := seedBuyer(t, store, 70)
	ctx := context.Background()

	quoted, err := client.RequestQuote(ctx, testRFQ(buyerID, 2, 500))
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}
	if _, err := client.Accept(ctx, quoted.NegotiationID, quoted.Quote.Price); err != nil {
		t.Fatalf("accept: %v", err)
	}

	ack, err := client.NotifySettlement(ctx, quoted.NegotiationID, SettlementNotice{
		PaymentID:     "stripe_test",
		PaymentMethod: types.PaymentMethodStripe,
		Success:       false,
	})
	if err != nil {
		t.Fatalf("notify settlement: %v", err)
	}
	if ack.Status != types.StatusAccepted {
		t.Errorf("Expected negotiation to stay accepted on failure, got %s", ack.Status)
	}

	buyerRep, err := store.GetReputation(ctx, buyerID)
	if err != nil {
		t.Fatalf("buyer reputation: %v", err)
	}
	if buyerRep.Score != 67 {
		t.Errorf("Expected buyer score 67 after failure penalty, got %d", buyerRep.Score)
	}

	// Stock untouched
	product, err := agent.seller.Product("prod-1")
	if err != nil {
		t.Fatalf("product: %v", err)
	}
	if product.StockQuantity != 50 {
		t.Errorf("Expected stock unchanged, got %d", product.StockQuantity)
	}
}
