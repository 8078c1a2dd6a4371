package buyer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	sellerapi "github.com/dcap-x-project/dcap-commerce/agents/seller"
	"github.com/dcap-x-project/dcap-commerce/config"
	"github.com/dcap-x-project/dcap-commerce/discovery"
	"github.com/dcap-x-project/dcap-commerce/events"
	"github.com/dcap-x-project/dcap-commerce/internal/identity"
	"github.com/dcap-x-project/dcap-commerce/settlement"
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

type marketplace struct {
	buyer       *Agent
	buyerStore  storage.Store
	seller      *sellerapi.Agent
	sellerStore storage.Store
}

// newMarketplace wires a full two-agent marketplace over httptest servers:
// a discovery service, a seller with a catalog and a buyer with a stripe
// rail.
func newMarketplace(t *testing.T) *marketplace {
	t.Helper()
	return newMarketplaceWith(t, settlement.NewRouter(settlement.NewStripeRail(config.StripeConfig{
		SecretKey:     "sk_test_123",
		WebhookSecret: "whsec_test",
	})))
}

// newMarketplaceWith is newMarketplace with the buyer's settlement router
// supplied by the test
func newMarketplaceWith(t *testing.T, router *settlement.Router) *marketplace {
	t.Helper()
	ctx := context.Background()

	// Discovery service
	registry := discovery.NewRegistry()
	discoveryMux := http.NewServeMux()
	discovery.NewServer(registry).Routes(discoveryMux)
	discoveryTS := httptest.NewServer(discoveryMux)
	t.Cleanup(discoveryTS.Close)
	discoveryClient := discovery.NewClient(config.DiscoveryConfig{URL: discoveryTS.URL, TimeoutSeconds: 2})

	// Seller agent and its HTTP server
	sellerStore := storage.NewMemoryStore()
	sellerTrust := trust.NewEngine(trust.Config{TokenSecret: "seller-secret"}, sellerStore)
	sellerIdent, err := identity.Generate()
	if err != nil {
		t.Fatalf("seller identity: %v", err)
	}
	sellerAgent := sellerapi.NewAgent(sellerapi.Options{
		ID:       uuid.New(),
		Name:     "widgets-inc",
		Identity: sellerIdent,
		Catalog: []types.Product{{
			ID:            "prod-1",
			Name:          "industrial widget",
			Category:      "tools",
			BasePrice:     100.0,
			Currency:      "USD",
			StockQuantity: 50,
		}},
		Store:          sellerStore,
		Trust:          sellerTrust,
		PaymentMethods: []types.PaymentMethod{types.PaymentMethodStripe},
	})
	sellerMux := http.NewServeMux()
	sellerapi.NewServer(sellerAgent).Routes(sellerMux)
	sellerTS := httptest.NewServer(sellerMux)
	t.Cleanup(sellerTS.Close)

	if _, err := discoveryClient.Register(ctx, &discovery.RegisterRequest{
		AgentID:        sellerAgent.ID(),
		AgentType:      types.AgentTypeSeller,
		Name:           "widgets-inc",
		Endpoint:       sellerTS.URL,
		PublicKey:      sellerIdent.PublicKeyHex(),
		Products:       sellerAgent.Products(),
		PaymentMethods: []types.PaymentMethod{types.PaymentMethodStripe},
	}); err != nil {
		t.Fatalf("register seller: %v", err)
	}

	// Buyer agent
	buyerStore := storage.NewMemoryStore()
	buyerTrust := trust.NewEngine(trust.Config{TokenSecret: "buyer-secret"}, buyerStore)
	buyerIdent, err := identity.Generate()
	if err != nil {
		t.Fatalf("buyer identity: %v", err)
	}
	buyerAgent := NewAgent(Options{
		ID:        uuid.New(),
		Name:      "procurement-bot",
		Identity:  buyerIdent,
		Discovery: discoveryClient,
		Store:     buyerStore,
		Router:    router,
		Trust:     buyerTrust,
	})
	if err := buyerAgent.Register(ctx); err != nil {
		t.Fatalf("register buyer: %v", err)
	}

	// The seller gates RFQs on its own view of the buyer's reputation
	rec := &storage.ReputationRecord{
		AgentID:         buyerAgent.ID(),
		Score:           70,
		LastUpdatedUnix: time.Now().Unix(),
	}
	if err := sellerStore.SaveReputation(ctx, rec); err != nil {
		t.Fatalf("seed buyer reputation: %v", err)
	}

	return &marketplace{
		buyer:       buyerAgent,
		buyerStore:  buyerStore,
		seller:      sellerAgent,
		sellerStore: sellerStore,
	}
}

// TestMarketplaceRoundTrip tests discovery, quote, counter, accept and
// settlement end to end across both agents
func TestMarketplaceRoundTrip(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()

	q, err := m.buyer.RequestQuote(ctx, "prod-1", 2, 210, "USD")
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}
	if q.Seller.Name != "widgets-inc" {
		t.Errorf("Expected widgets-inc, got %s", q.Seller.Name)
	}
	if q.Quote.Price <= 0 {
		t.Fatalf("Expected a priced quote, got %.2f", q.Quote.Price)
	}

	// Base price 200 plus surcharges always exceeds the 190 target, so the
	// buyer counters and the seller revises to 190 * 0.90 for a score-70 buyer
	n, err := m.buyer.Negotiate(ctx, q, 190)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if n.Status != types.StatusAccepted {
		t.Fatalf("Expected accepted negotiation, got %s", n.Status)
	}
	if !almostEqual(*n.ClosePrice, 171.0) {
		t.Errorf("Expected close price 171.00, got %.2f", *n.ClosePrice)
	}

	result, err := m.buyer.Settle(ctx, q.NegotiationID, types.PaymentMethodStripe)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if result.Status != settlement.StatusSucceeded {
		t.Errorf("Expected succeeded payment, got %s", result.Status)
	}

	// Buyer's mirror reached the terminal settled state with an audit record
	mirror, err := m.buyerStore.GetNegotiation(ctx, q.NegotiationID)
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if mirror.Status != types.StatusSettled {
		t.Errorf("Expected settled mirror, got %s", mirror.Status)
	}
	record, err := m.buyer.Record(ctx, q.NegotiationID)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if record == nil {
		t.Fatal("Expected an audit record after settlement")
	}
	if !almostEqual(record.Delta, 171.0-210.0) {
		t.Errorf("Expected delta %.2f, got %.2f", 171.0-210.0, record.Delta)
	}

	// Seller settled its copy, reduced stock and applied the success hook
	sellerCopy, err := m.sellerStore.GetNegotiation(ctx, q.NegotiationID)
	if err != nil {
		t.Fatalf("seller copy: %v", err)
	}
	if sellerCopy.Status != types.StatusSettled {
		t.Errorf("Expected seller copy settled, got %s", sellerCopy.Status)
	}
	buyerRep, err := m.sellerStore.GetReputation(ctx, m.buyer.ID())
	if err != nil {
		t.Fatalf("buyer reputation: %v", err)
	}
	if buyerRep.Score != 75 {
		t.Errorf("Expected buyer score 75 on the seller side, got %d", buyerRep.Score)
	}
}

// countingRail counts charges so dispatch-at-most-once can be asserted
type countingRail struct {
	charges int
}

func (c *countingRail) Method() types.PaymentMethod { return types.PaymentMethodStripe }
func (c *countingRail) Configured() bool            { return true }

func (c *countingRail) Charge(_ context.Context, req *settlement.PaymentRequest) (*settlement.PaymentResult, error) {
	c.charges++
	now := time.Now()
	return &settlement.PaymentResult{
		Success:       true,
		PaymentID:     fmt.Sprintf("pay_%d", c.charges),
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        settlement.StatusSucceeded,
		CreatedAt:     now,
		CompletedAt:   &now,
	}, nil
}

func (c *countingRail) Refund(_ context.Context, paymentID string) (*settlement.PaymentResult, error) {
	return &settlement.PaymentResult{PaymentID: paymentID, Status: settlement.StatusRefunded, CreatedAt: time.Now()}, nil
}

func (c *countingRail) Status(_ context.Context, _ string) (settlement.PaymentStatus, error) {
	return settlement.StatusSucceeded, nil
}

func (c *countingRail) ValidateWebhook(_ []byte, _ string) bool { return false }

// TestSecondSettleDispatchesNoSecondCharge tests that the terminal-state
// guard runs before any money moves
func TestSecondSettleDispatchesNoSecondCharge(t *testing.T) {
	rail := &countingRail{}
	m := newMarketplaceWith(t, settlement.NewRouter(rail))
	ctx := context.Background()

	q, err := m.buyer.RequestQuote(ctx, "prod-1", 2, 210, "USD")
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}
	if _, err := m.buyer.Negotiate(ctx, q, 190); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if _, err := m.buyer.Settle(ctx, q.NegotiationID, types.PaymentMethodStripe); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if rail.charges != 1 {
		t.Fatalf("Expected one charge after first settle, got %d", rail.charges)
	}

	if _, err := m.buyer.Settle(ctx, q.NegotiationID, types.PaymentMethodStripe); !types.IsConflict(err) {
		t.Errorf("Expected conflict on second settle, got %v", err)
	}
	if rail.charges != 1 {
		t.Errorf("Expected exactly one charge across both attempts, got %d", rail.charges)
	}
}

// TestSettleIsAtMostOnce tests that a second settle attempt conflicts
func TestSettleIsAtMostOnce(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()

	q, err := m.buyer.RequestQuote(ctx, "prod-1", 2, 210, "USD")
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}
	if _, err := m.buyer.Negotiate(ctx, q, 190); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if _, err := m.buyer.Settle(ctx, q.NegotiationID, types.PaymentMethodStripe); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if _, err := m.buyer.Settle(ctx, q.NegotiationID, types.PaymentMethodStripe); !types.IsConflict(err) {
		t.Errorf("Expected conflict on second settle, got %v", err)
	}
}

// TestNegotiateAcceptsQuoteWithinTarget tests the no-counter path
func TestNegotiateAcceptsQuoteWithinTarget(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()

	q, err := m.buyer.RequestQuote(ctx, "prod-1", 2, 400, "USD")
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}

	// Target comfortably above any surcharged quote
	n, err := m.buyer.Negotiate(ctx, q, 300)
	if err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	if !almostEqual(*n.ClosePrice, q.Quote.Price) {
		t.Errorf("Expected acceptance at the quoted price %.2f, got %.2f", q.Quote.Price, *n.ClosePrice)
	}

	// No counter round means exactly rfq, quote and accept in the log
	for _, msg := range n.Messages {
		if msg.MessageType == types.MessageTypeCounterOffer {
			t.Error("Expected no counter-offer for an in-target quote")
		}
	}
}

// TestRejectPropagatesToSeller tests rejection on both copies
func TestRejectPropagatesToSeller(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()

	q, err := m.buyer.RequestQuote(ctx, "prod-1", 2, 210, "USD")
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}
	if err := m.buyer.Reject(ctx, q.NegotiationID); err != nil {
		t.Fatalf("reject: %v", err)
	}

	mirror, err := m.buyerStore.GetNegotiation(ctx, q.NegotiationID)
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if mirror.Status != types.StatusRejected {
		t.Errorf("Expected rejected mirror, got %s", mirror.Status)
	}
	sellerCopy, err := m.sellerStore.GetNegotiation(ctx, q.NegotiationID)
	if err != nil {
		t.Fatalf("seller copy: %v", err)
	}
	if sellerCopy.Status != types.StatusRejected {
		t.Errorf("Expected seller copy rejected, got %s", sellerCopy.Status)
	}
}

// TestUnconfiguredRailFailsWithoutSettling tests that dispatch rejection
// leaves the negotiation accepted and applies the failure penalty
func TestUnconfiguredRailFailsWithoutSettling(t *testing.T) {
	m := newMarketplace(t)
	ctx := context.Background()

	q, err := m.buyer.RequestQuote(ctx, "prod-1", 2, 210, "USD")
	if err != nil {
		t.Fatalf("request quote: %v", err)
	}
	if _, err := m.buyer.Negotiate(ctx, q, 190); err != nil {
		t.Fatalf("negotiate: %v", err)
	}

	if _, err := m.buyer.Settle(ctx, q.NegotiationID, types.PaymentMethodLedger); err == nil {
		t.Fatal("Expected error for unknown rail")
	}

	mirror, err := m.buyerStore.GetNegotiation(ctx, q.NegotiationID)
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if mirror.Status != types.StatusAccepted {
		t.Errorf("Expected mirror to stay accepted, got %s", mirror.Status)
	}

	// The seller heard about the failure and penalized the buyer
	buyerRep, err := m.sellerStore.GetReputation(ctx, m.buyer.ID())
	if err != nil {
		t.Fatalf("buyer reputation: %v", err)
	}
	if buyerRep.Score != 67 {
		t.Errorf("Expected buyer score 67 after failure penalty, got %d", buyerRep.Score)
	}
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

// TestReleaseEscrowPublishesEvent tests hold release through the agent and
// the broadcast it produces
func TestReleaseEscrowPublishesEvent(t *testing.T) {
	store := storage.NewMemoryStore()
	router := settlement.NewRouter(settlement.NewEscrowRail(config.EscrowConfig{HoldDays: 7}, store))
	hub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	agent := NewAgent(Options{ID: uuid.New(), Name: "escrow-buyer", Store: store, Router: router, Hub: hub})
	sub := hub.Subscribe()
	t.Cleanup(sub.Cancel)

	held, err := router.Dispatch(ctx, &settlement.PaymentRequest{
		TransactionID: uuid.New(),
		BuyerID:       agent.ID(),
		SellerID:      uuid.New(),
		Amount:        120,
		Currency:      "USD",
		PaymentMethod: types.PaymentMethodEscrow,
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	holdID, err := uuid.Parse(strings.TrimPrefix(held.PaymentID, "escrow_"))
	if err != nil {
		t.Fatalf("hold id: %v", err)
	}

	released, err := agent.ReleaseEscrow(ctx, holdID)
	if err != nil {
		t.Fatalf("release escrow: %v", err)
	}
	if released.Status != settlement.StatusSucceeded {
		t.Errorf("Expected succeeded release, got %s", released.Status)
	}

	event := waitForEvent(t, sub, events.EventEscrowReleased)
	if event.Payload["hold_id"] != holdID.String() {
		t.Errorf("Expected hold id %s in payload, got %v", holdID, event.Payload["hold_id"])
	}
	amount, _ := event.Payload["amount"].(float64)
	if !almostEqual(amount, 120) {
		t.Errorf("Expected amount 120 in payload, got %v", event.Payload["amount"])
	}
}

// TestVerifyQuoteSignature tests quote authentication against the seller's
// registered key
func TestVerifyQuoteSignature(t *testing.T) {
	ident, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	quote := types.NewQuote(uuid.New(), uuid.New(), 150, "USD", 3, 3600)
	sig, err := ident.Sign(crypto.Keccak256(quote.ID[:]))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sigHex := hex.EncodeToString(sig)

	if err := verifyQuoteSignature(quote, sigHex, ident.PublicKeyHex()); err != nil {
		t.Errorf("Expected valid signature to verify, got %v", err)
	}

	other := types.NewQuote(uuid.New(), uuid.New(), 150, "USD", 3, 3600)
	if err := verifyQuoteSignature(other, sigHex, ident.PublicKeyHex()); !types.IsAuth(err) {
		t.Errorf("Expected auth error for a signature over another quote, got %v", err)
	}
	if err := verifyQuoteSignature(quote, "", ident.PublicKeyHex()); !types.IsAuth(err) {
		t.Errorf("Expected auth error for a missing signature, got %v", err)
	}
	if err := verifyQuoteSignature(quote, sigHex, "zz"); !types.IsValidation(err) {
		t.Errorf("Expected validation error for a bad public key, got %v", err)
	}
	if err := verifyQuoteSignature(nil, sigHex, ident.PublicKeyHex()); !types.IsValidation(err) {
		t.Errorf("Expected validation error for a missing quote, got %v", err)
	}
}

// TestSellerAddressDerivation tests recovering the on-chain address from a
// registered compressed public key
func TestSellerAddressDerivation(t *testing.T) {
	ident, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	address, err := sellerAddress(ident.PublicKeyHex())
	if err != nil {
		t.Fatalf("seller address: %v", err)
	}
	if address != ident.Address() {
		t.Errorf("Expected %s, got %s", ident.Address(), address)
	}

	if _, err := sellerAddress("zz"); !types.IsValidation(err) {
		t.Errorf("Expected validation error for bad hex, got %v", err)
	}
	if _, err := sellerAddress("02abcd"); !types.IsValidation(err) {
		t.Errorf("Expected validation error for bad key, got %v", err)
	}
}
