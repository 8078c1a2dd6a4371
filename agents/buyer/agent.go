// Package buyer runs the buy side of the marketplace: it discovers sellers,
// requests quotes, drives negotiations toward a target price and settles
// accepted deals through the payment router. All calls to counterparties go
// through retry and circuit breaking; the negotiation core itself never
// retries.
package buyer

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	sellerapi "github.com/dcap-x-project/dcap-commerce/agents/seller"
	"github.com/dcap-x-project/dcap-commerce/discovery"
	"github.com/dcap-x-project/dcap-commerce/events"
	"github.com/dcap-x-project/dcap-commerce/internal/identity"
	"github.com/dcap-x-project/dcap-commerce/logger"
	"github.com/dcap-x-project/dcap-commerce/negotiation"
	"github.com/dcap-x-project/dcap-commerce/resilience"
	"github.com/dcap-x-project/dcap-commerce/settlement"
	"github.com/dcap-x-project/dcap-commerce/storage"
	"github.com/dcap-x-project/dcap-commerce/trust"
	"github.com/dcap-x-project/dcap-commerce/types"
)

const (
	defaultRFQDeadline  = time.Hour
	defaultCallTimeout  = 10 * time.Second
	breakerMaxFailures  = 5
	breakerResetTimeout = 30 * time.Second
)

// Agent is a buyer with an identity, a local mirror of its negotiations and
// a settlement router
type Agent struct {
	id       types.AgentID
	name     string
	identity *identity.Identity

	discovery *discovery.Client
	store     storage.Store
	engine    *negotiation.Engine
	router    *settlement.Router
	trust     *trust.Engine
	hub       *events.Hub

	callTimeout time.Duration
	retryConfig *resilience.RetryConfig
	log         *logger.Logger

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
	sellers  map[types.TransactionID]*sellerSession
}

// sellerSession remembers which seller owns a negotiation
type sellerSession struct {
	client *sellerapi.Client
	info   *types.AgentInfo
}

// Options carries the collaborators an Agent needs
type Options struct {
	ID          types.AgentID
	Name        string
	Identity    *identity.Identity
	Discovery   *discovery.Client
	Store       storage.Store
	Router      *settlement.Router
	Trust       *trust.Engine
	Hub         *events.Hub
	CallTimeout time.Duration
}

// NewAgent creates a buyer agent from its options
func NewAgent(opts Options) *Agent {
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &Agent{
		id:          opts.ID,
		name:        opts.Name,
		identity:    opts.Identity,
		discovery:   opts.Discovery,
		store:       opts.Store,
		engine:      negotiation.NewEngine(opts.Store),
		router:      opts.Router,
		trust:       opts.Trust,
		hub:         opts.Hub,
		callTimeout: timeout,
		retryConfig: resilience.DefaultRetryConfig(),
		log:         logger.New().WithComponent("buyer-agent"),
		breakers:    make(map[string]*resilience.CircuitBreaker),
		sellers:     make(map[types.TransactionID]*sellerSession),
	}
}

// ID returns the agent id
func (a *Agent) ID() types.AgentID {
	return a.id
}

// Register announces the buyer to the discovery service
func (a *Agent) Register(ctx context.Context) error {
	req := &discovery.RegisterRequest{
		AgentID:   a.id,
		AgentType: types.AgentTypeBuyer,
		Name:      a.name,
		Endpoint:  "",
		PublicKey: a.identity.PublicKeyHex(),
	}
	var info *types.AgentInfo
	err := a.callRemote(ctx, "discovery", func() error {
		var callErr error
		info, callErr = a.discovery.Register(ctx, req)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("buyer: register with discovery: %w", err)
	}
	a.log.Infof("registered as %s (%s)", info.Name, info.ID)
	return nil
}

// FindSellers queries discovery for sellers matching the request
func (a *Agent) FindSellers(ctx context.Context, req *discovery.SearchRequest) ([]types.AgentInfo, error) {
	var resp *discovery.SearchResponse
	err := a.callRemote(ctx, "discovery", func() error {
		var callErr error
		resp, callErr = a.discovery.Search(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// Quotation is the buyer's view of an open quote
type Quotation struct {
	Seller        *types.AgentInfo    `json:"seller"`
	NegotiationID types.TransactionID `json:"negotiation_id"`
	Quote         *types.Quote        `json:"quote"`
	Message       string              `json:"message"`
}

// RequestQuote finds a seller for the product and opens a negotiation by
// submitting an RFQ. The seller's copy of the negotiation is mirrored
// locally for audit and settlement.
func (a *Agent) RequestQuote(ctx context.Context, productID string, quantity int, maxPrice float64, currency string) (*Quotation, error) {
	sellers, err := a.FindSellers(ctx, &discovery.SearchRequest{ProductID: productID})
	if err != nil {
		return nil, err
	}
	if len(sellers) == 0 {
		return nil, types.NewNotFoundError("seller for product", productID)
	}
	seller := sellers[0]
	client := sellerapi.NewClient(seller.Endpoint, a.callTimeout)

	rfq := types.NewRFQ(a.id, productID, quantity, maxPrice, currency, time.Now().Add(defaultRFQDeadline))

	var resp *sellerapi.QuoteResponse
	err = a.callRemote(ctx, seller.Endpoint, func() error {
		var callErr error
		resp, callErr = client.RequestQuote(ctx, rfq)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	if err := verifyQuoteSignature(resp.Quote, resp.Signature, seller.PublicKey); err != nil {
		return nil, err
	}
	if err := a.mirror(ctx, client, resp.NegotiationID, resp.Quote); err != nil {
		return nil, err
	}
	a.track(resp.NegotiationID, client, &seller)

	a.publish(events.NewMarketEvent(events.EventNegotiationCreated, map[string]any{
		"product_id": productID,
		"quantity":   quantity,
		"max_price":  maxPrice,
	}).WithTransaction(resp.NegotiationID).WithAgent(a.id))

	a.log.Infof("quoted by %s: %.2f %s for %d x %s", seller.Name, resp.Quote.Price, resp.Quote.Currency, quantity, productID)
	return &Quotation{
		Seller:        &seller,
		NegotiationID: resp.NegotiationID,
		Quote:         resp.Quote,
		Message:       resp.Message,
	}, nil
}

// Negotiate drives the negotiation toward targetPrice. A quote at or below
// the target is accepted as-is; otherwise the buyer counters at the target
// and accepts the seller's revised quote when it lands at or below it.
func (a *Agent) Negotiate(ctx context.Context, q *Quotation, targetPrice float64) (*types.Negotiation, error) {
	session, err := a.session(q.NegotiationID)
	if err != nil {
		return nil, err
	}

	current := q.Quote
	if current.Price > targetPrice {
		var counterResp *sellerapi.QuoteResponse
		err := a.callRemote(ctx, session.info.Endpoint, func() error {
			var callErr error
			counterResp, callErr = session.client.Counter(ctx, q.NegotiationID, targetPrice)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		if err := verifyQuoteSignature(counterResp.Quote, counterResp.Signature, session.info.PublicKey); err != nil {
			return nil, err
		}
		current = counterResp.Quote
		a.log.Infof("countered at %.2f, seller revised to %.2f", targetPrice, current.Price)
	}

	var accepted *types.Negotiation
	err = a.callRemote(ctx, session.info.Endpoint, func() error {
		var callErr error
		accepted, callErr = session.client.Accept(ctx, q.NegotiationID, current.Price)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	if err := a.store.SaveNegotiation(ctx, accepted); err != nil {
		return nil, err
	}
	a.publish(events.NewMarketEvent(events.EventNegotiationAccepted, map[string]any{
		"close_price": current.Price,
	}).WithTransaction(accepted.ID).WithAgent(a.id))
	return accepted, nil
}

// Reject abandons the negotiation on both sides
func (a *Agent) Reject(ctx context.Context, negotiationID types.TransactionID) error {
	session, err := a.session(negotiationID)
	if err != nil {
		return err
	}

	var n *types.Negotiation
	err = a.callRemote(ctx, session.info.Endpoint, func() error {
		var callErr error
		n, callErr = session.client.Reject(ctx, negotiationID)
		return callErr
	})
	if err != nil {
		return err
	}
	if err := a.store.SaveNegotiation(ctx, n); err != nil {
		return err
	}
	a.publish(events.NewMarketEvent(events.EventNegotiationRejected, nil).WithTransaction(negotiationID).WithAgent(a.id))
	return nil
}

// Settle pays for an accepted negotiation on the chosen rail, settles the
// local mirror, applies reputation hooks and notifies the seller. Only an
// Accepted mirror may dispatch: a second settle attempt conflicts before any
// money moves.
func (a *Agent) Settle(ctx context.Context, negotiationID types.TransactionID, method types.PaymentMethod) (*settlement.PaymentResult, error) {
	session, err := a.session(negotiationID)
	if err != nil {
		return nil, err
	}
	n, err := a.store.GetNegotiation(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if n.Status != types.StatusAccepted {
		return nil, types.NewConflictError(fmt.Sprintf("negotiation %s is %s, only accepted negotiations settle", negotiationID, n.Status))
	}
	if n.ClosePrice == nil {
		return nil, types.NewConflictError(fmt.Sprintf("negotiation %s has no close price to settle", negotiationID))
	}

	req := &settlement.PaymentRequest{
		TransactionID: n.ID,
		BuyerID:       n.BuyerID,
		SellerID:      n.SellerID,
		Amount:        *n.ClosePrice,
		Currency:      "USD",
		PaymentMethod: method,
		Description:   fmt.Sprintf("%d x %s", n.Quantity, n.ProductID),
		Metadata:      map[string]string{},
	}
	if quote, err := a.store.GetQuote(ctx, deref(n.QuoteID)); err == nil {
		req.Currency = quote.Currency
	}
	if method == types.PaymentMethodLedger {
		address, err := sellerAddress(session.info.PublicKey)
		if err != nil {
			return nil, err
		}
		req.Metadata[settlement.RecipientAddressKey] = address
	}

	a.publish(events.NewMarketEvent(events.EventSettlementStarted, map[string]any{
		"amount": req.Amount,
		"method": string(method),
	}).WithTransaction(n.ID).WithAgent(a.id))

	var result *settlement.PaymentResult
	dispatchErr := a.callRemote(ctx, "settlement:"+string(method), func() error {
		var callErr error
		result, callErr = a.router.Dispatch(ctx, req)
		return callErr
	})

	success := dispatchErr == nil && result != nil && result.Status != settlement.StatusFailed
	if success {
		if _, err := a.engine.Settle(ctx, n.ID); err != nil {
			return nil, err
		}
		if err := a.trust.RecordSuccessfulTransaction(ctx, n.BuyerID, n.SellerID); err != nil {
			a.log.Error("failed to record successful transaction", err)
		}
		a.publish(events.NewMarketEvent(events.EventSettlementSucceeded, map[string]any{
			"payment_id": result.PaymentID,
		}).WithTransaction(n.ID).WithAgent(a.id))
	} else {
		if err := a.trust.RecordFailedTransaction(ctx, n.BuyerID, n.SellerID); err != nil {
			a.log.Error("failed to record failed transaction", err)
		}
		a.publish(events.NewMarketEvent(events.EventSettlementFailed, nil).WithTransaction(n.ID).WithAgent(a.id))
	}

	notice := sellerapi.SettlementNotice{PaymentMethod: method, Success: success}
	if result != nil {
		notice.PaymentID = result.PaymentID
	}
	notifyErr := a.callRemote(ctx, session.info.Endpoint, func() error {
		_, callErr := session.client.NotifySettlement(ctx, negotiationID, notice)
		return callErr
	})
	if notifyErr != nil {
		a.log.Error("failed to notify seller of settlement", notifyErr)
	}

	if dispatchErr != nil {
		return nil, dispatchErr
	}
	return result, nil
}

// ReleaseEscrow pays a held escrow out to the seller once its release
// conditions are met
func (a *Agent) ReleaseEscrow(ctx context.Context, holdID uuid.UUID) (*settlement.PaymentResult, error) {
	result, err := a.router.ReleaseEscrow(ctx, holdID)
	if err != nil {
		return nil, err
	}
	a.publish(events.NewMarketEvent(events.EventEscrowReleased, map[string]any{
		"hold_id": holdID.String(),
		"amount":  result.Amount,
	}).WithTransaction(result.TransactionID).WithAgent(a.id))
	return result, nil
}

// Record returns the audit record for a settled negotiation
func (a *Agent) Record(ctx context.Context, negotiationID types.TransactionID) (*types.NegotiationRecord, error) {
	return a.engine.Record(ctx, negotiationID)
}

// mirror stores the seller's authoritative copy of the negotiation and its
// quote locally
func (a *Agent) mirror(ctx context.Context, client *sellerapi.Client, negotiationID types.TransactionID, quote *types.Quote) error {
	n, err := client.Negotiation(ctx, negotiationID)
	if err != nil {
		return err
	}
	if err := a.store.SaveQuote(ctx, quote); err != nil {
		return err
	}
	return a.store.SaveNegotiation(ctx, n)
}

func (a *Agent) track(negotiationID types.TransactionID, client *sellerapi.Client, info *types.AgentInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sellers[negotiationID] = &sellerSession{client: client, info: info}
}

func (a *Agent) session(negotiationID types.TransactionID) (*sellerSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	session, ok := a.sellers[negotiationID]
	if !ok {
		return nil, types.NewNotFoundError("negotiation session", negotiationID.String())
	}
	return session, nil
}

// callRemote wraps an outbound call in the endpoint's circuit breaker and
// the retry policy. Only transient failures are retried or counted.
func (a *Agent) callRemote(ctx context.Context, endpoint string, fn func() error) error {
	breaker := a.breaker(endpoint)
	return resilience.RetryWithConfig(ctx, a.retryConfig, func() error {
		return breaker.Execute(fn)
	})
}

func (a *Agent) breaker(endpoint string) *resilience.CircuitBreaker {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.breakers[endpoint]
	if !ok {
		b = resilience.NewCircuitBreaker(breakerMaxFailures, breakerResetTimeout)
		a.breakers[endpoint] = b
	}
	return b
}

func (a *Agent) publish(event *events.MarketEvent) {
	if a.hub == nil {
		return
	}
	if err := a.hub.Publish(event); err != nil {
		a.log.Error("failed to publish event", err)
	}
}

// sellerAddress derives the seller's on-chain address from the compressed
// public key it registered with
func sellerAddress(publicKeyHex string) (string, error) {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return "", types.NewValidationError("public_key", "seller public key is not hex")
	}
	pub, err := crypto.DecompressPubkey(raw)
	if err != nil {
		return "", types.NewValidationError("public_key", "seller public key is not a compressed secp256k1 key")
	}
	return crypto.PubkeyToAddress(*pub).Hex(), nil
}

// verifyQuoteSignature checks the seller's quote signature against the
// compressed public key it registered with. Sellers always sign their
// quotes; a missing or bad signature fails authentication.
func verifyQuoteSignature(quote *types.Quote, signatureHex, publicKeyHex string) error {
	if quote == nil {
		return types.NewValidationError("quote", "response carries no quote")
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil || len(sig) < 64 {
		return types.NewAuthError("quote signature is missing or malformed")
	}
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return types.NewValidationError("public_key", "seller public key is not hex")
	}
	digest := crypto.Keccak256(quote.ID[:])
	if !crypto.VerifySignature(pub, digest, sig[:64]) {
		return types.NewAuthError("quote signature does not verify against the seller's registered key")
	}
	return nil
}

func deref(id *types.TransactionID) types.TransactionID {
	if id == nil {
		return types.TransactionID{}
	}
	return *id
}
