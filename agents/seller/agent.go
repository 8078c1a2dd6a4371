// Package seller runs the sell side of the marketplace: it prices RFQs,
// responds to counter-offers and tracks its negotiations. The agent exposes
// the negotiation protocol over HTTP and announces itself through the
// discovery service.
package seller

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/dcap-x-project/dcap-commerce/discovery"
	"github.com/dcap-x-project/dcap-commerce/events"
	"github.com/dcap-x-project/dcap-commerce/internal/identity"
	"github.com/dcap-x-project/dcap-commerce/llm"
	"github.com/dcap-x-project/dcap-commerce/logger"
	"github.com/dcap-x-project/dcap-commerce/negotiation"
	"github.com/dcap-x-project/dcap-commerce/storage"
	"github.com/dcap-x-project/dcap-commerce/trust"
	"github.com/dcap-x-project/dcap-commerce/types"
)

// Agent wires the seller's pricing, negotiation state and trust tracking
// together behind one identity
type Agent struct {
	id       types.AgentID
	name     string
	endpoint string
	identity *identity.Identity

	seller *negotiation.Seller
	engine *negotiation.Engine
	trust  *trust.Engine
	hub    *events.Hub
	llm    llm.Client

	methods []types.PaymentMethod
	log     *logger.Logger
}

// Options carries the collaborators an Agent needs
type Options struct {
	ID             types.AgentID
	Name           string
	Endpoint       string
	Identity       *identity.Identity
	Catalog        []types.Product
	Store          storage.Store
	Trust          *trust.Engine
	Hub            *events.Hub
	LLM            llm.Client
	PaymentMethods []types.PaymentMethod
	MinReputation  int
}

// NewAgent creates a seller agent from its options
func NewAgent(opts Options) *Agent {
	return &Agent{
		id:       opts.ID,
		name:     opts.Name,
		endpoint: opts.Endpoint,
		identity: opts.Identity,
		seller:   negotiation.NewSeller(opts.ID, opts.Catalog, opts.Trust, opts.MinReputation),
		engine:   negotiation.NewEngine(opts.Store),
		trust:    opts.Trust,
		hub:      opts.Hub,
		llm:      opts.LLM,
		methods:  opts.PaymentMethods,
		log:      logger.New().WithComponent("seller-agent"),
	}
}

// ID returns the agent id
func (a *Agent) ID() types.AgentID {
	return a.id
}

// Register announces the agent and its catalog to the discovery service
func (a *Agent) Register(ctx context.Context, client *discovery.Client) error {
	req := &discovery.RegisterRequest{
		AgentID:        a.id,
		AgentType:      types.AgentTypeSeller,
		Name:           a.name,
		Endpoint:       a.endpoint,
		PublicKey:      a.identity.PublicKeyHex(),
		Products:       a.seller.Products(),
		PaymentMethods: a.methods,
	}
	info, err := client.Register(ctx, req)
	if err != nil {
		return fmt.Errorf("seller: register with discovery: %w", err)
	}
	a.log.Infof("registered as %s (%s) with %d products", info.Name, info.ID, len(req.Products))
	return nil
}

// Quote prices an RFQ and opens a negotiation around the resulting quote
func (a *Agent) Quote(ctx context.Context, rfq *types.RFQ) (*types.Negotiation, *types.Quote, error) {
	quote, err := a.seller.HandleRFQ(ctx, rfq)
	if err != nil {
		return nil, nil, err
	}

	n, err := a.engine.Create(ctx, rfq, a.id)
	if err != nil {
		return nil, nil, err
	}
	n, err = a.engine.AttachQuote(ctx, n.ID, quote)
	if err != nil {
		return nil, nil, err
	}

	a.publish(events.NewMarketEvent(events.EventQuoteIssued, map[string]any{
		"product_id": rfq.ProductID,
		"quantity":   rfq.Quantity,
		"price":      quote.Price,
	}).WithTransaction(n.ID).WithAgent(a.id))
	return n, quote, nil
}

// Counter evaluates a buyer counter-offer. Offers below the floor reject the
// negotiation outright; acceptable offers replace the attached quote.
func (a *Agent) Counter(ctx context.Context, negotiationID types.TransactionID, offer float64) (*types.Negotiation, *types.Quote, error) {
	n, err := a.engine.Counter(ctx, negotiationID, offer)
	if err != nil {
		if types.IsExpired(err) {
			a.publish(events.NewMarketEvent(events.EventNegotiationExpired, nil).WithTransaction(negotiationID).WithAgent(a.id))
		}
		return nil, nil, err
	}

	quote, err := a.seller.EvaluateCounter(ctx, n, offer)
	if err != nil {
		if types.IsValidation(err) {
			if _, rejectErr := a.engine.Reject(ctx, negotiationID); rejectErr != nil {
				a.log.Error("failed to reject after floor violation", rejectErr)
			}
			reason := llm.RejectionMessage(ctx, a.llm, fmt.Sprintf("offer %.2f is below the acceptable floor", offer))
			a.publish(events.NewMarketEvent(events.EventNegotiationRejected, map[string]any{
				"offer":   offer,
				"message": reason,
			}).WithTransaction(negotiationID).WithAgent(a.id))
			a.log.Infof("rejected negotiation %s: %s", negotiationID, reason)
		}
		return nil, nil, err
	}

	n, err = a.engine.ReplaceQuote(ctx, negotiationID, quote)
	if err != nil {
		return nil, nil, err
	}

	a.publish(events.NewMarketEvent(events.EventQuoteCountered, map[string]any{
		"offer": offer,
		"price": quote.Price,
	}).WithTransaction(n.ID).WithAgent(a.id))
	return n, quote, nil
}

// Accept closes the negotiation at the given final price
func (a *Agent) Accept(ctx context.Context, negotiationID types.TransactionID, finalPrice float64) (*types.Negotiation, error) {
	n, err := a.engine.Accept(ctx, negotiationID, finalPrice)
	if err != nil {
		if types.IsExpired(err) {
			a.publish(events.NewMarketEvent(events.EventNegotiationExpired, nil).WithTransaction(negotiationID).WithAgent(a.id))
		}
		return nil, err
	}
	a.publish(events.NewMarketEvent(events.EventNegotiationAccepted, map[string]any{
		"close_price": finalPrice,
	}).WithTransaction(n.ID).WithAgent(a.id))
	return n, nil
}

// Reject moves the negotiation to its terminal Rejected state
func (a *Agent) Reject(ctx context.Context, negotiationID types.TransactionID) (*types.Negotiation, error) {
	n, err := a.engine.Reject(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	a.publish(events.NewMarketEvent(events.EventNegotiationRejected, nil).WithTransaction(n.ID).WithAgent(a.id))
	return n, nil
}

// Negotiation returns the current state of one negotiation
func (a *Agent) Negotiation(ctx context.Context, id types.TransactionID) (*types.Negotiation, error) {
	return a.engine.Get(ctx, id)
}

// Products returns the current catalog
func (a *Agent) Products() []types.Product {
	return a.seller.Products()
}

// ConfirmSettlement records the buyer-reported settlement outcome: on
// success the negotiation settles, stock is reduced and both reputations
// get the success hook; on failure both take the failure penalty.
func (a *Agent) ConfirmSettlement(ctx context.Context, negotiationID types.TransactionID, success bool) (*types.Negotiation, error) {
	n, err := a.engine.Get(ctx, negotiationID)
	if err != nil {
		return nil, err
	}

	if !success {
		if err := a.trust.RecordFailedTransaction(ctx, n.BuyerID, n.SellerID); err != nil {
			a.log.Error("failed to record failed transaction", err)
		}
		a.publish(events.NewMarketEvent(events.EventSettlementFailed, nil).WithTransaction(n.ID).WithAgent(a.id))
		a.publishReputationUpdate(ctx, n, "failure")
		return n, nil
	}

	n, err = a.engine.Settle(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if err := a.seller.ReduceStock(n.ProductID, n.Quantity); err != nil {
		a.log.Error("failed to reduce stock after settlement", err)
	}
	if err := a.trust.RecordSuccessfulTransaction(ctx, n.BuyerID, n.SellerID); err != nil {
		a.log.Error("failed to record successful transaction", err)
	}

	a.publish(events.NewMarketEvent(events.EventSettlementSucceeded, map[string]any{
		"close_price": derefOrZero(n.ClosePrice),
	}).WithTransaction(n.ID).WithAgent(a.id))
	a.publishReputationUpdate(ctx, n, "success")
	return n, nil
}

// QuoteSignature signs the quote id so buyers can check the quote against
// the public key this seller registered with
func (a *Agent) QuoteSignature(quote *types.Quote) string {
	digest := crypto.Keccak256(quote.ID[:])
	sig, err := a.identity.Sign(digest)
	if err != nil {
		a.log.Error("failed to sign quote", err)
		return ""
	}
	return hex.EncodeToString(sig)
}

// publishReputationUpdate reports both parties' post-hook scores
func (a *Agent) publishReputationUpdate(ctx context.Context, n *types.Negotiation, outcome string) {
	payload := map[string]any{
		"buyer_id":  n.BuyerID.String(),
		"seller_id": n.SellerID.String(),
		"outcome":   outcome,
	}
	if score, err := a.trust.Score(ctx, n.BuyerID); err == nil {
		payload["buyer_score"] = score
	}
	if score, err := a.trust.Score(ctx, n.SellerID); err == nil {
		payload["seller_score"] = score
	}
	a.publish(events.NewMarketEvent(events.EventReputationUpdated, payload).WithTransaction(n.ID).WithAgent(a.id))
}

func (a *Agent) publish(event *events.MarketEvent) {
	if a.hub == nil {
		return
	}
	if err := a.hub.Publish(event); err != nil {
		a.log.Error("failed to publish event", err)
	}
}

func derefOrZero(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
