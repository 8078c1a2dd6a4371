package negotiation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dcap-x-project/dcap-commerce/logger"
	"github.com/dcap-x-project/dcap-commerce/types"
)

// Quote lifetimes. Counter-offer quotes live shorter so stale negotiations
// converge or expire quickly.
const (
	initialQuoteTTLSeconds = 3600
	counterQuoteTTLSeconds = 1800
)

// Minimum fraction of the opening bid a seller will entertain
const counterFloorRatio = 0.8

// ReputationSource supplies buyer reputation scores to the pricing logic.
// Satisfied by the trust engine.
type ReputationSource interface {
	Score(ctx context.Context, agentID types.AgentID) (int, error)
}

// Seller holds a catalog and prices RFQs and counter-offers against it
type Seller struct {
	id            types.AgentID
	reputation    ReputationSource
	minReputation int
	factors       []PricingFactor
	now           func() time.Time
	log           *logger.Logger

	mu       sync.RWMutex
	products map[string]types.Product
}

// NewSeller creates a seller with the given catalog. A minReputation of 0
// selects the default gate of 50; a negative value disables the gate.
func NewSeller(id types.AgentID, products []types.Product, reputation ReputationSource, minReputation int) *Seller {
	if minReputation == 0 {
		minReputation = 50
	} else if minReputation < 0 {
		minReputation = 0
	}
	catalog := make(map[string]types.Product, len(products))
	for _, p := range products {
		catalog[p.ID] = p
	}
	return &Seller{
		id:            id,
		reputation:    reputation,
		minReputation: minReputation,
		factors:       DefaultFactors(),
		now:           time.Now,
		log:           logger.New().WithComponent("seller"),
		products:      catalog,
	}
}

// ID returns the seller's agent id
func (s *Seller) ID() types.AgentID {
	return s.id
}

// Products returns the seller's catalog
func (s *Seller) Products() []types.Product {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Product, 0, len(s.products))
	for _, p := range s.products {
		out = append(out, p)
	}
	return out
}

// Product returns one catalog entry or NotFound
func (s *Seller) Product(productID string) (*types.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok {
		return nil, types.NewNotFoundError("product", productID)
	}
	return &p, nil
}

// ReduceStock decrements stock after a settled sale
func (s *Seller) ReduceStock(productID string, quantity int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[productID]
	if !ok {
		return types.NewNotFoundError("product", productID)
	}
	if quantity > p.StockQuantity {
		return types.NewInsufficientStockError(quantity, p.StockQuantity)
	}
	p.StockQuantity -= quantity
	s.products[productID] = p
	return nil
}

// HandleRFQ prices an RFQ into an initial quote. Rejects on unknown product,
// insufficient stock or a buyer below the reputation gate.
func (s *Seller) HandleRFQ(ctx context.Context, rfq *types.RFQ) (*types.Quote, error) {
	if err := rfq.Validate(); err != nil {
		return nil, err
	}

	product, err := s.Product(rfq.ProductID)
	if err != nil {
		return nil, err
	}
	if rfq.Quantity > product.StockQuantity {
		return nil, types.NewInsufficientStockError(rfq.Quantity, product.StockQuantity)
	}

	buyerScore, err := s.reputation.Score(ctx, rfq.BuyerID)
	if err != nil {
		return nil, err
	}
	if buyerScore < s.minReputation {
		return nil, types.NewInsufficientReputationError(buyerScore, s.minReputation)
	}

	basePrice := product.BasePrice * float64(rfq.Quantity)
	finalPrice := basePrice * PriceMultiplier(s.factors, rfq, buyerScore, s.now())

	quote := types.NewQuote(rfq.ID, s.id, finalPrice, product.Currency, rfq.Quantity, initialQuoteTTLSeconds)
	s.log.Infof("quoted rfq %s: %d x %s at %.2f %s", rfq.ID, rfq.Quantity, rfq.ProductID, finalPrice, product.Currency)
	return quote, nil
}

// EvaluateCounter prices a buyer counter-offer. Offers below 80% of the
// opening bid are refused outright; an offer exactly at the floor is still
// entertained. The acceptance discount scales with buyer trust.
func (s *Seller) EvaluateCounter(ctx context.Context, n *types.Negotiation, offer float64) (*types.Quote, error) {
	floor := n.OpeningBid * counterFloorRatio
	if offer < floor {
		err := types.NewValidationError("offer", fmt.Sprintf("counter offer %.2f is below the minimum acceptable price %.2f", offer, floor))
		return nil, err.WithDetail("minimum_acceptable_price", fmt.Sprintf("%.2f", floor))
	}

	product, err := s.Product(n.ProductID)
	if err != nil {
		return nil, err
	}

	buyerScore, err := s.reputation.Score(ctx, n.BuyerID)
	if err != nil {
		return nil, err
	}

	adjustedPrice := offer * acceptanceThreshold(buyerScore)
	quote := types.NewQuote(n.RFQID, s.id, adjustedPrice, product.Currency, n.Quantity, counterQuoteTTLSeconds)
	s.log.Infof("countered negotiation %s: offer %.2f adjusted to %.2f", n.ID, offer, adjustedPrice)
	return quote, nil
}

// acceptanceThreshold returns the fraction of the counter-offer the seller
// settles for. High-trust buyers keep more of their offer.
func acceptanceThreshold(buyerScore int) float64 {
	switch {
	case buyerScore >= 80:
		return 0.95
	case buyerScore >= 60:
		return 0.90
	default:
		return 0.85
	}
}
