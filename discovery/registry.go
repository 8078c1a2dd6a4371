// Package discovery is the agent registry: sellers register themselves with
// their catalog and payment methods, buyers search for counterparties by
// category, reputation and supported rails.
package discovery

import (
	"strings"
	"sync"
	"time"

	"github.com/dcap-x-project/dcap-commerce/logger"
	"github.com/dcap-x-project/dcap-commerce/types"
)

// RegisterRequest announces an agent to the registry
type RegisterRequest struct {
	AgentID        types.AgentID         `json:"agent_id"`
	AgentType      types.AgentType       `json:"agent_type"`
	Name           string                `json:"name"`
	Endpoint       string                `json:"endpoint"`
	PublicKey      string                `json:"public_key"`
	Products       []types.Product       `json:"products,omitempty"`
	PaymentMethods []types.PaymentMethod `json:"payment_methods,omitempty"`
}

// Validate checks the registration against its invariants
func (r *RegisterRequest) Validate() error {
	if r.Name == "" {
		return types.NewValidationError("name", "name is required")
	}
	if r.AgentType != types.AgentTypeBuyer && r.AgentType != types.AgentTypeSeller {
		return types.NewValidationError("agent_type", "agent type must be buyer or seller")
	}
	// Sellers must be reachable; buyers only ever dial out
	if r.AgentType == types.AgentTypeSeller && r.Endpoint == "" {
		return types.NewValidationError("endpoint", "endpoint is required for sellers")
	}
	return nil
}

// SearchRequest filters registered sellers
type SearchRequest struct {
	Category       string                `json:"category,omitempty"`
	ProductID      string                `json:"product_id,omitempty"`
	MinReputation  int                   `json:"min_reputation,omitempty"`
	PaymentMethods []types.PaymentMethod `json:"payment_methods,omitempty"`
}

// SearchResponse is the result of a seller search
type SearchResponse struct {
	Agents     []types.AgentInfo `json:"agents"`
	TotalCount int               `json:"total_count"`
}

// Registry is the in-memory agent directory behind the discovery service
type Registry struct {
	log *logger.Logger

	mu     sync.RWMutex
	agents map[types.AgentID]types.AgentInfo
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		log:    logger.New().WithComponent("discovery"),
		agents: make(map[types.AgentID]types.AgentInfo),
	}
}

// Register adds or refreshes an agent entry. Re-registering overwrites the
// previous record but keeps its reputation snapshot.
func (r *Registry) Register(req *RegisterRequest) (*types.AgentInfo, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	info := types.AgentInfo{
		ID:             req.AgentID,
		AgentType:      req.AgentType,
		Name:           req.Name,
		Endpoint:       req.Endpoint,
		PublicKey:      req.PublicKey,
		Products:       req.Products,
		PaymentMethods: req.PaymentMethods,
		CreatedAt:      now,
		LastActive:     now,
	}

	r.mu.Lock()
	if existing, ok := r.agents[req.AgentID]; ok {
		info.ReputationScore = existing.ReputationScore
		info.CreatedAt = existing.CreatedAt
	}
	r.agents[req.AgentID] = info
	r.mu.Unlock()

	r.log.Infof("registered %s agent %q at %s", req.AgentType, req.Name, req.Endpoint)
	return &info, nil
}

// Get returns one agent or NotFound
func (r *Registry) Get(agentID types.AgentID) (*types.AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[agentID]
	if !ok {
		return nil, types.NewNotFoundError("agent", agentID.String())
	}
	return &info, nil
}

// Touch refreshes an agent's last-active timestamp
func (r *Registry) Touch(agentID types.AgentID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[agentID]
	if !ok {
		return types.NewNotFoundError("agent", agentID.String())
	}
	info.LastActive = time.Now()
	r.agents[agentID] = info
	return nil
}

// UpdateReputation records an agent's current reputation snapshot so search
// filters can gate on it
func (r *Registry) UpdateReputation(agentID types.AgentID, score int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.agents[agentID]
	if !ok {
		return types.NewNotFoundError("agent", agentID.String())
	}
	info.ReputationScore = score
	r.agents[agentID] = info
	return nil
}

// Search returns the sellers matching every filter in the request
func (r *Registry) Search(req *SearchRequest) *SearchResponse {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []types.AgentInfo
	for _, info := range r.agents {
		if info.AgentType != types.AgentTypeSeller {
			continue
		}
		if info.ReputationScore < req.MinReputation {
			continue
		}
		if req.Category != "" && !sellsCategory(info, req.Category) {
			continue
		}
		if req.ProductID != "" && !sellsProduct(info, req.ProductID) {
			continue
		}
		if len(req.PaymentMethods) > 0 && !supportsAny(info, req.PaymentMethods) {
			continue
		}
		matches = append(matches, info)
	}
	return &SearchResponse{Agents: matches, TotalCount: len(matches)}
}

// SellerForProduct returns the first registered seller carrying the product
func (r *Registry) SellerForProduct(productID string) (*types.AgentInfo, error) {
	resp := r.Search(&SearchRequest{ProductID: productID})
	if resp.TotalCount == 0 {
		return nil, types.NewNotFoundError("seller for product", productID)
	}
	return &resp.Agents[0], nil
}

func sellsCategory(info types.AgentInfo, category string) bool {
	for _, p := range info.Products {
		if strings.EqualFold(p.Category, category) {
			return true
		}
	}
	return false
}

func sellsProduct(info types.AgentInfo, productID string) bool {
	for _, p := range info.Products {
		if p.ID == productID {
			return true
		}
	}
	return false
}

func supportsAny(info types.AgentInfo, methods []types.PaymentMethod) bool {
	for _, want := range methods {
		for _, have := range info.PaymentMethods {
			if want == have {
				return true
			}
		}
	}
	return false
}
