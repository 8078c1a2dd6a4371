package seller

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/internal/httputil"
	"github.com/dcap-x-project/dcap-commerce/llm"
	"github.com/dcap-x-project/dcap-commerce/types"
)

// QuoteResponse answers an RFQ with the opened negotiation and its quote.
// The signature covers the quote id and verifies against the seller's
// registered public key.
type QuoteResponse struct {
	NegotiationID types.TransactionID `json:"negotiation_id"`
	Quote         *types.Quote        `json:"quote"`
	Message       string              `json:"message"`
	Signature     string              `json:"signature"`
}

// CounterRequest carries a buyer counter-offer
type CounterRequest struct {
	Offer float64 `json:"offer"`
}

// AcceptRequest closes a negotiation at the given price
type AcceptRequest struct {
	FinalPrice float64 `json:"final_price"`
}

// SettlementNotice reports the buyer-side settlement outcome
type SettlementNotice struct {
	PaymentID     string              `json:"payment_id"`
	PaymentMethod types.PaymentMethod `json:"payment_method"`
	Success       bool                `json:"success"`
}

// SettlementAck confirms the seller processed the settlement notice
type SettlementAck struct {
	Status  types.NegotiationStatus `json:"status"`
	Message string                  `json:"message"`
}

// Server exposes the seller agent's negotiation protocol over HTTP
type Server struct {
	agent *Agent
}

// NewServer creates an HTTP front for the agent
func NewServer(agent *Agent) *Server {
	return &Server{agent: agent}
}

// Routes registers the seller endpoints on the mux
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/quote", s.handleQuote)
	mux.HandleFunc("/negotiations/", s.handleNegotiation)
	mux.HandleFunc("/products", s.handleProducts)
	mux.HandleFunc("/health", s.handleHealth)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var rfq types.RFQ
	if err := json.NewDecoder(r.Body).Decode(&rfq); err != nil {
		httputil.WriteError(w, types.NewValidationError("body", "invalid JSON body"))
		return
	}

	n, quote, err := s.agent.Quote(r.Context(), &rfq)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	product, _ := s.agent.seller.Product(rfq.ProductID)
	name := rfq.ProductID
	if product != nil {
		name = product.Name
	}
	httputil.WriteJSON(w, http.StatusCreated, QuoteResponse{
		NegotiationID: n.ID,
		Quote:         quote,
		Message:       llm.QuoteMessage(r.Context(), s.agent.llm, name, rfq.Quantity, quote.Price, quote.Currency),
		Signature:     s.agent.QuoteSignature(quote),
	})
}

// handleNegotiation dispatches /negotiations/{id} and its sub-resources
func (s *Server) handleNegotiation(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/negotiations/")
	idStr, action, _ := strings.Cut(rest, "/")

	negotiationID, err := uuid.Parse(idStr)
	if err != nil {
		httputil.WriteError(w, types.NewValidationError("negotiation_id", "invalid negotiation id"))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getNegotiation(w, r, negotiationID)
	case action == "counter" && r.Method == http.MethodPost:
		s.counter(w, r, negotiationID)
	case action == "accept" && r.Method == http.MethodPost:
		s.accept(w, r, negotiationID)
	case action == "reject" && r.Method == http.MethodPost:
		s.reject(w, r, negotiationID)
	case action == "settlement" && r.Method == http.MethodPost:
		s.settlement(w, r, negotiationID)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) getNegotiation(w http.ResponseWriter, r *http.Request, id types.TransactionID) {
	n, err := s.agent.Negotiation(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, n)
}

func (s *Server) counter(w http.ResponseWriter, r *http.Request, id types.TransactionID) {
	var req CounterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, types.NewValidationError("body", "invalid JSON body"))
		return
	}

	n, quote, err := s.agent.Counter(r.Context(), id, req.Offer)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, QuoteResponse{
		NegotiationID: n.ID,
		Quote:         quote,
		Message:       llm.CounterMessage(r.Context(), s.agent.llm, req.Offer, quote.Price, quote.Currency),
		Signature:     s.agent.QuoteSignature(quote),
	})
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, id types.TransactionID) {
	var req AcceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, types.NewValidationError("body", "invalid JSON body"))
		return
	}

	n, err := s.agent.Accept(r.Context(), id, req.FinalPrice)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, n)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, id types.TransactionID) {
	n, err := s.agent.Reject(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, n)
}

func (s *Server) settlement(w http.ResponseWriter, r *http.Request, id types.TransactionID) {
	var notice SettlementNotice
	if err := json.NewDecoder(r.Body).Decode(&notice); err != nil {
		httputil.WriteError(w, types.NewValidationError("body", "invalid JSON body"))
		return
	}

	n, err := s.agent.ConfirmSettlement(r.Context(), id, notice.Success)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	message := "settlement failure recorded"
	if notice.Success {
		name, currency := n.ProductID, "USD"
		if product, err := s.agent.seller.Product(n.ProductID); err == nil {
			name, currency = product.Name, product.Currency
		}
		message = llm.SettlementReceipt(r.Context(), s.agent.llm, name, derefOrZero(n.ClosePrice), currency, string(notice.PaymentMethod))
	}
	httputil.WriteJSON(w, http.StatusOK, SettlementAck{Status: n.Status, Message: message})
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"seller_id": s.agent.ID(),
		"products":  s.agent.Products(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
