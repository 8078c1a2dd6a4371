package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentID identifies a registered agent
type AgentID = uuid.UUID

// TransactionID identifies an RFQ, quote or negotiation
type TransactionID = uuid.UUID

// AgentType distinguishes the two sides of a trade
type AgentType string

// Agent types
const (
	AgentTypeBuyer  AgentType = "buyer"
	AgentTypeSeller AgentType = "seller"
)

// PaymentMethod selects a settlement rail
type PaymentMethod string

// Settlement rails
const (
	PaymentMethodStripe PaymentMethod = "stripe"
	PaymentMethodLedger PaymentMethod = "ledger"
	PaymentMethodEscrow PaymentMethod = "escrow"
)

// AgentInfo is the discovery record for a registered agent
type AgentInfo struct {
	ID              AgentID         `json:"id"`
	AgentType       AgentType       `json:"agent_type"`
	Name            string          `json:"name"`
	Endpoint        string          `json:"endpoint"`
	PublicKey       string          `json:"public_key"`
	ReputationScore int             `json:"reputation_score"`
	Products        []Product       `json:"products"`
	PaymentMethods  []PaymentMethod `json:"payment_methods"`
	CreatedAt       time.Time       `json:"created_at"`
	LastActive      time.Time       `json:"last_active"`
}

// Product is a catalog entry offered by a seller
type Product struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Category      string            `json:"category"`
	BasePrice     float64           `json:"base_price"`
	Currency      string            `json:"currency"`
	StockQuantity int               `json:"stock_quantity"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RFQ is a buyer's request for quote. Immutable once issued.
type RFQ struct {
	ID               TransactionID     `json:"id"`
	BuyerID          AgentID           `json:"buyer_id"`
	ProductID        string            `json:"product_id"`
	Quantity         int               `json:"quantity"`
	MaxPrice         float64           `json:"max_price"`
	Currency         string            `json:"currency"`
	DeliveryLocation string            `json:"delivery_location,omitempty"`
	Deadline         time.Time         `json:"deadline"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// NewRFQ creates an RFQ with a fresh transaction id
func NewRFQ(buyerID AgentID, productID string, quantity int, maxPrice float64, currency string, deadline time.Time) *RFQ {
	return &RFQ{
		ID:        uuid.New(),
		BuyerID:   buyerID,
		ProductID: productID,
		Quantity:  quantity,
		MaxPrice:  maxPrice,
		Currency:  currency,
		Deadline:  deadline,
		Metadata:  make(map[string]string),
	}
}

// Validate checks the RFQ against its invariants
func (r *RFQ) Validate() error {
	if r.Quantity <= 0 {
		return NewValidationError("quantity", "quantity must be greater than 0")
	}
	if r.MaxPrice <= 0 {
		return NewValidationError("max_price", "max price must be greater than 0")
	}
	if !r.Deadline.After(time.Now()) {
		return NewValidationError("deadline", "deadline must be in the future")
	}
	return nil
}

// Quote is a seller's time-bounded priced response to an RFQ. Immutable;
// re-quoting means a new Quote object.
type Quote struct {
	ID                TransactionID     `json:"id"`
	RFQID             TransactionID     `json:"rfq_id"`
	SellerID          AgentID           `json:"seller_id"`
	Price             float64           `json:"price"`
	Currency          string            `json:"currency"`
	AvailableQuantity int               `json:"available_quantity"`
	DeliveryEstimate  string            `json:"delivery_estimate,omitempty"`
	TTLSeconds        int               `json:"ttl_seconds"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// NewQuote creates a Quote stamped with the current time
func NewQuote(rfqID TransactionID, sellerID AgentID, price float64, currency string, availableQuantity, ttlSeconds int) *Quote {
	return &Quote{
		ID:                uuid.New(),
		RFQID:             rfqID,
		SellerID:          sellerID,
		Price:             price,
		Currency:          currency,
		AvailableQuantity: availableQuantity,
		TTLSeconds:        ttlSeconds,
		Metadata:          make(map[string]string),
		CreatedAt:         time.Now(),
	}
}

// IsExpired reports whether the quote's TTL has lapsed
func (q *Quote) IsExpired() bool {
	return time.Now().After(q.CreatedAt.Add(time.Duration(q.TTLSeconds) * time.Second))
}

// Validate checks the Quote against its invariants
func (q *Quote) Validate() error {
	if q.Price <= 0 {
		return NewValidationError("price", "price must be greater than 0")
	}
	if q.AvailableQuantity <= 0 {
		return NewValidationError("available_quantity", "available quantity must be greater than 0")
	}
	if q.TTLSeconds <= 0 {
		return NewValidationError("ttl_seconds", "TTL must be greater than 0")
	}
	return nil
}

// NegotiationStatus is the state of a negotiation
type NegotiationStatus string

// Negotiation states. Settled, Rejected and Expired are terminal.
const (
	StatusPending     NegotiationStatus = "pending"
	StatusQuoted      NegotiationStatus = "quoted"
	StatusNegotiating NegotiationStatus = "negotiating"
	StatusAccepted    NegotiationStatus = "accepted"
	StatusRejected    NegotiationStatus = "rejected"
	StatusExpired     NegotiationStatus = "expired"
	StatusSettled     NegotiationStatus = "settled"
)

// MessageType tags entries in a negotiation's message log
type MessageType string

// Message types
const (
	MessageTypeRFQ          MessageType = "rfq"
	MessageTypeQuote        MessageType = "quote"
	MessageTypeCounterOffer MessageType = "counter_offer"
	MessageTypeAccept       MessageType = "accept"
	MessageTypeReject       MessageType = "reject"
	MessageTypeInfo         MessageType = "info"
)

// NegotiationMessage is one entry in the ordered exchange log
type NegotiationMessage struct {
	ID            uuid.UUID     `json:"id"`
	NegotiationID TransactionID `json:"negotiation_id"`
	SenderID      AgentID       `json:"sender_id"`
	Content       string        `json:"content"`
	MessageType   MessageType   `json:"message_type"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Negotiation is the stateful exchange between one RFQ, its seller and the
// sequence of quotes until a terminal outcome. The owning agent's copy is
// authoritative; counterparty responses trigger local transitions.
type Negotiation struct {
	ID         TransactionID        `json:"id"`
	RFQID      TransactionID        `json:"rfq_id"`
	QuoteID    *TransactionID       `json:"quote_id,omitempty"`
	BuyerID    AgentID              `json:"buyer_id"`
	SellerID   AgentID              `json:"seller_id"`
	ProductID  string               `json:"product_id"`
	Quantity   int                  `json:"quantity"`
	OpeningBid float64              `json:"opening_bid"`
	ClosePrice *float64             `json:"close_price,omitempty"`
	Delta      *float64             `json:"delta,omitempty"`
	Status     NegotiationStatus    `json:"status"`
	Messages   []NegotiationMessage `json:"messages"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// NewNegotiation opens a negotiation from an RFQ and a chosen seller. The
// opening bid is the buyer's max price.
func NewNegotiation(rfq *RFQ, sellerID AgentID) *Negotiation {
	now := time.Now()
	return &Negotiation{
		ID:         uuid.New(),
		RFQID:      rfq.ID,
		BuyerID:    rfq.BuyerID,
		SellerID:   sellerID,
		ProductID:  rfq.ProductID,
		Quantity:   rfq.Quantity,
		OpeningBid: rfq.MaxPrice,
		Status:     StatusPending,
		Messages:   []NegotiationMessage{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// AttachQuote records the seller's quote and moves to Quoted. Attaching while
// a quote is already attached is a hard conflict; callers must reset first.
func (n *Negotiation) AttachQuote(quote *Quote) error {
	if n.QuoteID != nil {
		return NewConflictError(fmt.Sprintf("negotiation %s already has quote %s attached", n.ID, *n.QuoteID))
	}
	id := quote.ID
	n.QuoteID = &id
	n.Status = StatusQuoted
	n.UpdatedAt = time.Now()
	return nil
}

// ClearQuote detaches the current quote so a new one can be attached. Legal
// only while Quoted or Negotiating.
func (n *Negotiation) ClearQuote() error {
	if n.Status != StatusQuoted && n.Status != StatusNegotiating {
		return NewConflictError(fmt.Sprintf("cannot clear quote in state %s", n.Status))
	}
	n.QuoteID = nil
	n.UpdatedAt = time.Now()
	return nil
}

// Counter records a buyer counter-offer and moves to Negotiating. The offer
// must undercut the opening bid: the bid is a ceiling, sellers tighten from
// above.
func (n *Negotiation) Counter(offer float64, senderID AgentID) error {
	if n.Status != StatusQuoted && n.Status != StatusNegotiating {
		return NewConflictError(fmt.Sprintf("cannot counter in state %s", n.Status))
	}
	if offer >= n.OpeningBid {
		return NewValidationError("offer", fmt.Sprintf("counter offer %.2f must be less than opening bid %.2f", offer, n.OpeningBid))
	}
	n.AppendMessage(senderID, fmt.Sprintf("%.2f", offer), MessageTypeCounterOffer)
	n.Status = StatusNegotiating
	n.UpdatedAt = time.Now()
	return nil
}

// Accept closes the negotiation at finalPrice. Close price and delta are set
// together, exactly once.
func (n *Negotiation) Accept(finalPrice float64) error {
	if n.Status != StatusQuoted && n.Status != StatusNegotiating {
		return NewConflictError(fmt.Sprintf("cannot accept negotiation in state %s", n.Status))
	}
	close := finalPrice
	delta := finalPrice - n.OpeningBid
	n.ClosePrice = &close
	n.Delta = &delta
	n.Status = StatusAccepted
	n.UpdatedAt = time.Now()
	return nil
}

// Reject moves the negotiation to the terminal Rejected state
func (n *Negotiation) Reject() error {
	if n.Status != StatusQuoted && n.Status != StatusNegotiating {
		return NewConflictError(fmt.Sprintf("cannot reject negotiation in state %s", n.Status))
	}
	n.Status = StatusRejected
	n.UpdatedAt = time.Now()
	return nil
}

// Expire moves the negotiation to the terminal Expired state. Expiry is driven
// by deadline/TTL comparisons outside the state machine, never by a timer here.
func (n *Negotiation) Expire() error {
	if n.Status != StatusQuoted && n.Status != StatusNegotiating {
		return NewConflictError(fmt.Sprintf("cannot expire negotiation in state %s", n.Status))
	}
	n.Status = StatusExpired
	n.UpdatedAt = time.Now()
	return nil
}

// Settle marks the accepted negotiation as settled. A second call is a
// conflict, which is what makes settlement dispatch at-most-once.
func (n *Negotiation) Settle() error {
	if n.Status != StatusAccepted {
		return NewConflictError(fmt.Sprintf("cannot settle negotiation in state %s", n.Status))
	}
	n.Status = StatusSettled
	n.UpdatedAt = time.Now()
	return nil
}

// AppendMessage adds an entry to the ordered message log
func (n *Negotiation) AppendMessage(senderID AgentID, content string, msgType MessageType) {
	n.Messages = append(n.Messages, NegotiationMessage{
		ID:            uuid.New(),
		NegotiationID: n.ID,
		SenderID:      senderID,
		Content:       content,
		MessageType:   msgType,
		CreatedAt:     time.Now(),
	})
}

// ToRecord derives the write-once audit tuple. Returns nil until the
// negotiation has both a close price and a delta.
func (n *Negotiation) ToRecord() *NegotiationRecord {
	if n.ClosePrice == nil || n.Delta == nil {
		return nil
	}
	return &NegotiationRecord{
		BuyerID:         n.BuyerID,
		SellerID:        n.SellerID,
		ProductHash:     n.ProductID,
		OpeningBid:      n.OpeningBid,
		ClosePrice:      *n.ClosePrice,
		Delta:           *n.Delta,
		Timestamp:       n.CreatedAt,
		DurationSeconds: int64(n.UpdatedAt.Sub(n.CreatedAt).Seconds()),
		MessageCount:    len(n.Messages),
	}
}

// NegotiationRecord is a denormalized audit tuple for analytics. Never mutated.
type NegotiationRecord struct {
	BuyerID         AgentID   `json:"buyer_id"`
	SellerID        AgentID   `json:"seller_id"`
	ProductHash     string    `json:"product_hash"`
	OpeningBid      float64   `json:"opening_bid"`
	ClosePrice      float64   `json:"close_price"`
	Delta           float64   `json:"delta"`
	Timestamp       time.Time `json:"timestamp"`
	DurationSeconds int64     `json:"duration_seconds"`
	MessageCount    int       `json:"message_count"`
}
