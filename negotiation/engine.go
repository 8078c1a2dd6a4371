// Package negotiation owns the RFQ/Quote exchange: the per-negotiation state
// machine, seller-side pricing and the counter-offer protocol. Mutations to
// one negotiation serialize on a per-id lock; different negotiations never
// block each other.
package negotiation

import (
	"context"
	"fmt"
	"sync"

	"github.com/dcap-x-project/dcap-commerce/logger"
	"github.com/dcap-x-project/dcap-commerce/storage"
	"github.com/dcap-x-project/dcap-commerce/types"
)

// Engine drives negotiations through their state machine. Every successful
// mutation writes through to the store before returning.
type Engine struct {
	store storage.Store
	log   *logger.Logger

	mu    sync.Mutex
	locks map[types.TransactionID]*sync.Mutex
}

// NewEngine creates a negotiation engine backed by the given store
func NewEngine(store storage.Store) *Engine {
	return &Engine{
		store: store,
		log:   logger.New().WithComponent("negotiation"),
		locks: make(map[types.TransactionID]*sync.Mutex),
	}
}

func (e *Engine) idLock(id types.TransactionID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Create validates the RFQ and opens a Pending negotiation against the
// chosen seller
func (e *Engine) Create(ctx context.Context, rfq *types.RFQ, sellerID types.AgentID) (*types.Negotiation, error) {
	if err := rfq.Validate(); err != nil {
		return nil, err
	}

	n := types.NewNegotiation(rfq, sellerID)
	n.AppendMessage(rfq.BuyerID, fmt.Sprintf("requesting %d x %s up to %.2f %s", rfq.Quantity, rfq.ProductID, rfq.MaxPrice, rfq.Currency), types.MessageTypeRFQ)

	if err := e.store.SaveNegotiation(ctx, n); err != nil {
		return nil, err
	}
	e.log.Infof("opened negotiation %s: buyer %s, seller %s, product %s", n.ID, n.BuyerID, sellerID, n.ProductID)
	return n, nil
}

// Get returns the current state of a negotiation
func (e *Engine) Get(ctx context.Context, id types.TransactionID) (*types.Negotiation, error) {
	return e.store.GetNegotiation(ctx, id)
}

// mutate loads the negotiation under its id lock, applies fn and persists
// the result. fn errors abort without persisting.
func (e *Engine) mutate(ctx context.Context, id types.TransactionID, fn func(n *types.Negotiation) error) (*types.Negotiation, error) {
	lock := e.idLock(id)
	lock.Lock()
	defer lock.Unlock()

	n, err := e.store.GetNegotiation(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(n); err != nil {
		return nil, err
	}
	if err := e.store.SaveNegotiation(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

// AttachQuote records a seller quote against the negotiation. An expired
// quote expires the negotiation instead of attaching.
func (e *Engine) AttachQuote(ctx context.Context, id types.TransactionID, quote *types.Quote) (*types.Negotiation, error) {
	if err := quote.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.SaveQuote(ctx, quote); err != nil {
		return nil, err
	}

	return e.mutate(ctx, id, func(n *types.Negotiation) error {
		if quote.IsExpired() {
			return types.NewExpiredError(fmt.Sprintf("quote %s has expired", quote.ID))
		}
		if err := n.AttachQuote(quote); err != nil {
			return err
		}
		n.AppendMessage(quote.SellerID, fmt.Sprintf("quoted %.2f %s", quote.Price, quote.Currency), types.MessageTypeQuote)
		return nil
	})
}

// ReplaceQuote swaps the attached quote for a fresh one, as happens after
// each counter-offer round
func (e *Engine) ReplaceQuote(ctx context.Context, id types.TransactionID, quote *types.Quote) (*types.Negotiation, error) {
	if err := quote.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.SaveQuote(ctx, quote); err != nil {
		return nil, err
	}

	return e.mutate(ctx, id, func(n *types.Negotiation) error {
		if quote.IsExpired() {
			return types.NewExpiredError(fmt.Sprintf("quote %s has expired", quote.ID))
		}
		if err := n.ClearQuote(); err != nil {
			return err
		}
		if err := n.AttachQuote(quote); err != nil {
			return err
		}
		n.AppendMessage(quote.SellerID, fmt.Sprintf("quoted %.2f %s", quote.Price, quote.Currency), types.MessageTypeQuote)
		return nil
	})
}

// Counter records a buyer counter-offer. The offer must undercut the
// opening bid.
func (e *Engine) Counter(ctx context.Context, id types.TransactionID, offer float64) (*types.Negotiation, error) {
	n, err := e.mutate(ctx, id, func(n *types.Negotiation) error {
		if expired, err := e.quoteExpired(ctx, n); err != nil {
			return err
		} else if expired {
			return types.NewExpiredError(fmt.Sprintf("quote for negotiation %s has expired", n.ID))
		}
		return n.Counter(offer, n.BuyerID)
	})
	if err != nil {
		if types.IsExpired(err) {
			if saveErr := e.expireNow(ctx, id); saveErr != nil {
				e.log.Error("failed to persist expiry", saveErr)
			}
		}
		return nil, err
	}
	return n, nil
}

// Accept closes the negotiation at the given final price. Accepting against
// an expired quote expires the negotiation instead.
func (e *Engine) Accept(ctx context.Context, id types.TransactionID, finalPrice float64) (*types.Negotiation, error) {
	n, err := e.mutate(ctx, id, func(n *types.Negotiation) error {
		if expired, err := e.quoteExpired(ctx, n); err != nil {
			return err
		} else if expired {
			return types.NewExpiredError(fmt.Sprintf("quote for negotiation %s has expired", n.ID))
		}
		if err := n.Accept(finalPrice); err != nil {
			return err
		}
		n.AppendMessage(n.BuyerID, fmt.Sprintf("accepted at %.2f", finalPrice), types.MessageTypeAccept)
		return nil
	})
	if err != nil {
		// The expiry transition itself must stick even though accept failed
		if types.IsExpired(err) {
			if saveErr := e.expireNow(ctx, id); saveErr != nil {
				e.log.Error("failed to persist expiry", saveErr)
			}
		}
		return nil, err
	}
	e.log.Infof("negotiation %s accepted at %.2f (delta %.2f)", n.ID, *n.ClosePrice, *n.Delta)
	return n, nil
}

// expireNow forces the negotiation into Expired, used when a mutation was
// aborted by quote expiry
func (e *Engine) expireNow(ctx context.Context, id types.TransactionID) error {
	_, err := e.mutate(ctx, id, func(n *types.Negotiation) error {
		return n.Expire()
	})
	return err
}

// quoteExpired reports whether the negotiation's attached quote is past its
// TTL. Negotiations without a quote are never quote-expired.
func (e *Engine) quoteExpired(ctx context.Context, n *types.Negotiation) (bool, error) {
	if n.QuoteID == nil {
		return false, nil
	}
	quote, err := e.store.GetQuote(ctx, *n.QuoteID)
	if err != nil {
		return false, err
	}
	return quote.IsExpired(), nil
}

// Reject moves the negotiation to the terminal Rejected state
func (e *Engine) Reject(ctx context.Context, id types.TransactionID) (*types.Negotiation, error) {
	return e.mutate(ctx, id, func(n *types.Negotiation) error {
		if err := n.Reject(); err != nil {
			return err
		}
		n.AppendMessage(n.BuyerID, "rejected", types.MessageTypeReject)
		return nil
	})
}

// Expire moves the negotiation to the terminal Expired state
func (e *Engine) Expire(ctx context.Context, id types.TransactionID) (*types.Negotiation, error) {
	return e.mutate(ctx, id, func(n *types.Negotiation) error {
		return n.Expire()
	})
}

// Settle marks an accepted negotiation as settled and appends its audit
// record. The Accepted-only transition makes settlement dispatch
// at-most-once: a second settle attempt conflicts.
func (e *Engine) Settle(ctx context.Context, id types.TransactionID) (*types.Negotiation, error) {
	n, err := e.mutate(ctx, id, func(n *types.Negotiation) error {
		return n.Settle()
	})
	if err != nil {
		return nil, err
	}

	if rec := n.ToRecord(); rec != nil {
		if err := e.store.AppendRecord(ctx, rec); err != nil {
			return nil, err
		}
	}
	e.log.Infof("negotiation %s settled", n.ID)
	return n, nil
}

// Record returns the audit record, or nil while the negotiation is still
// open
func (e *Engine) Record(ctx context.Context, id types.TransactionID) (*types.NegotiationRecord, error) {
	n, err := e.store.GetNegotiation(ctx, id)
	if err != nil {
		return nil, err
	}
	return n.ToRecord(), nil
}
