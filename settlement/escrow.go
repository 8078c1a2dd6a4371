package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/config"
	"github.com/dcap-x-project/dcap-commerce/logger"
	"github.com/dcap-x-project/dcap-commerce/storage"
	"github.com/dcap-x-project/dcap-commerce/types"
)

// Conditions every hold must clear before release
var defaultReleaseConditions = []string{
	"Delivery confirmed",
	"Quality verified",
}

// EscrowRail holds funds custodially for a fixed window. A charge creates an
// Active hold and reports Pending; release, refund and expiry are separate
// terminal transitions on the hold.
type EscrowRail struct {
	holdDuration time.Duration
	store        storage.Store
	log          *logger.Logger

	mu    sync.Mutex
	holds map[uuid.UUID]*EscrowHold
}

// NewEscrowRail creates the escrow rail. Holds write through to the store so
// they survive beyond the rail's in-memory view.
func NewEscrowRail(cfg config.EscrowConfig, store storage.Store) *EscrowRail {
	days := cfg.HoldDays
	if days <= 0 {
		days = 7
	}
	return &EscrowRail{
		holdDuration: time.Duration(days) * 24 * time.Hour,
		store:        store,
		log:          logger.New().WithComponent("escrow"),
		holds:        make(map[uuid.UUID]*EscrowHold),
	}
}

// Method returns the payment method this rail serves
func (e *EscrowRail) Method() types.PaymentMethod {
	return types.PaymentMethodEscrow
}

// Configured reports whether the rail is usable. Escrow runs in-process and
// only needs its backing store.
func (e *EscrowRail) Configured() bool {
	return e.store != nil
}

// Charge opens an Active hold and returns a Pending result. Funds only move
// on a later release.
func (e *EscrowRail) Charge(ctx context.Context, req *PaymentRequest) (*PaymentResult, error) {
	if !e.Configured() {
		return nil, types.NewConfigError("escrow rail is not configured")
	}

	now := time.Now()
	hold := &EscrowHold{
		ID:                  uuid.New(),
		TransactionID:       req.TransactionID,
		BuyerID:             req.BuyerID,
		SellerID:            req.SellerID,
		Amount:              req.Amount,
		Currency:            req.Currency,
		HoldDurationSeconds: int64(e.holdDuration.Seconds()),
		CreatedAt:           now,
		ExpiresAt:           now.Add(e.holdDuration),
		Status:              EscrowActive,
		ReleaseConditions:   append([]string(nil), defaultReleaseConditions...),
	}

	e.mu.Lock()
	e.holds[hold.ID] = hold
	e.mu.Unlock()

	if err := e.persist(ctx, hold); err != nil {
		// The hold must not be observable if the write failed
		e.mu.Lock()
		delete(e.holds, hold.ID)
		e.mu.Unlock()
		return nil, err
	}

	e.log.Infof("created escrow hold %s for %.2f %s, expires %s", hold.ID, hold.Amount, hold.Currency, hold.ExpiresAt.Format(time.RFC3339))
	return &PaymentResult{
		Success:       true,
		PaymentID:     fmt.Sprintf("escrow_%s", hold.ID),
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        StatusPending,
		CreatedAt:     now,
	}, nil
}

// Hold returns the current state of one hold
func (e *EscrowRail) Hold(holdID uuid.UUID) (*EscrowHold, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	hold, ok := e.holds[holdID]
	if !ok {
		return nil, types.NewNotFoundError("escrow hold", holdID.String())
	}
	out := *hold
	out.ReleaseConditions = append([]string(nil), hold.ReleaseConditions...)
	return &out, nil
}

// Release pays the held funds out to the seller. Legal only while Active.
func (e *EscrowRail) Release(ctx context.Context, holdID uuid.UUID) (*PaymentResult, error) {
	return e.transition(ctx, holdID, EscrowReleased, StatusSucceeded)
}

// RefundHold returns the held funds to the buyer. Legal only while Active.
func (e *EscrowRail) RefundHold(ctx context.Context, holdID uuid.UUID) (*PaymentResult, error) {
	return e.transition(ctx, holdID, EscrowRefunded, StatusRefunded)
}

// transition moves an Active hold into a terminal state and reports the
// corresponding payment outcome
func (e *EscrowRail) transition(ctx context.Context, holdID uuid.UUID, target EscrowStatus, resultStatus PaymentStatus) (*PaymentResult, error) {
	e.mu.Lock()
	hold, ok := e.holds[holdID]
	if !ok {
		e.mu.Unlock()
		return nil, types.NewNotFoundError("escrow hold", holdID.String())
	}
	if hold.Status != EscrowActive {
		status := hold.Status
		e.mu.Unlock()
		return nil, types.NewConflictError(fmt.Sprintf("escrow hold %s is already %s", holdID, status))
	}
	hold.Status = target
	snapshot := *hold
	e.mu.Unlock()

	if err := e.persist(ctx, &snapshot); err != nil {
		return nil, err
	}

	now := time.Now()
	e.log.Infof("escrow hold %s %s", holdID, target)
	// The payment id stays stable across the hold's lifecycle so status
	// lookups keyed on the dispatch result stay valid
	return &PaymentResult{
		Success:       resultStatus == StatusSucceeded,
		PaymentID:     fmt.Sprintf("escrow_%s", holdID),
		TransactionID: snapshot.TransactionID,
		Amount:        snapshot.Amount,
		Currency:      snapshot.Currency,
		Status:        resultStatus,
		CreatedAt:     snapshot.CreatedAt,
		CompletedAt:   &now,
	}, nil
}

// ExpireDue moves every Active hold past its deadline to Expired and returns
// the expired ids. Run periodically by the owning service.
func (e *EscrowRail) ExpireDue(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	e.mu.Lock()
	var due []*EscrowHold
	for _, hold := range e.holds {
		if hold.Status == EscrowActive && now.After(hold.ExpiresAt) {
			hold.Status = EscrowExpired
			snapshot := *hold
			due = append(due, &snapshot)
		}
	}
	e.mu.Unlock()

	expired := make([]uuid.UUID, 0, len(due))
	for _, hold := range due {
		if err := e.persist(ctx, hold); err != nil {
			return expired, err
		}
		expired = append(expired, hold.ID)
		e.log.Infof("escrow hold %s expired", hold.ID)
	}
	return expired, nil
}

// Refund by payment id maps onto the hold refund. The escrow payment id is
// "escrow_<hold id>".
func (e *EscrowRail) Refund(ctx context.Context, paymentID string) (*PaymentResult, error) {
	holdID, err := holdIDFromPaymentID(paymentID)
	if err != nil {
		return nil, err
	}
	return e.RefundHold(ctx, holdID)
}

// Status reports the payment status derived from the hold state
func (e *EscrowRail) Status(_ context.Context, paymentID string) (PaymentStatus, error) {
	holdID, err := holdIDFromPaymentID(paymentID)
	if err != nil {
		return "", err
	}
	hold, err := e.Hold(holdID)
	if err != nil {
		return "", err
	}
	switch hold.Status {
	case EscrowActive:
		return StatusPending, nil
	case EscrowReleased:
		return StatusSucceeded, nil
	case EscrowRefunded:
		return StatusRefunded, nil
	default:
		return StatusCancelled, nil
	}
}

// ValidateWebhook always fails: escrow transitions are driven by explicit
// release/refund calls, not processor callbacks
func (e *EscrowRail) ValidateWebhook(_ []byte, _ string) bool {
	return false
}

func (e *EscrowRail) persist(ctx context.Context, hold *EscrowHold) error {
	rec := &storage.EscrowRecord{
		ID:                hold.ID,
		TransactionID:     hold.TransactionID,
		BuyerID:           hold.BuyerID,
		SellerID:          hold.SellerID,
		Amount:            hold.Amount,
		Currency:          hold.Currency,
		Status:            string(hold.Status),
		ReleaseConditions: hold.ReleaseConditions,
		CreatedAtUnix:     hold.CreatedAt.Unix(),
		ExpiresAtUnix:     hold.ExpiresAt.Unix(),
	}
	return e.store.SaveEscrow(ctx, rec)
}

func holdIDFromPaymentID(paymentID string) (uuid.UUID, error) {
	var raw string
	if _, err := fmt.Sscanf(paymentID, "escrow_%s", &raw); err != nil {
		return uuid.Nil, types.NewValidationError("payment_id", fmt.Sprintf("%q is not an escrow payment id", paymentID))
	}
	holdID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, types.NewValidationError("payment_id", fmt.Sprintf("%q is not an escrow payment id", paymentID))
	}
	return holdID, nil
}
