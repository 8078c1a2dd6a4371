package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/logger"
	"github.com/dcap-x-project/dcap-commerce/types"
)

// Rail is one payment backend. New rails are added by implementing this
// interface, not by editing the router.
type Rail interface {
	// Method returns the payment method this rail serves
	Method() types.PaymentMethod
	// Configured reports whether the rail has the credentials it needs
	Configured() bool
	// Charge moves funds for the request
	Charge(ctx context.Context, req *PaymentRequest) (*PaymentResult, error)
	// Refund reverses a previous charge
	Refund(ctx context.Context, paymentID string) (*PaymentResult, error)
	// Status queries the current state of a payment
	Status(ctx context.Context, paymentID string) (PaymentStatus, error)
	// ValidateWebhook checks a processor notification's signature
	ValidateWebhook(payload []byte, signature string) bool
}

// Router dispatches payments to exactly one rail per request and tracks
// payment state reported back through webhooks.
type Router struct {
	rails map[types.PaymentMethod]Rail
	log   *logger.Logger

	mu       sync.RWMutex
	statuses map[string]PaymentStatus
}

// NewRouter creates a router over the given rails
func NewRouter(rails ...Rail) *Router {
	byMethod := make(map[types.PaymentMethod]Rail, len(rails))
	for _, r := range rails {
		byMethod[r.Method()] = r
	}
	return &Router{
		rails:    byMethod,
		log:      logger.New().WithComponent("settlement"),
		statuses: make(map[string]PaymentStatus),
	}
}

// rail resolves the rail for a method, rejecting unknown and unconfigured
// rails before any money moves
func (r *Router) rail(method types.PaymentMethod) (Rail, error) {
	rail, ok := r.rails[method]
	if !ok {
		return nil, types.NewValidationError("payment_method", fmt.Sprintf("unknown payment method %q", method))
	}
	if !rail.Configured() {
		return nil, types.NewConfigError(fmt.Sprintf("payment rail %q is not configured", method))
	}
	return rail, nil
}

// Configured reports whether the given rail is usable
func (r *Router) Configured(method types.PaymentMethod) bool {
	rail, ok := r.rails[method]
	return ok && rail.Configured()
}

// Methods returns the payment methods that are currently usable
func (r *Router) Methods() []types.PaymentMethod {
	out := make([]types.PaymentMethod, 0, len(r.rails))
	for method, rail := range r.rails {
		if rail.Configured() {
			out = append(out, method)
		}
	}
	return out
}

// Dispatch charges the request on its chosen rail and records the outcome
func (r *Router) Dispatch(ctx context.Context, req *PaymentRequest) (*PaymentResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	rail, err := r.rail(req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	result, err := rail.Charge(ctx, req)
	if err != nil {
		r.log.Error(fmt.Sprintf("charge failed on rail %s for transaction %s", req.PaymentMethod, req.TransactionID), err)
		return nil, err
	}

	r.setStatus(result.PaymentID, result.Status)
	r.log.Infof("dispatched %.2f %s on rail %s: payment %s %s", req.Amount, req.Currency, req.PaymentMethod, result.PaymentID, result.Status)
	return result, nil
}

// Refund reverses a payment on the given rail
func (r *Router) Refund(ctx context.Context, method types.PaymentMethod, paymentID string) (*PaymentResult, error) {
	rail, err := r.rail(method)
	if err != nil {
		return nil, err
	}
	result, err := rail.Refund(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	r.setStatus(result.PaymentID, result.Status)
	return result, nil
}

// holdReleaser is the custodial surface the escrow rail adds beyond Rail
type holdReleaser interface {
	Release(ctx context.Context, holdID uuid.UUID) (*PaymentResult, error)
}

// ReleaseEscrow pays out an escrow hold through the escrow rail and records
// the resulting payment status
func (r *Router) ReleaseEscrow(ctx context.Context, holdID uuid.UUID) (*PaymentResult, error) {
	rail, err := r.rail(types.PaymentMethodEscrow)
	if err != nil {
		return nil, err
	}
	releaser, ok := rail.(holdReleaser)
	if !ok {
		return nil, types.NewConfigError("escrow rail does not support hold release")
	}
	result, err := releaser.Release(ctx, holdID)
	if err != nil {
		return nil, err
	}
	r.setStatus(result.PaymentID, result.Status)
	r.log.Infof("released escrow hold %s: payment %s %s", holdID, result.PaymentID, result.Status)
	return result, nil
}

// Status returns the last known status of a payment, preferring webhook
// updates over a rail query
func (r *Router) Status(ctx context.Context, method types.PaymentMethod, paymentID string) (PaymentStatus, error) {
	r.mu.RLock()
	status, ok := r.statuses[paymentID]
	r.mu.RUnlock()
	if ok {
		return status, nil
	}

	rail, err := r.rail(method)
	if err != nil {
		return "", err
	}
	return rail.Status(ctx, paymentID)
}

func (r *Router) setStatus(paymentID string, status PaymentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[paymentID] = status
}
