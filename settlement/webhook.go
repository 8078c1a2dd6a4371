package settlement

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"github.com/dcap-x-project/dcap-commerce/types"
)

// webhookEventSchema constrains processor notifications before any of their
// content is trusted
const webhookEventSchema = `{
	"type": "object",
	"required": ["payment_id", "status"],
	"properties": {
		"payment_id": {"type": "string", "minLength": 1},
		"transaction_id": {"type": "string"},
		"status": {
			"type": "string",
			"enum": ["pending", "processing", "succeeded", "failed", "cancelled", "refunded"]
		},
		"amount": {"type": "number", "minimum": 0},
		"currency": {"type": "string"}
	},
	"additionalProperties": true
}`

// WebhookEvent is a validated processor notification
type WebhookEvent struct {
	PaymentID     string        `json:"payment_id"`
	TransactionID string        `json:"transaction_id,omitempty"`
	Status        PaymentStatus `json:"status"`
	Amount        float64       `json:"amount,omitempty"`
	Currency      string        `json:"currency,omitempty"`
}

// HandleWebhook applies an asynchronous processor notification. The
// signature is checked before anything else; an invalid signature rejects
// the event with no state change at all. Valid events update the router's
// payment status view.
func (r *Router) HandleWebhook(_ context.Context, method types.PaymentMethod, payload []byte, signature string) (*WebhookEvent, error) {
	rail, ok := r.rails[method]
	if !ok {
		return nil, types.NewValidationError("payment_method", fmt.Sprintf("unknown payment method %q", method))
	}
	if !rail.ValidateWebhook(payload, signature) {
		return nil, types.NewAuthError("invalid webhook signature")
	}

	schema := gojsonschema.NewStringLoader(webhookEventSchema)
	document := gojsonschema.NewBytesLoader(payload)
	result, err := gojsonschema.Validate(schema, document)
	if err != nil {
		return nil, types.NewValidationError("payload", "webhook payload is not valid JSON")
	}
	if !result.Valid() {
		verr := types.NewValidationError("payload", "webhook payload failed schema validation")
		for _, desc := range result.Errors() {
			verr = verr.WithDetail(desc.Field(), desc.Description())
		}
		return nil, verr
	}

	var event WebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, types.NewValidationError("payload", "webhook payload is not valid JSON")
	}

	r.setStatus(event.PaymentID, event.Status)
	r.log.Infof("webhook: payment %s is now %s", event.PaymentID, event.Status)
	return &event, nil
}
