package seller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dcap-x-project/dcap-commerce/types"
)

// Client talks to a remote seller agent over its HTTP protocol. Error bodies
// carry the error kind, so remote rejections reconstruct into the same typed
// errors a local call would return.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the seller at baseURL
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// RequestQuote submits an RFQ and returns the opened negotiation's quote
func (c *Client) RequestQuote(ctx context.Context, rfq *types.RFQ) (*QuoteResponse, error) {
	var resp QuoteResponse
	if err := c.post(ctx, "/quote", rfq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Counter sends a counter-offer against an open negotiation
func (c *Client) Counter(ctx context.Context, negotiationID types.TransactionID, offer float64) (*QuoteResponse, error) {
	var resp QuoteResponse
	path := fmt.Sprintf("/negotiations/%s/counter", negotiationID)
	if err := c.post(ctx, path, CounterRequest{Offer: offer}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Accept closes the negotiation at finalPrice
func (c *Client) Accept(ctx context.Context, negotiationID types.TransactionID, finalPrice float64) (*types.Negotiation, error) {
	var n types.Negotiation
	path := fmt.Sprintf("/negotiations/%s/accept", negotiationID)
	if err := c.post(ctx, path, AcceptRequest{FinalPrice: finalPrice}, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Reject abandons the negotiation
func (c *Client) Reject(ctx context.Context, negotiationID types.TransactionID) (*types.Negotiation, error) {
	var n types.Negotiation
	path := fmt.Sprintf("/negotiations/%s/reject", negotiationID)
	if err := c.post(ctx, path, struct{}{}, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Negotiation fetches the seller's view of a negotiation
func (c *Client) Negotiation(ctx context.Context, negotiationID types.TransactionID) (*types.Negotiation, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/negotiations/"+negotiationID.String(), nil)
	if err != nil {
		return nil, types.NewTransientError("seller request", err)
	}
	var n types.Negotiation
	if err := c.do(httpReq, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// NotifySettlement reports the settlement outcome so the seller can settle
// its copy, adjust stock and apply reputation hooks
func (c *Client) NotifySettlement(ctx context.Context, negotiationID types.TransactionID, notice SettlementNotice) (*SettlementAck, error) {
	var ack SettlementAck
	path := fmt.Sprintf("/negotiations/%s/settlement", negotiationID)
	if err := c.post(ctx, path, notice, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return types.NewValidationError("body", "request body is not serializable")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return types.NewTransientError("seller request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.do(httpReq, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewTransientError("seller call", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewTransientError("seller response decode", err)
	}
	return nil
}

// errorFromResponse rebuilds a typed error from the error kind in the body
func errorFromResponse(resp *http.Response) error {
	var body struct {
		Error   string            `json:"error"`
		Kind    types.ErrorKind   `json:"kind"`
		Details map[string]string `json:"details"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	ce := &types.CommerceError{
		Kind:    body.Kind,
		Message: body.Error,
		Details: body.Details,
	}
	if ce.Kind == "" {
		return types.NewTransientError("seller call", fmt.Errorf("status %d: %s", resp.StatusCode, body.Error))
	}
	return ce
}
