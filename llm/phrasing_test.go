package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubClient struct {
	response string
	err      error
	lastUser string
}

func (s *stubClient) Chat(ctx context.Context, system, user string) (string, error) {
	s.lastUser = user
	return s.response, s.err
}

// TestQuoteMessageUsesModelOutput tests that a working model shapes the
// message
func TestQuoteMessageUsesModelOutput(t *testing.T) {
	stub := &stubClient{response: "  Happy to offer 5 widgets at 1140.00 USD.  "}

	msg := QuoteMessage(context.Background(), stub, "widget", 5, 1140.0, "USD")
	if msg != "Happy to offer 5 widgets at 1140.00 USD." {
		t.Errorf("Expected trimmed model output, got %q", msg)
	}
	if !strings.Contains(stub.lastUser, "widget") {
		t.Errorf("Expected product in prompt, got %q", stub.lastUser)
	}
}

// TestQuoteMessageFallsBackOnError tests the deterministic template path
func TestQuoteMessageFallsBackOnError(t *testing.T) {
	stub := &stubClient{err: errors.New("rate limited")}

	msg := QuoteMessage(context.Background(), stub, "widget", 5, 1140.0, "USD")
	if msg != "Quote for 5 x widget: 1140.00 USD." {
		t.Errorf("Expected fallback template, got %q", msg)
	}
}

// TestPhrasingWithoutClient tests that every helper works with a nil client
func TestPhrasingWithoutClient(t *testing.T) {
	ctx := context.Background()

	cases := []struct {
		name string
		got  string
	}{
		{"quote", QuoteMessage(ctx, nil, "widget", 2, 200, "USD")},
		{"counter", CounterMessage(ctx, nil, 180, 190, "USD")},
		{"rejection", RejectionMessage(ctx, nil, "offer below minimum acceptable price")},
		{"receipt", SettlementReceipt(ctx, nil, "widget", 190, "USD", "stripe")},
	}
	for _, tc := range cases {
		if strings.TrimSpace(tc.got) == "" {
			t.Errorf("Expected non-empty %s message without a client", tc.name)
		}
	}
}

// TestEmptyModelOutputFallsBack tests that blank responses are not trusted
func TestEmptyModelOutputFallsBack(t *testing.T) {
	stub := &stubClient{response: "   "}

	msg := CounterMessage(context.Background(), stub, 180, 190, "USD")
	if msg != "Counter-offer of 180.00 USD noted, revised price: 190.00 USD." {
		t.Errorf("Expected fallback for blank model output, got %q", msg)
	}
}
