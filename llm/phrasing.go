package llm

import (
	"context"
	"fmt"
	"strings"
)

// QuoteMessage returns one short sentence presenting a quote to the buyer.
// Always returns a non-empty string.
func QuoteMessage(ctx context.Context, c Client, productName string, quantity int, price float64, currency string) string {
	if c != nil {
		sys := "You are a seller agent in an automated marketplace. Write exactly ONE short, professional sentence presenting a price quote. No lists, no explanation."
		user := fmt.Sprintf("Product: %s, quantity: %d, total price: %.2f %s.", productName, quantity, price, currency)
		if out, err := c.Chat(ctx, sys, user); err == nil && strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out)
		}
	}
	return fmt.Sprintf("Quote for %d x %s: %.2f %s.", quantity, productName, price, currency)
}

// CounterMessage returns one short sentence presenting a counter-offer
// response. Always returns a non-empty string.
func CounterMessage(ctx context.Context, c Client, offered, countered float64, currency string) string {
	if c != nil {
		sys := "You are a seller agent responding to a buyer's counter-offer. Write exactly ONE short sentence with the revised price. No lists, no explanation."
		user := fmt.Sprintf("Buyer offered %.2f %s, your revised price is %.2f %s.", offered, currency, countered, currency)
		if out, err := c.Chat(ctx, sys, user); err == nil && strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out)
		}
	}
	return fmt.Sprintf("Counter-offer of %.2f %s noted, revised price: %.2f %s.", offered, currency, countered, currency)
}

// RejectionMessage returns one short sentence explaining a rejected offer.
// Always returns a non-empty string.
func RejectionMessage(ctx context.Context, c Client, reason string) string {
	if c != nil {
		sys := "You are a seller agent declining an offer. Write exactly ONE short, polite sentence stating the reason. No lists, no explanation."
		user := fmt.Sprintf("Reason: %s.", reason)
		if out, err := c.Chat(ctx, sys, user); err == nil && strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out)
		}
	}
	return fmt.Sprintf("Offer declined: %s.", reason)
}

// SettlementReceipt returns a one-line confirmation for a completed payment.
// Always returns a non-empty string.
func SettlementReceipt(ctx context.Context, c Client, productName string, amount float64, currency, method string) string {
	if c != nil {
		sys := "Generate exactly ONE single-line human-friendly payment confirmation sentence."
		user := fmt.Sprintf("Product: %s, amount: %.2f %s, payment method: %s.", productName, amount, currency, method)
		if out, err := c.Chat(ctx, sys, user); err == nil && strings.TrimSpace(out) != "" {
			return strings.TrimSpace(out)
		}
	}
	return fmt.Sprintf("Payment of %.2f %s via %s for %s completed.", amount, currency, method, productName)
}
