// Run a buyer agent through one purchase: discover a seller for the product,
// negotiate toward the target price and settle on the chosen rail.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/agents/buyer"
	"github.com/dcap-x-project/dcap-commerce/config"
	"github.com/dcap-x-project/dcap-commerce/discovery"
	"github.com/dcap-x-project/dcap-commerce/internal/identity"
	"github.com/dcap-x-project/dcap-commerce/logger"
	"github.com/dcap-x-project/dcap-commerce/settlement"
	"github.com/dcap-x-project/dcap-commerce/storage"
	"github.com/dcap-x-project/dcap-commerce/trust"
	"github.com/dcap-x-project/dcap-commerce/types"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	name := flag.String("name", getenvStr("BUYER_NAME", "buyer-agent"), "agent name shown in discovery")
	keyFile := flag.String("key", getenvStr("BUYER_KEY_FILE", "buyer.key"), "identity key file (created on first run)")
	productID := flag.String("product", "prod-widget", "product id to buy")
	quantity := flag.Int("quantity", 1, "quantity to buy")
	maxPrice := flag.Float64("max-price", 200.0, "opening bid ceiling")
	targetPrice := flag.Float64("target-price", 0, "price to negotiate toward (0 accepts the first quote)")
	method := flag.String("method", string(types.PaymentMethodStripe), "payment method: stripe, ledger or escrow")
	currency := flag.String("currency", "USD", "payment currency")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.GetLogger().Error("failed to load config", err)
		os.Exit(1)
	}

	log := logger.GetLogger()
	log.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	log.SetJSONFormat(cfg.Logging.Format != "text")
	log = log.WithComponent("buyer-main")

	ident, err := identity.LoadOrGenerate(*keyFile)
	if err != nil {
		log.Error("failed to load identity", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := storage.NewMemoryStore()
	trustEngine := trust.NewEngine(trust.Config{
		TokenSecret:   cfg.Trust.TokenSecret,
		CacheTTL:      cfg.Trust.CacheTTL(),
		MinReputation: cfg.Trust.MinReputation,
	}, store)

	router, err := buildRouter(cfg, store)
	if err != nil {
		log.Error("failed to build settlement router", err)
		os.Exit(1)
	}

	agent := buyer.NewAgent(buyer.Options{
		ID:        uuid.New(),
		Name:      *name,
		Identity:  ident,
		Discovery: discovery.NewClient(cfg.Discovery),
		Store:     store,
		Router:    router,
		Trust:     trustEngine,
	})

	if err := agent.Register(ctx); err != nil {
		log.Error("failed to register with discovery", err)
		os.Exit(1)
	}

	if err := runPurchase(ctx, agent, *productID, *quantity, *maxPrice, *targetPrice, *currency, types.PaymentMethod(*method), log); err != nil {
		log.Error("purchase failed", err)
		os.Exit(1)
	}
}

func runPurchase(ctx context.Context, agent *buyer.Agent, productID string, quantity int, maxPrice, targetPrice float64, currency string, method types.PaymentMethod, log *logger.Logger) error {
	q, err := agent.RequestQuote(ctx, productID, quantity, maxPrice, currency)
	if err != nil {
		return fmt.Errorf("request quote: %w", err)
	}
	log.Infof("quote from %s: %.2f %s (%s)", q.Seller.Name, q.Quote.Price, q.Quote.Currency, q.Message)

	if targetPrice <= 0 {
		targetPrice = q.Quote.Price
	}
	n, err := agent.Negotiate(ctx, q, targetPrice)
	if err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	log.Infof("accepted at %.2f (opening bid %.2f)", *n.ClosePrice, n.OpeningBid)

	result, err := agent.Settle(ctx, q.NegotiationID, method)
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	log.Infof("settled via %s: payment %s is %s", method, result.PaymentID, result.Status)

	if record, err := agent.Record(ctx, q.NegotiationID); err == nil && record != nil {
		log.Infof("closed %.2f under the opening bid in %d messages", -record.Delta, record.MessageCount)
	}
	return nil
}

// buildRouter wires every rail the config has credentials for. Dispatch
// itself rejects unconfigured rails, so partial wiring is fine.
func buildRouter(cfg *config.AppConfig, store storage.Store) (*settlement.Router, error) {
	rails := []settlement.Rail{
		settlement.NewStripeRail(cfg.Settlement.Stripe),
		settlement.NewEscrowRail(cfg.Settlement.Escrow, store),
	}
	if cfg.LedgerConfigured() {
		ledger, err := settlement.NewLedgerRail(cfg.Settlement.Ledger)
		if err != nil {
			return nil, err
		}
		rails = append(rails, ledger)
	}
	return settlement.NewRouter(rails...), nil
}

func getenvStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
