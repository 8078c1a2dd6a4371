// Boot a seller agent: loads its catalog and identity, registers with the
// discovery service and serves the negotiation protocol plus the market
// event stream.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/agents/seller"
	"github.com/dcap-x-project/dcap-commerce/config"
	"github.com/dcap-x-project/dcap-commerce/discovery"
	"github.com/dcap-x-project/dcap-commerce/events"
	"github.com/dcap-x-project/dcap-commerce/internal/identity"
	"github.com/dcap-x-project/dcap-commerce/llm"
	"github.com/dcap-x-project/dcap-commerce/logger"
	"github.com/dcap-x-project/dcap-commerce/resilience"
	"github.com/dcap-x-project/dcap-commerce/storage"
	"github.com/dcap-x-project/dcap-commerce/trust"
	"github.com/dcap-x-project/dcap-commerce/types"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	name := flag.String("name", getenvStr("SELLER_NAME", "seller-agent"), "agent name shown in discovery")
	keyFile := flag.String("key", getenvStr("SELLER_KEY_FILE", "seller.key"), "identity key file (created on first run)")
	catalogFile := flag.String("catalog", getenvStr("SELLER_CATALOG_FILE", ""), "JSON catalog file")
	endpoint := flag.String("endpoint", getenvStr("SELLER_ENDPOINT", ""), "public endpoint advertised in discovery")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.GetLogger().Error("failed to load config", err)
		os.Exit(1)
	}

	log := logger.GetLogger()
	log.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	log.SetJSONFormat(cfg.Logging.Format != "text")
	log = log.WithComponent("seller-main")

	ident, err := identity.LoadOrGenerate(*keyFile)
	if err != nil {
		log.Error("failed to load identity", err)
		os.Exit(1)
	}

	catalog, err := loadCatalog(*catalogFile)
	if err != nil {
		log.Error("failed to load catalog", err)
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

	hub := events.NewHub()
	go hub.Run(ctx)

	var llmClient llm.Client
	if client, err := llm.NewFromConfig(ctx, cfg.LLM); err == nil {
		llmClient = client
	} else if !errors.Is(err, llm.ErrDisabled) {
		log.Error("failed to initialize llm client", err)
	}

	advertised := *endpoint
	if advertised == "" {
		advertised = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}

	agent := seller.NewAgent(seller.Options{
		ID:             uuid.New(),
		Name:           *name,
		Endpoint:       advertised,
		Identity:       ident,
		Catalog:        catalog,
		Store:          store,
		Trust:          trustEngine,
		Hub:            hub,
		LLM:            llmClient,
		PaymentMethods: []types.PaymentMethod{types.PaymentMethodStripe, types.PaymentMethodLedger, types.PaymentMethodEscrow},
		MinReputation:  cfg.Trust.MinReputation,
	})

	discoveryClient := discovery.NewClient(cfg.Discovery)
	if err := resilience.Retry(ctx, func() error {
		return agent.Register(ctx, discoveryClient)
	}); err != nil {
		log.Error("failed to register with discovery", err)
	}

	// Stale reputation cache entries are purged in the background
	go func() {
		ticker := time.NewTicker(cfg.Trust.CacheTTL())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				trustEngine.Purge()
			}
		}
	}()

	mux := http.NewServeMux()
	seller.NewServer(agent).Routes(mux)
	events.NewServer(hub).Routes(mux)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Infof("seller agent %s listening on %s", *name, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("listen failed", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", err)
	}
	log.Info("seller agent stopped")
}

// loadCatalog reads the product catalog, falling back to a small demo
// catalog when no file is given
func loadCatalog(path string) ([]types.Product, error) {
	if path == "" {
		return []types.Product{
			{
				ID:            "prod-widget",
				Name:          "industrial widget",
				Description:   "general purpose industrial widget",
				Category:      "tools",
				BasePrice:     100.0,
				Currency:      "USD",
				StockQuantity: 100,
			},
		}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var catalog []types.Product
	if err := json.Unmarshal(data, &catalog); err != nil {
		return nil, err
	}
	return catalog, nil
}

func getenvStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
