// Boot the discovery service: the agent registry sellers announce themselves
// to and buyers search for counterparties through.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dcap-x-project/dcap-commerce/config"
	"github.com/dcap-x-project/dcap-commerce/discovery"
	"github.com/dcap-x-project/dcap-commerce/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML config file")
	port := flag.Int("port", 8090, "HTTP port for the discovery service")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.GetLogger().Error("failed to load config", err)
		os.Exit(1)
	}

	log := logger.GetLogger()
	log.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	log.SetJSONFormat(cfg.Logging.Format != "text")
	log = log.WithComponent("discovery-main")

	registry := discovery.NewRegistry()
	mux := http.NewServeMux()
	discovery.NewServer(registry).Routes(mux)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infof("discovery service listening on %s", srv.Addr)
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
	log.Info("discovery service stopped")
}
