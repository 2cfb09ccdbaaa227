// Command apex-orchestrator hosts the session table: it wires a
// Reasoner backend and an agent factory into an Orchestrator, then
// exposes health and metrics endpoints the same way the reference
// orchestrator binary did, generalized from cryptocurrency trading
// signals to the APEX debate-and-trade loop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/apex-trading/apex-core/internal/config"
	"github.com/apex-trading/apex-core/internal/debate"
	"github.com/apex-trading/apex-core/internal/orchestrator"
	"github.com/apex-trading/apex-core/internal/wiring"
)

func main() {
	config.InitLogger(os.Getenv("APEX_APP_LOG_LEVEL"), os.Getenv("APEX_APP_LOG_FORMAT"))

	cfg, err := config.Load(os.Getenv("APEX_CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	port := wiring.ReasonerPort(cfg.Reasoner)
	var orchOpts []orchestrator.Option
	if relayFn := wiring.ExternalRelayFactory(cfg.NATS, config.NewLogger("external_bus")); relayFn != nil {
		orchOpts = append(orchOpts, orchestrator.WithExternalRelay(relayFn))
	}
	orch := orchestrator.New(config.NewLogger("orchestrator"), orchOpts...)
	factory := wiring.DefaultAgentFactory(port, cfg)

	go serveHTTP(cfg.Monitoring.PrometheusPort, orch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	debateCfg := debate.Config{
		MaxRounds:          cfg.Debate.MaxRounds,
		RoundTimeout:       cfg.Debate.RoundTimeout,
		DeliberationWindow: cfg.Debate.DeliberationWindow,
		ConsensusThreshold: cfg.Debate.ConsensusThreshold,
		MinTradeNotional:   cfg.Debate.MinTradeNotional,
	}

	sessionID, err := orch.Start(ctx, debateCfg, factory)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start session")
	}
	log.Info().Str("session_id", sessionID).Msg("apex session started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	if err := orch.Stop(sessionID); err != nil {
		log.Error().Err(err).Msg("error stopping session")
	}
}

func serveHTTP(port int, orch *orchestrator.Orchestrator) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "sessions: %d\n", len(orch.Sessions()))
	})

	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("health/metrics server stopped")
	}
}
