package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/RemiBp/ProofOrigin/pkg/anchor"
	"github.com/RemiBp/ProofOrigin/pkg/db"
	"github.com/RemiBp/ProofOrigin/pkg/httpx"
	"github.com/RemiBp/ProofOrigin/services/proofs/internal/batcher"
	"github.com/RemiBp/ProofOrigin/services/proofs/internal/config"
	"github.com/RemiBp/ProofOrigin/services/proofs/internal/scheduler"
	"github.com/RemiBp/ProofOrigin/services/proofs/internal/store"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Str("service", "proofs").Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate")
	}

	var chain anchor.ChainClient
	if cfg.ChainConfigured() {
		eth, err := anchor.DialEth(ctx, cfg.ChainRPCURL, cfg.ChainPrivateKey)
		if err != nil {
			// Misconfigured chain credentials are fatal; an absent chain
			// config falls back to the simulator instead.
			log.Fatal().Err(err).Msg("chain client")
		}
		defer eth.Close()
		chain = eth
		log.Info().Str("rpc", cfg.ChainRPCURL).Msg("connected chain anchoring enabled")
	} else {
		chain = anchor.NewSimulator(cfg.SimulatorKey)
		log.Info().Msg("no chain configured, simulated anchoring enabled")
	}

	publisher := anchor.NewPublisher(log, chain, st,
		anchor.WithMaxAttempts(cfg.AnchorMaxAttempts))
	batches := batcher.New(st, cfg.BatchMaxSize)
	sched := scheduler.New(log, batches, publisher, cfg.AnchorInterval)

	anchorCache, err := lru.New[string, anchorBlock](1024)
	if err != nil {
		log.Fatal().Err(err).Msg("anchor cache")
	}

	srv := &server{
		log:         log,
		cfg:         cfg,
		st:          st,
		batches:     batches,
		sched:       sched,
		chain:       chain,
		anchorCache: anchorCache,
	}

	r := chi.NewRouter()
	r.Use(httpx.RequestLogger(log))
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Route("/v1", func(api chi.Router) {
		api.Post("/proofs", srv.createProof)
		api.Get("/proofs/{proof_id}", srv.getProof)
		api.Get("/proofs/{proof_id}/artifact", srv.getArtifact)
		api.Post("/verify", srv.verifyArtifact)
		api.Post("/keys/rotate", srv.rotateKey)
		api.Post("/admin/batches:forceClose", srv.forceClose)
		api.Get("/admin/anchors", srv.listAnchors)
		api.Get("/admin/anchors/{batch_id}", srv.getAnchor)
		api.Get("/admin/ledger", srv.listLedger)
	})

	httpServer := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sched.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Msg("listening")
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("service exited")
	}
}
