package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rawblock/bandaid/internal/api"
	"github.com/rawblock/bandaid/internal/config"
	"github.com/rawblock/bandaid/internal/hooks"
	"github.com/rawblock/bandaid/internal/learning"
	"github.com/rawblock/bandaid/internal/proxy"
	"github.com/rawblock/bandaid/internal/security"
	"github.com/rawblock/bandaid/internal/storage"
	"github.com/rawblock/bandaid/internal/worker"
)

func main() {
	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(getEnvOrDefault("BANDAID_CONFIG", "./config.yaml"))
	if err != nil {
		logger.WithError(err).Fatal("configuration rejected")
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err == nil {
		logger.SetLevel(level)
	}
	logger.Info("starting bandaid security core")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage: event journal plus the local vector store.
	journal, err := storage.Connect(ctx, logger, cfg.Storage.DatabaseURL)
	if err != nil {
		logger.WithError(err).Fatal("database connection failed")
	}
	defer journal.Close()
	if err := journal.InitSchema(ctx); err != nil {
		logger.WithError(err).Fatal("schema init failed")
	}

	store, err := learning.NewVectorStore(logger, cfg.Storage.DataDir)
	if err != nil {
		logger.WithError(err).Fatal("vector store init failed")
	}

	var embedder learning.Embedder = learning.NewHashingEmbedder()
	if cfg.Models.Embeddings.URL != "" {
		embedder = learning.NewHTTPEmbedder(logger, cfg.Models.Embeddings.Name, cfg.Models.Embeddings.URL)
	} else {
		logger.Info("no embedding endpoint configured, using local hashing embedder")
	}
	memory := learning.NewPatternMemory(logger, embedder, store, journal)

	// Detectors.
	catalog := security.NewPatternCatalog(logger, cfg.Security.BIP39Wordlist)
	redactor := security.NewRedactor(cfg.Security.Redaction.Enabled, cfg.Security.Redaction.Placeholder, catalog)
	entities := security.NewEntityDetector(logger, cfg.Models.NER.Name, cfg.Models.NER.URL, catalog)
	guard := security.NewGuardClassifier(logger, cfg.Models.Guard.Name, cfg.Models.Guard.URL,
		cfg.Security.Guard.PolicyPath, time.Duration(cfg.Security.Guard.TimeoutSeconds*float64(time.Second)))
	tiers, err := security.NewConfidenceTiers(cfg.Security.Confidence.High,
		cfg.Security.Confidence.MediumMin, cfg.Security.Confidence.Low)
	if err != nil {
		logger.WithError(err).Fatal("invalid confidence thresholds")
	}

	pool := worker.NewPool(logger, 4)
	defer pool.Shutdown(10 * time.Second)

	hub := api.NewHub(logger)
	go hub.Run()

	alerts := storage.NewBatchWriter(logger, journal)

	orch := security.NewOrchestrator(logger, security.Deps{
		Catalog:  catalog,
		Entities: entities,
		Guard:    guard,
		Tiers:    tiers,
		Redactor: redactor,
		Memory:   memory,
		Journal:  &api.JournalTee{Next: journal, Hub: hub},
		Alerts:   &api.JournalTee{Next: alerts, Hub: hub},
		Pool:     pool,
		Checks: security.Checks{
			NER:        cfg.Security.Checks.NER,
			Guard:      cfg.Security.Checks.Guard,
			Regex:      cfg.Security.Checks.Regex,
			SeedPhrase: cfg.Security.Checks.SeedPhrase,
			Embeddings: cfg.Security.Checks.Embeddings,
		},
		Disabled: cfg.DisabledKinds(),
	})

	hk := hooks.New(logger, orch, pool)
	gateway := proxy.NewServer(logger, hk)

	retention := storage.NewRetentionScheduler(logger, journal, memory, cfg.Storage.RetentionDays)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { retention.Run(gctx); return nil })
	g.Go(func() error { alerts.Run(gctx); return nil })

	proxySrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Proxy.Host, cfg.Proxy.Port),
		Handler: gateway.Router(),
	}
	g.Go(func() error {
		logger.WithField("addr", proxySrv.Addr).Info("proxy listening")
		if err := proxySrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var dashSrv *http.Server
	if cfg.Dashboard.Enabled {
		dashSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Dashboard.Host, cfg.Dashboard.Port),
			Handler: api.SetupRouter(logger, journal, memory, orch, hub),
		}
		g.Go(func() error {
			logger.WithField("addr", dashSrv.Addr).Info("dashboard listening")
			if err := dashSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = proxySrv.Shutdown(shutdownCtx)
		if dashSrv != nil {
			_ = dashSrv.Shutdown(shutdownCtx)
		}
		// Drain buffered leak alerts before the pool goes away.
		if err := alerts.Flush(shutdownCtx); err != nil {
			logger.WithError(err).Warn("final alert flush failed")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("server error")
	}
	logger.Info("shutdown complete")
}

// getEnvOrDefault returns the env var value or a default for non-secret
// settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
