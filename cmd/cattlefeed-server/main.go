// Command cattlefeed-server is the daemon process wiring every ingest
// pipeline component together: MQTT intake, the write-behind buffer, the
// session machine, training/scoring, the SSE stream, and the read API.
// Structurally this is the teacher's cmd/wtd daemon (cobra flags,
// signal.NotifyContext, one *http.Server) generalized from a single relay
// store to an errgroup of cooperating background loops.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/spf13/cobra"

	"github.com/cattlefeed/ingest/internal/api"
	"github.com/cattlefeed/ingest/internal/authctx"
	"github.com/cattlefeed/ingest/internal/clock"
	"github.com/cattlefeed/ingest/internal/config"
	"github.com/cattlefeed/ingest/internal/hub"
	"github.com/cattlefeed/ingest/internal/ingest"
	"github.com/cattlefeed/ingest/internal/logger"
	"github.com/cattlefeed/ingest/internal/metrics"
	"github.com/cattlefeed/ingest/internal/session"
	"github.com/cattlefeed/ingest/internal/sse"
	"github.com/cattlefeed/ingest/internal/store"
	"github.com/cattlefeed/ingest/internal/training"
)

const (
	bufferFlushBackoff  = 5 * time.Second
	httpShutdownTimeout = 10 * time.Second
)

func main() {
	root := &cobra.Command{
		Use:   "cattlefeed-server",
		Short: "cattle feeder telemetry ingest and anomaly-detection server",
		RunE:  run,
	}

	root.Flags().String("config", "", "path to a YAML threshold override file")
	root.Flags().String("log-level", "info", "log level: debug, info, warn, error")
	root.Flags().Bool("migrate-only", false, "run store migrations then exit")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	overridePath, _ := cmd.Flags().GetString("config")
	logLevel, _ := cmd.Flags().GetString("log-level")
	migrateOnly, _ := cmd.Flags().GetBool("migrate-only")

	if err := logger.Init(logLevel, ""); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	cfg, err := config.Load(overridePath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if migrateOnly {
		logger.Info("migrations applied, exiting")
		return nil
	}

	met := metrics.New()
	h := hub.New()
	h.SetMetrics(met)
	clk := clock.Real{}

	watcher := config.NewWatcher(cfg)

	buf := ingest.NewBuffer(st, clk, cfg.Thresholds.BufferSize, cfg.Thresholds.FlushInterval, bufferFlushBackoff)
	buf.SetMetrics(met)

	scorer := session.NewModelScorer(st)
	machine := session.New(st, st, scorer, h, clk, watcher.Thresholds)
	machine.SetMetrics(met)

	sub := ingest.NewSubscriber(cfg.BrokerHost, cfg.BrokerPort, cfg.BrokerTopicPrefix, machine, buf, clk)
	sub.SetMetrics(met)

	driver, err := training.New(st, h, clk, training.Params{
		TrainingHour:       cfg.TrainingHour,
		ScoringInterval:    cfg.ScoringInterval,
		ScoringBatchLimit:  cfg.ScoringBatchLimit,
		MinSessionsToTrain: cfg.MinSessionsToTrain,
		TrainingWindowDays: cfg.TrainingWindowDays,
	})
	if err != nil {
		return fmt.Errorf("build training driver: %w", err)
	}
	driver.SetMetrics(met)

	verifier := authctx.NewVerifier(cfg.JWTSecret)
	apiSrv := api.New(st, verifier, clk)
	sseHandler := sse.New(h)

	mux := http.NewServeMux()
	apiSrv.Register(mux)
	mux.Handle("/metrics", met.Handler())
	mux.HandleFunc("GET /stream/animals/{animalID}", func(w http.ResponseWriter, r *http.Request) {
		if err := sseHandler.Stream(w, r, hub.AnimalKey(r.PathValue("animalID"))); err != nil {
			logger.Warn("sse stream ended with error", "error", err)
		}
	})
	mux.HandleFunc("GET /stream/system/{name}", func(w http.ResponseWriter, r *http.Request) {
		if err := sseHandler.Stream(w, r, hub.SystemKey(r.PathValue("name"))); err != nil {
			logger.Warn("sse stream ended with error", "error", err)
		}
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := sub.Connect(); err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	defer sub.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		buf.Run(gctx, func(err error) { logger.Warn("buffer flush retrying", "error", err) })
		return nil
	})
	g.Go(func() error {
		machine.RunReaper(gctx, cfg.ReaperInterval)
		return nil
	})
	g.Go(func() error {
		driver.RunSchedule(gctx)
		return nil
	})
	g.Go(func() error {
		driver.RunScoringCycle(gctx)
		return nil
	})
	g.Go(func() error {
		return watcher.Run(func(err error) { logger.Warn("config reload failed", "error", err) })
	})
	g.Go(func() error {
		<-gctx.Done()
		watcher.Stop()
		return nil
	})
	g.Go(func() error {
		logger.Info("cattlefeed-server listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	<-gctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", "error", err)
	}

	return g.Wait()
}
