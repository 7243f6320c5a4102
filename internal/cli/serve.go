package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/signalcore/internal/config"
	"github.com/lazypower/signalcore/internal/engine"
	"github.com/lazypower/signalcore/internal/llm"
	"github.com/lazypower/signalcore/internal/server"
	"github.com/lazypower/signalcore/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pipeline workers and the HTTP API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(log)

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	eng := engine.New(db, cfg)
	eng.SetLogger(log)
	configureScorer(eng, cfg, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RulesFile != "" {
		n, err := eng.SeedRules(ctx, cfg.RulesFile)
		if err != nil {
			return fmt.Errorf("seed rules: %w", err)
		}
		log.Info("rules loaded", "path", cfg.RulesFile, "count", n)
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}
	defer eng.Stop()

	srv := server.New(eng, VersionString())
	srv.SetLogger(log)
	addr := cfg.ListenAddr()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("signalcore serving", "addr", addr, "db", dbPath, "version", VersionString())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// configureScorer installs the LLM scorer when configured, falling back to
// the heuristic scorer if no provider is available.
func configureScorer(eng *engine.Engine, cfg config.Config, log *slog.Logger) {
	if cfg.Pipeline.Scorer != "llm" {
		log.Info("scorer configured", "scorer", "heuristic")
		return
	}
	client, err := llm.NewClient(cfg.LLM)
	if err != nil {
		log.Warn("LLM not configured, using heuristic scorer", "err", err)
		return
	}
	eng.SetScorer(&engine.LLMScorer{Client: client})
	log.Info("scorer configured", "scorer", "llm", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
}
