// Support chat terminal client.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/supportchat/internal/backend"
	"github.com/ashureev/supportchat/internal/config"
	"github.com/ashureev/supportchat/internal/domain"
	"github.com/ashureev/supportchat/internal/engine"
	"github.com/ashureev/supportchat/internal/hostapi"
	"github.com/ashureev/supportchat/internal/store"
	"github.com/ashureev/supportchat/internal/transcript"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.SlogLevel())

	if err := run(cfg, logger); err != nil {
		slog.Error("Client stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return err
	}

	// Drop expired handles before looking ours up.
	if _, err := repo.PruneHandles(ctx, cfg.HandleTTL); err != nil {
		slog.Warn("Failed to prune stale resume handles", "error", err)
	}

	identity, err := cfg.ChatIdentity()
	if err != nil {
		return err
	}
	key := identity.Key()

	resume, err := repo.GetHandle(ctx, key)
	if err != nil {
		return err
	}
	if resume != nil {
		// Refresh the handle so an active conversation is not pruned.
		if err := repo.SaveHandle(ctx, key, *resume); err != nil {
			slog.Warn("Failed to refresh resume handle", "error", err)
		}
	}
	slog.Info("Starting chat client", "resume", resume != nil, "host_api", cfg.HostAPIAddr != "")

	client := backend.NewClient(cfg.BackendClientConfig(), nil, logger)
	eng, err := engine.New(engine.Options{
		Identity: identity,
		Resume:   resume,
		Backend:  client,
		Config:   cfg.EngineSettings(),
		Logger:   logger,
		Hooks:    handleHooks(repo, key),
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			slog.Debug("Engine close reported an error", "error", closeErr)
		}
	}()

	if err := eng.Start(ctx); err != nil {
		return err
	}

	transcripts, err := transcript.New(cfg.TranscriptSettings(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Warn("Failed to close transcripts", "error", closeErr)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return store.RunPruneWorker(gctx, repo, cfg.HandleTTL, cfg.PruneInterval, logger)
	})

	transcriptUpdates, stopTranscript := eng.Subscribe()
	defer stopTranscript()
	g.Go(func() error {
		transcript.Follow(gctx, transcriptUpdates, transcripts)
		return nil
	})

	updates, unsubscribe := eng.Subscribe()
	defer unsubscribe()
	g.Go(func() error { return renderLoop(gctx, updates, os.Stdout) })

	lines := readLines(os.Stdin)
	g.Go(func() error { return commandLoop(gctx, eng, lines, os.Stdout) })

	if cfg.HostAPIAddr != "" {
		var origins []string
		if !cfg.IsDevelopment() {
			origins = strings.Split(cfg.FrontendURL, ",")
		}
		srv := &http.Server{
			Addr:        cfg.HostAPIAddr,
			Handler:     hostapi.NewHandler(eng, origins, logger).Router(),
			ReadTimeout: 30 * time.Second,
			// No WriteTimeout: /ws/state is long-lived.
			IdleTimeout: 120 * time.Second,
		}
		g.Go(func() error {
			slog.Info("Host API listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	slog.Info("Chat client stopped")
	return nil
}

// handleHooks keeps the stored resume handle in step with the conversation.
func handleHooks(repo store.Repository, key string) engine.Hooks {
	withTimeout := func(fn func(ctx context.Context) error) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return fn(ctx)
	}
	return engine.Hooks{
		OnSessionStarted: func(chatKey, token string) {
			err := withTimeout(func(ctx context.Context) error {
				return repo.SaveHandle(ctx, key, domain.ResumeHandle{ChatKey: chatKey, Token: token})
			})
			if err != nil {
				slog.Error("Failed to save resume handle", "error", err)
			}
		},
		OnContinueLater: func() {
			slog.Info("Conversation parked; it will resume on next start")
		},
		OnEnded: func() {
			if err := withTimeout(func(ctx context.Context) error { return repo.DeleteHandle(ctx, key) }); err != nil {
				slog.Error("Failed to delete resume handle", "error", err)
			}
		},
	}
}
