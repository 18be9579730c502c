package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shehryarbajwa/browserpilot/internal/agent"
	"github.com/shehryarbajwa/browserpilot/internal/api"
	"github.com/shehryarbajwa/browserpilot/internal/browser"
	"github.com/shehryarbajwa/browserpilot/internal/config"
	"github.com/shehryarbajwa/browserpilot/internal/frame"
	"github.com/shehryarbajwa/browserpilot/internal/logging"
	"github.com/shehryarbajwa/browserpilot/internal/ratelimit"
	"github.com/shehryarbajwa/browserpilot/internal/reasoning"
	"github.com/shehryarbajwa/browserpilot/internal/runner"
	"github.com/shehryarbajwa/browserpilot/internal/session"
	"github.com/shehryarbajwa/browserpilot/internal/store"
	"github.com/shehryarbajwa/browserpilot/internal/stream"
)

var version = "dev"

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().Str("version", version).Msg("starting browserpilot")

	memory, err := store.Open(cfg.LearningDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open learning memory")
	}
	defer memory.Close()

	// Chrome runs in a container per session unless disabled, in which case
	// the sidecar launches a local headless browser.
	var pool *browser.Pool
	if cfg.UseDocker {
		pool, err = browser.NewPool(cfg.ChromeImage)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create browser pool")
		}
		defer pool.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		log.Info().Str("image", cfg.ChromeImage).Msg("ensuring chrome image is available")
		if err := pool.EnsureImage(ctx); err != nil {
			cancel()
			log.Fatal().Err(err).Msg("failed to ensure chrome image")
		}
		cancel()
	}

	launcher := browser.NewLauncher(browser.LaunchOptions{
		Script: cfg.PuppeteerScript,
		Pool:   pool,
	})

	decider := reasoning.New(reasoning.Options{
		APIKey:  cfg.AnthropicAPIKey,
		BaseURL: cfg.AnthropicBaseURL,
		Model:   cfg.AnthropicModel,
		RPS:     cfg.ReasoningRPS,
		Timeout: cfg.DecideTimeout,
	})

	registry := session.NewRegistry(session.Options{
		MaxSessions:    cfg.MaxSessions,
		Linger:         cfg.SessionLinger,
		DestroyGrace:   cfg.DestroyGrace,
		PublishTimeout: cfg.PublishTimeout,
		EventBuffer:    cfg.EventBuffer,
	})

	workerCfg := agent.DefaultConfig()
	workerCfg.MaxSteps = cfg.MaxSteps
	workerCfg.LoopHistory = cfg.LoopHistory
	workerCfg.FrameInterval = cfg.FrameInterval
	workerCfg.FrameBackoff = cfg.FrameBackoff
	workerCfg.FrameJoinTimeout = cfg.FrameJoinTimeout
	workerCfg.PausePoll = cfg.PausePollInterval
	workerCfg.DecideTimeout = cfg.DecideTimeout

	sessions := runner.New(registry, runner.LaunchFunc(func(ctx context.Context, sessionID string) (runner.Browser, error) {
		engine, err := launcher.Launch(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		return engine, nil
	}), decider, memory, runner.Options{
		Worker:  workerCfg,
		Encoder: frame.NewEncoder(cfg.FrameQuality, cfg.FrameMaxWidth),
	})

	streams := stream.NewServer(registry, stream.Options{
		PingInterval:   cfg.PingInterval,
		PongTimeout:    cfg.PongTimeout,
		OutboxSize:     cfg.ObserverBuffer,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	stopPrune := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := rateLimiter.Prune(time.Hour); n > 0 {
					log.Debug().Int("removed", n).Msg("pruned idle rate limiters")
				}
			case <-stopPrune:
				return
			}
		}
	}()

	handler := api.NewHandler(registry, sessions, memory, version)
	router := handler.SetupRoutes(streams, rateLimiter, cfg.AllowedOrigins)

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Int("max_sessions", cfg.MaxSessions).
			Bool("docker", cfg.UseDocker).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	close(stopPrune)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := shutdown(ctx, srv, registry); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
	}

	log.Info().Msg("server stopped")
}
