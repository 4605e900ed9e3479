package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tabmux/tabmux/internal/api"
	"github.com/tabmux/tabmux/internal/cdp"
	"github.com/tabmux/tabmux/internal/config"
	"github.com/tabmux/tabmux/internal/launcher"
	"github.com/tabmux/tabmux/internal/profile"
	"github.com/tabmux/tabmux/internal/ref"
	"github.com/tabmux/tabmux/internal/registry"
	"github.com/tabmux/tabmux/internal/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := buildLogger()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("TABMUX_ENV") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	syncer := profile.NewSyncer(log, profile.WithFreshness(cfg.CookieFreshness))
	launch := launcher.New(log, syncer)

	startCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	browser, err := launch.Launch(startCtx, launcher.Options{
		Mode:           cfg.BrowserMode,
		AttachURL:      cfg.AttachURL,
		ExecutablePath: cfg.ExecutablePath,
		UserDataDir:    cfg.UserDataDir,
		Headless:       cfg.Headless,
		PersistentDir:  cfg.PersistentProfileDir,
	})
	cancel()
	if err != nil {
		return err
	}

	pool := cdp.NewPool(log, browser.Endpoint, cfg.CommandTimeout)
	refs := ref.NewManager()

	reg := registry.New(log, pool, int(cfg.SessionConcurrency))
	reg.SetTargetClosedHook(func(sessionID, targetID string) {
		refs.DropTarget(sessionID, targetID)
	})
	if err := reg.Start(ctx); err != nil {
		log.Error("target discovery unavailable", zap.Error(err))
	}

	actions := tools.NewHandler(log, reg, refs)
	handler := api.NewServer(log, reg, actions, api.Options{
		BrowserEndpoint: browser.Endpoint,
		StaleThreshold:  cfg.StaleThreshold,
		RequestsPerHour: cfg.RequestsPerHour,
		Burst:           cfg.Burst,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // blocking workflow collects
	}

	errc := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("browser", browser.Endpoint),
			zap.String("profile", browser.Profile.Dir))
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errc:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := reg.CleanupAllSessions(shutdownCtx); err != nil {
		log.Warn("session cleanup", zap.Error(err))
	}
	pool.Close()
	if err := launch.Stop(shutdownCtx, browser); err != nil {
		log.Warn("browser stop", zap.Error(err))
	}

	log.Info("shutdown complete")
	return nil
}
