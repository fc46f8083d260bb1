package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/config"
	"github.com/dokzlo13/thermd/internal/tracker"
)

// App owns the services of one thermd process.
type App struct {
	cfg      *config.Config
	services *Services
	ctx      context.Context
	cancel   context.CancelCauseFunc
}

// New creates a new App instance with all services initialized but not started.
func New(cfg *config.Config) (*App, error) {
	services, err := NewServices(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		services: services,
	}
	services.Health.status = a
	return a, nil
}

// Start bootstraps the engine against the gateway and starts the background
// services. It returns once bootstrap has completed.
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancelCause(ctx)

	// A fatal error stops the process with that error as the cause
	onFatalError := func(err error) {
		log.Error().Err(err).Msg("Fatal error, initiating shutdown")
		a.cancel(err)
	}

	if err := a.services.Start(a.ctx, onFatalError); err != nil {
		return err
	}

	e := a.services.Sync.Engine
	log.Info().
		Int("devices", len(e.Devices())).
		Int("zones", len(e.SummarizeZones())).
		Msg("thermd started")
	return nil
}

// Ready reports whether the engine has finished bootstrapping.
func (a *App) Ready() bool {
	return a.services.Sync.Engine.Ready()
}

// Stats returns the change tracker counters.
func (a *App) Stats() tracker.Stats {
	return a.services.Sync.Engine.Stats()
}

// Stop gracefully shuts down all services.
func (a *App) Stop() error {
	log.Info().Msg("Shutting down...")

	if a.cancel != nil {
		a.cancel(nil)
	}

	if a.services != nil {
		return a.services.Stop()
	}

	return nil
}

// Wait blocks until the application stops. It returns the fatal error that
// stopped it, or nil on a regular shutdown.
func (a *App) Wait() error {
	if a.ctx == nil {
		return nil
	}
	<-a.ctx.Done()
	if err := context.Cause(a.ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// SignalContext creates a context that is cancelled when SIGINT or SIGTERM is received.
func SignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	return ctx
}
