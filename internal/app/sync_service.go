package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/accessory"
	"github.com/dokzlo13/thermd/internal/config"
	"github.com/dokzlo13/thermd/internal/engine"
	"github.com/dokzlo13/thermd/internal/eventbus"
	"github.com/dokzlo13/thermd/internal/history"
	"github.com/dokzlo13/thermd/internal/ledger"
	"github.com/dokzlo13/thermd/internal/metrics"
	"github.com/dokzlo13/thermd/internal/poller"
	"github.com/dokzlo13/thermd/internal/registry"
	"github.com/dokzlo13/thermd/internal/tracker"
)

// SyncService owns the accessory link, the engine, the push listener and
// the poller.
type SyncService struct {
	cfg    *config.Config
	Link   *accessory.HTTPLink
	Bus    *eventbus.Bus
	Engine *engine.Engine
	Poller *poller.Scheduler

	wg sync.WaitGroup
}

// NewSyncService wires the engine around a gateway link.
func NewSyncService(cfg *config.Config, reg *registry.Registry, hist *history.Repository, l *ledger.Ledger, m *metrics.Metrics) *SyncService {
	link := accessory.NewHTTPLink(cfg.Link.URL, cfg.Link.Timeout.Duration(), accessory.EventStreamConfig{
		MinBackoff:    cfg.Link.MinRetryBackoff.Duration(),
		MaxBackoff:    cfg.Link.MaxRetryBackoff.Duration(),
		Multiplier:    cfg.Link.RetryMultiplier,
		MaxReconnects: cfg.Link.MaxReconnects,
	})

	bus := eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	bus.OnDrop(func(ev eventbus.Event) {
		m.Dropped(string(ev.Type))
	})

	eng := engine.New(engine.Deps{
		Link:     link,
		Registry: reg,
		History:  hist,
		Bus:      bus,
		Audit:    l,
		Metrics:  m,
	}, engine.Config{
		BootstrapBatchSize: cfg.Polling.BootstrapBatchSize,
		OptimisticTimeout:  cfg.Optimistic.Timeout.Duration(),
		MinTemperature:     cfg.Control.MinTemperature,
		MaxTemperature:     cfg.Control.MaxTemperature,
		Topology:           topology(cfg.Zones),
	})

	p := poller.New(link, eng.Index(), func(ctx context.Context, updates []accessory.Update) {
		eng.Observe(ctx, updates, tracker.SourcePoll)
	}, poller.Config{
		Tick:         cfg.Polling.Tick.Duration(),
		FastInterval: cfg.Polling.FastInterval.Duration(),
		SlowInterval: cfg.Polling.SlowInterval.Duration(),
		BatchSize:    cfg.Polling.BatchSize,
		ReadTimeout:  cfg.Polling.ReadTimeout.Duration(),
		RateLimit:    cfg.Polling.RateLimitRPS,
	}, m)

	return &SyncService{
		cfg:    cfg,
		Link:   link,
		Bus:    bus,
		Engine: eng,
		Poller: p,
	}
}

func topology(zones []config.ZoneConfig) []registry.ZoneSpec {
	out := make([]registry.ZoneSpec, 0, len(zones))
	for _, z := range zones {
		spec := registry.ZoneSpec{Name: z.Name, Order: z.Order}
		for _, d := range z.Devices {
			spec.Devices = append(spec.Devices, registry.MemberSpec{
				Serial:        d.Serial,
				Leader:        d.Leader,
				CircuitDriver: d.CircuitDriver,
			})
		}
		out = append(out, spec)
	}
	return out
}

// Start bootstraps the engine against the gateway.
func (s *SyncService) Start(ctx context.Context) error {
	if err := s.Engine.Bootstrap(ctx); err != nil {
		return err
	}
	log.Info().Str("gateway", s.Link.Address()).Msg("Connected to accessory gateway")
	return nil
}

// StartBackground starts the push listener and the poller.
// The optional onFatalError callback is called when the event stream gives up.
func (s *SyncService) StartBackground(ctx context.Context, onFatalError func(error)) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		if err := s.Engine.Listen(ctx); err != nil {
			if errors.Is(err, accessory.ErrMaxReconnectsExceeded) {
				log.Error().Msg("Event stream: max reconnects exceeded, triggering shutdown")
				if onFatalError != nil {
					onFatalError(err)
				}
			} else {
				log.Error().Err(err).Msg("Event stream error")
			}
		}
	}()

	go func() {
		defer s.wg.Done()
		if err := s.Poller.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Poller error")
		}
	}()
}

// Close waits for the listener and poller, then drains the bus.
func (s *SyncService) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Background tasks did not stop in time")
	}

	if s.Bus != nil {
		s.Bus.Close(ctx)
	}
}
