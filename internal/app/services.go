package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/config"
	"github.com/dokzlo13/thermd/internal/db"
	"github.com/dokzlo13/thermd/internal/history"
	"github.com/dokzlo13/thermd/internal/ledger"
	"github.com/dokzlo13/thermd/internal/metrics"
	"github.com/dokzlo13/thermd/internal/mqtt"
	"github.com/dokzlo13/thermd/internal/registry"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB       *db.DB
	Ledger   *ledger.Ledger
	History  *history.Repository
	Registry *registry.Registry
	Prom     *prometheus.Registry
	Metrics  *metrics.Metrics

	// High-level services
	Sync        *SyncService
	Maintenance *MaintenanceService
	Health      *HealthService
	MQTT        *mqtt.Client
	Publisher   *mqtt.Publisher
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	s.Prom = prometheus.NewRegistry()
	s.Prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.Metrics = metrics.New(s.Prom)

	s.Ledger = ledger.New(database.DB)
	s.History = history.New(database.DB)
	s.Registry = registry.New(database.DB, s.Ledger)

	s.Sync = NewSyncService(cfg, s.Registry, s.History, s.Ledger, s.Metrics)
	s.Maintenance = NewMaintenanceService(cfg, s.Ledger, s.History)
	s.Health = NewHealthService(cfg, nil, s.Prom) // status is the App

	if cfg.MQTT.Enabled {
		s.MQTT, err = mqtt.New(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Prefix:   cfg.MQTT.Prefix,
			QoS:      cfg.MQTT.QoS,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.Publisher = mqtt.NewPublisher(s.MQTT, s.Sync.Engine, s.Metrics)
	}

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., max reconnects exceeded).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Health first so /ready reports bootstrapping
	s.Health.Start(ctx)

	if s.MQTT != nil {
		if err := s.MQTT.Connect(); err != nil {
			return err
		}
	}

	if err := s.Sync.Start(ctx); err != nil {
		return err
	}

	if s.Publisher != nil {
		s.Publisher.Register(s.Sync.Bus)
		s.Publisher.PublishAll()
		log.Info().Str("prefix", s.cfg.MQTT.Prefix).Msg("Publishing state over MQTT")
	}

	s.Sync.StartBackground(ctx, onFatalError)
	s.Maintenance.Start(ctx)
	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Maintenance != nil {
		s.Maintenance.Stop()
	}
	if s.Sync != nil {
		s.Sync.Close()
	}
	if s.MQTT != nil {
		s.MQTT.Disconnect()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
