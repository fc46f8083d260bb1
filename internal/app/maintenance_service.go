package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/config"
	"github.com/dokzlo13/thermd/internal/history"
	"github.com/dokzlo13/thermd/internal/ledger"
)

// MaintenanceService runs the periodic retention and cleanup tasks.
type MaintenanceService struct {
	cfg     *config.Config
	ledger  *ledger.Ledger
	history *history.Repository

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMaintenanceService creates a new MaintenanceService.
func NewMaintenanceService(cfg *config.Config, l *ledger.Ledger, h *history.Repository) *MaintenanceService {
	return &MaintenanceService{cfg: cfg, ledger: l, history: h}
}

// Start launches the cleanup loops. They run until ctx is done or Stop is
// called.
func (s *MaintenanceService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.every(ctx, s.cfg.Ledger.CleanupInterval.Duration(), s.cleanupLedger)
	if s.cfg.History.RetentionDays > 0 {
		s.every(ctx, s.cfg.History.CleanupInterval.Duration(), s.cleanupHistory)
	}
}

// Stop cancels the cleanup loops and waits for a running cleanup to finish.
func (s *MaintenanceService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *MaintenanceService) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
				fn(ctx)
			}
		}
	}()
}

func (s *MaintenanceService) cleanupLedger(ctx context.Context) {
	retention := days(s.cfg.Ledger.RetentionDays)
	deleted, err := s.ledger.DeleteOlderThan(ctx, retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
	}
}

func (s *MaintenanceService) cleanupHistory(ctx context.Context) {
	retention := days(s.cfg.History.RetentionDays)
	deleted, err := s.history.DeleteOlderThan(ctx, retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old state history")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old state history")
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
