// Package poller periodically reads monitored characteristics as a safety
// net for push notifications that never arrive.
package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/thermd/internal/accessory"
	"github.com/dokzlo13/thermd/internal/metrics"
)

// ErrAlreadyRunning is returned when Run is called on a running scheduler.
var ErrAlreadyRunning = errors.New("poller already running")

// Reader is the read side of the accessory link.
type Reader interface {
	GetCharacteristics(ctx context.Context, keys []accessory.Key) (map[accessory.Key]any, error)
}

// KeySource supplies the characteristics to poll. It is consulted on every
// tick so that a rebuilt index takes effect without a restart.
type KeySource interface {
	Priority() []accessory.Key
	Monitored() []accessory.Key
}

// ObserveFunc receives every value read by a batch.
type ObserveFunc func(ctx context.Context, updates []accessory.Update)

// Config controls cadences and batching.
type Config struct {
	Tick         time.Duration
	FastInterval time.Duration
	SlowInterval time.Duration
	BatchSize    int
	ReadTimeout  time.Duration
	RateLimit    float64 // batches per second, 0 = unlimited
	PanicPause   time.Duration
}

// DefaultConfig returns the standard cadences.
func DefaultConfig() Config {
	return Config{
		Tick:         10 * time.Second,
		FastInterval: 60 * time.Second,
		SlowInterval: 120 * time.Second,
		BatchSize:    15,
		ReadTimeout:  10 * time.Second,
		PanicPause:   5 * time.Second,
	}
}

// Scheduler runs the fast and slow polling cadences on a fixed tick.
type Scheduler struct {
	reader  Reader
	keys    KeySource
	observe ObserveFunc
	config  Config
	metrics *metrics.Metrics
	limiter *rate.Limiter
	now     func() time.Time

	running  atomic.Bool
	lastFast time.Time
	lastSlow time.Time
}

// New creates a scheduler. m may be nil.
func New(reader Reader, keys KeySource, observe ObserveFunc, config Config, m *metrics.Metrics) *Scheduler {
	def := DefaultConfig()
	if config.Tick <= 0 {
		config.Tick = def.Tick
	}
	if config.FastInterval <= 0 {
		config.FastInterval = def.FastInterval
	}
	if config.SlowInterval <= 0 {
		config.SlowInterval = def.SlowInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.PanicPause <= 0 {
		config.PanicPause = def.PanicPause
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	return &Scheduler{
		reader:  reader,
		keys:    keys,
		observe: observe,
		config:  config,
		metrics: m,
		limiter: limiter,
		now:     time.Now,
	}
}

// Run polls until ctx is done. It returns ErrAlreadyRunning if the
// scheduler is already running.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)

	log.Info().
		Dur("tick", s.config.Tick).
		Dur("fast_interval", s.config.FastInterval).
		Dur("slow_interval", s.config.SlowInterval).
		Int("batch_size", s.config.BatchSize).
		Int("priority", len(s.keys.Priority())).
		Int("monitored", len(s.keys.Monitored())).
		Msg("Poller started")

	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Poller stopped")
			return nil
		case <-ticker.C:
			if !s.safeTick(ctx) {
				select {
				case <-ctx.Done():
					log.Info().Msg("Poller stopped")
					return nil
				case <-time.After(s.config.PanicPause):
				}
			}
		}
	}
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// safeTick runs one tick and reports false if it panicked.
func (s *Scheduler) safeTick(ctx context.Context) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Polling tick panicked")
			ok = false
		}
	}()
	s.Tick(ctx)
	return true
}

// Tick runs whichever cadences are due.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()

	if now.Sub(s.lastFast) >= s.config.FastInterval {
		if keys := s.keys.Priority(); len(keys) > 0 {
			log.Debug().Int("characteristics", len(keys)).Msg("Fast polling priority characteristics")
			s.Poll(ctx, keys, "fast")
			s.lastFast = now
		}
	}

	if now.Sub(s.lastSlow) >= s.config.SlowInterval {
		keys := s.keys.Monitored()
		log.Debug().Int("characteristics", len(keys)).Msg("Slow polling monitored characteristics")
		s.Poll(ctx, keys, "slow")
		s.lastSlow = now
	}
}

// Poll reads keys in batches. A failed batch is logged and skipped.
func (s *Scheduler) Poll(ctx context.Context, keys []accessory.Key, cadence string) {
	for _, batch := range accessory.Batches(keys, s.config.BatchSize) {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}

		values, err := s.read(ctx, batch)
		s.metrics.PollBatch(cadence, err)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().
				Err(err).
				Str("cadence", cadence).
				Int("batch", len(batch)).
				Msg("Polling batch failed")
			continue
		}

		updates := make([]accessory.Update, 0, len(values))
		for _, k := range batch {
			if v, ok := values[k]; ok {
				updates = append(updates, accessory.Update{Key: k, Value: v})
			}
		}
		if len(updates) > 0 {
			s.observe(ctx, updates)
		}
	}
}

func (s *Scheduler) read(ctx context.Context, batch []accessory.Key) (map[accessory.Key]any, error) {
	if s.config.ReadTimeout <= 0 {
		return s.reader.GetCharacteristics(ctx, batch)
	}
	readCtx, cancel := context.WithTimeout(ctx, s.config.ReadTimeout)
	defer cancel()
	return s.reader.GetCharacteristics(readCtx, batch)
}
