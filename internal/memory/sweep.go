package memory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SweepConfig controls the expiry sweep.
type SweepConfig struct {
	Interval time.Duration // how often to purge (default 1h)
	Grace    time.Duration // keep expired rows this long before deleting (default 24h)
}

// DefaultSweepConfig returns sensible defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Interval: time.Hour,
		Grace:    24 * time.Hour,
	}
}

// Sweeper periodically deletes records whose expiry passed more than Grace ago.
// Expired records are already invisible to queries; the sweep only reclaims space.
type Sweeper struct {
	purger Purger
	cfg    SweepConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewSweeper creates a sweeper over a store that supports purging.
func NewSweeper(p Purger, cfg SweepConfig, logger *zap.Logger) *Sweeper {
	def := DefaultSweepConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	}
	return &Sweeper{purger: p, cfg: cfg, logger: logger, now: time.Now}
}

// SweepOnce runs a single purge pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.cfg.Grace)
	n, err := s.purger.Purge(ctx, cutoff)
	if err != nil {
		s.logger.Warn("memory sweep failed", zap.Error(err))
		return 0, err
	}
	s.logger.Info("memory sweep complete",
		zap.Int("purged", n),
		zap.Time("cutoff", cutoff))
	return n, nil
}

// Run sweeps on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}
