// Package sweeper reclaims abandoned reservations in the background,
// independent of request traffic.
package sweeper

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"github.com/smartvend/venderd/internal/models"
	"github.com/smartvend/venderd/internal/notify"
	"github.com/smartvend/venderd/internal/reserve"
)

// DefaultInterval is the tick period between sweeps.
const DefaultInterval = 5 * time.Second

// Sweeper periodically reclaims locks past their TTL across every machine in
// the store and notifies the affected device. Sweeping is per-machine and
// unsynchronized; one machine's failure never blocks another's.
type Sweeper struct {
	svc      *reserve.Service
	notifier *notify.Notifier
	interval time.Duration
	logger   pslog.Logger
}

// New builds a sweeper. interval <= 0 uses DefaultInterval.
func New(svc *reserve.Service, notifier *notify.Notifier, interval time.Duration, logger pslog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Sweeper{svc: svc, notifier: notifier, interval: interval, logger: logger}
}

// Run loops until ctx is cancelled. Individual-machine failures are logged
// and the loop keeps going.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep.stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick sweeps every machine once. Exposed for tests and manual triggers.
func (s *Sweeper) Tick(ctx context.Context) {
	machines, err := s.svc.Machines(ctx)
	if err != nil {
		s.logger.Warn("sweep.list_failed", "error", err)
		return
	}
	for _, m := range machines {
		if ctx.Err() != nil {
			return
		}
		res, err := s.svc.SweepExpired(ctx, m.ID)
		if err != nil {
			s.logger.Warn("sweep.machine_failed", "machine", m.ID, "error", err)
			continue
		}
		if !res.Reclaimed {
			continue
		}
		s.logger.Info("sweep.reclaimed", "machine", m.ID)
		if s.notifier != nil {
			s.notifier.Send(ctx, m.ID, models.UnlockMessage())
			s.notifier.Send(ctx, m.ID, models.DisplayCodeMessage(res.NewDisplayCode))
		}
	}
}
