package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// maintenance runs periodic housekeeping on a cron schedule.
type maintenance struct {
	log  *slog.Logger
	cron *cron.Cron
}

// newMaintenance schedules job on spec (standard 5-field cron or a descriptor like "@every 30s").
// Overlapping runs are skipped rather than queued.
func newMaintenance(log *slog.Logger, spec string, job func()) (*maintenance, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, job); err != nil {
		return nil, err
	}
	return &maintenance{log: log, cron: c}, nil
}

func (m *maintenance) Start() {
	m.log.Info("maintenance.start", "entries", len(m.cron.Entries()))
	m.cron.Start()
}

// Stop waits up to 30s for a running job to finish.
func (m *maintenance) Stop() {
	ctx := m.cron.Stop()
	select {
	case <-ctx.Done():
		m.log.Info("maintenance.stopped")
	case <-time.After(30 * time.Second):
		m.log.Warn("maintenance.stop.timeout")
	}
}

// maintain expires over-long queue waits, refreshes the Redis presence markers and runs a
// dispatch pass in case a kick was missed.
func (a *App) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if expired := a.queue.Sweep(time.Now().UTC()); len(expired) > 0 {
		a.emitter.QueueExited(expired...)
	}

	if a.mirror != nil {
		if err := a.mirror.Refresh(ctx, a.presence.Online()); err != nil {
			a.log.Warn("maintenance.presence.refresh_failed", "err", err)
		}
	}

	a.dispatcher.Kick()
}
