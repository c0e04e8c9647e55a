package store

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/notewire/noterelay/internal/metrics"
)

// MaintenanceConfig tunes the retention sweeper.
type MaintenanceConfig struct {
	// RetentionDays is the note retention horizon. Zero means notes are
	// purged as soon as a sweep runs (everything older than now).
	RetentionDays int
	// Schedule is a cron spec; default "@every 10m".
	Schedule string
}

// Maintenance runs periodic retention sweeps over a Store. Sweep failures
// are logged and the schedule keeps going; a broken sweep never takes the
// component down.
type Maintenance struct {
	store   Store
	cfg     MaintenanceConfig
	metrics *metrics.Metrics
	cron    *cron.Cron
}

// NewMaintenance builds the sweeper; call Start to begin.
func NewMaintenance(store Store, cfg MaintenanceConfig, m *metrics.Metrics) *Maintenance {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10m"
	}
	return &Maintenance{
		store:   store,
		cfg:     cfg,
		metrics: m,
		cron:    cron.New(),
	}
}

// Start runs one immediate sweep and schedules the rest.
func (mt *Maintenance) Start() error {
	mt.Sweep(context.Background())

	_, err := mt.cron.AddFunc(mt.cfg.Schedule, func() {
		mt.Sweep(context.Background())
	})
	if err != nil {
		return err
	}
	mt.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (mt *Maintenance) Stop() {
	<-mt.cron.Stop().Done()
}

// Sweep performs a single retention pass.
func (mt *Maintenance) Sweep(ctx context.Context) {
	timer := mt.metrics.Timer(metrics.OpMaintenanceSweep)

	deleted, err := mt.store.RetentionSweep(ctx, mt.cfg.RetentionDays)
	if err != nil {
		timer.Finish(metrics.StatusError)
		log.Error().Err(err).Msg("retention sweep failed")
		return
	}
	timer.Finish(metrics.StatusOK)

	log.Info().
		Int64("deleted", deleted).
		Int("retention_days", mt.cfg.RetentionDays).
		Msg("retention sweep completed")
}
