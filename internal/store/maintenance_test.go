package store

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notewire/noterelay/internal/metrics"
)

func TestMaintenanceSweepDeletesExpired(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	old := testNote(1, 1)
	old.CreatedAt = time.Now().UTC().Add(-10 * 24 * time.Hour)
	mustInsert(t, st, old)
	mustInsert(t, st, testNote(1, 2))

	m := metrics.New(prometheus.NewRegistry())
	mt := NewMaintenance(st, MaintenanceConfig{RetentionDays: 7}, m)
	mt.Sweep(ctx)

	if ok, _ := st.Exists(ctx, old.ID); ok {
		t.Error("expired note survived maintenance sweep")
	}
	s, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.TotalNotes != 1 {
		t.Errorf("got %d notes after sweep, want 1", s.TotalNotes)
	}
}

func TestMaintenanceStartRunsImmediateSweep(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	old := testNote(1, 1)
	old.CreatedAt = time.Now().UTC().Add(-10 * 24 * time.Hour)
	mustInsert(t, st, old)

	m := metrics.New(prometheus.NewRegistry())
	// A far-future schedule so only the immediate sweep can run.
	mt := NewMaintenance(st, MaintenanceConfig{RetentionDays: 7, Schedule: "@every 24h"}, m)
	if err := mt.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mt.Stop()

	if ok, _ := st.Exists(ctx, old.ID); ok {
		t.Error("immediate sweep did not run")
	}
}

func TestMaintenanceRejectsBadSchedule(t *testing.T) {
	st := openTestStore(t)
	m := metrics.New(prometheus.NewRegistry())

	mt := NewMaintenance(st, MaintenanceConfig{Schedule: "not a schedule"}, m)
	if err := mt.Start(); err == nil {
		mt.Stop()
		t.Fatal("Start accepted an invalid schedule")
	}
}
