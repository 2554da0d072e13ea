package consolidate

import (
	"github.com/vthunder/remd/internal/config"
	"github.com/vthunder/remd/internal/store"
)

// Params are the effective pipeline parameters for one run: the configured
// values overlaid with any tuner-persisted settings. They are captured once
// at run start; a running pipeline never sees a mid-flight change.
type Params struct {
	config.Pipeline

	Workers    int
	DryRun     bool
	RunHistory int
}

// FromConfig builds run parameters from the loaded configuration.
func FromConfig(cfg *config.Config) Params {
	return Params{
		Pipeline:   cfg.Pipeline,
		Workers:    cfg.Workers,
		DryRun:     cfg.DryRun,
		RunHistory: cfg.Monitor.RunHistory,
	}
}

// withSettings overlays tuner-adjusted values from the settings table.
func (p Params) withSettings(db *store.DB) (Params, error) {
	settings, err := db.AllSettings()
	if err != nil {
		return p, err
	}
	if v, ok := settings[store.SettingMinClusterSize]; ok {
		p.MinClusterSize = int(v)
	}
	if v, ok := settings[store.SettingClusterThreshold]; ok {
		p.ClusterThreshold = v
	}
	if v, ok := settings[store.SettingNoveltyThreshold]; ok {
		p.NoveltyThreshold = v
	}
	if v, ok := settings[store.SettingContradictionCheck]; ok {
		p.ContradictionCheck = v != 0
	}
	return p, nil
}

// Overrides adjust a single manually-triggered run without touching the
// persistent configuration.
type Overrides struct {
	DryRun   *bool
	MaxBatch *int
	Trigger  string
}

func (p Params) apply(ov *Overrides) Params {
	if ov == nil {
		return p
	}
	if ov.DryRun != nil {
		p.DryRun = *ov.DryRun
	}
	if ov.MaxBatch != nil {
		p.MaxBatch = *ov.MaxBatch
	}
	return p
}
