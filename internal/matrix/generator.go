// Package matrix expands the run configuration into the deterministic trial
// matrix. IDs are a pure function of enumeration order over the configured
// scenario, constitution, and model lists, so regenerating from unchanged
// configuration always reproduces the same assignment — the property that
// makes incremental reruns and forced retries safe to address by ID.
package matrix

import (
	"fmt"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
)

// Generate expands the full cartesian product in configuration order:
// scenarios outermost, then constitutions, then models. IDs are sequential
// from 1 and never depend on anything but position.
func Generate(cfg *config.Config) ([]domain.TrialSpec, error) {
	var specs []domain.TrialSpec
	var id int64
	for _, s := range cfg.Scenarios {
		for _, c := range cfg.Constitutions {
			for _, m := range cfg.Models {
				id++
				specs = append(specs, domain.TrialSpec{
					ID:             id,
					ScenarioID:     s.ID,
					ConstitutionID: c.ID,
					ModelID:        m.ID,
				})
			}
		}
	}
	if len(specs) == 0 {
		return nil, domain.ErrEmptyMatrix
	}
	return specs, nil
}

// Select applies the configured selection rule to the full matrix. Subsets
// keep original IDs so historical artifacts stay addressable; failedIDs is
// the ledger's current terminal-failed set, consulted only for SelectFailed.
func Select(cfg *config.Config, full []domain.TrialSpec, failedIDs []int64) ([]domain.TrialSpec, error) {
	switch cfg.Selection.Mode {
	case config.SelectAll, "":
		return full, nil

	case config.SelectFailed:
		return subset(full, failedIDs)

	case config.SelectIDs:
		return subset(full, cfg.Selection.IDs)

	default:
		return nil, fmt.Errorf("unknown selection mode %q", cfg.Selection.Mode)
	}
}

// subset filters the full matrix down to the requested IDs, preserving
// matrix order. Requesting an ID outside the matrix is a configuration
// error, not a silent skip.
func subset(full []domain.TrialSpec, ids []int64) ([]domain.TrialSpec, error) {
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	specs := make([]domain.TrialSpec, 0, len(want))
	for _, spec := range full {
		if _, ok := want[spec.ID]; ok {
			specs = append(specs, spec)
			delete(want, spec.ID)
		}
	}
	if len(want) > 0 {
		for id := range want {
			return nil, fmt.Errorf("selected trial id %d is not in the generated matrix", id)
		}
	}
	if len(specs) == 0 {
		return nil, domain.ErrEmptyMatrix
	}
	return specs, nil
}
