// Package manifest summarizes a finished or interrupted run for the
// downstream analysis layer. The manifest is derived state: it is recomputed
// from the trial ledger on demand and never consulted as a source of truth.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/store"
)

// Build computes the run manifest from the ledger: status counts, per-stage
// failure and retry breakdowns, and the manual-review queue.
func Build(ctx context.Context, st store.TrialStore, runID string) (*domain.RunManifest, error) {
	trials, err := st.Trials(ctx)
	if err != nil {
		return nil, fmt.Errorf("load trials: %w", err)
	}

	m := &domain.RunManifest{
		RunID:           runID,
		GeneratedAt:     time.Now().UTC(),
		TotalTrials:     int64(len(trials)),
		FailuresByStage: make(map[domain.Stage]int64),
		RetriesByStage:  make(map[domain.Stage]int64),
	}

	for i := range trials {
		t := &trials[i]
		switch t.Status {
		case domain.TrialCompleted:
			m.Completed++
		case domain.TrialFailed:
			m.Failed++
			if t.FailureStage != "" {
				m.FailuresByStage[t.FailureStage]++
			}
		case domain.TrialInProgress:
			m.InProgress++
		default:
			m.Pending++
		}
		m.RetriesByStage[domain.StageFacts] += int64(t.FactsRetries)
		m.RetriesByStage[domain.StageReasoning] += int64(t.ReasoningRetries)
		m.RetriesByStage[domain.StageEvaluation] += int64(t.EvaluationRetries)
	}

	review, err := st.ReviewRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("load review records: %w", err)
	}
	m.ManualReview = review

	return m, nil
}

// WriteFile builds the manifest and writes it as indented JSON, atomically:
// a crash mid-write can never leave a truncated manifest behind.
func WriteFile(ctx context.Context, st store.TrialStore, runID, path string) (*domain.RunManifest, error) {
	m, err := Build(ctx, st, runID)
	if err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*")
	if err != nil {
		return nil, fmt.Errorf("create manifest temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("sync manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return nil, fmt.Errorf("persist manifest: %w", err)
	}
	return m, nil
}
