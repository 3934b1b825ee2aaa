package domain

import "time"

// ReviewPointer locates one artifact whose parse status requires human
// inspection. The manifest lists these so the analysis layer never has to
// re-scan raw text to find anomalies.
type ReviewPointer struct {
	TrialID          int64       `json:"trial_id"`
	Stage            Stage       `json:"stage"`
	StrategyID       string      `json:"strategy_id,omitempty"`
	EvaluatorModelID string      `json:"evaluator_model_id,omitempty"`
	Attempt          int         `json:"attempt"`
	ParseStatus      ParseStatus `json:"parse_status"`
	RawRef           ArtifactRef `json:"raw_ref"`
	Note             string      `json:"note,omitempty"`
}

// RunManifest aggregates final run statistics for the downstream analysis
// layer. It is recomputed from the state store on demand and is never itself
// the source of truth.
type RunManifest struct {
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`

	TotalTrials int64 `json:"total_trials"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Pending     int64 `json:"pending"`
	InProgress  int64 `json:"in_progress"`

	// FailuresByStage breaks down terminal failures by the stage that
	// exhausted its budget or required review.
	FailuresByStage map[Stage]int64 `json:"failures_by_stage"`

	// RetriesByStage sums persisted per-stage retry counters across trials.
	RetriesByStage map[Stage]int64 `json:"retries_by_stage"`

	// ManualReview lists every layer record and evaluation whose parse
	// status is partial, manual_review, or failure.
	ManualReview []ReviewPointer `json:"manual_review"`
}
