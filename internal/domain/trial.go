// Package domain provides the core types for the constitutional reasoning
// engine: trials, per-stage layer records, rubric evaluations, and the run
// manifest. The types are designed to support reproducible, auditable batch
// runs where every external model response is captured durably and every
// status transition is owned by the trial state store.
package domain

import (
	"fmt"
	"time"
)

// TrialStatus represents the lifecycle state of a trial in the ledger.
// Using typed constants instead of raw strings provides compile-time safety
// and prevents typos that could bypass status transition checks.
type TrialStatus string

const (
	// TrialPending indicates the trial is registered and waiting for a worker.
	TrialPending TrialStatus = "pending"

	// TrialInProgress indicates exactly one worker holds the claim.
	TrialInProgress TrialStatus = "in_progress"

	// TrialCompleted indicates all three stages produced accepted artifacts.
	// Terminal: never left once reached.
	TrialCompleted TrialStatus = "completed"

	// TrialFailed indicates the trial exhausted its retry budget or produced
	// output requiring manual review. Terminal until an operator forces a
	// rerun through a matrix subset.
	TrialFailed TrialStatus = "failed"
)

// IsTerminal reports whether the status is immutable once reached.
func (s TrialStatus) IsTerminal() bool {
	return s == TrialCompleted || s == TrialFailed
}

// Stage identifies one of the three pipeline stages.
type Stage string

const (
	// StageFacts is the fact-extraction stage (established facts, ambiguous
	// elements, key questions).
	StageFacts Stage = "facts"

	// StageReasoning is the constitution-conditioned reasoning stage.
	StageReasoning Stage = "reasoning"

	// StageEvaluation is the multi-rubric integrity evaluation stage.
	StageEvaluation Stage = "evaluation"
)

// Stages lists the pipeline stages in execution order.
var Stages = []Stage{StageFacts, StageReasoning, StageEvaluation}

// TrialSpec is the immutable identity of a trial produced by the matrix
// generator: one (scenario, constitution, model) combination with a stable
// sequential ID derived purely from enumeration order.
type TrialSpec struct {
	ID             int64  `json:"id" validate:"required,min=1"`
	ScenarioID     string `json:"scenario_id" validate:"required"`
	ConstitutionID string `json:"constitution_id" validate:"required"`
	ModelID        string `json:"model_id" validate:"required"`
}

// Key returns the canonical identity string for the combination,
// independent of the assigned ID.
func (s TrialSpec) Key() string {
	return fmt.Sprintf("%s/%s/%s", s.ScenarioID, s.ConstitutionID, s.ModelID)
}

// Trial is one ledger row: a TrialSpec plus its execution state.
// Status transitions are owned exclusively by the trial state store;
// everything else treats Trial values as read-only snapshots.
type Trial struct {
	TrialSpec

	Status TrialStatus `json:"status"`

	// Per-stage retry counters, persisted so retry accounting survives
	// process restarts.
	FactsRetries      int `json:"facts_retries"`
	ReasoningRetries  int `json:"reasoning_retries"`
	EvaluationRetries int `json:"evaluation_retries"`

	// FailureStage and FailureReason record why a trial went terminal failed.
	FailureStage  Stage  `json:"failure_stage,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	HeartbeatAt *time.Time `json:"heartbeat_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// NotBefore delays requeued trials so transient-failure backoff is
	// honored across scheduler passes and process restarts.
	NotBefore *time.Time `json:"not_before,omitempty"`
}

// RetriesFor returns the persisted retry counter for a stage.
func (t *Trial) RetriesFor(stage Stage) int {
	switch stage {
	case StageFacts:
		return t.FactsRetries
	case StageReasoning:
		return t.ReasoningRetries
	case StageEvaluation:
		return t.EvaluationRetries
	default:
		return 0
	}
}
