package domain

import "time"

// ParseStatus classifies the outcome of parsing a raw model response.
// Manual-review classification is a first-class value on every artifact,
// queryable directly without re-scanning raw text.
type ParseStatus string

const (
	// ParseSuccess indicates every expected field was extracted.
	ParseSuccess ParseStatus = "success"

	// ParsePartial indicates some but not all expected fields were
	// extracted; the record carries whatever was recoverable and is
	// flagged for manual review.
	ParsePartial ParseStatus = "partial"

	// ParseManualReview indicates the response was structurally ambiguous
	// and a human must classify it.
	ParseManualReview ParseStatus = "manual_review"

	// ParseFailure indicates nothing usable was extracted. The raw
	// artifact is still retained.
	ParseFailure ParseStatus = "failure"
)

// NeedsReview reports whether a record with this status belongs on the
// manifest's manual-review list.
func (p ParseStatus) NeedsReview() bool {
	return p == ParsePartial || p == ParseManualReview || p == ParseFailure
}

// Usable reports whether a record with this status carries enough parsed
// content for downstream stages to build on.
func (p ParseStatus) Usable() bool {
	return p == ParseSuccess || p == ParsePartial
}

// FactsExtract holds the structured output of the fact-extraction stage.
type FactsExtract struct {
	EstablishedFacts  []string `json:"established_facts"`
	AmbiguousElements []string `json:"ambiguous_elements"`
	KeyQuestions      []string `json:"key_questions"`
}

// ReasoningOutput holds the structured output of the reasoning stage.
type ReasoningOutput struct {
	Narrative      string   `json:"narrative"`
	Recommendation string   `json:"recommendation"`
	AppliedValues  []string `json:"applied_values"`
	Tradeoffs      []string `json:"tradeoffs"`
}

// LayerRecord is one pipeline stage's output for one trial. A retried stage
// produces a new record at the next attempt number; earlier records are
// retained for audit, never overwritten. RawRef is always set, regardless of
// parse outcome.
type LayerRecord struct {
	ID      string `json:"id" validate:"required"`
	TrialID int64  `json:"trial_id" validate:"required,min=1"`
	Stage   Stage  `json:"stage" validate:"required,oneof=facts reasoning"`
	Attempt int    `json:"attempt" validate:"min=0"`
	ModelID string `json:"model_id" validate:"required"`

	RawRef      ArtifactRef `json:"raw_ref" validate:"required"`
	// PromptRef is empty for records that involved no model call, such as
	// pre-authored baseline facts; skip nested validation.
	PromptRef   ArtifactRef `json:"prompt_ref" validate:"-"`
	ParseStatus ParseStatus `json:"parse_status" validate:"required"`

	// Exactly one of Facts/Reasoning is set when ParseStatus is usable,
	// according to Stage.
	Facts     *FactsExtract    `json:"facts,omitempty"`
	Reasoning *ReasoningOutput `json:"reasoning,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// DimensionScore is one rubric dimension's judgment within an evaluation.
type DimensionScore struct {
	Dimension   string   `json:"dimension" validate:"required"`
	Score       float64  `json:"score"`
	Explanation string   `json:"explanation"`
	Examples    []string `json:"examples,omitempty"`
}

// ScoreSet is the outcome of parsing one evaluator response with one
// strategy. Parsers return ScoreSet values for every input; unrecoverable
// text becomes a failure-status set carrying a note, never a panic or error.
type ScoreSet struct {
	Status     ParseStatus      `json:"status"`
	Dimensions []DimensionScore `json:"dimensions,omitempty"`

	// Note explains partial or failed parses for the manual-review queue.
	Note string `json:"note,omitempty"`
}

// Evaluation is the result of applying one strategy with one evaluator model
// to one trial's reasoning output. Each (trial, evaluator, strategy)
// combination is independent: it may fail or be retried without affecting
// its siblings.
type Evaluation struct {
	ID               string `json:"id" validate:"required"`
	TrialID          int64  `json:"trial_id" validate:"required,min=1"`
	StrategyID       string `json:"strategy_id" validate:"required"`
	EvaluatorModelID string `json:"evaluator_model_id" validate:"required"`
	Attempt          int    `json:"attempt" validate:"min=0"`

	RawRef      ArtifactRef      `json:"raw_ref" validate:"required"`
	ParseStatus ParseStatus      `json:"parse_status" validate:"required"`
	Dimensions  []DimensionScore `json:"dimensions,omitempty"`
	Note        string           `json:"note,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
