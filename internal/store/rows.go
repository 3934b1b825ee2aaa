package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
)

// trialRow is the GORM mapping for one trial ledger entry.
type trialRow struct {
	ID             int64  `gorm:"primaryKey;autoIncrement:false"`
	ScenarioID     string `gorm:"size:128;not null"`
	ConstitutionID string `gorm:"size:128;not null"`
	ModelID        string `gorm:"size:128;not null"`
	Status         string `gorm:"size:32;not null;index"`

	FactsRetries      int `gorm:"not null;default:0"`
	ReasoningRetries  int `gorm:"not null;default:0"`
	EvaluationRetries int `gorm:"not null;default:0"`

	FailureStage  string `gorm:"size:32"`
	FailureReason string

	CreatedAt   time.Time
	ClaimedAt   *time.Time
	HeartbeatAt *time.Time
	CompletedAt *time.Time
	NotBefore   *time.Time `gorm:"index"`
}

func (trialRow) TableName() string { return "trials" }

func (r *trialRow) toDomain() *domain.Trial {
	return &domain.Trial{
		TrialSpec: domain.TrialSpec{
			ID:             r.ID,
			ScenarioID:     r.ScenarioID,
			ConstitutionID: r.ConstitutionID,
			ModelID:        r.ModelID,
		},
		Status:            domain.TrialStatus(r.Status),
		FactsRetries:      r.FactsRetries,
		ReasoningRetries:  r.ReasoningRetries,
		EvaluationRetries: r.EvaluationRetries,
		FailureStage:      domain.Stage(r.FailureStage),
		FailureReason:     r.FailureReason,
		CreatedAt:         r.CreatedAt,
		ClaimedAt:         r.ClaimedAt,
		HeartbeatAt:       r.HeartbeatAt,
		CompletedAt:       r.CompletedAt,
		NotBefore:         r.NotBefore,
	}
}

// retryColumn maps a stage to its counter column.
func retryColumn(stage domain.Stage) (string, error) {
	switch stage {
	case domain.StageFacts:
		return "facts_retries", nil
	case domain.StageReasoning:
		return "reasoning_retries", nil
	case domain.StageEvaluation:
		return "evaluation_retries", nil
	default:
		return "", fmt.Errorf("unknown stage %q", stage)
	}
}

// layerRow is the GORM mapping for one stage output record. Parsed content
// is stored as JSON alongside the raw artifact reference; the raw artifact
// itself lives in the artifact store.
type layerRow struct {
	ID      string `gorm:"primaryKey;size:64"`
	TrialID int64  `gorm:"not null;index"`
	Stage   string `gorm:"size:32;not null"`
	Attempt int    `gorm:"not null"`
	ModelID string `gorm:"size:128;not null"`

	RawKey      string `gorm:"size:512;not null"`
	RawSize     int64  `gorm:"not null"`
	PromptKey   string `gorm:"size:512"`
	PromptSize  int64
	ParseStatus string `gorm:"size:32;not null;index"`
	ParsedJSON  []byte

	CreatedAt time.Time
}

func (layerRow) TableName() string { return "layer_records" }

// layerPayload is the JSON shape of a layer record's parsed content.
type layerPayload struct {
	Facts     *domain.FactsExtract    `json:"facts,omitempty"`
	Reasoning *domain.ReasoningOutput `json:"reasoning,omitempty"`
}

func layerRowFrom(rec *domain.LayerRecord) (*layerRow, error) {
	payload, err := json.Marshal(layerPayload{Facts: rec.Facts, Reasoning: rec.Reasoning})
	if err != nil {
		return nil, fmt.Errorf("encode layer payload: %w", err)
	}
	return &layerRow{
		ID:          rec.ID,
		TrialID:     rec.TrialID,
		Stage:       string(rec.Stage),
		Attempt:     rec.Attempt,
		ModelID:     rec.ModelID,
		RawKey:      rec.RawRef.Key,
		RawSize:     rec.RawRef.Size,
		PromptKey:   rec.PromptRef.Key,
		PromptSize:  rec.PromptRef.Size,
		ParseStatus: string(rec.ParseStatus),
		ParsedJSON:  payload,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

func (r *layerRow) toDomain() (*domain.LayerRecord, error) {
	var payload layerPayload
	if len(r.ParsedJSON) > 0 {
		if err := json.Unmarshal(r.ParsedJSON, &payload); err != nil {
			return nil, fmt.Errorf("decode layer payload for record %s: %w", r.ID, err)
		}
	}
	rec := &domain.LayerRecord{
		ID:          r.ID,
		TrialID:     r.TrialID,
		Stage:       domain.Stage(r.Stage),
		Attempt:     r.Attempt,
		ModelID:     r.ModelID,
		RawRef:      domain.ArtifactRef{Key: r.RawKey, Size: r.RawSize, Kind: domain.ArtifactRawResponse},
		ParseStatus: domain.ParseStatus(r.ParseStatus),
		Facts:       payload.Facts,
		Reasoning:   payload.Reasoning,
		CreatedAt:   r.CreatedAt,
	}
	if r.PromptKey != "" {
		rec.PromptRef = domain.ArtifactRef{Key: r.PromptKey, Size: r.PromptSize, Kind: domain.ArtifactRenderedPrompt}
	}
	return rec, nil
}

// evalRow is the GORM mapping for one evaluation record.
type evalRow struct {
	ID               string `gorm:"primaryKey;size:64"`
	TrialID          int64  `gorm:"not null;index"`
	StrategyID       string `gorm:"size:64;not null"`
	EvaluatorModelID string `gorm:"size:128;not null"`
	Attempt          int    `gorm:"not null"`

	RawKey         string `gorm:"size:512;not null"`
	RawSize        int64  `gorm:"not null"`
	ParseStatus    string `gorm:"size:32;not null;index"`
	DimensionsJSON []byte
	Note           string

	CreatedAt time.Time
}

func (evalRow) TableName() string { return "evaluations" }

func evalRowFrom(ev *domain.Evaluation) (*evalRow, error) {
	dims, err := json.Marshal(ev.Dimensions)
	if err != nil {
		return nil, fmt.Errorf("encode evaluation dimensions: %w", err)
	}
	return &evalRow{
		ID:               ev.ID,
		TrialID:          ev.TrialID,
		StrategyID:       ev.StrategyID,
		EvaluatorModelID: ev.EvaluatorModelID,
		Attempt:          ev.Attempt,
		RawKey:           ev.RawRef.Key,
		RawSize:          ev.RawRef.Size,
		ParseStatus:      string(ev.ParseStatus),
		DimensionsJSON:   dims,
		Note:             ev.Note,
		CreatedAt:        ev.CreatedAt,
	}, nil
}

func (r *evalRow) toDomain() (*domain.Evaluation, error) {
	var dims []domain.DimensionScore
	if len(r.DimensionsJSON) > 0 {
		if err := json.Unmarshal(r.DimensionsJSON, &dims); err != nil {
			return nil, fmt.Errorf("decode dimensions for evaluation %s: %w", r.ID, err)
		}
	}
	return &domain.Evaluation{
		ID:               r.ID,
		TrialID:          r.TrialID,
		StrategyID:       r.StrategyID,
		EvaluatorModelID: r.EvaluatorModelID,
		Attempt:          r.Attempt,
		RawRef:           domain.ArtifactRef{Key: r.RawKey, Size: r.RawSize, Kind: domain.ArtifactRawResponse},
		ParseStatus:      domain.ParseStatus(r.ParseStatus),
		Dimensions:       dims,
		Note:             r.Note,
		CreatedAt:        r.CreatedAt,
	}, nil
}
