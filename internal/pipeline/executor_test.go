package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/artifact"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/llm"
	llmerrors "github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/llm/errors"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/store"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/strategy"
)

const testFactsText = `FACTS:
- the defect is confirmed
AMBIGUITIES:
- injury rate unknown
KEY QUESTIONS:
- would regulators act faster?
`

const testReasoningText = `REASONING:
The duty to warn outweighs loyalty here.
RECOMMENDATION:
Go public now.
APPLIED VALUES:
- duty to warn
TRADEOFFS:
- career damage
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.RunID = "test-run"
	cfg.DataDir = t.TempDir()
	cfg.DBPath = ":memory:"
	cfg.Scenarios = []config.Scenario{{
		ID:            "s1",
		Description:   "a hard call",
		DecisionPoint: "what now?",
	}}
	cfg.Constitutions = []config.Constitution{{
		ID:          "c1",
		Name:        "duty first",
		Description: "obligations outrank outcomes",
	}}
	cfg.Models = []config.Model{{ID: "m1", Provider: "simulated", MaxTokens: 512}}
	cfg.Evaluators = []string{"m1"}
	cfg.Strategies = []string{"likert"}
	cfg.Retry = config.RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.0,
	}
	cfg.Liveness.HeartbeatInterval = 0
	cfg.InvokeTimeout = time.Second
	return &cfg
}

type executorHarness struct {
	cfg       *config.Config
	store     *store.SQLiteStore
	artifacts *artifact.MemoryStore
	client    *llm.ScriptedClient
	exec      *Executor
}

func newHarness(t *testing.T, cfg *config.Config) *executorHarness {
	t.Helper()
	st, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	strategies, err := strategy.New(cfg.Strategies)
	require.NoError(t, err)

	h := &executorHarness{
		cfg:       cfg,
		store:     st,
		artifacts: artifact.NewMemoryStore(),
		client:    llm.NewScriptedClient(),
	}
	h.exec = NewExecutor(cfg, st, h.artifacts, h.client, strategies, nil, zap.NewNop())
	return h
}

func (h *executorHarness) register(t *testing.T) {
	t.Helper()
	err := h.store.Register(context.Background(), []domain.TrialSpec{
		{ID: 1, ScenarioID: "s1", ConstitutionID: "c1", ModelID: "m1"},
	})
	require.NoError(t, err)
}

func (h *executorHarness) claimAndExecute(t *testing.T) error {
	t.Helper()
	claimed, err := h.store.Claim(context.Background(), 1)
	require.NoError(t, err)
	return h.exec.Execute(context.Background(), claimed)
}

func TestExecutorCompletesTrial(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.register(t)

	require.NoError(t, h.claimAndExecute(t))

	trial, err := h.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialCompleted, trial.Status)

	layers, err := h.store.LayersFor(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, domain.StageFacts, layers[0].Stage)
	assert.Equal(t, domain.ParseSuccess, layers[0].ParseStatus)
	assert.Equal(t, domain.StageReasoning, layers[1].Stage)
	assert.Equal(t, domain.ParseSuccess, layers[1].ParseStatus)

	evals, err := h.store.EvaluationsFor(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, "likert", evals[0].StrategyID)
	assert.Equal(t, domain.ParseSuccess, evals[0].ParseStatus)
	assert.Len(t, evals[0].Dimensions, len(strategy.DefaultDimensions))

	// Prompt and raw response captured for every call: facts, reasoning,
	// one evaluation.
	assert.Equal(t, 6, h.artifacts.Len())
}

func TestExecutorRequeuesTransientFailure(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.register(t)
	h.client.FailWith("m1", &llmerrors.ProviderError{
		Provider: "simulated", Model: "m1", StatusCode: 500, Message: "upstream overloaded",
	})

	require.NoError(t, h.claimAndExecute(t))

	trial, err := h.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialPending, trial.Status)
	assert.Equal(t, 1, trial.FactsRetries)
	require.NotNil(t, trial.NotBefore)

	// No response arrived, so only the prompt was captured.
	layers, err := h.store.LayersFor(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, layers)
	assert.Equal(t, 1, h.artifacts.Len())
}

func TestExecutorExhaustsRetryBudget(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.register(t)

	boom := &llmerrors.ProviderError{Provider: "simulated", StatusCode: 503, Message: "down"}
	for i := 0; i < h.cfg.Retry.MaxRetries+1; i++ {
		h.client.FailWith("m1", boom)
		require.NoError(t, h.claimAndExecute(t))
	}

	trial, err := h.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialFailed, trial.Status)
	assert.Equal(t, domain.StageFacts, trial.FailureStage)
	assert.Equal(t, h.cfg.Retry.MaxRetries+1, trial.FactsRetries)
}

func TestExecutorHoldsMalformedOutputForReview(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.register(t)
	h.client.RespondWith("m1", "I refuse to use your section format.")

	require.NoError(t, h.claimAndExecute(t))

	trial, err := h.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialFailed, trial.Status)
	assert.Equal(t, domain.StageFacts, trial.FailureStage)
	assert.Zero(t, trial.FactsRetries, "malformed output must not consume retries")

	// The raw response is on record even though nothing parsed.
	layers, err := h.store.LayersFor(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, layers, 1)
	assert.Equal(t, domain.ParseFailure, layers[0].ParseStatus)
	assert.False(t, layers[0].RawRef.IsZero())

	review, err := h.store.ReviewRecords(context.Background())
	require.NoError(t, err)
	assert.Len(t, review, 1)
}

func TestExecutorResumesFromCompletedStages(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.register(t)

	// Facts succeed, reasoning hits a transient failure.
	h.client.RespondWith("m1", testFactsText)
	h.client.FailWith("m1", &llmerrors.ProviderError{Provider: "simulated", StatusCode: 500, Message: "blip"})
	require.NoError(t, h.claimAndExecute(t))

	trial, err := h.store.Get(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, domain.TrialPending, trial.Status)
	require.Equal(t, 1, trial.ReasoningRetries)

	// Second execution reuses the facts record: no new facts call.
	require.NoError(t, h.claimAndExecute(t))

	trial, err = h.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialCompleted, trial.Status)

	layers, err := h.store.LayersFor(context.Background(), 1)
	require.NoError(t, err)
	factsRecords := 0
	for _, l := range layers {
		if l.Stage == domain.StageFacts {
			factsRecords++
		}
	}
	assert.Equal(t, 1, factsRecords)

	// facts + failed reasoning + retried reasoning + evaluation.
	assert.Equal(t, 4, h.client.CallCount("m1"))
}

func TestExecutorRetriesTruncationOnceWithDoubledBudget(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.register(t)
	h.client.RespondTruncated("m1", "FACTS:\n- cut off mid")

	require.NoError(t, h.claimAndExecute(t))

	trial, err := h.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialCompleted, trial.Status)

	calls := h.client.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, 512, calls[0].MaxTokens)
	assert.Equal(t, 1024, calls[1].MaxTokens, "truncation retry doubles the output budget")
}

func TestExecutorAbortsOnFatalError(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.register(t)
	h.client.FailWith("m1", &llmerrors.ConfigError{Field: "api_key", Message: "invalid credentials"})

	err := h.claimAndExecute(t)
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindFatal, llmerrors.KindOf(err))

	// The claim is left for stale recovery; the trial never goes terminal.
	trial, getErr := h.store.Get(context.Background(), 1)
	require.NoError(t, getErr)
	assert.Equal(t, domain.TrialInProgress, trial.Status)
}

func TestExecutorUsesBaselineFacts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scenarios[0].BaselineFacts = &config.BaselineFacts{
		EstablishedFacts:  []string{"pre-authored fact"},
		AmbiguousElements: []string{"pre-authored ambiguity"},
		KeyQuestions:      []string{"pre-authored question"},
	}
	h := newHarness(t, cfg)
	h.register(t)

	require.NoError(t, h.claimAndExecute(t))

	trial, err := h.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialCompleted, trial.Status)

	layers, err := h.store.LayersFor(context.Background(), 1)
	require.NoError(t, err)
	require.NotEmpty(t, layers)
	assert.Equal(t, "baseline", layers[0].ModelID)
	assert.Equal(t, []string{"pre-authored fact"}, layers[0].Facts.EstablishedFacts)

	// Only reasoning and evaluation hit the model.
	assert.Equal(t, 2, h.client.CallCount("m1"))
}

func TestExecutorEvaluationOutcomesAreIndependent(t *testing.T) {
	cfg := testConfig(t)
	cfg.Strategies = []string{"likert", "binary"}
	h := newHarness(t, cfg)
	h.register(t)

	// Facts and reasoning parse; the first evaluation response is garbage,
	// the second falls through to a valid simulated response.
	h.client.RespondWith("m1", testFactsText)
	h.client.RespondWith("m1", testReasoningText)
	h.client.RespondWith("m1", "no structured block here")

	require.NoError(t, h.claimAndExecute(t))

	trial, err := h.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialCompleted, trial.Status, "one usable evaluation is enough to complete")

	evals, err := h.store.EvaluationsFor(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, evals, 2)
	byStrategy := map[string]domain.ParseStatus{}
	for _, ev := range evals {
		byStrategy[ev.StrategyID] = ev.ParseStatus
	}
	assert.Equal(t, domain.ParseFailure, byStrategy["likert"])
	assert.Equal(t, domain.ParseSuccess, byStrategy["binary"])
}

func TestExecutorFailsWhenNoEvaluationIsUsable(t *testing.T) {
	h := newHarness(t, testConfig(t))
	h.register(t)

	h.client.RespondWith("m1", testFactsText)
	h.client.RespondWith("m1", testReasoningText)
	h.client.RespondWith("m1", "still not json")

	require.NoError(t, h.claimAndExecute(t))

	trial, err := h.store.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.TrialFailed, trial.Status)
	assert.Equal(t, domain.StageEvaluation, trial.FailureStage)

	// The evaluation record and its raw capture survive the failure.
	evals, err := h.store.EvaluationsFor(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.False(t, evals[0].RawRef.IsZero())
}
