package scheduler

import (
	"context"
	"sync"
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
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/matrix"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/pipeline"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/store"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/strategy"
)

func schedConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.RunID = "sched-test"
	cfg.DataDir = t.TempDir()
	cfg.DBPath = ":memory:"
	cfg.Scenarios = []config.Scenario{{ID: "s1", Description: "d", DecisionPoint: "p"}}
	cfg.Constitutions = []config.Constitution{{ID: "c1", Description: "values"}}
	cfg.Models = []config.Model{
		{ID: "m1", Provider: "simulated", MaxTokens: 256},
		{ID: "m2", Provider: "simulated", MaxTokens: 256},
	}
	cfg.Evaluators = []string{"m1"}
	cfg.Strategies = []string{"likert"}
	cfg.Retry = config.RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      1.0,
	}
	cfg.Concurrency = config.ConcurrencyConfig{Workers: 2}
	cfg.Liveness = config.LivenessConfig{HeartbeatInterval: 0, ClaimTimeout: time.Hour}
	cfg.InvokeTimeout = time.Second
	return &cfg
}

type schedHarness struct {
	cfg    *config.Config
	store  *store.SQLiteStore
	client *llm.ScriptedClient
	sched  *Scheduler
}

func newSchedHarness(t *testing.T, cfg *config.Config) *schedHarness {
	t.Helper()
	st, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	client := llm.NewScriptedClient()
	catalog, err := llm.NewCatalog(
		map[string]string{"m1": "simulated", "m2": "simulated"},
		map[string]llm.Client{"simulated": client},
	)
	require.NoError(t, err)

	strategies, err := strategy.New(cfg.Strategies)
	require.NoError(t, err)
	exec := pipeline.NewExecutor(cfg, st, artifact.NewMemoryStore(), client, strategies, nil, zap.NewNop())

	specs, err := matrix.Generate(cfg)
	require.NoError(t, err)
	require.NoError(t, st.Register(context.Background(), specs))

	return &schedHarness{
		cfg:    cfg,
		store:  st,
		client: client,
		sched:  New(cfg, st, exec, catalog, nil, zap.NewNop()),
	}
}

func (h *schedHarness) statuses(t *testing.T) map[domain.TrialStatus]int {
	t.Helper()
	trials, err := h.store.Trials(context.Background())
	require.NoError(t, err)
	counts := make(map[domain.TrialStatus]int)
	for _, trial := range trials {
		counts[trial.Status]++
	}
	return counts
}

func TestSchedulerDrainsMatrix(t *testing.T) {
	h := newSchedHarness(t, schedConfig(t))

	require.NoError(t, h.sched.Run(context.Background()))

	counts := h.statuses(t)
	assert.Equal(t, 2, counts[domain.TrialCompleted])
	assert.Zero(t, counts[domain.TrialPending])
	assert.Zero(t, counts[domain.TrialInProgress])
}

func TestSchedulerRetriesTransientFailuresToCompletion(t *testing.T) {
	h := newSchedHarness(t, schedConfig(t))

	// Only the m2 trial calls m2, so both failures land on its fact
	// extraction; the m1 trial must come through untouched.
	boom := &llmerrors.ProviderError{Provider: "simulated", StatusCode: 500, Message: "blip"}
	h.client.FailWith("m2", boom)
	h.client.FailWith("m2", boom)

	require.NoError(t, h.sched.Run(context.Background()))

	trials, err := h.store.Trials(context.Background())
	require.NoError(t, err)
	require.Len(t, trials, 2)
	for _, trial := range trials {
		assert.Equal(t, domain.TrialCompleted, trial.Status, "trial %d", trial.ID)
		wantFacts := 0
		if trial.ModelID == "m2" {
			wantFacts = 2
		}
		assert.Equal(t, wantFacts, trial.FactsRetries, "trial %d facts retries", trial.ID)
		assert.Zero(t, trial.ReasoningRetries, "trial %d reasoning retries", trial.ID)
		assert.Zero(t, trial.EvaluationRetries, "trial %d evaluation retries", trial.ID)
	}
}

func TestSchedulerStopLeavesPendingTrials(t *testing.T) {
	h := newSchedHarness(t, schedConfig(t))
	h.sched.Stop()

	require.NoError(t, h.sched.Run(context.Background()))

	counts := h.statuses(t)
	assert.Equal(t, 2, counts[domain.TrialPending])
	assert.Zero(t, h.client.CallCount("m1"))
}

func TestSchedulerAbortsRunOnFatalError(t *testing.T) {
	h := newSchedHarness(t, schedConfig(t))
	h.client.FailWith("m1", &llmerrors.ConfigError{Field: "api_key", Message: "revoked"})
	h.client.FailWith("m2", &llmerrors.ConfigError{Field: "api_key", Message: "revoked"})

	err := h.sched.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, llmerrors.KindFatal, llmerrors.KindOf(err))
}

func TestSchedulerRecoversStaleClaims(t *testing.T) {
	cfg := schedConfig(t)
	cfg.Liveness.ClaimTimeout = time.Millisecond
	h := newSchedHarness(t, cfg)

	// Simulate a worker that died holding a claim.
	_, err := h.store.Claim(context.Background(), 1)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, h.sched.Run(context.Background()))

	counts := h.statuses(t)
	assert.Equal(t, 2, counts[domain.TrialCompleted])
}

func TestTwoSchedulersShareOneLedgerExactlyOnce(t *testing.T) {
	h := newSchedHarness(t, schedConfig(t))

	// A second scheduler over the same store and executor contends for the
	// same claims.
	second := New(h.cfg, h.store, h.sched.executor, h.sched.providers, nil, zap.NewNop())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, s := range []*Scheduler{h.sched, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Run(context.Background())
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	counts := h.statuses(t)
	assert.Equal(t, 2, counts[domain.TrialCompleted])

	// Exactly one execution per trial: three calls each (facts, reasoning,
	// one evaluation).
	assert.Equal(t, 6, len(h.client.Calls()))
}

func TestInterleaveAlternatesProviders(t *testing.T) {
	providerFor := func(model string) string {
		if model == "a1" || model == "a2" {
			return "alpha"
		}
		return "beta"
	}
	trials := []domain.Trial{
		{TrialSpec: domain.TrialSpec{ID: 1, ModelID: "a1"}},
		{TrialSpec: domain.TrialSpec{ID: 2, ModelID: "a2"}},
		{TrialSpec: domain.TrialSpec{ID: 3, ModelID: "b1"}},
		{TrialSpec: domain.TrialSpec{ID: 4, ModelID: "b2"}},
	}

	out := interleave(trials, providerFor)

	ids := make([]int64, len(out))
	for i, trial := range out {
		ids[i] = trial.ID
	}
	assert.Equal(t, []int64{1, 3, 2, 4}, ids)
}

func TestInterleaveSingleProviderKeepsOrder(t *testing.T) {
	trials := []domain.Trial{
		{TrialSpec: domain.TrialSpec{ID: 1, ModelID: "m"}},
		{TrialSpec: domain.TrialSpec{ID: 2, ModelID: "m"}},
	}
	out := interleave(trials, func(string) string { return "p" })
	assert.Equal(t, int64(1), out[0].ID)
	assert.Equal(t, int64(2), out[1].ID)
}
