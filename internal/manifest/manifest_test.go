package manifest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/store"
)

func seedStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ctx := context.Background()

	specs := make([]domain.TrialSpec, 0, 4)
	for id := int64(1); id <= 4; id++ {
		specs = append(specs, domain.TrialSpec{
			ID: id, ScenarioID: "s", ConstitutionID: "c", ModelID: "m",
		})
	}
	require.NoError(t, st.Register(ctx, specs))

	// Trial 1 completes.
	_, err = st.Claim(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, st.Complete(ctx, 1))

	// Trial 2 exhausts its facts retries.
	_, err = st.Claim(ctx, 2)
	require.NoError(t, err)
	_, err = st.Fail(ctx, 2, domain.StageFacts, "provider down", 0, 0)
	require.NoError(t, err)

	// Trial 3 is held for manual review at the reasoning stage.
	_, err = st.Claim(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, st.RecordLayer(ctx, &domain.LayerRecord{
		ID:          uuid.NewString(),
		TrialID:     3,
		Stage:       domain.StageReasoning,
		ModelID:     "m",
		RawRef:      domain.ArtifactRef{Key: "t3-raw", Size: 9, Kind: domain.ArtifactRawResponse},
		ParseStatus: domain.ParseManualReview,
		CreatedAt:   time.Now().UTC(),
	}))
	require.NoError(t, st.FailTerminal(ctx, 3, domain.StageReasoning, "malformed output"))

	// Trial 4 stays pending.
	return st
}

func TestBuildAggregatesLedger(t *testing.T) {
	st := seedStore(t)

	m, err := Build(context.Background(), st, "run-x")
	require.NoError(t, err)

	assert.Equal(t, "run-x", m.RunID)
	assert.Equal(t, int64(4), m.TotalTrials)
	assert.Equal(t, int64(1), m.Completed)
	assert.Equal(t, int64(2), m.Failed)
	assert.Equal(t, int64(1), m.Pending)
	assert.Zero(t, m.InProgress)

	assert.Equal(t, int64(1), m.FailuresByStage[domain.StageFacts])
	assert.Equal(t, int64(1), m.FailuresByStage[domain.StageReasoning])
	assert.Equal(t, int64(1), m.RetriesByStage[domain.StageFacts])
	assert.Zero(t, m.RetriesByStage[domain.StageEvaluation])

	require.Len(t, m.ManualReview, 1)
	assert.Equal(t, int64(3), m.ManualReview[0].TrialID)
	assert.Equal(t, "t3-raw", m.ManualReview[0].RawRef.Key)
}

func TestWriteFileProducesValidJSON(t *testing.T) {
	st := seedStore(t)
	path := filepath.Join(t.TempDir(), "out", "manifest.json")

	m, err := WriteFile(context.Background(), st, "run-x", path)
	require.NoError(t, err)
	require.NotNil(t, m)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded domain.RunManifest
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, m.TotalTrials, decoded.TotalTrials)
	assert.Equal(t, m.Completed, decoded.Completed)
	assert.Len(t, decoded.ManualReview, 1)
}
