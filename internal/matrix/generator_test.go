package matrix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
)

func matrixConfig() *config.Config {
	cfg := config.Default()
	cfg.Scenarios = []config.Scenario{
		{ID: "s1", Description: "d", DecisionPoint: "p"},
		{ID: "s2", Description: "d", DecisionPoint: "p"},
	}
	cfg.Constitutions = []config.Constitution{
		{ID: "c1", Description: "v"},
		{ID: "c2", Description: "v"},
	}
	cfg.Models = []config.Model{
		{ID: "m1", Provider: "simulated", MaxTokens: 1},
	}
	return &cfg
}

func TestGenerateDeterministicIDs(t *testing.T) {
	cfg := matrixConfig()

	first, err := Generate(cfg)
	require.NoError(t, err)
	second, err := Generate(cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second, "same config must reproduce the same matrix")

	require.Len(t, first, 4)
	assert.Equal(t, domain.TrialSpec{ID: 1, ScenarioID: "s1", ConstitutionID: "c1", ModelID: "m1"}, first[0])
	assert.Equal(t, domain.TrialSpec{ID: 2, ScenarioID: "s1", ConstitutionID: "c2", ModelID: "m1"}, first[1])
	assert.Equal(t, domain.TrialSpec{ID: 3, ScenarioID: "s2", ConstitutionID: "c1", ModelID: "m1"}, first[2])
	assert.Equal(t, domain.TrialSpec{ID: 4, ScenarioID: "s2", ConstitutionID: "c2", ModelID: "m1"}, first[3])
}

func TestGenerateEmptyMatrix(t *testing.T) {
	cfg := matrixConfig()
	cfg.Models = nil
	_, err := Generate(cfg)
	assert.ErrorIs(t, err, domain.ErrEmptyMatrix)
}

func TestSelectAll(t *testing.T) {
	cfg := matrixConfig()
	full, err := Generate(cfg)
	require.NoError(t, err)

	selected, err := Select(cfg, full, nil)
	require.NoError(t, err)
	assert.Equal(t, full, selected)
}

func TestSelectFailedPreservesIDs(t *testing.T) {
	cfg := matrixConfig()
	cfg.Selection.Mode = config.SelectFailed
	full, err := Generate(cfg)
	require.NoError(t, err)

	selected, err := Select(cfg, full, []int64{4, 2})
	require.NoError(t, err)
	require.Len(t, selected, 2)
	// Matrix order, original IDs.
	assert.Equal(t, int64(2), selected[0].ID)
	assert.Equal(t, int64(4), selected[1].ID)
	assert.Equal(t, "s1", selected[0].ScenarioID)
	assert.Equal(t, "s2", selected[1].ScenarioID)
}

func TestSelectIDsRejectsUnknown(t *testing.T) {
	cfg := matrixConfig()
	cfg.Selection.Mode = config.SelectIDs
	cfg.Selection.IDs = []int64{2, 17}
	full, err := Generate(cfg)
	require.NoError(t, err)

	_, err = Select(cfg, full, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "17")
}

func TestSelectFailedWithNothingFailed(t *testing.T) {
	cfg := matrixConfig()
	cfg.Selection.Mode = config.SelectFailed
	full, err := Generate(cfg)
	require.NoError(t, err)

	_, err = Select(cfg, full, nil)
	assert.ErrorIs(t, err, domain.ErrEmptyMatrix)
}
