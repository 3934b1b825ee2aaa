package strategy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
)

// scoreEnvelope is the common JSON shape every built-in strategy asks
// evaluators to produce.
type scoreEnvelope struct {
	Scores []scoreEntry `json:"scores"`
}

// scoreEntry is one dimension's judgment as emitted by the evaluator.
// Numeric strategies fill Score; verdict strategies fill Verdict.
type scoreEntry struct {
	Dimension   string   `json:"dimension"`
	Score       *float64 `json:"score,omitempty"`
	Verdict     string   `json:"verdict,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// convertFunc maps one entry to a normalized score, or rejects it with a
// reason.
type convertFunc func(entry scoreEntry) (float64, string)

// parseScores is the shared parse core: extract a JSON block, repair it
// once, decode, and collect whichever expected dimensions survive. It
// implements the never-raise contract — every outcome is a ScoreSet value.
func parseScores(raw string, expected []string, convert convertFunc) domain.ScoreSet {
	block, found := extractJSONBlock(raw)
	if !found {
		return domain.ScoreSet{
			Status: domain.ParseFailure,
			Note:   "no structured block found in response",
		}
	}

	var envelope scoreEnvelope
	if err := json.Unmarshal([]byte(block), &envelope); err != nil {
		repaired := repairJSON(block)
		if err2 := json.Unmarshal([]byte(repaired), &envelope); err2 != nil {
			return domain.ScoreSet{
				Status: domain.ParseManualReview,
				Note:   fmt.Sprintf("structured block present but undecodable after repair: %v", err2),
			}
		}
	}

	want := make(map[string]struct{}, len(expected))
	for _, d := range expected {
		want[normalizeDimension(d)] = struct{}{}
	}

	var (
		dims     []domain.DimensionScore
		rejected []string
	)
	for _, entry := range envelope.Scores {
		name := normalizeDimension(entry.Dimension)
		if _, ok := want[name]; !ok {
			rejected = append(rejected, fmt.Sprintf("unexpected dimension %q", entry.Dimension))
			continue
		}
		score, reason := convert(entry)
		if reason != "" {
			rejected = append(rejected, fmt.Sprintf("%s: %s", name, reason))
			continue
		}
		dims = append(dims, domain.DimensionScore{
			Dimension:   name,
			Score:       score,
			Explanation: strings.TrimSpace(entry.Explanation),
			Examples:    entry.Examples,
		})
		delete(want, name)
	}

	switch {
	case len(dims) == len(expected):
		return domain.ScoreSet{Status: domain.ParseSuccess, Dimensions: dims}
	case len(dims) > 0:
		missing := make([]string, 0, len(want))
		for d := range want {
			missing = append(missing, d)
		}
		note := fmt.Sprintf("missing dimensions: %s", strings.Join(missing, ", "))
		if len(rejected) > 0 {
			note += "; " + strings.Join(rejected, "; ")
		}
		return domain.ScoreSet{Status: domain.ParsePartial, Dimensions: dims, Note: note}
	default:
		note := "structured block decoded but no expected dimensions found"
		if len(rejected) > 0 {
			note += ": " + strings.Join(rejected, "; ")
		}
		return domain.ScoreSet{Status: domain.ParseManualReview, Note: note}
	}
}

// normalizeDimension canonicalizes dimension names for matching: lower
// case, spaces and hyphens to underscores.
func normalizeDimension(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return name
}
