// Package strategy implements the pluggable rubric contract: each strategy
// owns one rubric format's prompt template and parser. Adding a rubric
// format means adding an implementation here; shared code never branches on
// a strategy type tag. Parsers return values for every input — unrecoverable
// text becomes a failure-status ScoreSet carrying a note, never a panic.
package strategy

import (
	"fmt"
	"sort"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
)

// EvalContext carries everything a strategy needs to render its prompt:
// the scenario under judgment, the stage-1 facts, and the stage-2 reasoning
// being evaluated.
type EvalContext struct {
	ScenarioDescription string
	DecisionPoint       string
	Facts               domain.FactsExtract
	Reasoning           domain.ReasoningOutput
}

// Strategy is one rubric format. Implementations must be stateless and
// safe for concurrent use; Parse must never panic or return an error —
// parse outcomes are values.
type Strategy interface {
	// ID returns the stable strategy identifier used in configuration and
	// evaluation records.
	ID() string

	// Dimensions returns the rubric dimensions this strategy scores.
	Dimensions() []string

	// RenderPrompt produces the evaluator prompt for one trial.
	RenderPrompt(ec EvalContext) string

	// Parse extracts scores from a raw evaluator response. The returned
	// set's Status reflects how much was recoverable; raw text retention
	// is the caller's job and has already happened.
	Parse(raw string) domain.ScoreSet
}

// DefaultDimensions is the integrity rubric shared by the built-in
// strategies: how faithfully the reasoning handled facts, values, logic,
// and tradeoffs.
var DefaultDimensions = []string{
	"factual_adherence",
	"value_transparency",
	"logical_coherence",
	"tradeoff_acknowledgment",
}

// Registry of built-in strategy constructors.
var builtins = map[string]func() Strategy{
	"likert":  func() Strategy { return NewLikert(DefaultDimensions) },
	"binary":  func() Strategy { return NewBinary(DefaultDimensions) },
	"ternary": func() Strategy { return NewTernary(DefaultDimensions) },
}

// New resolves configured strategy IDs to implementations, in the order
// given.
func New(ids []string) ([]Strategy, error) {
	strategies := make([]Strategy, 0, len(ids))
	for _, id := range ids {
		ctor, ok := builtins[id]
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q (known: %v)", id, Known())
		}
		strategies = append(strategies, ctor())
	}
	return strategies, nil
}

// Known returns the registered strategy IDs in stable order.
func Known() []string {
	ids := make([]string, 0, len(builtins))
	for id := range builtins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
