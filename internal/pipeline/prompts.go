package pipeline

import (
	"fmt"
	"strings"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
)

// renderFactsPrompt builds the stage-1 prompt: extract what is established,
// ambiguous, and unresolved in a scenario, with no ethical judgment.
func renderFactsPrompt(scenario config.Scenario) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are a careful analyst. Read the scenario below and extract its factual structure. Do not reason about what should be done; only separate what is known from what is not.

Scenario:
%s

Decision point:
%s

Respond using exactly these sections:

FACTS:
- one established fact per line

AMBIGUITIES:
- one genuinely ambiguous or contested element per line

KEY QUESTIONS:
- one unresolved question per line that would change the decision if answered
`,
		strings.TrimSpace(scenario.Description),
		strings.TrimSpace(scenario.DecisionPoint),
	)
	return b.String()
}

// renderReasoningPrompt builds the stage-2 prompt: reason about the decision
// point under a specific value framework, grounded in the stage-1 facts.
func renderReasoningPrompt(constitution config.Constitution, scenario config.Scenario, facts *domain.FactsExtract) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You must reason about a decision while committed to the value framework below. Apply the framework honestly, name the values you are using, and acknowledge what your recommendation gives up.

Value framework (%s):
%s

Scenario:
%s

Decision point:
%s

Established facts:
%s

Ambiguous elements:
%s

Key questions:
%s

Respond using exactly these sections:

REASONING:
your step-by-step reasoning, grounded only in the established facts above

RECOMMENDATION:
a single concrete recommendation

APPLIED VALUES:
- each framework value you relied on, one per line

TRADEOFFS:
- each cost or risk your recommendation accepts, one per line
`,
		constitution.Name,
		strings.TrimSpace(constitution.Description),
		strings.TrimSpace(scenario.Description),
		strings.TrimSpace(scenario.DecisionPoint),
		promptList(facts.EstablishedFacts),
		promptList(facts.AmbiguousElements),
		promptList(facts.KeyQuestions),
	)
	return b.String()
}

// promptList renders items as a dash list, or a placeholder when empty so
// the prompt never contains a dangling header.
func promptList(items []string) string {
	if len(items) == 0 {
		return "- none identified"
	}
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(item)
	}
	return b.String()
}
