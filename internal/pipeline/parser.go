// Package pipeline drives one trial through the three-stage state machine:
// fact extraction, constitution-conditioned reasoning, and multi-rubric
// evaluation. The executor owns the run's central reliability invariant —
// every external call's raw response is durably captured before any parse
// attempt — and converts every failure into a classified outcome before it
// reaches the trial ledger.
package pipeline

import (
	"strings"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/llm"
)

// Section headers the stage parsers recognize. Models are prompted to use
// exactly these, but parsing tolerates case differences and surrounding
// prose.
const (
	headerFacts          = "FACTS:"
	headerAmbiguities    = "AMBIGUITIES:"
	headerKeyQuestions   = "KEY QUESTIONS:"
	headerReasoning      = "REASONING:"
	headerRecommendation = "RECOMMENDATION:"
	headerAppliedValues  = "APPLIED VALUES:"
	headerTradeoffs      = "TRADEOFFS:"
)

// parsedFacts is the outcome of parsing a fact-extraction response.
type parsedFacts struct {
	Status domain.ParseStatus
	Facts  *domain.FactsExtract
	Note   string
}

// parseFactsResponse extracts the three stage-1 sections. Established facts
// are mandatory; a response missing the other sections is partial, and a
// response with no recognizable section is a parse failure. Never errors:
// outcomes are values.
func parseFactsResponse(raw string) parsedFacts {
	sections := splitSections(raw, []string{headerFacts, headerAmbiguities, headerKeyQuestions})

	facts := &domain.FactsExtract{
		EstablishedFacts:  bullets(sections[headerFacts]),
		AmbiguousElements: bullets(sections[headerAmbiguities]),
		KeyQuestions:      bullets(sections[headerKeyQuestions]),
	}

	switch {
	case len(facts.EstablishedFacts) == 0 && len(facts.AmbiguousElements) == 0 && len(facts.KeyQuestions) == 0:
		return parsedFacts{Status: domain.ParseFailure, Note: "no recognizable sections in fact-extraction response"}
	case len(facts.EstablishedFacts) == 0:
		return parsedFacts{Status: domain.ParseManualReview, Facts: facts, Note: "established facts section missing or empty"}
	case len(facts.AmbiguousElements) == 0 || len(facts.KeyQuestions) == 0:
		return parsedFacts{Status: domain.ParsePartial, Facts: facts, Note: "one or more secondary sections missing"}
	default:
		return parsedFacts{Status: domain.ParseSuccess, Facts: facts}
	}
}

// parsedReasoning is the outcome of parsing a reasoning response.
type parsedReasoning struct {
	Status    domain.ParseStatus
	Reasoning *domain.ReasoningOutput
	Note      string
}

// parseReasoningResponse extracts the stage-2 sections. Narrative and
// recommendation are mandatory; applied values and tradeoffs degrade to
// partial when absent.
func parseReasoningResponse(raw string) parsedReasoning {
	sections := splitSections(raw, []string{headerReasoning, headerRecommendation, headerAppliedValues, headerTradeoffs})

	out := &domain.ReasoningOutput{
		Narrative:      strings.TrimSpace(sections[headerReasoning]),
		Recommendation: strings.TrimSpace(sections[headerRecommendation]),
		AppliedValues:  bullets(sections[headerAppliedValues]),
		Tradeoffs:      bullets(sections[headerTradeoffs]),
	}

	// A response that ignored the section format entirely still carries
	// the model's reasoning; keep it addressable for manual review.
	if out.Narrative == "" && out.Recommendation == "" {
		if strings.TrimSpace(raw) == "" {
			return parsedReasoning{Status: domain.ParseFailure, Note: "empty reasoning response"}
		}
		out.Narrative = strings.TrimSpace(raw)
		return parsedReasoning{Status: domain.ParseManualReview, Reasoning: out, Note: "response did not follow the section format"}
	}

	switch {
	case out.Narrative == "" || out.Recommendation == "":
		return parsedReasoning{Status: domain.ParseManualReview, Reasoning: out, Note: "reasoning or recommendation section missing"}
	case len(out.AppliedValues) == 0 || len(out.Tradeoffs) == 0:
		return parsedReasoning{Status: domain.ParsePartial, Reasoning: out, Note: "applied values or tradeoffs section missing"}
	default:
		return parsedReasoning{Status: domain.ParseSuccess, Reasoning: out}
	}
}

// splitSections carves raw text into header-delimited sections. Headers
// match case-insensitively at line starts; text before the first header is
// ignored.
func splitSections(raw string, headers []string) map[string]string {
	type mark struct {
		header string
		start  int // content start offset
		pos    int // header position, for ordering
	}

	upper := strings.ToUpper(raw)
	var marks []mark
	for _, h := range headers {
		idx := indexAtLineStart(upper, h)
		if idx < 0 {
			continue
		}
		marks = append(marks, mark{header: h, start: idx + len(h), pos: idx})
	}

	sections := make(map[string]string, len(headers))
	for _, m := range marks {
		end := len(raw)
		for _, other := range marks {
			if other.pos > m.pos && other.pos < end {
				end = other.pos
			}
		}
		sections[m.header] = raw[m.start:end]
	}
	return sections
}

// indexAtLineStart finds a header occurring at the start of a line.
func indexAtLineStart(upper, header string) int {
	offset := 0
	for {
		idx := strings.Index(upper[offset:], header)
		if idx < 0 {
			return -1
		}
		abs := offset + idx
		if abs == 0 || upper[abs-1] == '\n' {
			return abs
		}
		offset = abs + len(header)
	}
}

// bullets extracts list items from a section body: lines starting with
// "-", "*", or "N." markers, or bare non-empty lines.
func bullets(body string) []string {
	var items []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		line = trimOrdinal(line)
		line = strings.TrimSpace(line)
		if line != "" {
			items = append(items, line)
		}
	}
	return items
}

// trimOrdinal strips a leading "1." / "12)" style list marker.
func trimOrdinal(line string) string {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return line[i+1:]
	}
	return line
}

// looksTruncated reports whether a response appears cut off: the provider
// said so, or the text ends inside an unterminated fenced or brace block.
// Truncated responses get exactly one retry with a larger output budget
// before being classified as hard failures.
func looksTruncated(resp *llm.Response) bool {
	if resp.FinishReason == llm.FinishLength {
		return true
	}
	text := resp.RawText

	if strings.Count(text, "```")%2 == 1 {
		return true
	}

	opens := strings.Count(text, "{")
	closes := strings.Count(text, "}")
	return opens > closes
}
