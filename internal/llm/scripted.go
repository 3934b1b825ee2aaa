package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Outcome is one pre-programmed result for a ScriptedClient.
type Outcome struct {
	Resp *Response
	Err  error
}

// ScriptedClient returns queued outcomes per model, in order, falling back
// to simulated responses once a model's queue drains. It records every
// request, so tests can assert on call counts and prompt content. Safe for
// concurrent use.
type ScriptedClient struct {
	mu     sync.Mutex
	queues map[string][]Outcome
	calls  []Request
}

// NewScriptedClient creates an empty scripted client.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{queues: make(map[string][]Outcome)}
}

// Enqueue appends one outcome to a model's queue.
func (c *ScriptedClient) Enqueue(model string, outcome Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues[model] = append(c.queues[model], outcome)
}

// RespondWith queues a normal completion for a model.
func (c *ScriptedClient) RespondWith(model, text string) {
	c.Enqueue(model, Outcome{Resp: &Response{RawText: text, FinishReason: FinishStop}})
}

// RespondTruncated queues a length-limited completion for a model.
func (c *ScriptedClient) RespondTruncated(model, text string) {
	c.Enqueue(model, Outcome{Resp: &Response{RawText: text, FinishReason: FinishLength}})
}

// FailWith queues an error for a model.
func (c *ScriptedClient) FailWith(model string, err error) {
	c.Enqueue(model, Outcome{Err: err})
}

// Invoke implements Client.
func (c *ScriptedClient) Invoke(_ context.Context, req Request) (*Response, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	queue := c.queues[req.Model]
	var next *Outcome
	if len(queue) > 0 {
		next = &queue[0]
		c.queues[req.Model] = queue[1:]
	}
	c.mu.Unlock()

	if next == nil {
		return simulate(req), nil
	}
	if next.Err != nil {
		return nil, next.Err
	}
	return next.Resp, nil
}

// Calls returns a copy of every recorded request, in order.
func (c *ScriptedClient) Calls() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.calls...)
}

// CallCount reports how many requests a model received.
func (c *ScriptedClient) CallCount(model string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Model == model {
			n++
		}
	}
	return n
}

// The simulated provider answers every prompt with deterministic,
// well-formed output matching the engine's stage formats. It exists for
// dry runs and local development: the whole pipeline can execute without
// credentials or network access.
func init() {
	Register("simulated", func(map[string]string) (Client, error) {
		return ClientFunc(func(_ context.Context, req Request) (*Response, error) {
			return simulate(req), nil
		}), nil
	})
}

// simulate fabricates a plausible response by recognizing which stage's
// prompt it was handed.
func simulate(req Request) *Response {
	var text string
	switch {
	case strings.Contains(req.Prompt, `"scores"`):
		text = simulateEvaluation(req.Prompt)
	case strings.Contains(req.Prompt, "REASONING:"):
		text = simulatedReasoning
	default:
		text = simulatedFacts
	}
	return &Response{
		RawText:      text,
		FinishReason: FinishStop,
		Usage: Usage{
			PromptTokens:     len(req.Prompt) / 4,
			CompletionTokens: len(text) / 4,
		},
	}
}

const simulatedFacts = `FACTS:
- The scenario describes a decision with at least two stakeholders.
- Resources available to the decision maker are limited.
- The outcome of the decision cannot be fully undone once taken.

AMBIGUITIES:
- The long-term consequences for each stakeholder are uncertain.

KEY QUESTIONS:
- Which stakeholder bears the largest irreversible cost?
`

const simulatedReasoning = `REASONING:
Starting from the established facts, the decision turns on which option
preserves the most options for the affected parties. The framework directs
attention to the least advantaged stakeholder, so the analysis weighs
irreversible harms above efficiency gains.

RECOMMENDATION:
Choose the option that avoids irreversible harm to the most exposed
stakeholder, accepting the efficiency cost.

APPLIED VALUES:
- protection of the most vulnerable
- reversibility of outcomes

TRADEOFFS:
- forgoes the higher-efficiency option
- delays resolution for the remaining stakeholders
`

// simulateEvaluation echoes back every requested dimension with a fixed
// mid-high judgment, matching the strategy envelope.
func simulateEvaluation(prompt string) string {
	dims := promptDimensions(prompt)
	if len(dims) == 0 {
		dims = []string{"overall"}
	}

	var b strings.Builder
	b.WriteString(`{"scores": [`)
	for i, d := range dims {
		if i > 0 {
			b.WriteString(", ")
		}
		if strings.Contains(prompt, `"pass|partial|fail"`) || strings.Contains(prompt, `"pass|fail"`) {
			fmt.Fprintf(&b, `{"dimension": %q, "verdict": "pass", "explanation": "the reasoning addresses this dimension", "examples": ["simulated"]}`, d)
		} else {
			fmt.Fprintf(&b, `{"dimension": %q, "score": 80, "explanation": "the reasoning addresses this dimension", "examples": ["simulated"]}`, d)
		}
	}
	b.WriteString(`]}`)
	return b.String()
}

// promptDimensions pulls the dimension bullet list out of an evaluation
// prompt.
func promptDimensions(prompt string) []string {
	idx := strings.Index(prompt, "Dimensions:")
	if idx < 0 {
		return nil
	}
	var dims []string
	for _, line := range strings.Split(prompt[idx:], "\n")[1:] {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			break
		}
		dims = append(dims, strings.TrimPrefix(line, "- "))
	}
	return dims
}
