// Package llm defines the abstract model-client boundary the pipeline
// depends on. The engine never speaks HTTP itself: concrete provider
// bindings register factories here, and everything above sees only
// Invoke(ctx, Request) with a typed error taxonomy.
package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	llmerrors "github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/llm/errors"
)

// FinishReason explains why the model stopped generating.
type FinishReason string

const (
	// FinishStop indicates natural completion.
	FinishStop FinishReason = "stop"

	// FinishLength indicates the output-length ceiling was hit; the
	// response is likely truncated and eligible for one enlarged retry.
	FinishLength FinishReason = "length"

	// FinishUnknown indicates the provider reported nothing useful.
	FinishUnknown FinishReason = "unknown"
)

// Request is a normalized single-prompt completion request.
type Request struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// Usage reports token consumption for a completed call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is a normalized provider response. RawText is the verbatim model
// output; callers persist it before any parsing is attempted.
type Response struct {
	RawText      string       `json:"raw_text"`
	FinishReason FinishReason `json:"finish_reason"`
	Usage        Usage        `json:"usage"`
}

// Client is the capability the pipeline depends on. Implementations must
// return either a Response or an error classifiable by llmerrors.KindOf;
// they must never both receive a usable response and return an error.
type Client interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Invoke implements Client.
func (f ClientFunc) Invoke(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Factory constructs a Client for one provider from its options map.
// Concrete HTTP bindings live outside this module and register themselves
// at init time, the same way database/sql drivers do.
type Factory func(opts map[string]string) (Client, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a provider factory available under a name. Registering a
// duplicate name panics: it is always a wiring bug.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("llm: Register called twice for provider %q", name))
	}
	factories[name] = factory
}

// Open constructs a client for a registered provider.
func Open(name string, opts map[string]string) (Client, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (registered: %v)",
			llmerrors.ErrUnknownProvider, name, registeredNames())
	}
	return factory(opts)
}

func registeredNames() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
