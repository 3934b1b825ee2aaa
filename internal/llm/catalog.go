package llm

import (
	"context"
	"fmt"
	"sort"

	llmerrors "github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/llm/errors"
)

// Catalog resolves model IDs to their provider and routes each request to
// that provider's client. The scheduler also consults it when interleaving
// batches across providers.
type Catalog struct {
	providerOf map[string]string // model ID -> provider name
	clients    map[string]Client // provider name -> client
}

// NewCatalog builds a catalog from model→provider assignments and one
// client per provider. Every referenced provider must have a client.
func NewCatalog(providerOf map[string]string, clients map[string]Client) (*Catalog, error) {
	for model, provider := range providerOf {
		if _, ok := clients[provider]; !ok {
			return nil, &llmerrors.ConfigError{
				Field:   "models",
				Message: fmt.Sprintf("model %q references provider %q with no client", model, provider),
			}
		}
	}
	return &Catalog{providerOf: providerOf, clients: clients}, nil
}

// ProviderOf returns the provider name for a model ID.
func (c *Catalog) ProviderOf(model string) (string, error) {
	provider, ok := c.providerOf[model]
	if !ok {
		return "", fmt.Errorf("%w: %s", llmerrors.ErrUnknownModel, model)
	}
	return provider, nil
}

// Providers returns the distinct provider names in stable order.
func (c *Catalog) Providers() []string {
	names := make([]string, 0, len(c.clients))
	for name := range c.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke routes the request to the client for the model's provider.
func (c *Catalog) Invoke(ctx context.Context, req Request) (*Response, error) {
	provider, err := c.ProviderOf(req.Model)
	if err != nil {
		return nil, err
	}
	return c.clients[provider].Invoke(ctx, req)
}
