package llm

import (
	"context"
	"math"

	"golang.org/x/time/rate"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	llmerrors "github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/llm/errors"
)

// rateLimitedClient enforces a local token-bucket limit in front of a
// provider client, sized to that provider's published rate limits. Waiting
// respects the request context, so bounded invoke timeouts still hold.
type rateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
	name    string
}

// WithRateLimit wraps a client with a per-provider token bucket. A nil
// limit returns the client unchanged.
func WithRateLimit(next Client, provider string, limit *config.ProviderLimit) Client {
	if limit == nil {
		return next
	}
	return &rateLimitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), limit.Burst),
		name:    provider,
	}
}

// Invoke waits for bucket capacity, then delegates. A wait that cannot
// complete within the context deadline surfaces as a local rate limit error
// with retry guidance rather than a bare context error.
func (c *rateLimitedClient) Invoke(ctx context.Context, req Request) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		// Reserve without consuming to estimate the delay a caller should
		// honor before trying again.
		res := c.limiter.Reserve()
		delay := res.Delay()
		res.Cancel()

		retryAfter := int(math.Ceil(delay.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return nil, &llmerrors.RateLimitError{
			Provider:   c.name,
			RetryAfter: retryAfter,
			LocalLimit: true,
		}
	}
	return c.next.Invoke(ctx, req)
}
