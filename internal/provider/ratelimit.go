package provider

import (
	"context"

	"golang.org/x/time/rate"

	"marketgate/models"
)

// RateLimited wraps a provider with a token bucket so no upstream sees
// more traffic than its quota allows. Fetch blocks until a token is
// available or the context ends; all other methods pass through.
type RateLimited struct {
	inner   Provider
	limiter *rate.Limiter
}

// WithRateLimit wraps p at ratePerSec requests per second with the given
// burst. Non-positive values disable the wrapper and return p unchanged.
func WithRateLimit(p Provider, ratePerSec float64, burst int) Provider {
	if ratePerSec <= 0 || burst <= 0 {
		return p
	}
	return &RateLimited{
		inner:   p,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
	}
}

func (r *RateLimited) Name() string { return r.inner.Name() }

func (r *RateLimited) Connect(ctx context.Context) error { return r.inner.Connect(ctx) }

func (r *RateLimited) Disconnect() error { return r.inner.Disconnect() }

func (r *RateLimited) Fetch(ctx context.Context, req *models.DataRequest) (*models.DataResponse, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.inner.Fetch(ctx, req)
}

func (r *RateLimited) HealthCheck(ctx context.Context) models.HealthStatus {
	return r.inner.HealthCheck(ctx)
}
