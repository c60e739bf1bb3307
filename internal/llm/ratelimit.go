// internal/llm/ratelimit.go
package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// rateLimited 限制对上游的调用频率
type rateLimited struct {
	Provider
	limiter *rate.Limiter
}

// WithRateLimit 每 interval 最多放行一次调用，interval<=0 时原样返回
func WithRateLimit(p Provider, interval time.Duration) Provider {
	if interval <= 0 {
		return p
	}
	return &rateLimited{Provider: p, limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (r *rateLimited) Complete(ctx context.Context, model string, messages []Message, opts CompletionOptions) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.Provider.Complete(ctx, model, messages, opts)
}
