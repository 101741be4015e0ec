package adapters

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/octavolabs/octavo/pkg/fault"
)

type limitedLM struct {
	inner LanguageModel
	lim   *rate.Limiter
}

// WithRateLimit paces language-model calls with a token bucket so batch
// ingests stay under provider rate limits instead of tripping them.
func WithRateLimit(inner LanguageModel, perSecond float64, burst int) LanguageModel {
	return &limitedLM{inner: inner, lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *limitedLM) Complete(ctx context.Context, prompt string, cfg CompletionConfig) (string, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return "", fault.Wrap(fault.Cancelled, "llm.ratelimit", err)
	}
	return l.inner.Complete(ctx, prompt, cfg)
}

type limitedEmbedder struct {
	inner EmbeddingModel
	lim   *rate.Limiter
}

// WithEmbedRateLimit paces embedding batches with a token bucket.
func WithEmbedRateLimit(inner EmbeddingModel, perSecond float64, burst int) EmbeddingModel {
	return &limitedEmbedder{inner: inner, lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *limitedEmbedder) ID() string { return l.inner.ID() }

func (l *limitedEmbedder) Embed(ctx context.Context, batch []string) ([][]float32, error) {
	if err := l.lim.Wait(ctx); err != nil {
		return nil, fault.Wrap(fault.Cancelled, "embed.ratelimit", err)
	}
	return l.inner.Embed(ctx, batch)
}
