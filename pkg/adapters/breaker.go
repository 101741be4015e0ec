package adapters

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/octavolabs/octavo/pkg/fault"
)

// newBreaker builds the shared breaker settings for model-facing
// adapters: trip after five consecutive failures, probe again after 30
// seconds.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
}

// breakerErr maps breaker rejections onto the transient kind so the
// retry layer treats an open circuit like any other outage.
func breakerErr(op string, err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fault.Wrap(fault.ExternalUnavailable, op, err)
	}
	return err
}

type breakerLM struct {
	inner LanguageModel
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker guards a language model behind a circuit breaker so a
// hard-down provider fails fast instead of eating every pass timeout.
func WithBreaker(inner LanguageModel, name string) LanguageModel {
	return &breakerLM{inner: inner, cb: newBreaker(name)}
}

func (b *breakerLM) Complete(ctx context.Context, prompt string, cfg CompletionConfig) (string, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.Complete(ctx, prompt, cfg)
	})
	if err != nil {
		return "", breakerErr("llm.complete", err)
	}
	return out.(string), nil
}

type breakerEmbedder struct {
	inner EmbeddingModel
	cb    *gobreaker.CircuitBreaker
}

// WithEmbedBreaker guards an embedding model behind a circuit breaker.
func WithEmbedBreaker(inner EmbeddingModel, name string) EmbeddingModel {
	return &breakerEmbedder{inner: inner, cb: newBreaker(name)}
}

func (b *breakerEmbedder) ID() string { return b.inner.ID() }

func (b *breakerEmbedder) Embed(ctx context.Context, batch []string) ([][]float32, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.Embed(ctx, batch)
	})
	if err != nil {
		return nil, breakerErr("embed.batch", err)
	}
	return out.([][]float32), nil
}
