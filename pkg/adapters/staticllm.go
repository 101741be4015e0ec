package adapters

import (
	"context"
	"sync"

	"github.com/octavolabs/octavo/pkg/fault"
)

// StaticLM is a canned language model for tests and dry runs. It returns
// Response after FailFirst transient failures, counting calls.
type StaticLM struct {
	Response  string
	Err       error
	FailFirst int

	mu    sync.Mutex
	calls int
}

func (s *StaticLM) Complete(ctx context.Context, prompt string, cfg CompletionConfig) (string, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", fault.Wrap(fault.Cancelled, "staticlm.complete", err)
	}
	if s.Err != nil {
		return "", s.Err
	}
	if n <= s.FailFirst {
		return "", fault.Newf(fault.ExternalUnavailable, "staticlm.complete",
			"scripted transient failure %d/%d", n, s.FailFirst)
	}
	return s.Response, nil
}

// Calls reports how many completions were requested.
func (s *StaticLM) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
