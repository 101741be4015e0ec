package observability_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/octavolabs/octavo/pkg/observability"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	ctx := context.Background()
	p, err := observability.New(ctx, &observability.Config{Enabled: false})
	require.NoError(t, err)

	done := p.JobAdmitted(ctx, "dev")
	done("SUCCEEDED")

	_, finish := p.TrackPass(ctx, "C", "job-1")
	finish(errors.New("boom"))

	assert.NoError(t, p.Shutdown(ctx))
	assert.NotNil(t, p.Tracer())
}

func TestNilProviderIsSafe(t *testing.T) {
	var p *observability.Provider
	done := p.JobAdmitted(context.Background(), "dev")
	done("FAILED")
	_, finish := p.TrackPass(context.Background(), "A", "j")
	finish(nil)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestDefaultConfigDisabled(t *testing.T) {
	cfg := observability.DefaultConfig()
	assert.False(t, cfg.Enabled, "CLI default must not emit telemetry")
	assert.Equal(t, "octavo", cfg.ServiceName)
}
