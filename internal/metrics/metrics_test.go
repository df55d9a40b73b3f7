package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorResult(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: farming.ErrPoolPaused, want: "pool_paused"},
		{err: &farming.OpError{Op: "fund", Pool: "p", Err: farming.ErrMaxFunders}, want: "capacity_exceeded"},
		{err: fmt.Errorf("wrapped: %w", farming.ErrRewardWindowActive), want: "reward_window_still_active"},
		{err: errors.New("boom"), want: "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorResult(tt.err), tt.err.Error())
	}
}

func TestSetupExportsOperationCounter(t *testing.T) {
	m, handler, err := Setup("farm-test")
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordOperation(ctx, "deposit", nil)
	m.RecordOperation(ctx, "deposit", farming.ErrPoolPaused)
	m.RecordRewardClaimed(ctx, "RWD", 42)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "farm_operations_total")
	assert.Contains(t, string(body), `result="pool_paused"`)
	assert.Contains(t, string(body), "farm_rewards_claimed_total")
}
