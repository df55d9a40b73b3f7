package farming

import (
	"errors"
	"testing"

	"github.com/leafsii/leafsii-farming/internal/calc"
	"github.com/leafsii/leafsii-farming/internal/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const admin = "admin"

func newSinglePool(t *testing.T, duration uint64) *Pool {
	t.Helper()
	p, err := NewPool(NewPoolParams{
		ID:           "p1",
		Admin:        admin,
		StakingAsset: "STAKE",
		RewardAssets: []string{"RWD"},
		Duration:     duration,
	}, 1)
	require.NoError(t, err)
	return p
}

func newDualPool(t *testing.T, duration uint64) *Pool {
	t.Helper()
	p, err := NewPool(NewPoolParams{
		ID:           "p2",
		Admin:        admin,
		StakingAsset: "STAKE",
		RewardAssets: []string{"RWDA", "RWDB"},
		Duration:     duration,
	}, 1)
	require.NoError(t, err)
	return p
}

// balances is a toy ledger for following token movement in tests.
type balances map[string]uint64

func (b balances) apply(t *testing.T, transfers []host.Transfer) {
	t.Helper()
	for _, tr := range transfers {
		from := tr.Asset + "/" + tr.From
		require.GreaterOrEqual(t, b[from], tr.Amount, "overdraw %s", from)
		b[from] -= tr.Amount
		b[tr.Asset+"/"+tr.To] += tr.Amount
	}
}

func TestNewPoolValidation(t *testing.T) {
	valid := NewPoolParams{ID: "p", Admin: admin, StakingAsset: "S", RewardAssets: []string{"R"}, Duration: DefaultMinDuration}

	tests := []struct {
		name   string
		mutate func(p *NewPoolParams)
	}{
		{name: "missing id", mutate: func(p *NewPoolParams) { p.ID = "" }},
		{name: "slash in id", mutate: func(p *NewPoolParams) { p.ID = "a/b" }},
		{name: "no rewards", mutate: func(p *NewPoolParams) { p.RewardAssets = nil }},
		{name: "three rewards", mutate: func(p *NewPoolParams) { p.RewardAssets = []string{"A", "B", "C"} }},
		{name: "short duration", mutate: func(p *NewPoolParams) { p.Duration = DefaultMinDuration - 1 }},
		{name: "empty reward asset", mutate: func(p *NewPoolParams) { p.RewardAssets = []string{""} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := valid
			params.RewardAssets = append([]string(nil), valid.RewardAssets...)
			tt.mutate(&params)
			_, err := NewPool(params, DefaultMinDuration)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}

	p, err := NewPool(valid, DefaultMinDuration)
	require.NoError(t, err)
	assert.False(t, p.Started())
	assert.False(t, p.IsDual())
	assert.Equal(t, "pool:p:staking", p.StakingVault)
	assert.Equal(t, "pool:p:reward:0", p.Rewards[0].Vault)
}

func TestFundRate(t *testing.T) {
	p := newSinglePool(t, 10)

	transfers, err := p.Fund(admin, 100, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []host.Transfer{{Asset: "RWD", Amount: 100, From: admin, To: "pool:p1:reward:0"}}, transfers)
	assert.Equal(t, 10*calc.RatePrecision, p.Rewards[0].Rate)
	assert.Equal(t, uint64(10), p.RewardDurationEnd)
	assert.True(t, p.Started())
}

func TestFundMidWindowFoldsLeftover(t *testing.T) {
	p := newSinglePool(t, 10)
	_, err := p.Fund(admin, 100, 0, 0)
	require.NoError(t, err)

	_, err = p.Fund(admin, 50, 0, 4)
	require.NoError(t, err)

	// 60 unspent + 50 new spread over a fresh 10s window
	assert.Equal(t, 11*calc.RatePrecision, p.Rewards[0].Rate)
	assert.Equal(t, uint64(14), p.RewardDurationEnd)
	assert.Greater(t, p.RewardDurationEnd, uint64(10))
	assert.Equal(t, uint64(4), p.LastUpdateTime)
}

func TestFundAfterExpiryDropsOldRate(t *testing.T) {
	p := newSinglePool(t, 10)
	_, err := p.Fund(admin, 100, 0, 0)
	require.NoError(t, err)

	_, err = p.Fund(admin, 20, 0, 30)
	require.NoError(t, err)
	assert.Equal(t, 2*calc.RatePrecision, p.Rewards[0].Rate)
	assert.Equal(t, uint64(40), p.RewardDurationEnd)
}

func TestFundErrors(t *testing.T) {
	single := newSinglePool(t, 10)

	_, err := single.Fund("stranger", 10, 0, 0)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = single.Fund(admin, 10, 5, 0)
	assert.ErrorIs(t, err, ErrSingleAssetCannotFundSecond)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = single.Fund(admin, 0, 0, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = single.Fund(admin, 10, 0, 0)
	require.NoError(t, err)
	require.NoError(t, single.Pause(admin, 1))
	_, err = single.Fund(admin, 10, 0, 2)
	assert.ErrorIs(t, err, ErrPoolPaused)
}

func TestFundDualMidWindowStretchesOtherReward(t *testing.T) {
	p := newDualPool(t, 10)
	transfers, err := p.Fund(admin, 100, 200, 0)
	require.NoError(t, err)
	assert.Len(t, transfers, 2)
	assert.Equal(t, 20*calc.RatePrecision, p.Rewards[1].Rate)

	transfers, err = p.Fund(admin, 40, 0, 5)
	require.NoError(t, err)
	assert.Len(t, transfers, 1)
	// A: 50 left + 40 new; B: 100 left stretched over the new window
	assert.Equal(t, 9*calc.RatePrecision, p.Rewards[0].Rate)
	assert.Equal(t, 10*calc.RatePrecision, p.Rewards[1].Rate)
}

func TestUpdateGlobalClampsToWindow(t *testing.T) {
	p := newSinglePool(t, 10)
	p.TotalStaked = 10
	_, err := p.Fund(admin, 100, 0, 0)
	require.NoError(t, err)

	require.NoError(t, p.UpdateGlobal(25))
	stored := p.Rewards[0].PerTokenStored
	assert.Equal(t, uint64(10), p.LastUpdateTime)
	assert.Equal(t, 10*calc.RatePrecision, stored.Uint64())

	// past the end nothing more accrues
	require.NoError(t, p.UpdateGlobal(40))
	assert.True(t, stored.Eq(&p.Rewards[0].PerTokenStored))
}

func TestUpdateGlobalRejectsClockGoingBack(t *testing.T) {
	p := newSinglePool(t, 10)
	_, err := p.Fund(admin, 100, 0, 5)
	require.NoError(t, err)

	err = p.UpdateGlobal(4)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPauseUnpause(t *testing.T) {
	p := newSinglePool(t, 10)

	assert.ErrorIs(t, p.Pause(admin, 0), ErrPoolNotStarted)

	_, err := p.Fund(admin, 100, 0, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Pause("stranger", 1), ErrUnauthorized)
	assert.ErrorIs(t, p.Unpause(admin, 1), ErrInvalidArgument)

	require.NoError(t, p.Pause(admin, 1))
	assert.True(t, p.Paused)
	assert.ErrorIs(t, p.Pause(admin, 2), ErrPoolPaused)

	require.NoError(t, p.Unpause(admin, 3))
	assert.False(t, p.Paused)

	// pausing an expired pool is allowed
	require.NoError(t, p.Pause(admin, 50))
}

func TestFunderManagement(t *testing.T) {
	p := newSinglePool(t, 10)

	assert.ErrorIs(t, p.AuthorizeFunder("stranger", "f1"), ErrUnauthorized)
	assert.ErrorIs(t, p.AuthorizeFunder(admin, admin), ErrFunderAlreadyAuthorized)

	for _, f := range []string{"f1", "f2", "f3", "f4"} {
		require.NoError(t, p.AuthorizeFunder(admin, f))
	}
	assert.ErrorIs(t, p.AuthorizeFunder(admin, "f2"), ErrFunderAlreadyAuthorized)

	err := p.AuthorizeFunder(admin, "f5")
	assert.ErrorIs(t, err, ErrMaxFunders)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	_, err = p.Fund("f3", 10, 0, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, p.DeauthorizeFunder(admin, admin), ErrCannotDeauthorizePoolAuthority)
	assert.ErrorIs(t, p.DeauthorizeFunder(admin, "nobody"), ErrCannotDeauthorizeMissingAuthority)
	assert.ErrorIs(t, p.DeauthorizeFunder("f1", "f2"), ErrUnauthorized)

	require.NoError(t, p.DeauthorizeFunder(admin, "f3"))
	assert.Equal(t, []string{"f1", "f2", "f4"}, p.AuthorizedFunders())
	_, err = p.Fund("f3", 10, 0, 1)
	assert.ErrorIs(t, err, ErrUnauthorized)

	// freed slot is reused
	require.NoError(t, p.AuthorizeFunder(admin, "f5"))
	assert.Equal(t, "f5", p.Funders[2])
}

func TestWithdrawExtraToken(t *testing.T) {
	p := newSinglePool(t, 10)
	p.TotalStaked = 100
	_, err := p.Fund(admin, 100, 0, 0)
	require.NoError(t, err)

	_, _, err = p.WithdrawExtraToken(admin, 5, 120, "treasury")
	assert.ErrorIs(t, err, ErrRewardWindowActive)

	_, _, err = p.WithdrawExtraToken("stranger", 20, 120, "treasury")
	assert.ErrorIs(t, err, ErrUnauthorized)

	transfers, extra, err := p.WithdrawExtraToken(admin, 20, 120, "treasury")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), extra)
	assert.Equal(t, []host.Transfer{{Asset: "STAKE", Amount: 20, From: "pool:p1:staking", To: "treasury"}}, transfers)

	transfers, extra, err = p.WithdrawExtraToken(admin, 20, 100, "treasury")
	require.NoError(t, err)
	assert.Zero(t, extra)
	assert.Empty(t, transfers)
}

func TestCloseGuard(t *testing.T) {
	p := newSinglePool(t, 10)

	_, err := p.Close(admin, 0, 0, []uint64{0}, "refund")
	assert.ErrorIs(t, err, ErrInvalidArgument, "not paused")

	_, err = p.Fund(admin, 100, 0, 0)
	require.NoError(t, err)
	require.NoError(t, p.Pause(admin, 1))

	_, err = p.Close(admin, 5, 0, []uint64{100}, "refund")
	assert.ErrorIs(t, err, ErrRewardWindowActive)

	_, err = p.Close("stranger", 20, 0, []uint64{100}, "refund")
	assert.ErrorIs(t, err, ErrUnauthorized)

	p.TotalStaked = 1
	_, err = p.Close(admin, 20, 1, []uint64{100}, "refund")
	assert.ErrorIs(t, err, ErrNonEmptyAccount)
	p.TotalStaked = 0

	_, err = p.Close(admin, 20, 7, []uint64{100}, "refund")
	assert.ErrorIs(t, err, ErrNonEmptyAccount, "stray staking tokens")

	p.UserStakeCount = 1
	_, err = p.Close(admin, 20, 0, []uint64{100}, "refund")
	assert.ErrorIs(t, err, ErrNonEmptyAccount, "open positions")
	p.UserStakeCount = 0

	transfers, err := p.Close(admin, 20, 0, []uint64{100}, "refund")
	require.NoError(t, err)
	assert.Equal(t, []host.Transfer{{Asset: "RWD", Amount: 100, From: "pool:p1:reward:0", To: "refund"}}, transfers)
}

func TestCloseNeverStarted(t *testing.T) {
	p := newSinglePool(t, 10)
	p.Paused = true
	_, err := p.Close(admin, 20, 0, []uint64{0}, "refund")
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestOpErrorCarriesContext(t *testing.T) {
	p := newSinglePool(t, 10)
	_, err := p.Fund("stranger", 1, 0, 0)

	var opErr *OpError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "fund", opErr.Op)
	assert.Equal(t, "p1", opErr.Pool)
	assert.Contains(t, err.Error(), "fund pool p1")
	assert.Equal(t, ErrUnauthorized, Kind(err))
	assert.Nil(t, Kind(errors.New("other")))
}
