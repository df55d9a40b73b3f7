package vault

import (
	"testing"

	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/host"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := NewVault(NewVaultParams{ID: "v1", Asset: "USDC", Admin: "admin", Funder: "keeper"})
	require.NoError(t, err)
	v.Tracker.Degradation = 1_000_000_000 // unlock over 1000s
	return v
}

func TestNewVault(t *testing.T) {
	_, err := NewVault(NewVaultParams{ID: "", Asset: "USDC", Admin: "admin"})
	assert.ErrorIs(t, err, farming.ErrInvalidArgument)

	v, err := NewVault(NewVaultParams{ID: "v", Asset: "USDC", Admin: "admin"})
	require.NoError(t, err)
	assert.Equal(t, "admin", v.Funder)
	assert.Equal(t, "vault:v", v.Account)
	assert.True(t, decimal.NewFromInt(1).Equal(v.VirtualPrice(0)))
}

func TestStakeBootstrapsOneToOne(t *testing.T) {
	v := newTestVault(t)

	transfers, minted, err := v.Stake("alice", 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), minted)
	assert.Equal(t, uint64(1000), v.ReceiptSupply)
	assert.Equal(t, uint64(1000), v.Receipts["alice"])
	assert.Equal(t, []host.Transfer{{Asset: "USDC", Amount: 1000, From: "alice", To: "vault:v1"}}, transfers)

	_, _, err = v.Stake("alice", 0, 0)
	assert.ErrorIs(t, err, farming.ErrInvalidArgument)
}

func TestFirstStakeAbsorbsLeftoverProfit(t *testing.T) {
	v := newTestVault(t)
	_, _, err := v.Stake("alice", 1000, 0)
	require.NoError(t, err)
	_, err = v.Reward("keeper", 500, 0)
	require.NoError(t, err)
	_, payout, err := v.Unstake("alice", 1000, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), payout)
	require.Zero(t, v.ReceiptSupply)

	// half of the 500 profit has unlocked by t=500
	_, minted, err := v.Stake("bob", 100, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(350), minted)
	assert.Equal(t, uint64(600), v.TotalAmount)
	assert.True(t, decimal.NewFromInt(1).Equal(v.VirtualPrice(500)))

	_, payout, err = v.Unstake("bob", 350, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), payout)
	assert.Zero(t, v.TotalAmount)
}

func TestStakeAndUnstakeAtUnlockedPrice(t *testing.T) {
	v := newTestVault(t)
	_, _, err := v.Stake("alice", 1000, 0)
	require.NoError(t, err)

	_, err = v.Reward("keeper", 500, 0)
	require.NoError(t, err)

	locked, err := v.LockedProfit(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), locked)
	assert.True(t, decimal.NewFromInt(1).Equal(v.VirtualPrice(0)), "fresh profit must not move the price")

	assert.True(t, decimal.RequireFromString("1.25").Equal(v.VirtualPrice(500)))

	_, minted, err := v.Stake("bob", 125, 500)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), minted)

	locked, err = v.LockedProfit(1000)
	require.NoError(t, err)
	assert.Zero(t, locked)

	transfers, payout, err := v.Unstake("bob", 100, 1000)
	require.NoError(t, err)
	// 100 * 1625 / 1100
	assert.Equal(t, uint64(147), payout)
	assert.Equal(t, []host.Transfer{{Asset: "USDC", Amount: 147, From: "vault:v1", To: "bob"}}, transfers)
	assert.NotContains(t, v.Receipts, "bob")
	assert.Equal(t, uint64(1000), v.ReceiptSupply)
	assert.Equal(t, uint64(1625-147), v.TotalAmount)
}

func TestUnstakeErrors(t *testing.T) {
	v := newTestVault(t)
	_, _, err := v.Stake("alice", 100, 0)
	require.NoError(t, err)

	_, _, err = v.Unstake("alice", 0, 1)
	assert.ErrorIs(t, err, farming.ErrInvalidArgument)

	_, _, err = v.Unstake("alice", 101, 1)
	assert.ErrorIs(t, err, farming.ErrInsufficientBalance)

	_, _, err = v.Unstake("bob", 1, 1)
	assert.ErrorIs(t, err, farming.ErrInsufficientBalance)
}

func TestStakeTooSmallForOneReceipt(t *testing.T) {
	v := newTestVault(t)
	_, _, err := v.Stake("alice", 10, 0)
	require.NoError(t, err)
	_, err = v.Reward("admin", 990, 0)
	require.NoError(t, err)

	// price is 100 once everything unlocked
	_, _, err = v.Stake("bob", 99, 2000)
	assert.ErrorIs(t, err, farming.ErrInvalidArgument)
}

func TestRewardCompoundsLockedRemainder(t *testing.T) {
	v := newTestVault(t)

	_, err := v.Reward("stranger", 10, 0)
	assert.ErrorIs(t, err, farming.ErrUnauthorized)

	_, err = v.Reward("keeper", 1000, 0)
	require.NoError(t, err)
	_, err = v.Reward("admin", 100, 500)
	require.NoError(t, err)

	locked, err := v.LockedProfit(500)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), locked)
	assert.Equal(t, uint64(1100), v.TotalAmount)

	locked, err = v.LockedProfit(1500)
	require.NoError(t, err)
	assert.Zero(t, locked)
}

func TestVirtualPriceNonDecreasingBetweenRewards(t *testing.T) {
	v := newTestVault(t)
	_, _, err := v.Stake("alice", 1000, 0)
	require.NoError(t, err)
	_, err = v.Reward("keeper", 333, 10)
	require.NoError(t, err)

	prev := v.VirtualPrice(10)
	for now := uint64(11); now < 1100; now += 17 {
		price := v.VirtualPrice(now)
		assert.True(t, price.GreaterThanOrEqual(prev), "price fell at %d", now)
		prev = price
	}
	assert.True(t, prev.GreaterThan(decimal.NewFromInt(1)))
}

func TestUpdateDegradationKeepsPastDecay(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Reward("keeper", 1000, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, v.UpdateLockedRewardDegradation("keeper", 1, 10), farming.ErrUnauthorized)

	require.NoError(t, v.UpdateLockedRewardDegradation("admin", 2_000_000_000, 500))

	locked, err := v.LockedProfit(500)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), locked)

	locked, err = v.LockedProfit(750)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), locked)

	locked, err = v.LockedProfit(1000)
	require.NoError(t, err)
	assert.Zero(t, locked)
}

func TestRoleChanges(t *testing.T) {
	v := newTestVault(t)

	assert.ErrorIs(t, v.ChangeFunder("keeper", "other"), farming.ErrUnauthorized)
	assert.ErrorIs(t, v.ChangeFunder("admin", ""), farming.ErrInvalidArgument)
	require.NoError(t, v.ChangeFunder("admin", "bot"))
	assert.Equal(t, "bot", v.Funder)

	assert.ErrorIs(t, v.TransferAdmin("bot", "bot"), farming.ErrUnauthorized)
	require.NoError(t, v.TransferAdmin("admin", "newadmin"))
	assert.ErrorIs(t, v.ChangeFunder("admin", "x"), farming.ErrUnauthorized)
}

func TestCloneIsDeep(t *testing.T) {
	v := newTestVault(t)
	_, _, err := v.Stake("alice", 10, 0)
	require.NoError(t, err)

	c := v.Clone()
	c.Receipts["alice"] = 1
	assert.Equal(t, uint64(10), v.Receipts["alice"])
}
