package initializer

import (
	"context"
	"testing"

	"github.com/leafsii/leafsii-farming/internal/config"
	"github.com/leafsii/leafsii-farming/internal/engine"
	"github.com/leafsii/leafsii-farming/internal/host"
	"github.com/leafsii/leafsii-farming/pkg/kv/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newEngine(t *testing.T, allowMint bool) *engine.Engine {
	t.Helper()
	kvStore := memory.New(0)
	t.Cleanup(func() { _ = kvStore.Close() })
	return engine.New(host.NewKVLedger(kvStore), host.NewManualClock(1000), nil,
		engine.Config{MinDuration: 1, AllowMint: allowMint})
}

var bootstrap = &config.Bootstrap{
	Pools: []config.PoolSeed{
		{ID: "p1", Admin: "0xADMIN", StakingAsset: "STAKE", RewardAssets: []string{"RWD"}, Duration: 100, Funders: []string{"0xFunder", "0xadmin"}},
	},
	Vaults: []config.VaultSeed{
		{ID: "v1", Asset: "STAKE", Admin: "0xadmin", Degradation: 1_000_000},
	},
	Lockers: []config.LockerSeed{
		{ID: "l1", Asset: "GOV", Admin: "0xADMIN"},
	},
	Balances: []config.BalanceSeed{
		{Asset: "STAKE", Account: "0xAlice", Amount: 500},
	},
}

func TestInitializeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t, true)
	logger := zap.NewNop().Sugar()

	first, err := Initialize(ctx, eng, bootstrap, true, logger)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, first.PoolsCreated)
	assert.Equal(t, []string{"v1"}, first.VaultsCreated)
	assert.Equal(t, []string{"l1"}, first.LockersCreated)
	assert.Equal(t, 1, first.FundersAuthorized)
	assert.Equal(t, uint64(500), first.Minted["STAKE"])

	pool, err := eng.Pool("p1")
	require.NoError(t, err)
	assert.Equal(t, "0xadmin", pool.Admin)
	assert.Equal(t, []string{"0xfunder"}, pool.AuthorizedFunders())

	v, err := eng.Vault("v1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), v.Tracker.Degradation)

	second, err := Initialize(ctx, eng, bootstrap, true, logger)
	require.NoError(t, err)
	assert.Empty(t, second.PoolsCreated)
	assert.Empty(t, second.VaultsCreated)
	assert.Empty(t, second.LockersCreated)

	l, err := eng.Locker("l1")
	require.NoError(t, err)
	assert.Equal(t, "0xadmin", l.Admin)
	assert.Zero(t, second.FundersAuthorized)
	assert.Empty(t, second.Minted)

	balances, err := eng.Balances(ctx, "0xalice")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), balances["STAKE"])
}

func TestInitializeSkipsBalancesWithoutMint(t *testing.T) {
	eng := newEngine(t, false)
	res, err := Initialize(context.Background(), eng, bootstrap, false, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, res.PoolsCreated)
	assert.Empty(t, res.Minted)
}
