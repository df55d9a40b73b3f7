package repository

import (
	"context"
	"database/sql"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-farming/internal/engine"
	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/locking"
	"github.com/leafsii/leafsii-farming/internal/vault"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestParseU64s(t *testing.T) {
	var a, b uint64
	require.NoError(t, parseU64s(field{"a", "18446744073709551615", &a}, field{"b", "0", &b}))
	assert.Equal(t, uint64(math.MaxUint64), a)
	assert.Zero(t, b)

	err := parseU64s(field{"a", "18446744073709551616", &a})
	assert.ErrorContains(t, err, "invalid a")
}

func TestParseU128(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "zero", raw: "0"},
		{name: "max u128", raw: "340282366920938463463374607431768211455"},
		{name: "over u128", raw: "340282366920938463463374607431768211456", wantErr: true},
		{name: "not a number", raw: "1e5", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v uint256.Int
			err := parseU128(tt.raw, &v)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.raw, v.Dec())
		})
	}
}

func TestU64RendersFullRange(t *testing.T) {
	assert.Equal(t, "18446744073709551615", u64(math.MaxUint64))
	assert.Equal(t, []string{}, nonNil(nil))
}

// openTestDB runs the migrations against FARM_TEST_POSTGRES_DSN.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("FARM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FARM_TEST_POSTGRES_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, goose.SetDialect("postgres"))
	require.NoError(t, goose.Reset(db, "../../sql"))
	require.NoError(t, goose.Up(db, "../../sql"))
	return db
}

func TestCommitAndLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repo := NewRepository(db, zap.NewNop().Sugar())
	ctx := context.Background()

	pool := &farming.Pool{
		ID:                "p1",
		Admin:             "0xadmin",
		StakingAsset:      "STAKE",
		StakingVault:      farming.StakingVaultAccount("p1"),
		TotalStaked:       math.MaxUint64,
		LastUpdateTime:    1000,
		RewardDuration:    100,
		RewardDurationEnd: 1100,
		Funders:           [farming.MaxFunders]string{"0xfunder"},
		UserStakeCount:    1,
		Rewards: []farming.RewardState{
			{Asset: "RWD", Vault: farming.RewardVaultAccount("p1", 0), Rate: 7},
		},
	}
	pool.Rewards[0].PerTokenStored.SetFromDecimal("340282366920938463463374607431768211455")

	user := &farming.UserPosition{Pool: "p1", Owner: "0xalice", BalanceStaked: 5, Rewards: []farming.UserReward{{PerTokenPending: 3}}}
	v, err := vault.NewVault(vault.NewVaultParams{ID: "v1", Asset: "STAKE", Admin: "0xadmin"})
	require.NoError(t, err)
	v.TotalAmount, v.ReceiptSupply = 10, 10
	v.Receipts["0xalice"] = 10
	l, err := locking.NewLocker(locking.NewLockerParams{ID: "l1", Asset: "GOV", Admin: "0xadmin"})
	require.NoError(t, err)
	l.ReleaseDate, l.ReceiptSupply = math.MaxUint64, 4
	l.Receipts["0xalice"] = 4

	ev := engine.Event{ID: uuid.NewString(), Kind: engine.EventDeposit, Pool: "p1", Actor: "0xalice", Amounts: []string{"5"}, Time: 1000, CreatedAt: time.Now()}
	lockEv := engine.Event{ID: uuid.NewString(), Kind: engine.EventLock, Locker: "l1", Actor: "0xalice", Amounts: []string{"4"}, Time: 999, CreatedAt: ev.CreatedAt.Add(-time.Second)}
	require.NoError(t, repo.Commit(ctx, engine.Change{
		Pools:   []*farming.Pool{pool},
		Users:   []*farming.UserPosition{user},
		Vaults:  []*vault.Vault{v},
		Lockers: []*locking.Locker{l},
		Events:  []engine.Event{ev, lockEv},
	}))

	snap, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Pools, 1)
	assert.Equal(t, pool, snap.Pools[0])
	require.Len(t, snap.Users, 1)
	assert.Equal(t, user, snap.Users[0])
	require.Len(t, snap.Vaults, 1)
	assert.Equal(t, v, snap.Vaults[0])
	require.Len(t, snap.Lockers, 1)
	assert.Equal(t, l, snap.Lockers[0])

	events, cursor, err := repo.EventsFor(ctx, "0xalice", 10, "")
	require.NoError(t, err)
	assert.Empty(t, cursor)
	require.Len(t, events, 2)
	assert.Equal(t, ev.ID, events[0].ID)
	assert.Equal(t, []string{"5"}, events[0].Amounts)
	assert.Equal(t, "l1", events[1].Locker)

	require.NoError(t, repo.Commit(ctx, engine.Change{
		DeletedUsers: []engine.UserKey{{Pool: "p1", Owner: "0xalice"}},
		DeletedPools: []string{"p1"},
	}))
	snap, err = repo.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Pools)
	assert.Empty(t, snap.Users)
}
