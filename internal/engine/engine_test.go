package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/host"
	"github.com/leafsii/leafsii-farming/internal/locking"
	"github.com/leafsii/leafsii-farming/internal/vault"
	"github.com/leafsii/leafsii-farming/pkg/kv/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	admin = "0xadmin"
	alice = "0xalice"
	bob   = "0xbob"
)

type fakeStore struct {
	mu       sync.Mutex
	fail     bool
	commits  int
	pools    map[string]*farming.Pool
	users    map[UserKey]*farming.UserPosition
	vaults   map[string]*vault.Vault
	lockers  map[string]*locking.Locker
	lastSeen Change
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pools:  map[string]*farming.Pool{},
		users:  map[UserKey]*farming.UserPosition{},
		vaults:  map[string]*vault.Vault{},
		lockers: map[string]*locking.Locker{},
	}
}

func (s *fakeStore) Commit(_ context.Context, c Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("database unavailable")
	}
	s.commits++
	s.lastSeen = c
	for _, p := range c.Pools {
		s.pools[p.ID] = p.Clone()
	}
	for _, id := range c.DeletedPools {
		delete(s.pools, id)
	}
	for _, u := range c.Users {
		s.users[UserKey{Pool: u.Pool, Owner: u.Owner}] = u.Clone()
	}
	for _, k := range c.DeletedUsers {
		delete(s.users, k)
	}
	for _, v := range c.Vaults {
		s.vaults[v.ID] = v.Clone()
	}
	for _, l := range c.Lockers {
		s.lockers[l.ID] = l.Clone()
	}
	return nil
}

func (s *fakeStore) Load(context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &Snapshot{}
	for _, p := range s.pools {
		snap.Pools = append(snap.Pools, p.Clone())
	}
	for _, u := range s.users {
		snap.Users = append(snap.Users, u.Clone())
	}
	for _, v := range s.vaults {
		snap.Vaults = append(snap.Vaults, v.Clone())
	}
	for _, l := range s.lockers {
		snap.Lockers = append(snap.Lockers, l.Clone())
	}
	return snap, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	events   []Event
}

func (p *fakePublisher) Publish(_ context.Context, channel string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	p.events = append(p.events, message.(Event))
	return nil
}

type fakeRecorder struct {
	ops     map[string]int
	failed  map[string]int
	claimed map[string]uint64
}

func (r *fakeRecorder) RecordOperation(_ context.Context, op string, err error) {
	if err != nil {
		r.failed[op]++
		return
	}
	r.ops[op]++
}

func (r *fakeRecorder) RecordRewardClaimed(_ context.Context, asset string, amount uint64) {
	r.claimed[asset] += amount
}

type harness struct {
	ctx      context.Context
	engine   *Engine
	ledger   *host.KVLedger
	clock    *host.ManualClock
	store    *fakeStore
	pub      *fakePublisher
	recorder *fakeRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	kvStore := memory.New(0)
	t.Cleanup(func() { _ = kvStore.Close() })

	h := &harness{
		ctx:      context.Background(),
		ledger:   host.NewKVLedger(kvStore),
		clock:    host.NewManualClock(1000),
		store:    newFakeStore(),
		pub:      &fakePublisher{},
		recorder: &fakeRecorder{ops: map[string]int{}, failed: map[string]int{}, claimed: map[string]uint64{}},
	}
	h.engine = New(h.ledger, h.clock, nil, Config{MinDuration: 1, AllowMint: true},
		WithStateStore(h.store), WithPublisher(h.pub), WithRecorder(h.recorder))
	return h
}

func (h *harness) mint(t *testing.T, asset, account string, amount uint64) {
	t.Helper()
	require.NoError(t, h.engine.Mint(h.ctx, admin, asset, account, amount))
}

func (h *harness) balance(t *testing.T, asset, account string) uint64 {
	t.Helper()
	bal, err := h.ledger.Balance(h.ctx, asset, account)
	require.NoError(t, err)
	return bal
}

// setupPool creates p1 paying RWD over 100s with alice staking 100 STAKE.
func (h *harness) setupPool(t *testing.T) {
	t.Helper()
	_, err := h.engine.CreatePool(h.ctx, admin, farming.NewPoolParams{
		ID: "p1", StakingAsset: "STAKE", RewardAssets: []string{"RWD"}, Duration: 100,
	})
	require.NoError(t, err)
	h.mint(t, "STAKE", alice, 500)
	h.mint(t, "RWD", admin, 1000)

	_, err = h.engine.CreateUser(h.ctx, alice, "p1")
	require.NoError(t, err)
	require.NoError(t, h.engine.Deposit(h.ctx, alice, "p1", 100))
}

func TestFundAccrueClaim(t *testing.T) {
	h := newHarness(t)
	h.setupPool(t)

	require.NoError(t, h.engine.Fund(h.ctx, admin, "p1", 1000, 0))
	assert.Equal(t, uint64(1000), h.balance(t, "RWD", farming.RewardVaultAccount("p1", 0)))
	assert.Equal(t, uint64(100), h.balance(t, "STAKE", farming.StakingVaultAccount("p1")))

	h.clock.Advance(50)
	_, pending, err := h.engine.User("p1", alice)
	require.NoError(t, err)
	assert.Equal(t, []uint64{500}, pending)

	paid, err := h.engine.Claim(h.ctx, alice, "p1")
	require.NoError(t, err)
	assert.Equal(t, []uint64{500}, paid)
	assert.Equal(t, uint64(500), h.balance(t, "RWD", alice))
	assert.Equal(t, uint64(500), h.balance(t, "RWD", farming.RewardVaultAccount("p1", 0)))
	assert.Equal(t, uint64(500), h.recorder.claimed["RWD"])

	pool, err := h.engine.Pool("p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1100), pool.RewardDurationEnd)
}

func TestLedgerFailureLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	h.setupPool(t)
	commits := h.store.commits

	err := h.engine.Deposit(h.ctx, alice, "p1", 401)
	require.Error(t, err)
	assert.ErrorIs(t, err, farming.ErrInsufficientBalance)

	u, _, err := h.engine.User("p1", alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), u.BalanceStaked)
	pool, err := h.engine.Pool("p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), pool.TotalStaked)
	assert.Equal(t, commits, h.store.commits)
	assert.Equal(t, 1, h.recorder.failed[EventDeposit])
}

func TestPersistenceFailureRevertsTransfers(t *testing.T) {
	h := newHarness(t)
	h.setupPool(t)

	h.store.fail = true
	err := h.engine.Deposit(h.ctx, alice, "p1", 50)
	require.Error(t, err)

	assert.Equal(t, uint64(400), h.balance(t, "STAKE", alice))
	assert.Equal(t, uint64(100), h.balance(t, "STAKE", farming.StakingVaultAccount("p1")))
	u, _, err := h.engine.User("p1", alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), u.BalanceStaked)

	h.store.fail = false
	require.NoError(t, h.engine.Deposit(h.ctx, alice, "p1", 50))
	assert.Equal(t, uint64(150), h.balance(t, "STAKE", farming.StakingVaultAccount("p1")))
}

func TestMintRevertedWhenPersistenceFails(t *testing.T) {
	h := newHarness(t)
	h.mint(t, "GIFT", bob, 10)

	h.store.fail = true
	err := h.engine.Mint(h.ctx, admin, "GIFT", bob, 77)
	require.Error(t, err)
	assert.Equal(t, uint64(10), h.balance(t, "GIFT", bob))
	assert.Equal(t, 1, h.recorder.failed[EventMint])

	h.store.fail = false
	h.mint(t, "GIFT", bob, 77)
	assert.Equal(t, uint64(87), h.balance(t, "GIFT", bob))
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	h := newHarness(t)
	h.setupPool(t)
	h.pub.channels = nil
	h.pub.events = nil

	require.NoError(t, h.engine.Fund(h.ctx, admin, "p1", 300, 0))
	assert.ErrorIs(t, h.engine.Pause(h.ctx, bob, "p1"), farming.ErrUnauthorized)

	require.Len(t, h.pub.events, 1)
	assert.Equal(t, EventChannel(EventFund), h.pub.channels[0])
	ev := h.pub.events[0]
	assert.Equal(t, EventFund, ev.Kind)
	assert.Equal(t, "p1", ev.Pool)
	assert.Equal(t, admin, ev.Actor)
	assert.Equal(t, []string{"300", "0"}, ev.Amounts)
	assert.Equal(t, uint64(1000), ev.Time)
	assert.NotEmpty(t, ev.ID)
}

func TestUserLifecycleErrors(t *testing.T) {
	h := newHarness(t)
	h.setupPool(t)

	_, err := h.engine.CreateUser(h.ctx, alice, "p1")
	assert.ErrorIs(t, err, farming.ErrDuplicateAccount)

	_, err = h.engine.CreateUser(h.ctx, alice, "missing")
	assert.ErrorIs(t, err, farming.ErrNotFound)

	err = h.engine.Deposit(h.ctx, bob, "p1", 10)
	assert.ErrorIs(t, err, farming.ErrNotFound)

	assert.ErrorIs(t, h.engine.CloseUser(h.ctx, alice, "p1"), farming.ErrNonEmptyAccount)

	require.NoError(t, h.engine.Withdraw(h.ctx, alice, "p1", 100))
	require.NoError(t, h.engine.CloseUser(h.ctx, alice, "p1"))
	_, _, err = h.engine.User("p1", alice)
	assert.ErrorIs(t, err, farming.ErrNotFound)
	assert.Contains(t, h.store.lastSeen.DeletedUsers, UserKey{Pool: "p1", Owner: alice})

	pool, err := h.engine.Pool("p1")
	require.NoError(t, err)
	assert.Zero(t, pool.UserStakeCount)
}

func TestDepositFull(t *testing.T) {
	h := newHarness(t)
	h.setupPool(t)

	n, err := h.engine.DepositFull(h.ctx, alice, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(400), n)
	assert.Zero(t, h.balance(t, "STAKE", alice))

	_, err = h.engine.DepositFull(h.ctx, alice, "p1")
	assert.ErrorIs(t, err, farming.ErrInvalidArgument)
}

func TestClosePoolSweepsAndRefunds(t *testing.T) {
	h := newHarness(t)
	h.setupPool(t)
	require.NoError(t, h.engine.Fund(h.ctx, admin, "p1", 1000, 0))

	h.clock.Set(1200)
	_, err := h.engine.Claim(h.ctx, alice, "p1")
	require.NoError(t, err)
	require.NoError(t, h.engine.Withdraw(h.ctx, alice, "p1", 100))
	require.NoError(t, h.engine.CloseUser(h.ctx, alice, "p1"))

	// stray tokens sent straight to the vaults
	require.NoError(t, h.ledger.Mint(h.ctx, "STAKE", farming.StakingVaultAccount("p1"), 3))
	require.NoError(t, h.ledger.Mint(h.ctx, "RWD", farming.RewardVaultAccount("p1", 0), 7))

	assert.ErrorIs(t, h.engine.ClosePool(h.ctx, admin, "p1", admin), farming.ErrInvalidArgument)
	require.NoError(t, h.engine.Pause(h.ctx, admin, "p1"))
	assert.ErrorIs(t, h.engine.ClosePool(h.ctx, admin, "p1", admin), farming.ErrNonEmptyAccount)

	extra, err := h.engine.WithdrawExtraToken(h.ctx, admin, "p1", bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), extra)
	assert.Equal(t, uint64(3), h.balance(t, "STAKE", bob))

	rewardBefore := h.balance(t, "RWD", admin)
	require.NoError(t, h.engine.ClosePool(h.ctx, admin, "p1", admin))
	assert.Equal(t, rewardBefore+7, h.balance(t, "RWD", admin))

	_, err = h.engine.Pool("p1")
	assert.ErrorIs(t, err, farming.ErrNotFound)
	assert.Empty(t, h.engine.Pools())
	assert.Equal(t, []string{"p1"}, h.store.lastSeen.DeletedPools)
}

func TestVaultThroughEngine(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateVault(h.ctx, admin, vault.NewVaultParams{ID: "v1", Asset: "USDC"})
	require.NoError(t, err)
	_, err = h.engine.CreateVault(h.ctx, admin, vault.NewVaultParams{ID: "v1", Asset: "USDC"})
	assert.ErrorIs(t, err, farming.ErrDuplicateAccount)

	h.mint(t, "USDC", alice, 1000)
	h.mint(t, "USDC", admin, 500)

	minted, err := h.engine.VaultStake(h.ctx, alice, "v1", 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), minted)

	require.NoError(t, h.engine.VaultReward(h.ctx, admin, "v1", 500))
	assert.Equal(t, uint64(1500), h.balance(t, "USDC", vault.AccountFor("v1")))

	// profit injected this second is still locked
	payout, err := h.engine.VaultUnstake(h.ctx, alice, "v1", 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), payout)
	assert.Equal(t, uint64(1000), h.balance(t, "USDC", alice))

	v, err := h.engine.Vault("v1")
	require.NoError(t, err)
	assert.Equal(t, uint64(500), v.TotalAmount)
	assert.Zero(t, v.ReceiptSupply)

	assert.ErrorIs(t, h.engine.UpdateDegradation(h.ctx, bob, "v1", 1), farming.ErrUnauthorized)
	require.NoError(t, h.engine.ChangeFunder(h.ctx, admin, "v1", bob))
	require.NoError(t, h.engine.TransferAdmin(h.ctx, admin, "v1", bob))
	require.NoError(t, h.engine.UpdateDegradation(h.ctx, bob, "v1", 1))

	_, err = h.engine.VaultStake(h.ctx, alice, "nope", 1)
	assert.ErrorIs(t, err, farming.ErrNotFound)
}

func TestLockerThroughEngine(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateLocker(h.ctx, alice, locking.NewLockerParams{ID: "l1", Asset: "GOV", Admin: admin})
	assert.ErrorIs(t, err, farming.ErrUnauthorized)
	_, err = h.engine.CreateLocker(h.ctx, admin, locking.NewLockerParams{ID: "l1", Asset: "GOV"})
	require.NoError(t, err)
	_, err = h.engine.CreateLocker(h.ctx, admin, locking.NewLockerParams{ID: "l1", Asset: "GOV"})
	assert.ErrorIs(t, err, farming.ErrDuplicateAccount)

	h.mint(t, "GOV", alice, 500)
	require.NoError(t, h.engine.Lock(h.ctx, alice, "l1", 400))
	assert.Equal(t, uint64(400), h.balance(t, "GOV", locking.AccountFor("l1")))
	assert.ErrorIs(t, h.engine.Lock(h.ctx, alice, "l1", 101), farming.ErrInsufficientBalance)

	require.NoError(t, h.engine.SetReleaseDate(h.ctx, admin, "l1", 1100))
	assert.ErrorIs(t, h.engine.SetReleaseDate(h.ctx, admin, "l1", 1200), farming.ErrLockActive)
	assert.ErrorIs(t, h.engine.Unlock(h.ctx, alice, "l1", 100), farming.ErrLockActive)
	assert.Equal(t, uint64(100), h.balance(t, "GOV", alice))

	h.clock.Set(1101)
	require.NoError(t, h.engine.Unlock(h.ctx, alice, "l1", 150))
	assert.Equal(t, uint64(250), h.balance(t, "GOV", alice))

	l, err := h.engine.Locker("l1")
	require.NoError(t, err)
	assert.Equal(t, uint64(250), l.Receipts[alice])
	assert.Equal(t, uint64(1100), l.ReleaseDate)
	assert.Equal(t, "l1", h.store.lastSeen.Events[0].Locker)

	_, err = h.engine.Locker("nope")
	assert.ErrorIs(t, err, farming.ErrNotFound)
	assert.Equal(t, 1, h.recorder.ops[EventLockReleaseDate])
}

func TestReleaseWindowEnforced(t *testing.T) {
	h := newHarness(t)
	e := New(h.ledger, h.clock, nil, Config{ReleaseWindow: locking.DefaultReleaseWindow})
	_, err := e.CreateLocker(h.ctx, admin, locking.NewLockerParams{ID: "l1", Asset: "GOV"})
	require.NoError(t, err)

	assert.ErrorIs(t, e.SetReleaseDate(h.ctx, admin, "l1", 1100), farming.ErrInvalidArgument)
	require.NoError(t, e.SetReleaseDate(h.ctx, admin, "l1", 1000+365*86400))
}

func TestRestoreFromStateStore(t *testing.T) {
	h := newHarness(t)
	h.setupPool(t)
	require.NoError(t, h.engine.Fund(h.ctx, admin, "p1", 1000, 0))
	_, err := h.engine.CreateVault(h.ctx, admin, vault.NewVaultParams{ID: "v1", Asset: "USDC"})
	require.NoError(t, err)
	_, err = h.engine.CreateLocker(h.ctx, admin, locking.NewLockerParams{ID: "l1", Asset: "GOV"})
	require.NoError(t, err)

	restarted := New(h.ledger, h.clock, nil, Config{MinDuration: 1}, WithStateStore(h.store))
	require.NoError(t, restarted.Restore(h.ctx))

	want, err := h.engine.Pool("p1")
	require.NoError(t, err)
	got, err := restarted.Pool("p1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	h.clock.Advance(10)
	_, pending, err := restarted.User("p1", alice)
	require.NoError(t, err)
	assert.Equal(t, []uint64{100}, pending)
	assert.Len(t, restarted.Vaults(), 1)
	assert.Len(t, restarted.Lockers(), 1)
}

func TestMintDisabled(t *testing.T) {
	h := newHarness(t)
	e := New(h.ledger, h.clock, nil, Config{})
	assert.ErrorIs(t, e.Mint(h.ctx, admin, "X", alice, 1), farming.ErrUnauthorized)
	assert.ErrorIs(t, h.engine.Mint(h.ctx, admin, "X", alice, 0), farming.ErrInvalidArgument)

	h.mint(t, "X", alice, 5)
	bals, err := h.engine.Balances(h.ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"X": 5}, bals)
}

func TestConcurrentDepositsSerialize(t *testing.T) {
	h := newHarness(t)
	h.setupPool(t)
	owners := []string{"0x1", "0x2", "0x3", "0x4", "0x5", "0x6", "0x7", "0x8"}
	for _, o := range owners {
		h.mint(t, "STAKE", o, 100)
		_, err := h.engine.CreateUser(h.ctx, o, "p1")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for _, o := range owners {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, h.engine.Deposit(h.ctx, owner, "p1", 10))
			}
		}(o)
	}
	wg.Wait()

	pool, err := h.engine.Pool("p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100+100*len(owners)), pool.TotalStaked)
	assert.Equal(t, pool.TotalStaked, h.balance(t, "STAKE", farming.StakingVaultAccount("p1")))
}

type jsonCache struct {
	mu   sync.Mutex
	data map[string][]byte
	sets int
}

func (c *jsonCache) Get(_ context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.data[key]
	if !ok {
		return errors.New("miss")
	}
	return json.Unmarshal(raw, dest)
}

func (c *jsonCache) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.data[key] = raw
	c.sets++
	return nil
}

func TestQuotesAreCached(t *testing.T) {
	h := newHarness(t)
	h.setupPool(t)
	require.NoError(t, h.engine.Fund(h.ctx, admin, "p1", 1000, 0))

	cache := &jsonCache{data: map[string][]byte{}}
	quotes := NewQuoteService(h.engine, cache, time.Minute, nil)

	q, err := quotes.PoolQuote(h.ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), q.TotalStaked)
	require.Len(t, q.Rewards, 1)
	assert.Equal(t, "10000000000000", q.Rewards[0].Rate)
	assert.True(t, q.Rewards[0].APR.IsPositive())

	require.NoError(t, h.engine.Deposit(h.ctx, alice, "p1", 100))
	q, err = quotes.PoolQuote(h.ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(100), q.TotalStaked, "served from cache")
	assert.Equal(t, 1, cache.sets)

	uncached := NewQuoteService(h.engine, nil, 0, nil)
	q, err = uncached.PoolQuote(h.ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), q.TotalStaked)

	_, err = uncached.PoolQuote(h.ctx, "missing")
	assert.ErrorIs(t, err, farming.ErrNotFound)
}

func TestVaultQuote(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateVault(h.ctx, admin, vault.NewVaultParams{ID: "v1", Asset: "USDC"})
	require.NoError(t, err)
	h.mint(t, "USDC", alice, 1000)
	h.mint(t, "USDC", admin, 1000)
	_, err = h.engine.VaultStake(h.ctx, alice, "v1", 1000)
	require.NoError(t, err)
	require.NoError(t, h.engine.VaultReward(h.ctx, admin, "v1", 1000))

	q, err := NewQuoteService(h.engine, nil, 0, nil).VaultQuote(h.ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), q.LockedProfit)
	assert.Equal(t, "1", q.VirtualPrice.String())
	// default degradation rounds the week up by one second
	assert.Equal(t, uint64(1000+604801), q.FullyUnlocked)
	assert.True(t, q.APR.IsPositive())
}
