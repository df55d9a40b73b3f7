// Package engine serializes farming and vault operations, moves tokens
// through the ledger and commits state only when every step succeeded.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/host"
	"github.com/leafsii/leafsii-farming/internal/locking"
	"github.com/leafsii/leafsii-farming/internal/vault"
	"go.uber.org/zap"
)

type Config struct {
	MinDuration uint64
	// AllowMint enables the ledger faucet. Dev only.
	AllowMint bool
	// ReleaseWindow bounds locker release dates. The zero value accepts any date.
	ReleaseWindow locking.ReleaseWindow
}

type Engine struct {
	mu sync.Mutex

	pools   map[string]*farming.Pool
	users   map[UserKey]*farming.UserPosition
	vaults  map[string]*vault.Vault
	lockers map[string]*locking.Locker

	ledger    host.Ledger
	clock     host.Clock
	store     StateStore
	publisher Publisher
	recorder  Recorder
	logger    *zap.SugaredLogger
	cfg       Config
}

type Option func(*Engine)

func WithStateStore(s StateStore) Option { return func(e *Engine) { e.store = s } }
func WithPublisher(p Publisher) Option   { return func(e *Engine) { e.publisher = p } }
func WithRecorder(r Recorder) Option     { return func(e *Engine) { e.recorder = r } }

func New(ledger host.Ledger, clock host.Clock, logger *zap.SugaredLogger, cfg Config, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Engine{
		pools:  make(map[string]*farming.Pool),
		users:  make(map[UserKey]*farming.UserPosition),
		vaults:  make(map[string]*vault.Vault),
		lockers: make(map[string]*locking.Locker),
		ledger:  ledger,
		clock:   clock,
		logger:  logger,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Restore replaces in-memory state with what the state store holds.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	snap, err := e.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pools = make(map[string]*farming.Pool, len(snap.Pools))
	for _, p := range snap.Pools {
		e.pools[p.ID] = p
	}
	e.users = make(map[UserKey]*farming.UserPosition, len(snap.Users))
	for _, u := range snap.Users {
		e.users[UserKey{Pool: u.Pool, Owner: u.Owner}] = u
	}
	e.vaults = make(map[string]*vault.Vault, len(snap.Vaults))
	for _, v := range snap.Vaults {
		e.vaults[v.ID] = v
	}
	e.lockers = make(map[string]*locking.Locker, len(snap.Lockers))
	for _, l := range snap.Lockers {
		e.lockers[l.ID] = l
	}
	e.logger.Infow("Engine state restored",
		"pools", len(e.pools), "users", len(e.users), "vaults", len(e.vaults), "lockers", len(e.lockers))
	return nil
}

// txn collects the copies an operation mutates and the side effects it needs.
type txn struct {
	ctx  context.Context
	e    *Engine
	now  uint64
	op   string
	tags []interface{}

	pools        map[string]*farming.Pool
	deletedPools map[string]bool
	users        map[UserKey]*farming.UserPosition
	deletedUsers map[UserKey]bool
	vaults       map[string]*vault.Vault
	lockers      map[string]*locking.Locker
	transfers    []host.Transfer
	// mints credit To from nothing; From is unused.
	mints  []host.Transfer
	events []Event
}

func (tx *txn) pool(id string) (*farming.Pool, error) {
	if p, ok := tx.pools[id]; ok {
		return p, nil
	}
	p, ok := tx.e.pools[id]
	if !ok || tx.deletedPools[id] {
		return nil, fmt.Errorf("%w: pool %s", farming.ErrNotFound, id)
	}
	c := p.Clone()
	tx.pools[id] = c
	return c, nil
}

func (tx *txn) user(poolID, owner string) (*farming.UserPosition, error) {
	key := UserKey{Pool: poolID, Owner: owner}
	if u, ok := tx.users[key]; ok {
		return u, nil
	}
	u, ok := tx.e.users[key]
	if !ok || tx.deletedUsers[key] {
		return nil, fmt.Errorf("%w: no position for %s in pool %s", farming.ErrNotFound, owner, poolID)
	}
	c := u.Clone()
	tx.users[key] = c
	return c, nil
}

func (tx *txn) vault(id string) (*vault.Vault, error) {
	if v, ok := tx.vaults[id]; ok {
		return v, nil
	}
	v, ok := tx.e.vaults[id]
	if !ok {
		return nil, fmt.Errorf("%w: vault %s", farming.ErrNotFound, id)
	}
	c := v.Clone()
	tx.vaults[id] = c
	return c, nil
}

func (tx *txn) locker(id string) (*locking.Locker, error) {
	if l, ok := tx.lockers[id]; ok {
		return l, nil
	}
	l, ok := tx.e.lockers[id]
	if !ok {
		return nil, fmt.Errorf("%w: locker %s", farming.ErrNotFound, id)
	}
	c := l.Clone()
	tx.lockers[id] = c
	return c, nil
}

func (tx *txn) balance(asset, account string) (uint64, error) {
	bal, err := tx.e.ledger.Balance(tx.ctx, asset, account)
	if err != nil {
		return 0, fmt.Errorf("read %s balance of %s: %w", asset, account, err)
	}
	return bal, nil
}

func (tx *txn) rewardVaultBalances(p *farming.Pool) ([]uint64, error) {
	out := make([]uint64, len(p.Rewards))
	for i, r := range p.Rewards {
		bal, err := tx.balance(r.Asset, r.Vault)
		if err != nil {
			return nil, err
		}
		out[i] = bal
	}
	return out, nil
}

func (tx *txn) transfer(transfers ...host.Transfer) {
	tx.transfers = append(tx.transfers, transfers...)
}

func (tx *txn) emit(ev Event) {
	ev.ID = uuid.NewString()
	ev.Kind = tx.op
	ev.Time = tx.now
	ev.CreatedAt = time.Now().UTC()
	tx.events = append(tx.events, ev)
}

// execute runs fn against copies of the touched records under the engine lock
// and commits them only if fn, the ledger and the state store all succeed.
func (e *Engine) execute(ctx context.Context, op string, fn func(tx *txn) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := &txn{
		ctx:          ctx,
		e:            e,
		now:          e.clock.Now(),
		op:           op,
		pools:        make(map[string]*farming.Pool),
		deletedPools: make(map[string]bool),
		users:        make(map[UserKey]*farming.UserPosition),
		deletedUsers: make(map[UserKey]bool),
		vaults:       make(map[string]*vault.Vault),
		lockers:      make(map[string]*locking.Locker),
	}

	err := fn(tx)
	if err == nil {
		err = e.commit(ctx, tx)
	}

	if e.recorder != nil {
		e.recorder.RecordOperation(ctx, op, err)
	}
	if err != nil {
		e.logger.Debugw("Operation rejected", append([]interface{}{"op", op, "error", err}, tx.tags...)...)
		return err
	}
	e.logger.Infow("Operation committed", append([]interface{}{"op", op, "transfers", len(tx.transfers), "now", tx.now}, tx.tags...)...)
	return nil
}

func (e *Engine) commit(ctx context.Context, tx *txn) error {
	if err := e.ledger.Apply(ctx, tx.transfers...); err != nil {
		if errors.Is(err, host.ErrInsufficientFunds) {
			return fmt.Errorf("%w: %w", farming.ErrInsufficientBalance, err)
		}
		return fmt.Errorf("apply transfers: %w", err)
	}

	for i, m := range tx.mints {
		if err := e.ledger.Mint(ctx, m.Asset, m.To, m.Amount); err != nil {
			e.rollback(ctx, tx, tx.mints[:i], err)
			return fmt.Errorf("mint %s: %w", m.Asset, err)
		}
	}

	change := tx.change()
	if e.store != nil {
		if err := e.store.Commit(ctx, change); err != nil {
			e.rollback(ctx, tx, tx.mints, err)
			return fmt.Errorf("persist %s: %w", tx.op, err)
		}
	}

	for id, p := range tx.pools {
		if !tx.deletedPools[id] {
			e.pools[id] = p
		}
	}
	for id := range tx.deletedPools {
		delete(e.pools, id)
	}
	for key, u := range tx.users {
		if !tx.deletedUsers[key] {
			e.users[key] = u
		}
	}
	for key := range tx.deletedUsers {
		delete(e.users, key)
	}
	for id, v := range tx.vaults {
		e.vaults[id] = v
	}
	for id, l := range tx.lockers {
		e.lockers[id] = l
	}

	e.publish(ctx, tx.events)
	return nil
}

// rollback undoes the ledger side of a commit that failed after Apply.
func (e *Engine) rollback(ctx context.Context, tx *txn, minted []host.Transfer, cause error) {
	for i := len(minted) - 1; i >= 0; i-- {
		m := minted[i]
		if err := e.ledger.Burn(ctx, m.Asset, m.To, m.Amount); err != nil {
			e.logger.Errorw("Failed to burn mint during rollback",
				"op", tx.op, "asset", m.Asset, "account", m.To, "cause", cause, "rollback_error", err)
		}
	}
	if err := e.ledger.Apply(ctx, reverse(tx.transfers)...); err != nil {
		e.logger.Errorw("Failed to roll back transfers",
			"op", tx.op, "cause", cause, "rollback_error", err)
	}
}

func (tx *txn) change() Change {
	var c Change
	for id, p := range tx.pools {
		if !tx.deletedPools[id] {
			c.Pools = append(c.Pools, p)
		}
	}
	for id := range tx.deletedPools {
		c.DeletedPools = append(c.DeletedPools, id)
	}
	for key, u := range tx.users {
		if !tx.deletedUsers[key] {
			c.Users = append(c.Users, u)
		}
	}
	for key := range tx.deletedUsers {
		c.DeletedUsers = append(c.DeletedUsers, key)
	}
	for _, v := range tx.vaults {
		c.Vaults = append(c.Vaults, v)
	}
	for _, l := range tx.lockers {
		c.Lockers = append(c.Lockers, l)
	}
	c.Events = tx.events
	return c
}

func reverse(transfers []host.Transfer) []host.Transfer {
	out := make([]host.Transfer, 0, len(transfers))
	for i := len(transfers) - 1; i >= 0; i-- {
		t := transfers[i]
		out = append(out, host.Transfer{Asset: t.Asset, Amount: t.Amount, From: t.To, To: t.From})
	}
	return out
}

func (e *Engine) publish(ctx context.Context, events []Event) {
	if e.publisher == nil {
		return
	}
	for _, ev := range events {
		if err := e.publisher.Publish(ctx, EventChannel(ev.Kind), ev); err != nil {
			e.logger.Warnw("Failed to publish event", "kind", ev.Kind, "id", ev.ID, "error", err)
		}
	}
}

// Pools returns copies of every pool, ordered by id.
func (e *Engine) Pools() []*farming.Pool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*farming.Pool, 0, len(e.pools))
	for _, p := range e.pools {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Pool(id string) (*farming.Pool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: pool %s", farming.ErrNotFound, id)
	}
	return p.Clone(), nil
}

// User returns a copy of the position and what it could claim right now.
func (e *Engine) User(poolID, owner string) (*farming.UserPosition, []uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pools[poolID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: pool %s", farming.ErrNotFound, poolID)
	}
	u, ok := e.users[UserKey{Pool: poolID, Owner: owner}]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no position for %s in pool %s", farming.ErrNotFound, owner, poolID)
	}
	pending, err := p.PendingRewards(u, e.clock.Now())
	if err != nil {
		return nil, nil, err
	}
	return u.Clone(), pending, nil
}

func (e *Engine) Vaults() []*vault.Vault {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*vault.Vault, 0, len(e.vaults))
	for _, v := range e.vaults {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Vault(id string) (*vault.Vault, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.vaults[id]
	if !ok {
		return nil, fmt.Errorf("%w: vault %s", farming.ErrNotFound, id)
	}
	return v.Clone(), nil
}

func (e *Engine) Now() uint64 {
	return e.clock.Now()
}

// Balances lists what account holds on the ledger.
func (e *Engine) Balances(ctx context.Context, account string) (map[string]uint64, error) {
	return e.ledger.Balances(ctx, account)
}

// Mint credits account from nothing. Refused unless the engine allows it.
func (e *Engine) Mint(ctx context.Context, caller, asset, account string, amount uint64) error {
	if !e.cfg.AllowMint {
		return fmt.Errorf("%w: minting is disabled", farming.ErrUnauthorized)
	}
	if amount == 0 || asset == "" || account == "" {
		return fmt.Errorf("%w: asset, account and a positive amount are required", farming.ErrInvalidArgument)
	}
	return e.execute(ctx, EventMint, func(tx *txn) error {
		tx.mints = append(tx.mints, host.Transfer{Asset: asset, Amount: amount, To: account})
		tx.emit(Event{Actor: caller, Target: account, Amounts: amounts(amount)})
		return nil
	})
}
