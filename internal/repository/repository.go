package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/leafsii/leafsii-farming/internal/engine"
	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/locking"
	"github.com/leafsii/leafsii-farming/internal/vault"
	"go.uber.org/zap"
)

// Repository persists engine state in postgres. It implements engine.StateStore.
type Repository struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewRepository(db *sql.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

var _ engine.StateStore = (*Repository)(nil)

// Commit writes one operation's change in a single transaction.
func (r *Repository) Commit(ctx context.Context, change engine.Change) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, p := range change.Pools {
		if err := upsertPool(ctx, tx, p); err != nil {
			return err
		}
	}
	for _, key := range change.DeletedUsers {
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_positions WHERE pool_id = $1 AND owner = $2`, key.Pool, key.Owner); err != nil {
			return fmt.Errorf("failed to delete user position: %w", err)
		}
	}
	for _, u := range change.Users {
		if err := upsertUser(ctx, tx, u); err != nil {
			return err
		}
	}
	for _, id := range change.DeletedPools {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pools WHERE id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete pool: %w", err)
		}
	}
	for _, v := range change.Vaults {
		if err := upsertVault(ctx, tx, v); err != nil {
			return err
		}
	}
	for _, l := range change.Lockers {
		if err := upsertLocker(ctx, tx, l); err != nil {
			return err
		}
	}
	if err := insertEvents(ctx, tx, change.Events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertPool(ctx context.Context, tx *sql.Tx, p *farming.Pool) error {
	funders, err := json.Marshal(p.Funders)
	if err != nil {
		return fmt.Errorf("failed to marshal funders: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pools (id, admin, staking_asset, staking_vault, total_staked, last_update_time,
			reward_duration, reward_duration_end, paused, funders, user_stake_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (id) DO UPDATE SET
			admin = EXCLUDED.admin,
			total_staked = EXCLUDED.total_staked,
			last_update_time = EXCLUDED.last_update_time,
			reward_duration = EXCLUDED.reward_duration,
			reward_duration_end = EXCLUDED.reward_duration_end,
			paused = EXCLUDED.paused,
			funders = EXCLUDED.funders,
			user_stake_count = EXCLUDED.user_stake_count,
			updated_at = NOW()
	`,
		p.ID, p.Admin, p.StakingAsset, p.StakingVault,
		u64(p.TotalStaked), u64(p.LastUpdateTime), u64(p.RewardDuration), u64(p.RewardDurationEnd),
		p.Paused, funders, u64(p.UserStakeCount),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert pool %s: %w", p.ID, err)
	}

	for i, rs := range p.Rewards {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pool_rewards (pool_id, idx, asset, vault, rate, per_token_stored)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (pool_id, idx) DO UPDATE SET
				rate = EXCLUDED.rate,
				per_token_stored = EXCLUDED.per_token_stored
		`, p.ID, i, rs.Asset, rs.Vault, u64(rs.Rate), rs.PerTokenStored.Dec())
		if err != nil {
			return fmt.Errorf("failed to upsert reward state %s/%d: %w", p.ID, i, err)
		}
	}
	return nil
}

func upsertUser(ctx context.Context, tx *sql.Tx, u *farming.UserPosition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO user_positions (pool_id, owner, balance_staked, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (pool_id, owner) DO UPDATE SET
			balance_staked = EXCLUDED.balance_staked,
			updated_at = NOW()
	`, u.Pool, u.Owner, u64(u.BalanceStaked))
	if err != nil {
		return fmt.Errorf("failed to upsert user position: %w", err)
	}

	for i, rw := range u.Rewards {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO user_rewards (pool_id, owner, idx, per_token_complete, per_token_pending)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (pool_id, owner, idx) DO UPDATE SET
				per_token_complete = EXCLUDED.per_token_complete,
				per_token_pending = EXCLUDED.per_token_pending
		`, u.Pool, u.Owner, i, rw.PerTokenComplete.Dec(), u64(rw.PerTokenPending))
		if err != nil {
			return fmt.Errorf("failed to upsert user reward: %w", err)
		}
	}
	return nil
}

func upsertVault(ctx context.Context, tx *sql.Tx, v *vault.Vault) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO vaults (id, asset, account, admin, funder, total_amount, receipt_supply,
			last_updated_locked_reward, last_report, degradation, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (id) DO UPDATE SET
			admin = EXCLUDED.admin,
			funder = EXCLUDED.funder,
			total_amount = EXCLUDED.total_amount,
			receipt_supply = EXCLUDED.receipt_supply,
			last_updated_locked_reward = EXCLUDED.last_updated_locked_reward,
			last_report = EXCLUDED.last_report,
			degradation = EXCLUDED.degradation,
			updated_at = NOW()
	`,
		v.ID, v.Asset, v.Account, v.Admin, v.Funder, u64(v.TotalAmount), u64(v.ReceiptSupply),
		u64(v.Tracker.LastUpdatedLockedReward), u64(v.Tracker.LastReport), u64(v.Tracker.Degradation),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert vault %s: %w", v.ID, err)
	}

	// receipts are small per vault, rewrite them wholesale
	if _, err := tx.ExecContext(ctx, `DELETE FROM vault_receipts WHERE vault_id = $1`, v.ID); err != nil {
		return fmt.Errorf("failed to clear vault receipts: %w", err)
	}
	for owner, amount := range v.Receipts {
		if amount == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO vault_receipts (vault_id, owner, amount) VALUES ($1, $2, $3)`,
			v.ID, owner, u64(amount)); err != nil {
			return fmt.Errorf("failed to insert vault receipt: %w", err)
		}
	}
	return nil
}

func upsertLocker(ctx context.Context, tx *sql.Tx, l *locking.Locker) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO lockers (id, asset, account, admin, release_date, receipt_supply, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			release_date = EXCLUDED.release_date,
			receipt_supply = EXCLUDED.receipt_supply,
			updated_at = NOW()
	`, l.ID, l.Asset, l.Account, l.Admin, u64(l.ReleaseDate), u64(l.ReceiptSupply))
	if err != nil {
		return fmt.Errorf("failed to upsert locker %s: %w", l.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM locker_receipts WHERE locker_id = $1`, l.ID); err != nil {
		return fmt.Errorf("failed to clear locker receipts: %w", err)
	}
	for owner, amount := range l.Receipts {
		if amount == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO locker_receipts (locker_id, owner, amount) VALUES ($1, $2, $3)`,
			l.ID, owner, u64(amount)); err != nil {
			return fmt.Errorf("failed to insert locker receipt: %w", err)
		}
	}
	return nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, events []engine.Event) error {
	if len(events) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, kind, pool_id, vault_id, locker_id, actor, target, amounts, at, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, ''), $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		amountsJSON, err := json.Marshal(nonNil(ev.Amounts))
		if err != nil {
			return fmt.Errorf("failed to marshal event amounts: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.Kind, ev.Pool, ev.Vault, ev.Locker, ev.Actor, ev.Target,
			amountsJSON, u64(ev.Time), ev.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	return nil
}

// Load reads the whole persisted state.
func (r *Repository) Load(ctx context.Context) (*engine.Snapshot, error) {
	snap := &engine.Snapshot{}

	pools, err := r.loadPools(ctx)
	if err != nil {
		return nil, err
	}
	snap.Pools = pools

	users, err := r.loadUsers(ctx)
	if err != nil {
		return nil, err
	}
	snap.Users = users

	vaults, err := r.loadVaults(ctx)
	if err != nil {
		return nil, err
	}
	snap.Vaults = vaults

	lockers, err := r.loadLockers(ctx)
	if err != nil {
		return nil, err
	}
	snap.Lockers = lockers

	r.logger.Infow("Loaded persisted state",
		"pools", len(pools), "users", len(users), "vaults", len(vaults), "lockers", len(lockers))
	return snap, nil
}

func (r *Repository) loadPools(ctx context.Context) ([]*farming.Pool, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, admin, staking_asset, staking_vault, total_staked::TEXT, last_update_time::TEXT,
			reward_duration::TEXT, reward_duration_end::TEXT, paused, funders, user_stake_count::TEXT
		FROM pools ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pools: %w", err)
	}
	defer rows.Close()

	var pools []*farming.Pool
	byID := make(map[string]*farming.Pool)
	for rows.Next() {
		var (
			p                                   farming.Pool
			total, last, duration, end, stakers string
			funders                             []byte
		)
		if err := rows.Scan(&p.ID, &p.Admin, &p.StakingAsset, &p.StakingVault, &total, &last,
			&duration, &end, &p.Paused, &funders, &stakers); err != nil {
			return nil, fmt.Errorf("failed to scan pool: %w", err)
		}
		if err := parseU64s(
			field{"total_staked", total, &p.TotalStaked},
			field{"last_update_time", last, &p.LastUpdateTime},
			field{"reward_duration", duration, &p.RewardDuration},
			field{"reward_duration_end", end, &p.RewardDurationEnd},
			field{"user_stake_count", stakers, &p.UserStakeCount},
		); err != nil {
			return nil, fmt.Errorf("pool %s: %w", p.ID, err)
		}
		if err := json.Unmarshal(funders, &p.Funders); err != nil {
			return nil, fmt.Errorf("failed to unmarshal funders of pool %s: %w", p.ID, err)
		}
		pools = append(pools, &p)
		byID[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	rewards, err := r.db.QueryContext(ctx, `
		SELECT pool_id, idx, asset, vault, rate::TEXT, per_token_stored::TEXT
		FROM pool_rewards ORDER BY pool_id, idx
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query reward states: %w", err)
	}
	defer rewards.Close()

	for rewards.Next() {
		var (
			poolID, rate, stored string
			idx                  int
			rs                   farming.RewardState
		)
		if err := rewards.Scan(&poolID, &idx, &rs.Asset, &rs.Vault, &rate, &stored); err != nil {
			return nil, fmt.Errorf("failed to scan reward state: %w", err)
		}
		p, ok := byID[poolID]
		if !ok || idx != len(p.Rewards) {
			return nil, fmt.Errorf("reward state %s/%d out of order", poolID, idx)
		}
		if err := parseU64s(field{"rate", rate, &rs.Rate}); err != nil {
			return nil, fmt.Errorf("pool %s: %w", poolID, err)
		}
		if err := parseU128(stored, &rs.PerTokenStored); err != nil {
			return nil, fmt.Errorf("pool %s per_token_stored: %w", poolID, err)
		}
		p.Rewards = append(p.Rewards, rs)
	}
	if err := rewards.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return pools, nil
}

func (r *Repository) loadUsers(ctx context.Context) ([]*farming.UserPosition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT pool_id, owner, balance_staked::TEXT FROM user_positions ORDER BY pool_id, owner
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query user positions: %w", err)
	}
	defer rows.Close()

	var users []*farming.UserPosition
	byKey := make(map[engine.UserKey]*farming.UserPosition)
	for rows.Next() {
		var (
			u       farming.UserPosition
			balance string
		)
		if err := rows.Scan(&u.Pool, &u.Owner, &balance); err != nil {
			return nil, fmt.Errorf("failed to scan user position: %w", err)
		}
		if err := parseU64s(field{"balance_staked", balance, &u.BalanceStaked}); err != nil {
			return nil, err
		}
		users = append(users, &u)
		byKey[engine.UserKey{Pool: u.Pool, Owner: u.Owner}] = &u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	rewards, err := r.db.QueryContext(ctx, `
		SELECT pool_id, owner, idx, per_token_complete::TEXT, per_token_pending::TEXT
		FROM user_rewards ORDER BY pool_id, owner, idx
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query user rewards: %w", err)
	}
	defer rewards.Close()

	for rewards.Next() {
		var (
			key               engine.UserKey
			idx               int
			complete, pending string
			rw                farming.UserReward
		)
		if err := rewards.Scan(&key.Pool, &key.Owner, &idx, &complete, &pending); err != nil {
			return nil, fmt.Errorf("failed to scan user reward: %w", err)
		}
		u, ok := byKey[key]
		if !ok || idx != len(u.Rewards) {
			return nil, fmt.Errorf("user reward %s/%s/%d out of order", key.Pool, key.Owner, idx)
		}
		if err := parseU128(complete, &rw.PerTokenComplete); err != nil {
			return nil, fmt.Errorf("per_token_complete: %w", err)
		}
		if err := parseU64s(field{"per_token_pending", pending, &rw.PerTokenPending}); err != nil {
			return nil, err
		}
		u.Rewards = append(u.Rewards, rw)
	}
	if err := rewards.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return users, nil
}

func (r *Repository) loadVaults(ctx context.Context) ([]*vault.Vault, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, asset, account, admin, funder, total_amount::TEXT, receipt_supply::TEXT,
			last_updated_locked_reward::TEXT, last_report::TEXT, degradation::TEXT
		FROM vaults ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query vaults: %w", err)
	}
	defer rows.Close()

	var vaults []*vault.Vault
	byID := make(map[string]*vault.Vault)
	for rows.Next() {
		var (
			v                                          vault.Vault
			total, supply, locked, report, degradation string
		)
		if err := rows.Scan(&v.ID, &v.Asset, &v.Account, &v.Admin, &v.Funder, &total, &supply,
			&locked, &report, &degradation); err != nil {
			return nil, fmt.Errorf("failed to scan vault: %w", err)
		}
		if err := parseU64s(
			field{"total_amount", total, &v.TotalAmount},
			field{"receipt_supply", supply, &v.ReceiptSupply},
			field{"last_updated_locked_reward", locked, &v.Tracker.LastUpdatedLockedReward},
			field{"last_report", report, &v.Tracker.LastReport},
			field{"degradation", degradation, &v.Tracker.Degradation},
		); err != nil {
			return nil, fmt.Errorf("vault %s: %w", v.ID, err)
		}
		v.Receipts = make(map[string]uint64)
		vaults = append(vaults, &v)
		byID[v.ID] = &v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	receipts, err := r.db.QueryContext(ctx, `SELECT vault_id, owner, amount::TEXT FROM vault_receipts`)
	if err != nil {
		return nil, fmt.Errorf("failed to query vault receipts: %w", err)
	}
	defer receipts.Close()

	for receipts.Next() {
		var (
			vaultID, owner, amount string
			n                      uint64
		)
		if err := receipts.Scan(&vaultID, &owner, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan vault receipt: %w", err)
		}
		v, ok := byID[vaultID]
		if !ok {
			return nil, fmt.Errorf("receipt for unknown vault %s", vaultID)
		}
		if err := parseU64s(field{"amount", amount, &n}); err != nil {
			return nil, err
		}
		v.Receipts[owner] = n
	}
	if err := receipts.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return vaults, nil
}

func (r *Repository) loadLockers(ctx context.Context) ([]*locking.Locker, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, asset, account, admin, release_date::TEXT, receipt_supply::TEXT
		FROM lockers ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query lockers: %w", err)
	}
	defer rows.Close()

	var lockers []*locking.Locker
	byID := make(map[string]*locking.Locker)
	for rows.Next() {
		var (
			l                   locking.Locker
			releaseDate, supply string
		)
		if err := rows.Scan(&l.ID, &l.Asset, &l.Account, &l.Admin, &releaseDate, &supply); err != nil {
			return nil, fmt.Errorf("failed to scan locker: %w", err)
		}
		if err := parseU64s(
			field{"release_date", releaseDate, &l.ReleaseDate},
			field{"receipt_supply", supply, &l.ReceiptSupply},
		); err != nil {
			return nil, fmt.Errorf("locker %s: %w", l.ID, err)
		}
		l.Receipts = make(map[string]uint64)
		lockers = append(lockers, &l)
		byID[l.ID] = &l
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	receipts, err := r.db.QueryContext(ctx, `SELECT locker_id, owner, amount::TEXT FROM locker_receipts`)
	if err != nil {
		return nil, fmt.Errorf("failed to query locker receipts: %w", err)
	}
	defer receipts.Close()

	for receipts.Next() {
		var (
			lockerID, owner, amount string
			n                       uint64
		)
		if err := receipts.Scan(&lockerID, &owner, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan locker receipt: %w", err)
		}
		l, ok := byID[lockerID]
		if !ok {
			return nil, fmt.Errorf("receipt for unknown locker %s", lockerID)
		}
		if err := parseU64s(field{"amount", amount, &n}); err != nil {
			return nil, err
		}
		l.Receipts[owner] = n
	}
	if err := receipts.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return lockers, nil
}

// EventsFor returns events where address is the actor or the target, newest
// first. cursor is the opaque value returned by the previous page.
func (r *Repository) EventsFor(ctx context.Context, address string, limit int, cursor string) ([]engine.Event, string, error) {
	before := time.Now().Add(time.Hour)
	if cursor != "" {
		nanos, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor format: %w", err)
		}
		before = time.Unix(0, nanos)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, COALESCE(pool_id, ''), COALESCE(vault_id, ''), COALESCE(locker_id, ''), actor, COALESCE(target, ''),
			amounts, at::TEXT, created_at
		FROM events
		WHERE (actor = $1 OR target = $1) AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, address, before, limit+1) // +1 to check if there are more
	if err != nil {
		return nil, "", fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []engine.Event
	var hasMore bool
	for rows.Next() {
		if len(events) >= limit {
			hasMore = true
			break
		}

		var (
			ev          engine.Event
			amountsJSON []byte
			at          string
		)
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Pool, &ev.Vault, &ev.Locker, &ev.Actor, &ev.Target,
			&amountsJSON, &at, &ev.CreatedAt); err != nil {
			return nil, "", fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal(amountsJSON, &ev.Amounts); err != nil {
			return nil, "", fmt.Errorf("failed to unmarshal event amounts: %w", err)
		}
		if err := parseU64s(field{"at", at, &ev.Time}); err != nil {
			return nil, "", err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("row iteration error: %w", err)
	}

	var nextCursor string
	if hasMore && len(events) > 0 {
		nextCursor = strconv.FormatInt(events[len(events)-1].CreatedAt.UnixNano(), 10)
	}
	return events, nextCursor, nil
}

// Health check
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// u64 renders a value for a NUMERIC(20,0) column; database/sql has no uint64
// driver value above MaxInt64.
func u64(v uint64) string {
	return strconv.FormatUint(v, 10)
}

type field struct {
	name string
	raw  string
	dst  *uint64
}

func parseU64s(fields ...field) error {
	for _, f := range fields {
		v, err := strconv.ParseUint(f.raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = v
	}
	return nil
}

var errU128Overflow = errors.New("value exceeds 128 bits")

func parseU128(raw string, dst *uint256.Int) error {
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return fmt.Errorf("invalid u128 %q: %w", raw, err)
	}
	if v.BitLen() > 128 {
		return errU128Overflow
	}
	dst.Set(v)
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
