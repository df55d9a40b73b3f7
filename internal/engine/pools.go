package engine

import (
	"context"
	"fmt"

	"github.com/leafsii/leafsii-farming/internal/farming"
)

func (e *Engine) CreatePool(ctx context.Context, caller string, params farming.NewPoolParams) (*farming.Pool, error) {
	var created *farming.Pool
	err := e.execute(ctx, EventCreatePool, func(tx *txn) error {
		tx.tags = append(tx.tags, "pool", params.ID)
		if params.Admin == "" {
			params.Admin = caller
		}
		if caller != params.Admin {
			return fmt.Errorf("%w: pools are created by their admin", farming.ErrUnauthorized)
		}
		if _, ok := e.pools[params.ID]; ok {
			return fmt.Errorf("%w: pool %s", farming.ErrDuplicateAccount, params.ID)
		}
		p, err := farming.NewPool(params, e.cfg.MinDuration)
		if err != nil {
			return err
		}
		tx.pools[p.ID] = p
		created = p.Clone()
		tx.emit(Event{Pool: p.ID, Actor: caller})
		return nil
	})
	return created, err
}

// Fund tops up the reward window. amountB must be zero for a single reward pool.
func (e *Engine) Fund(ctx context.Context, caller, poolID string, amountA, amountB uint64) error {
	return e.execute(ctx, EventFund, func(tx *txn) error {
		tx.tags = append(tx.tags, "pool", poolID)
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		transfers, err := p.Fund(caller, amountA, amountB, tx.now)
		if err != nil {
			return err
		}
		tx.transfer(transfers...)
		tx.emit(Event{Pool: poolID, Actor: caller, Amounts: amounts(amountA, amountB)})
		return nil
	})
}

func (e *Engine) Pause(ctx context.Context, caller, poolID string) error {
	return e.execute(ctx, EventPause, func(tx *txn) error {
		tx.tags = append(tx.tags, "pool", poolID)
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		if err := p.Pause(caller, tx.now); err != nil {
			return err
		}
		tx.emit(Event{Pool: poolID, Actor: caller})
		return nil
	})
}

func (e *Engine) Unpause(ctx context.Context, caller, poolID string) error {
	return e.execute(ctx, EventUnpause, func(tx *txn) error {
		tx.tags = append(tx.tags, "pool", poolID)
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		if err := p.Unpause(caller, tx.now); err != nil {
			return err
		}
		tx.emit(Event{Pool: poolID, Actor: caller})
		return nil
	})
}

func (e *Engine) AuthorizeFunder(ctx context.Context, caller, poolID, funder string) error {
	return e.execute(ctx, EventAuthorizeFunder, func(tx *txn) error {
		tx.tags = append(tx.tags, "pool", poolID, "funder", funder)
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		if err := p.AuthorizeFunder(caller, funder); err != nil {
			return err
		}
		tx.emit(Event{Pool: poolID, Actor: caller, Target: funder})
		return nil
	})
}

func (e *Engine) DeauthorizeFunder(ctx context.Context, caller, poolID, funder string) error {
	return e.execute(ctx, EventDeauthorizeFunder, func(tx *txn) error {
		tx.tags = append(tx.tags, "pool", poolID, "funder", funder)
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		if err := p.DeauthorizeFunder(caller, funder); err != nil {
			return err
		}
		tx.emit(Event{Pool: poolID, Actor: caller, Target: funder})
		return nil
	})
}

// WithdrawExtraToken sweeps stray staking tokens to `to` and reports how much moved.
func (e *Engine) WithdrawExtraToken(ctx context.Context, caller, poolID, to string) (uint64, error) {
	var extra uint64
	err := e.execute(ctx, EventWithdrawExtra, func(tx *txn) error {
		tx.tags = append(tx.tags, "pool", poolID)
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		held, err := tx.balance(p.StakingAsset, p.StakingVault)
		if err != nil {
			return err
		}
		transfers, n, err := p.WithdrawExtraToken(caller, tx.now, held, to)
		if err != nil {
			return err
		}
		extra = n
		tx.transfer(transfers...)
		tx.emit(Event{Pool: poolID, Actor: caller, Target: to, Amounts: amounts(n)})
		return nil
	})
	return extra, err
}

// ClosePool deletes an emptied pool and refunds leftover rewards to refundee.
func (e *Engine) ClosePool(ctx context.Context, caller, poolID, refundee string) error {
	return e.execute(ctx, EventClosePool, func(tx *txn) error {
		tx.tags = append(tx.tags, "pool", poolID)
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		held, err := tx.balance(p.StakingAsset, p.StakingVault)
		if err != nil {
			return err
		}
		rewards, err := tx.rewardVaultBalances(p)
		if err != nil {
			return err
		}
		transfers, err := p.Close(caller, tx.now, held, rewards, refundee)
		if err != nil {
			return err
		}
		tx.transfer(transfers...)
		tx.deletedPools[poolID] = true
		tx.emit(Event{Pool: poolID, Actor: caller, Target: refundee, Amounts: amounts(rewards...)})
		return nil
	})
}

// CreateUser opens an empty position for caller in poolID.
func (e *Engine) CreateUser(ctx context.Context, caller, poolID string) (*farming.UserPosition, error) {
	var created *farming.UserPosition
	err := e.execute(ctx, EventCreateUser, func(tx *txn) error {
		tx.tags = append(tx.tags, "pool", poolID, "owner", caller)
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		key := UserKey{Pool: poolID, Owner: caller}
		if _, ok := e.users[key]; ok {
			return fmt.Errorf("%w: %s already has a position in pool %s", farming.ErrDuplicateAccount, caller, poolID)
		}
		u, err := p.OpenPosition(caller, caller)
		if err != nil {
			return err
		}
		tx.users[key] = u
		created = u.Clone()
		tx.emit(Event{Pool: poolID, Actor: caller})
		return nil
	})
	return created, err
}

func (e *Engine) CloseUser(ctx context.Context, caller, poolID string) error {
	return e.execute(ctx, EventCloseUser, func(tx *txn) error {
		tx.tags = append(tx.tags, "pool", poolID, "owner", caller)
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		u, err := tx.user(poolID, caller)
		if err != nil {
			return err
		}
		if err := p.ClosePosition(caller, u); err != nil {
			return err
		}
		tx.deletedUsers[UserKey{Pool: poolID, Owner: caller}] = true
		tx.emit(Event{Pool: poolID, Actor: caller})
		return nil
	})
}

func (e *Engine) Deposit(ctx context.Context, caller, poolID string, amount uint64) error {
	return e.execute(ctx, EventDeposit, func(tx *txn) error {
		return tx.deposit(caller, poolID, amount)
	})
}

// DepositFull stakes the caller's whole staking-asset balance.
func (e *Engine) DepositFull(ctx context.Context, caller, poolID string) (uint64, error) {
	var deposited uint64
	err := e.execute(ctx, EventDeposit, func(tx *txn) error {
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		held, err := tx.balance(p.StakingAsset, caller)
		if err != nil {
			return err
		}
		deposited = held
		return tx.deposit(caller, poolID, held)
	})
	return deposited, err
}

func (tx *txn) deposit(caller, poolID string, amount uint64) error {
	tx.tags = append(tx.tags, "pool", poolID, "owner", caller, "amount", amount)
	p, err := tx.pool(poolID)
	if err != nil {
		return err
	}
	u, err := tx.user(poolID, caller)
	if err != nil {
		return err
	}
	transfers, err := p.Deposit(caller, u, amount, tx.now)
	if err != nil {
		return err
	}
	tx.transfer(transfers...)
	tx.emit(Event{Pool: poolID, Actor: caller, Amounts: amounts(amount)})
	return nil
}

func (e *Engine) Withdraw(ctx context.Context, caller, poolID string, amount uint64) error {
	return e.execute(ctx, EventWithdraw, func(tx *txn) error {
		tx.tags = append(tx.tags, "pool", poolID, "owner", caller, "amount", amount)
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		u, err := tx.user(poolID, caller)
		if err != nil {
			return err
		}
		transfers, err := p.Withdraw(caller, u, amount, tx.now)
		if err != nil {
			return err
		}
		tx.transfer(transfers...)
		tx.emit(Event{Pool: poolID, Actor: caller, Amounts: amounts(amount)})
		return nil
	})
}

// Claim pays out what the caller has earned, up to what the reward vaults hold.
func (e *Engine) Claim(ctx context.Context, caller, poolID string) ([]uint64, error) {
	var paid []uint64
	var assets []string
	err := e.execute(ctx, EventClaim, func(tx *txn) error {
		tx.tags = append(tx.tags, "pool", poolID, "owner", caller)
		p, err := tx.pool(poolID)
		if err != nil {
			return err
		}
		u, err := tx.user(poolID, caller)
		if err != nil {
			return err
		}
		balances, err := tx.rewardVaultBalances(p)
		if err != nil {
			return err
		}
		transfers, out, err := p.Claim(caller, u, tx.now, balances)
		if err != nil {
			return err
		}
		paid = out
		for _, r := range p.Rewards {
			assets = append(assets, r.Asset)
		}
		tx.transfer(transfers...)
		tx.emit(Event{Pool: poolID, Actor: caller, Amounts: amounts(out...)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if e.recorder != nil {
		for i, amount := range paid {
			if amount > 0 {
				e.recorder.RecordRewardClaimed(ctx, assets[i], amount)
			}
		}
	}
	return paid, nil
}
