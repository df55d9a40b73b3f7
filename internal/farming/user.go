package farming

import (
	"fmt"

	"github.com/leafsii/leafsii-farming/internal/calc"
	"github.com/leafsii/leafsii-farming/internal/host"
)

// OpenPosition creates an empty position for owner and counts it against the
// pool. The caller guarantees no position exists yet for (pool, owner).
func (p *Pool) OpenPosition(caller, owner string) (*UserPosition, error) {
	const op = "create_user"
	if !validIdentifier(owner) {
		return nil, opErr(op, p.ID, fmt.Errorf("%w: empty owner", ErrInvalidArgument))
	}
	if caller != owner {
		return nil, opErr(op, p.ID, ErrUnauthorized)
	}
	count, err := calc.AddU64(p.UserStakeCount, 1)
	if err != nil {
		return nil, opErr(op, p.ID, err)
	}
	p.UserStakeCount = count

	u := &UserPosition{Pool: p.ID, Owner: owner, Rewards: make([]UserReward, len(p.Rewards))}
	for i, r := range p.Rewards {
		u.Rewards[i].PerTokenComplete = r.PerTokenStored
	}
	return u, nil
}

// ClosePosition releases an empty position.
func (p *Pool) ClosePosition(caller string, u *UserPosition) error {
	const op = "close_user"
	if err := p.checkOwner(caller, u); err != nil {
		return opErr(op, p.ID, err)
	}
	if !u.Empty() {
		return opErr(op, p.ID, fmt.Errorf("%w: position still holds stake or unclaimed reward", ErrNonEmptyAccount))
	}
	count, err := calc.SubU64(p.UserStakeCount, 1)
	if err != nil {
		return opErr(op, p.ID, err)
	}
	p.UserStakeCount = count
	return nil
}

func (p *Pool) checkOwner(caller string, u *UserPosition) error {
	if u == nil || u.Pool != p.ID {
		return fmt.Errorf("%w: position does not belong to this pool", ErrInvalidArgument)
	}
	if caller != u.Owner {
		return ErrUnauthorized
	}
	if len(u.Rewards) != len(p.Rewards) {
		return fmt.Errorf("%w: position tracks %d rewards, pool has %d", ErrInvalidArgument, len(u.Rewards), len(p.Rewards))
	}
	return nil
}

// UpdateUser settles u against the accumulator as of now.
func (p *Pool) UpdateUser(u *UserPosition, now uint64) error {
	if err := p.UpdateGlobal(now); err != nil {
		return err
	}
	next := make([]UserReward, len(u.Rewards))
	for i, r := range p.Rewards {
		earned, err := calc.Earned(u.BalanceStaked, r.PerTokenStored, u.Rewards[i].PerTokenComplete, u.Rewards[i].PerTokenPending)
		if err != nil {
			return err
		}
		next[i] = UserReward{PerTokenComplete: r.PerTokenStored, PerTokenPending: earned}
	}
	u.Rewards = next
	return nil
}

// Deposit stakes amount from the owner into the staking vault.
func (p *Pool) Deposit(caller string, u *UserPosition, amount, now uint64) ([]host.Transfer, error) {
	const op = "deposit"
	if err := p.checkOwner(caller, u); err != nil {
		return nil, opErr(op, p.ID, err)
	}
	if amount == 0 {
		return nil, opErr(op, p.ID, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument))
	}
	if p.Paused {
		return nil, opErr(op, p.ID, ErrPoolPaused)
	}
	if err := p.UpdateUser(u, now); err != nil {
		return nil, opErr(op, p.ID, err)
	}

	balance, err := calc.AddU64(u.BalanceStaked, amount)
	if err != nil {
		return nil, opErr(op, p.ID, err)
	}
	total, err := calc.AddU64(p.TotalStaked, amount)
	if err != nil {
		return nil, opErr(op, p.ID, err)
	}
	u.BalanceStaked = balance
	p.TotalStaked = total

	return []host.Transfer{{Asset: p.StakingAsset, Amount: amount, From: u.Owner, To: p.StakingVault}}, nil
}

// Withdraw returns staked tokens to the owner. Allowed while paused.
func (p *Pool) Withdraw(caller string, u *UserPosition, amount, now uint64) ([]host.Transfer, error) {
	const op = "withdraw"
	if err := p.checkOwner(caller, u); err != nil {
		return nil, opErr(op, p.ID, err)
	}
	if amount == 0 {
		return nil, opErr(op, p.ID, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument))
	}
	if amount > u.BalanceStaked {
		return nil, opErr(op, p.ID, fmt.Errorf("%w: staked %d, requested %d", ErrInsufficientBalance, u.BalanceStaked, amount))
	}
	if err := p.UpdateUser(u, now); err != nil {
		return nil, opErr(op, p.ID, err)
	}

	total, err := calc.SubU64(p.TotalStaked, amount)
	if err != nil {
		return nil, opErr(op, p.ID, err)
	}
	u.BalanceStaked -= amount
	p.TotalStaked = total

	return []host.Transfer{{Asset: p.StakingAsset, Amount: amount, From: p.StakingVault, To: u.Owner}}, nil
}

// Claim pays out pending reward, capped at what each reward vault holds.
// Whatever cannot be paid stays pending. Allowed while paused.
func (p *Pool) Claim(caller string, u *UserPosition, now uint64, rewardVaultBalances []uint64) ([]host.Transfer, []uint64, error) {
	const op = "claim"
	if err := p.checkOwner(caller, u); err != nil {
		return nil, nil, opErr(op, p.ID, err)
	}
	if len(rewardVaultBalances) != len(p.Rewards) {
		return nil, nil, opErr(op, p.ID, fmt.Errorf("%w: expected %d reward vault balances", ErrInvalidArgument, len(p.Rewards)))
	}
	if err := p.UpdateUser(u, now); err != nil {
		return nil, nil, opErr(op, p.ID, err)
	}

	paid := make([]uint64, len(p.Rewards))
	var transfers []host.Transfer
	for i, r := range p.Rewards {
		amount := u.Rewards[i].PerTokenPending
		if amount > rewardVaultBalances[i] {
			amount = rewardVaultBalances[i]
		}
		if amount == 0 {
			continue
		}
		u.Rewards[i].PerTokenPending -= amount
		paid[i] = amount
		transfers = append(transfers, host.Transfer{Asset: r.Asset, Amount: amount, From: r.Vault, To: u.Owner})
	}
	return transfers, paid, nil
}

// PendingRewards reports what u could claim at now without changing p or u.
func (p *Pool) PendingRewards(u *UserPosition, now uint64) ([]uint64, error) {
	if u == nil || len(u.Rewards) != len(p.Rewards) {
		return nil, opErr("pending", p.ID, fmt.Errorf("%w: position does not match pool", ErrInvalidArgument))
	}
	pool, pos := p.Clone(), u.Clone()
	if err := pool.UpdateUser(pos, now); err != nil {
		return nil, opErr("pending", p.ID, err)
	}
	out := make([]uint64, len(pos.Rewards))
	for i, r := range pos.Rewards {
		out[i] = r.PerTokenPending
	}
	return out, nil
}
