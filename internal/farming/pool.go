package farming

import (
	"fmt"
	"strings"

	"github.com/leafsii/leafsii-farming/internal/calc"
	"github.com/leafsii/leafsii-farming/internal/host"
)

// DefaultMinDuration is the shortest reward window a pool may be created with.
const DefaultMinDuration uint64 = 86400

type NewPoolParams struct {
	ID           string
	Admin        string
	StakingAsset string
	// RewardAssets holds one asset for a single pool, two for a dual pool.
	RewardAssets []string
	Duration     uint64
}

func validIdentifier(s string) bool {
	return strings.TrimSpace(s) != "" && !strings.ContainsAny(s, "/ ")
}

// NewPool creates an unfunded pool.
func NewPool(params NewPoolParams, minDuration uint64) (*Pool, error) {
	const op = "create"
	if !validIdentifier(params.ID) || !validIdentifier(params.Admin) || !validIdentifier(params.StakingAsset) {
		return nil, opErr(op, params.ID, fmt.Errorf("%w: id, admin and staking asset are required", ErrInvalidArgument))
	}
	if n := len(params.RewardAssets); n != 1 && n != 2 {
		return nil, opErr(op, params.ID, fmt.Errorf("%w: a pool pays one or two reward assets, got %d", ErrInvalidArgument, n))
	}
	if params.Duration == 0 || params.Duration < minDuration {
		return nil, opErr(op, params.ID, fmt.Errorf("%w: duration %d below minimum %d", ErrInvalidArgument, params.Duration, minDuration))
	}

	p := &Pool{
		ID:             params.ID,
		Admin:          params.Admin,
		StakingAsset:   params.StakingAsset,
		StakingVault:   StakingVaultAccount(params.ID),
		RewardDuration: params.Duration,
	}
	for i, asset := range params.RewardAssets {
		if !validIdentifier(asset) {
			return nil, opErr(op, params.ID, fmt.Errorf("%w: reward asset %d is empty", ErrInvalidArgument, i))
		}
		p.Rewards = append(p.Rewards, RewardState{Asset: asset, Vault: RewardVaultAccount(params.ID, i)})
	}
	return p, nil
}

// UpdateGlobal rolls every reward accumulator forward to min(now, end).
// Past the end of the window this is a no-op, so expiry never double accrues.
func (p *Pool) UpdateGlobal(now uint64) error {
	effective := now
	if effective > p.RewardDurationEnd {
		effective = p.RewardDurationEnd
	}

	if p.Started() {
		if now < p.LastUpdateTime {
			return fmt.Errorf("%w: time %d is before last update %d", ErrInvalidArgument, now, p.LastUpdateTime)
		}
		if effective > p.LastUpdateTime {
			elapsed := effective - p.LastUpdateTime
			next := make([]RewardState, len(p.Rewards))
			for i, r := range p.Rewards {
				delta, err := calc.RewardPerTokenDelta(r.Rate, elapsed, p.TotalStaked)
				if err != nil {
					return err
				}
				stored, err := calc.AccumulateRewardPerToken(r.PerTokenStored, delta)
				if err != nil {
					return err
				}
				r.PerTokenStored = stored
				next[i] = r
			}
			p.Rewards = next
		}
	}
	p.LastUpdateTime = effective
	return nil
}

// Fund tops up the reward vaults and restarts the window at now. Unspent
// emission from a running window is folded into the new rate.
func (p *Pool) Fund(caller string, amountA, amountB, now uint64) ([]host.Transfer, error) {
	const op = "fund"
	if !p.isFunder(caller) {
		return nil, opErr(op, p.ID, fmt.Errorf("%w: %s is not an authorized funder", ErrUnauthorized, caller))
	}
	if p.Paused {
		return nil, opErr(op, p.ID, ErrPoolPaused)
	}
	if !p.IsDual() && amountB > 0 {
		return nil, opErr(op, p.ID, ErrSingleAssetCannotFundSecond)
	}
	if amountA == 0 && amountB == 0 {
		return nil, opErr(op, p.ID, fmt.Errorf("%w: nothing to fund", ErrInvalidArgument))
	}
	if err := p.UpdateGlobal(now); err != nil {
		return nil, opErr(op, p.ID, err)
	}

	amounts := []uint64{amountA, amountB}
	var transfers []host.Transfer
	for i := range p.Rewards {
		r := &p.Rewards[i]
		total := amounts[i]
		if now < p.RewardDurationEnd {
			leftover, err := calc.RemainingReward(r.Rate, now, p.RewardDurationEnd)
			if err != nil {
				return nil, opErr(op, p.ID, err)
			}
			if total, err = calc.AddU64(total, leftover); err != nil {
				return nil, opErr(op, p.ID, err)
			}
		}
		rate, err := calc.ComputeRate(total, p.RewardDuration)
		if err != nil {
			return nil, opErr(op, p.ID, err)
		}
		r.Rate = rate

		if amounts[i] > 0 {
			transfers = append(transfers, host.Transfer{Asset: r.Asset, Amount: amounts[i], From: caller, To: r.Vault})
		}
	}

	end, err := calc.AddU64(now, p.RewardDuration)
	if err != nil {
		return nil, opErr(op, p.ID, err)
	}
	p.LastUpdateTime = now
	p.RewardDurationEnd = end
	return transfers, nil
}

// Pause blocks funding and new deposits. Accrual to existing stakers continues.
func (p *Pool) Pause(caller string, now uint64) error {
	const op = "pause"
	if caller != p.Admin {
		return opErr(op, p.ID, ErrUnauthorized)
	}
	if !p.Started() {
		return opErr(op, p.ID, ErrPoolNotStarted)
	}
	if p.Paused {
		return opErr(op, p.ID, fmt.Errorf("%w: already paused", ErrPoolPaused))
	}
	if err := p.UpdateGlobal(now); err != nil {
		return opErr(op, p.ID, err)
	}
	p.Paused = true
	return nil
}

func (p *Pool) Unpause(caller string, now uint64) error {
	const op = "unpause"
	if caller != p.Admin {
		return opErr(op, p.ID, ErrUnauthorized)
	}
	if !p.Paused {
		return opErr(op, p.ID, fmt.Errorf("%w: pool is not paused", ErrInvalidArgument))
	}
	if err := p.UpdateGlobal(now); err != nil {
		return opErr(op, p.ID, err)
	}
	p.Paused = false
	return nil
}

// AuthorizeFunder adds funder to the first free slot.
func (p *Pool) AuthorizeFunder(caller, funder string) error {
	const op = "authorize_funder"
	if caller != p.Admin {
		return opErr(op, p.ID, ErrUnauthorized)
	}
	if !validIdentifier(funder) {
		return opErr(op, p.ID, fmt.Errorf("%w: empty funder", ErrInvalidArgument))
	}
	if p.isFunder(funder) {
		return opErr(op, p.ID, ErrFunderAlreadyAuthorized)
	}
	for i, f := range p.Funders {
		if f == "" {
			p.Funders[i] = funder
			return nil
		}
	}
	return opErr(op, p.ID, ErrMaxFunders)
}

func (p *Pool) DeauthorizeFunder(caller, funder string) error {
	const op = "deauthorize_funder"
	if caller != p.Admin {
		return opErr(op, p.ID, ErrUnauthorized)
	}
	if funder == p.Admin {
		return opErr(op, p.ID, ErrCannotDeauthorizePoolAuthority)
	}
	for i, f := range p.Funders {
		if f != "" && f == funder {
			p.Funders[i] = ""
			return nil
		}
	}
	return opErr(op, p.ID, ErrCannotDeauthorizeMissingAuthority)
}

// AuthorizedFunders lists the occupied funder slots.
func (p *Pool) AuthorizedFunders() []string {
	out := make([]string, 0, MaxFunders)
	for _, f := range p.Funders {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// WithdrawExtraToken sweeps staking tokens that were sent to the staking vault
// outside of Deposit. Only allowed once no reward window is running.
func (p *Pool) WithdrawExtraToken(caller string, now, stakingVaultBalance uint64, to string) ([]host.Transfer, uint64, error) {
	const op = "withdraw_extra"
	if caller != p.Admin {
		return nil, 0, opErr(op, p.ID, ErrUnauthorized)
	}
	if to == "" {
		return nil, 0, opErr(op, p.ID, fmt.Errorf("%w: missing recipient", ErrInvalidArgument))
	}
	if now < p.RewardDurationEnd {
		return nil, 0, opErr(op, p.ID, ErrRewardWindowActive)
	}
	extra, err := calc.SubU64(stakingVaultBalance, p.TotalStaked)
	if err != nil {
		return nil, 0, opErr(op, p.ID, err)
	}
	if extra == 0 {
		return nil, 0, nil
	}
	return []host.Transfer{{Asset: p.StakingAsset, Amount: extra, From: p.StakingVault, To: to}}, extra, nil
}

// Close checks that the pool can be deleted and returns the transfers that
// empty its reward vaults into refundee. Every user position must already be
// closed, so any reward left in the vaults belongs to nobody.
func (p *Pool) Close(caller string, now, stakingVaultBalance uint64, rewardVaultBalances []uint64, refundee string) ([]host.Transfer, error) {
	const op = "close"
	if caller != p.Admin {
		return nil, opErr(op, p.ID, ErrUnauthorized)
	}
	if refundee == "" {
		return nil, opErr(op, p.ID, fmt.Errorf("%w: missing refundee", ErrInvalidArgument))
	}
	if len(rewardVaultBalances) != len(p.Rewards) {
		return nil, opErr(op, p.ID, fmt.Errorf("%w: expected %d reward vault balances", ErrInvalidArgument, len(p.Rewards)))
	}
	if !p.Paused {
		return nil, opErr(op, p.ID, fmt.Errorf("%w: pool must be paused before closing", ErrInvalidArgument))
	}
	if !p.Started() {
		return nil, opErr(op, p.ID, ErrPoolNotStarted)
	}
	if now < p.RewardDurationEnd {
		return nil, opErr(op, p.ID, ErrRewardWindowActive)
	}
	if p.TotalStaked != 0 || p.UserStakeCount != 0 {
		return nil, opErr(op, p.ID, fmt.Errorf("%w: %d staked across %d positions", ErrNonEmptyAccount, p.TotalStaked, p.UserStakeCount))
	}
	if stakingVaultBalance != 0 {
		return nil, opErr(op, p.ID, fmt.Errorf("%w: staking vault holds %d, sweep it first", ErrNonEmptyAccount, stakingVaultBalance))
	}

	var transfers []host.Transfer
	for i, r := range p.Rewards {
		if rewardVaultBalances[i] > 0 {
			transfers = append(transfers, host.Transfer{Asset: r.Asset, Amount: rewardVaultBalances[i], From: r.Vault, To: refundee})
		}
	}
	return transfers, nil
}
