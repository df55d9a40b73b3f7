package farming

import (
	"fmt"

	"github.com/holiman/uint256"
)

// MaxFunders is the size of a pool's funder list, not counting the admin.
const MaxFunders = 4

// RewardState is one reward asset's emission and accumulator.
type RewardState struct {
	Asset string
	Vault string
	// Rate is emitted reward units per second, scaled by calc.RatePrecision.
	Rate uint64
	// PerTokenStored is the cumulative reward per staked unit, same scale as Rate.
	// Only settlement writes it and it never decreases.
	PerTokenStored uint256.Int
}

// Pool is a staking pool with one (single) or two (dual) reward assets.
type Pool struct {
	ID           string
	Admin        string
	StakingAsset string
	StakingVault string
	Rewards      []RewardState

	TotalStaked       uint64
	LastUpdateTime    uint64
	RewardDuration    uint64
	RewardDurationEnd uint64 // 0 until first funded
	Paused            bool
	Funders           [MaxFunders]string
	UserStakeCount    uint64
}

// IsDual reports whether the pool pays a second reward asset.
func (p *Pool) IsDual() bool { return len(p.Rewards) == 2 }

func (p *Pool) Started() bool { return p.RewardDurationEnd != 0 }

func (p *Pool) Expired(now uint64) bool { return p.Started() && now >= p.RewardDurationEnd }

// Clone returns a deep copy that can be mutated without touching p.
func (p *Pool) Clone() *Pool {
	c := *p
	c.Rewards = append([]RewardState(nil), p.Rewards...)
	return &c
}

func (p *Pool) isFunder(principal string) bool {
	if principal == "" {
		return false
	}
	if principal == p.Admin {
		return true
	}
	for _, f := range p.Funders {
		if f == principal {
			return true
		}
	}
	return false
}

// UserReward is a position's settlement state for one reward asset.
type UserReward struct {
	PerTokenComplete uint256.Int
	// PerTokenPending is earned but unclaimed reward in reward-asset units.
	PerTokenPending uint64
}

// UserPosition is an owner's stake in one pool.
type UserPosition struct {
	Pool          string
	Owner         string
	BalanceStaked uint64
	Rewards       []UserReward
}

func (u *UserPosition) Clone() *UserPosition {
	c := *u
	c.Rewards = append([]UserReward(nil), u.Rewards...)
	return &c
}

// Empty reports whether the position holds no stake and no unclaimed reward.
func (u *UserPosition) Empty() bool {
	if u.BalanceStaked != 0 {
		return false
	}
	for _, r := range u.Rewards {
		if r.PerTokenPending != 0 {
			return false
		}
	}
	return true
}

func StakingVaultAccount(poolID string) string {
	return fmt.Sprintf("pool:%s:staking", poolID)
}

func RewardVaultAccount(poolID string, index int) string {
	return fmt.Sprintf("pool:%s:reward:%d", poolID, index)
}
