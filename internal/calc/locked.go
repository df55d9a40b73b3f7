package calc

import (
	"github.com/holiman/uint256"
)

// DegradationDenominator scales LockedRewardTracker.Degradation: a degradation
// of DegradationDenominator releases all locked profit in one second.
const DegradationDenominator uint64 = 1_000_000_000_000

// DefaultDegradation drips locked profit fully over seven days.
const DefaultDegradation = DegradationDenominator / (7 * 24 * 3600)

var degradationDenominator = uint256.NewInt(DegradationDenominator)

// LockedRewardTracker decays injected profit linearly from LastReport onward.
type LockedRewardTracker struct {
	LastUpdatedLockedReward uint64 `json:"last_updated_locked_reward"`
	LastReport              uint64 `json:"last_report"`
	Degradation             uint64 `json:"locked_reward_degradation"`
}

func NewLockedRewardTracker() LockedRewardTracker {
	return LockedRewardTracker{Degradation: DefaultDegradation}
}

// LockedReward returns the profit that is still locked at now.
func (t LockedRewardTracker) LockedReward(now uint64) (uint64, error) {
	if now < t.LastReport {
		return 0, ErrMathUnderflow
	}

	ratio := new(uint256.Int).Mul(uint256.NewInt(now-t.LastReport), uint256.NewInt(t.Degradation))
	if !ratio.Lt(degradationDenominator) {
		return 0, nil
	}

	remaining := new(uint256.Int).Sub(degradationDenominator, ratio)
	locked := new(uint256.Int).Mul(uint256.NewInt(t.LastUpdatedLockedReward), remaining)
	locked.Div(locked, degradationDenominator)
	return locked.Uint64(), nil
}

// AddReward folds the still-locked remainder into a new injection and
// restarts the decay clock at now.
func (t *LockedRewardTracker) AddReward(now, reward uint64) error {
	locked, err := t.LockedReward(now)
	if err != nil {
		return err
	}
	total, err := AddU64(locked, reward)
	if err != nil {
		return err
	}
	t.LastUpdatedLockedReward = total
	t.LastReport = now
	return nil
}

// FullyUnlockedAfter is the number of seconds after LastReport at which
// nothing remains locked. Zero degradation never unlocks and reports 0.
func (t LockedRewardTracker) FullyUnlockedAfter() uint64 {
	if t.Degradation == 0 {
		return 0
	}
	secs := DegradationDenominator / t.Degradation
	if DegradationDenominator%t.Degradation != 0 {
		secs++
	}
	return secs
}
