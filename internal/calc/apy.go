package calc

import (
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	SecondsPerDay  = 24 * 60 * 60
	SecondsPerYear = 365 * SecondsPerDay
)

// PoolYield is the minimal view of a farming pool needed to quote its yield.
type PoolYield struct {
	Rate              uint64
	TotalStaked       uint64
	RewardDurationEnd uint64
}

// CalculatePoolAPR annualizes the current emission per staked unit, in percent.
// Returns zero before the first funding, after the window expired, or when
// nothing is staked.
func CalculatePoolAPR(p PoolYield, now uint64) decimal.Decimal {
	perSecond, ok := poolRewardPerSecondPerToken(p, now)
	if !ok {
		return decimal.Zero
	}
	return perSecond.Mul(decimal.NewFromInt(SecondsPerYear)).Mul(decimal.NewFromInt(100)).Round(8)
}

// CalculatePoolAPY compounds the daily emission per staked unit over a year, in percent.
// APY = ((1 + rewardPerTokenPerDay)^365 - 1) * 100
func CalculatePoolAPY(p PoolYield, now uint64) decimal.Decimal {
	perSecond, ok := poolRewardPerSecondPerToken(p, now)
	if !ok {
		return decimal.Zero
	}
	daily := perSecond.Mul(decimal.NewFromInt(SecondsPerDay))
	growth := decimal.NewFromInt(1).Add(daily).Pow(decimal.NewFromInt(365))
	return growth.Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)).Round(8)
}

func poolRewardPerSecondPerToken(p PoolYield, now uint64) (decimal.Decimal, bool) {
	if p.RewardDurationEnd == 0 || now >= p.RewardDurationEnd || p.TotalStaked == 0 {
		return decimal.Zero, false
	}
	rate := DecimalFromUint64(p.Rate).Div(DecimalFromUint64(RatePrecision))
	return rate.Div(DecimalFromUint64(p.TotalStaked)), true
}

// VaultYield is the minimal view of a profit vault needed to quote its yield.
type VaultYield struct {
	TotalAmount   uint64
	ReceiptSupply uint64
	Tracker       LockedRewardTracker
}

// CalculateVaultAPR annualizes the rate at which locked profit is currently
// being released into the exchange rate, relative to the unlocked amount, in percent.
func CalculateVaultAPR(v VaultYield, now uint64) decimal.Decimal {
	if v.ReceiptSupply == 0 || v.Tracker.Degradation == 0 {
		return decimal.Zero
	}
	locked, err := v.Tracker.LockedReward(now)
	if err != nil || locked == 0 || locked > v.TotalAmount {
		return decimal.Zero
	}
	unlocked := v.TotalAmount - locked
	if unlocked == 0 {
		return decimal.Zero
	}

	releasedPerSecond := DecimalFromUint64(v.Tracker.LastUpdatedLockedReward).
		Mul(DecimalFromUint64(v.Tracker.Degradation)).
		Div(DecimalFromUint64(DegradationDenominator))
	return releasedPerSecond.
		Mul(decimal.NewFromInt(SecondsPerYear)).
		Div(DecimalFromUint64(unlocked)).
		Mul(decimal.NewFromInt(100)).
		Round(8)
}

// VirtualPrice is the underlying value redeemable per receipt token.
func VirtualPrice(v VaultYield, now uint64) decimal.Decimal {
	if v.ReceiptSupply == 0 {
		return decimal.NewFromInt(1)
	}
	locked, err := v.Tracker.LockedReward(now)
	if err != nil || locked > v.TotalAmount {
		return decimal.Zero
	}
	return DecimalFromUint64(v.TotalAmount - locked).Div(DecimalFromUint64(v.ReceiptSupply))
}

func DecimalFromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
