package calc

import (
	"errors"

	"github.com/holiman/uint256"
)

// RatePrecision scales reward rates and the reward-per-token accumulator.
const RatePrecision uint64 = 1_000_000_000_000

var ratePrecision = uint256.NewInt(RatePrecision)

var (
	ErrInvalidDuration = errors.New("reward duration must be greater than zero")
	ErrMathOverflow    = errors.New("math overflow")
	ErrMathUnderflow   = errors.New("math underflow")
)

// ComputeRate converts a funded amount spread over duration seconds into a
// per-second emission rate scaled by RatePrecision.
// rate = amount * RatePrecision / duration
func ComputeRate(amount, duration uint64) (uint64, error) {
	if duration == 0 {
		return 0, ErrInvalidDuration
	}

	rate := new(uint256.Int).Mul(uint256.NewInt(amount), ratePrecision)
	rate.Div(rate, uint256.NewInt(duration))
	if !rate.IsUint64() {
		return 0, ErrMathOverflow
	}
	return rate.Uint64(), nil
}

// RewardPerTokenDelta returns how much the accumulator grows over elapsed
// seconds. Nothing accrues while nobody is staked; that emission stays in the
// reward vault unattributed.
// delta = elapsed * rate / totalStaked
func RewardPerTokenDelta(rate, elapsed, totalStaked uint64) (uint256.Int, error) {
	var delta uint256.Int
	if totalStaked == 0 {
		return delta, nil
	}

	delta.Mul(uint256.NewInt(elapsed), uint256.NewInt(rate))
	delta.Div(&delta, uint256.NewInt(totalStaked))
	if delta.BitLen() > 128 {
		return uint256.Int{}, ErrMathOverflow
	}
	return delta, nil
}

// AccumulateRewardPerToken adds delta to stored, keeping the result inside u128.
func AccumulateRewardPerToken(stored, delta uint256.Int) (uint256.Int, error) {
	var sum uint256.Int
	if _, overflow := sum.AddOverflow(&stored, &delta); overflow || sum.BitLen() > 128 {
		return uint256.Int{}, ErrMathOverflow
	}
	return sum, nil
}

// Earned settles a staker against the accumulator.
// earned = balance * (perTokenNow - perTokenComplete) / RatePrecision + pending
func Earned(balance uint64, perTokenNow, perTokenComplete uint256.Int, pending uint64) (uint64, error) {
	var diff uint256.Int
	if _, underflow := diff.SubOverflow(&perTokenNow, &perTokenComplete); underflow {
		return 0, ErrMathUnderflow
	}

	var amount uint256.Int
	if _, overflow := amount.MulOverflow(uint256.NewInt(balance), &diff); overflow {
		return 0, ErrMathOverflow
	}
	amount.Div(&amount, ratePrecision)
	if _, overflow := amount.AddOverflow(&amount, uint256.NewInt(pending)); overflow {
		return 0, ErrMathOverflow
	}
	if !amount.IsUint64() {
		return 0, ErrMathOverflow
	}
	return amount.Uint64(), nil
}

// RemainingReward is the unspent emission between now and end at rate,
// truncated to whole reward units.
// remaining = (end - now) * rate / RatePrecision
func RemainingReward(rate, now, end uint64) (uint64, error) {
	if now >= end {
		return 0, nil
	}
	remaining := new(uint256.Int).Mul(uint256.NewInt(end-now), uint256.NewInt(rate))
	remaining.Div(remaining, ratePrecision)
	if !remaining.IsUint64() {
		return 0, ErrMathOverflow
	}
	return remaining.Uint64(), nil
}

// MulDiv computes a * b / c with a 256-bit intermediate, truncating toward zero.
func MulDiv(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrMathOverflow
	}
	product := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	product.Div(product, uint256.NewInt(c))
	if !product.IsUint64() {
		return 0, ErrMathOverflow
	}
	return product.Uint64(), nil
}

// AddU64 and SubU64 are checked uint64 arithmetic.
func AddU64(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrMathOverflow
	}
	return sum, nil
}

func SubU64(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrMathUnderflow
	}
	return a - b, nil
}
