// Package vault implements the profit vault: stakers receive receipts whose
// redemption value grows as injected profit unlocks linearly over time.
package vault

import (
	"fmt"
	"strings"

	"github.com/leafsii/leafsii-farming/internal/calc"
	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/host"
	"github.com/shopspring/decimal"
)

type Vault struct {
	ID      string
	Asset   string
	Account string
	Admin   string
	Funder  string

	TotalAmount   uint64
	ReceiptSupply uint64
	Tracker       calc.LockedRewardTracker
	// Receipts is the per-owner receipt balance; it sums to ReceiptSupply.
	Receipts map[string]uint64
}

type NewVaultParams struct {
	ID     string
	Asset  string
	Admin  string
	Funder string
}

func AccountFor(id string) string {
	return fmt.Sprintf("vault:%s", id)
}

func NewVault(params NewVaultParams) (*Vault, error) {
	for _, s := range []string{params.ID, params.Asset, params.Admin} {
		if strings.TrimSpace(s) == "" || strings.ContainsAny(s, "/ ") {
			return nil, opErr("create", params.ID, fmt.Errorf("%w: id, asset and admin are required", farming.ErrInvalidArgument))
		}
	}
	funder := params.Funder
	if funder == "" {
		funder = params.Admin
	}
	return &Vault{
		ID:       params.ID,
		Asset:    params.Asset,
		Account:  AccountFor(params.ID),
		Admin:    params.Admin,
		Funder:   funder,
		Tracker:  calc.NewLockedRewardTracker(),
		Receipts: make(map[string]uint64),
	}, nil
}

func opErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &farming.OpError{Op: "vault_" + op, Pool: id, Err: err}
}

func (v *Vault) Clone() *Vault {
	c := *v
	c.Receipts = make(map[string]uint64, len(v.Receipts))
	for owner, n := range v.Receipts {
		c.Receipts[owner] = n
	}
	return &c
}

// LockedProfit is the part of TotalAmount that has not unlocked yet.
func (v *Vault) LockedProfit(now uint64) (uint64, error) {
	return v.Tracker.LockedReward(now)
}

// Unlocked is the value currently backing receipts.
func (v *Vault) Unlocked(now uint64) (uint64, error) {
	locked, err := v.LockedProfit(now)
	if err != nil {
		return 0, err
	}
	return calc.SubU64(v.TotalAmount, locked)
}

func (v *Vault) yield() calc.VaultYield {
	return calc.VaultYield{TotalAmount: v.TotalAmount, ReceiptSupply: v.ReceiptSupply, Tracker: v.Tracker}
}

// VirtualPrice is unlocked value per receipt; 1 before the first stake.
func (v *Vault) VirtualPrice(now uint64) decimal.Decimal {
	return calc.VirtualPrice(v.yield(), now)
}

func (v *Vault) APR(now uint64) decimal.Decimal {
	return calc.CalculateVaultAPR(v.yield(), now)
}

// Stake deposits amount and mints receipts at the current unlocked exchange rate.
func (v *Vault) Stake(caller string, amount, now uint64) ([]host.Transfer, uint64, error) {
	const op = "stake"
	if caller == "" {
		return nil, 0, opErr(op, v.ID, farming.ErrUnauthorized)
	}
	if amount == 0 {
		return nil, 0, opErr(op, v.ID, fmt.Errorf("%w: amount must be positive", farming.ErrInvalidArgument))
	}

	total, err := calc.AddU64(v.TotalAmount, amount)
	if err != nil {
		return nil, 0, opErr(op, v.ID, err)
	}

	var minted uint64
	if v.ReceiptSupply == 0 {
		// The first receipts are minted against everything unlocked, including
		// profit left behind once the previous stakers exited.
		locked, err := v.LockedProfit(now)
		if err != nil {
			return nil, 0, opErr(op, v.ID, err)
		}
		if minted, err = calc.SubU64(total, locked); err != nil {
			return nil, 0, opErr(op, v.ID, err)
		}
	} else {
		unlocked, err := v.Unlocked(now)
		if err != nil {
			return nil, 0, opErr(op, v.ID, err)
		}
		if unlocked == 0 {
			return nil, 0, opErr(op, v.ID, fmt.Errorf("%w: vault has no unlocked value to price receipts", farming.ErrInvalidArgument))
		}
		if minted, err = calc.MulDiv(amount, v.ReceiptSupply, unlocked); err != nil {
			return nil, 0, opErr(op, v.ID, err)
		}
	}
	if minted == 0 {
		return nil, 0, opErr(op, v.ID, fmt.Errorf("%w: %d is worth less than one receipt", farming.ErrInvalidArgument, amount))
	}

	supply, err := calc.AddU64(v.ReceiptSupply, minted)
	if err != nil {
		return nil, 0, opErr(op, v.ID, err)
	}
	v.TotalAmount = total
	v.ReceiptSupply = supply
	v.Receipts[caller] += minted

	return []host.Transfer{{Asset: v.Asset, Amount: amount, From: caller, To: v.Account}}, minted, nil
}

// Unstake burns receipts and pays out their share of the unlocked value.
func (v *Vault) Unstake(caller string, receipts, now uint64) ([]host.Transfer, uint64, error) {
	const op = "unstake"
	if receipts == 0 {
		return nil, 0, opErr(op, v.ID, fmt.Errorf("%w: amount must be positive", farming.ErrInvalidArgument))
	}
	held := v.Receipts[caller]
	if receipts > held || receipts > v.ReceiptSupply {
		return nil, 0, opErr(op, v.ID, fmt.Errorf("%w: holds %d receipts, requested %d", farming.ErrInsufficientBalance, held, receipts))
	}

	unlocked, err := v.Unlocked(now)
	if err != nil {
		return nil, 0, opErr(op, v.ID, err)
	}
	payout, err := calc.MulDiv(receipts, unlocked, v.ReceiptSupply)
	if err != nil {
		return nil, 0, opErr(op, v.ID, err)
	}
	total, err := calc.SubU64(v.TotalAmount, payout)
	if err != nil {
		return nil, 0, opErr(op, v.ID, err)
	}

	v.TotalAmount = total
	v.ReceiptSupply -= receipts
	if held == receipts {
		delete(v.Receipts, caller)
	} else {
		v.Receipts[caller] = held - receipts
	}

	var transfers []host.Transfer
	if payout > 0 {
		transfers = append(transfers, host.Transfer{Asset: v.Asset, Amount: payout, From: v.Account, To: caller})
	}
	return transfers, payout, nil
}

// Reward injects profit that unlocks over time. Whatever is still locked from
// earlier injections is carried into the new lock.
func (v *Vault) Reward(caller string, amount, now uint64) ([]host.Transfer, error) {
	const op = "reward"
	if caller == "" || (caller != v.Admin && caller != v.Funder) {
		return nil, opErr(op, v.ID, farming.ErrUnauthorized)
	}
	if amount == 0 {
		return nil, opErr(op, v.ID, fmt.Errorf("%w: amount must be positive", farming.ErrInvalidArgument))
	}

	total, err := calc.AddU64(v.TotalAmount, amount)
	if err != nil {
		return nil, opErr(op, v.ID, err)
	}
	tracker := v.Tracker
	if err := tracker.AddReward(now, amount); err != nil {
		return nil, opErr(op, v.ID, err)
	}
	v.Tracker = tracker
	v.TotalAmount = total

	return []host.Transfer{{Asset: v.Asset, Amount: amount, From: caller, To: v.Account}}, nil
}

// UpdateLockedRewardDegradation changes the unlock speed from now on. The
// amount still locked at now is re-based first so past decay is kept as is.
func (v *Vault) UpdateLockedRewardDegradation(caller string, degradation, now uint64) error {
	const op = "update_degradation"
	if caller != v.Admin {
		return opErr(op, v.ID, farming.ErrUnauthorized)
	}
	tracker := v.Tracker
	if err := tracker.AddReward(now, 0); err != nil {
		return opErr(op, v.ID, err)
	}
	tracker.Degradation = degradation
	v.Tracker = tracker
	return nil
}

func (v *Vault) ChangeFunder(caller, funder string) error {
	const op = "change_funder"
	if caller != v.Admin {
		return opErr(op, v.ID, farming.ErrUnauthorized)
	}
	if strings.TrimSpace(funder) == "" {
		return opErr(op, v.ID, fmt.Errorf("%w: empty funder", farming.ErrInvalidArgument))
	}
	v.Funder = funder
	return nil
}

func (v *Vault) TransferAdmin(caller, admin string) error {
	const op = "transfer_admin"
	if caller != v.Admin {
		return opErr(op, v.ID, farming.ErrUnauthorized)
	}
	if strings.TrimSpace(admin) == "" {
		return opErr(op, v.ID, fmt.Errorf("%w: empty admin", farming.ErrInvalidArgument))
	}
	v.Admin = admin
	return nil
}
