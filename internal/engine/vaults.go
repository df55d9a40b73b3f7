package engine

import (
	"context"
	"fmt"

	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/vault"
)

func (e *Engine) CreateVault(ctx context.Context, caller string, params vault.NewVaultParams) (*vault.Vault, error) {
	var created *vault.Vault
	err := e.execute(ctx, EventCreateVault, func(tx *txn) error {
		tx.tags = append(tx.tags, "vault", params.ID)
		if params.Admin == "" {
			params.Admin = caller
		}
		if caller != params.Admin {
			return fmt.Errorf("%w: vaults are created by their admin", farming.ErrUnauthorized)
		}
		if _, ok := e.vaults[params.ID]; ok {
			return fmt.Errorf("%w: vault %s", farming.ErrDuplicateAccount, params.ID)
		}
		v, err := vault.NewVault(params)
		if err != nil {
			return err
		}
		tx.vaults[v.ID] = v
		created = v.Clone()
		tx.emit(Event{Vault: v.ID, Actor: caller, Target: v.Funder})
		return nil
	})
	return created, err
}

// VaultStake deposits amount and returns the receipts minted for it.
func (e *Engine) VaultStake(ctx context.Context, caller, vaultID string, amount uint64) (uint64, error) {
	var minted uint64
	err := e.execute(ctx, EventVaultStake, func(tx *txn) error {
		tx.tags = append(tx.tags, "vault", vaultID, "owner", caller, "amount", amount)
		v, err := tx.vault(vaultID)
		if err != nil {
			return err
		}
		transfers, n, err := v.Stake(caller, amount, tx.now)
		if err != nil {
			return err
		}
		minted = n
		tx.transfer(transfers...)
		tx.emit(Event{Vault: vaultID, Actor: caller, Amounts: amounts(amount, n)})
		return nil
	})
	return minted, err
}

// VaultUnstake burns receipts and returns the payout.
func (e *Engine) VaultUnstake(ctx context.Context, caller, vaultID string, receipts uint64) (uint64, error) {
	var payout uint64
	err := e.execute(ctx, EventVaultUnstake, func(tx *txn) error {
		tx.tags = append(tx.tags, "vault", vaultID, "owner", caller, "receipts", receipts)
		v, err := tx.vault(vaultID)
		if err != nil {
			return err
		}
		transfers, n, err := v.Unstake(caller, receipts, tx.now)
		if err != nil {
			return err
		}
		payout = n
		tx.transfer(transfers...)
		tx.emit(Event{Vault: vaultID, Actor: caller, Amounts: amounts(receipts, n)})
		return nil
	})
	return payout, err
}

func (e *Engine) VaultReward(ctx context.Context, caller, vaultID string, amount uint64) error {
	return e.execute(ctx, EventVaultReward, func(tx *txn) error {
		tx.tags = append(tx.tags, "vault", vaultID, "amount", amount)
		v, err := tx.vault(vaultID)
		if err != nil {
			return err
		}
		transfers, err := v.Reward(caller, amount, tx.now)
		if err != nil {
			return err
		}
		tx.transfer(transfers...)
		tx.emit(Event{Vault: vaultID, Actor: caller, Amounts: amounts(amount)})
		return nil
	})
}

func (e *Engine) UpdateDegradation(ctx context.Context, caller, vaultID string, degradation uint64) error {
	return e.execute(ctx, EventVaultDegradation, func(tx *txn) error {
		tx.tags = append(tx.tags, "vault", vaultID, "degradation", degradation)
		v, err := tx.vault(vaultID)
		if err != nil {
			return err
		}
		if err := v.UpdateLockedRewardDegradation(caller, degradation, tx.now); err != nil {
			return err
		}
		tx.emit(Event{Vault: vaultID, Actor: caller, Amounts: amounts(degradation)})
		return nil
	})
}

func (e *Engine) ChangeFunder(ctx context.Context, caller, vaultID, funder string) error {
	return e.execute(ctx, EventVaultFunder, func(tx *txn) error {
		tx.tags = append(tx.tags, "vault", vaultID, "funder", funder)
		v, err := tx.vault(vaultID)
		if err != nil {
			return err
		}
		if err := v.ChangeFunder(caller, funder); err != nil {
			return err
		}
		tx.emit(Event{Vault: vaultID, Actor: caller, Target: funder})
		return nil
	})
}

func (e *Engine) TransferAdmin(ctx context.Context, caller, vaultID, admin string) error {
	return e.execute(ctx, EventVaultAdmin, func(tx *txn) error {
		tx.tags = append(tx.tags, "vault", vaultID, "admin", admin)
		v, err := tx.vault(vaultID)
		if err != nil {
			return err
		}
		if err := v.TransferAdmin(caller, admin); err != nil {
			return err
		}
		tx.emit(Event{Vault: vaultID, Actor: caller, Target: admin})
		return nil
	})
}
