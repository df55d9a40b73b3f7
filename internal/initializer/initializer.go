// Package initializer seeds the engine with the pools, vaults, lockers and balances
// listed in a bootstrap file. Running it again is a no-op for anything that
// already exists.
package initializer

import (
	"context"
	"errors"
	"fmt"

	"github.com/leafsii/leafsii-farming/internal/config"
	"github.com/leafsii/leafsii-farming/internal/engine"
	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/host"
	"github.com/leafsii/leafsii-farming/internal/locking"
	"github.com/leafsii/leafsii-farming/internal/vault"
	"go.uber.org/zap"
)

type Result struct {
	PoolsCreated      []string `json:"pools_created"`
	FundersAuthorized int      `json:"funders_authorized"`
	VaultsCreated     []string `json:"vaults_created"`
	LockersCreated    []string `json:"lockers_created"`
	// Minted counts base units credited to reach the seeded balances.
	Minted map[string]uint64 `json:"minted"`
}

func Initialize(ctx context.Context, eng *engine.Engine, b *config.Bootstrap, allowMint bool, logger *zap.SugaredLogger) (Result, error) {
	result := Result{Minted: make(map[string]uint64)}

	for _, seed := range b.Pools {
		created, authorized, err := initPool(ctx, eng, seed)
		if err != nil {
			return result, fmt.Errorf("failed to initialize pool %s: %w", seed.ID, err)
		}
		if created {
			result.PoolsCreated = append(result.PoolsCreated, seed.ID)
		}
		result.FundersAuthorized += authorized
	}

	for _, seed := range b.Vaults {
		created, err := initVault(ctx, eng, seed)
		if err != nil {
			return result, fmt.Errorf("failed to initialize vault %s: %w", seed.ID, err)
		}
		if created {
			result.VaultsCreated = append(result.VaultsCreated, seed.ID)
		}
	}

	for _, seed := range b.Lockers {
		if _, err := eng.Locker(seed.ID); err == nil {
			continue
		} else if !errors.Is(err, farming.ErrNotFound) {
			return result, fmt.Errorf("failed to initialize locker %s: %w", seed.ID, err)
		}
		admin := host.NormalizePrincipal(seed.Admin)
		if _, err := eng.CreateLocker(ctx, admin, locking.NewLockerParams{ID: seed.ID, Asset: seed.Asset, Admin: admin}); err != nil {
			return result, fmt.Errorf("failed to initialize locker %s: %w", seed.ID, err)
		}
		result.LockersCreated = append(result.LockersCreated, seed.ID)
	}

	if len(b.Balances) > 0 && !allowMint {
		logger.Warnw("Bootstrap balances ignored, minting is disabled", "count", len(b.Balances))
		return result, nil
	}
	for _, seed := range b.Balances {
		minted, err := topUp(ctx, eng, seed)
		if err != nil {
			return result, fmt.Errorf("failed to seed balance %s/%s: %w", seed.Asset, seed.Account, err)
		}
		if minted > 0 {
			result.Minted[seed.Asset] += minted
		}
	}

	logger.Infow("Bootstrap applied",
		"pools_created", len(result.PoolsCreated),
		"vaults_created", len(result.VaultsCreated),
		"lockers_created", len(result.LockersCreated),
		"funders_authorized", result.FundersAuthorized,
	)
	return result, nil
}

func initPool(ctx context.Context, eng *engine.Engine, seed config.PoolSeed) (bool, int, error) {
	admin := host.NormalizePrincipal(seed.Admin)
	created := false

	pool, err := eng.Pool(seed.ID)
	switch {
	case errors.Is(err, farming.ErrNotFound):
		pool, err = eng.CreatePool(ctx, admin, farming.NewPoolParams{
			ID:           seed.ID,
			Admin:        admin,
			StakingAsset: seed.StakingAsset,
			RewardAssets: seed.RewardAssets,
			Duration:     seed.Duration,
		})
		if err != nil {
			return false, 0, err
		}
		created = true
	case err != nil:
		return false, 0, err
	}

	existing := make(map[string]bool)
	for _, f := range pool.AuthorizedFunders() {
		existing[f] = true
	}
	authorized := 0
	for _, f := range seed.Funders {
		f = host.NormalizePrincipal(f)
		if existing[f] || f == pool.Admin {
			continue
		}
		if err := eng.AuthorizeFunder(ctx, pool.Admin, pool.ID, f); err != nil {
			return created, authorized, err
		}
		existing[f] = true
		authorized++
	}
	return created, authorized, nil
}

func initVault(ctx context.Context, eng *engine.Engine, seed config.VaultSeed) (bool, error) {
	if _, err := eng.Vault(seed.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, farming.ErrNotFound) {
		return false, err
	}

	admin := host.NormalizePrincipal(seed.Admin)
	v, err := eng.CreateVault(ctx, admin, vault.NewVaultParams{
		ID:     seed.ID,
		Asset:  seed.Asset,
		Admin:  admin,
		Funder: host.NormalizePrincipal(seed.Funder),
	})
	if err != nil {
		return false, err
	}
	if seed.Degradation != 0 && seed.Degradation != v.Tracker.Degradation {
		if err := eng.UpdateDegradation(ctx, admin, v.ID, seed.Degradation); err != nil {
			return true, err
		}
	}
	return true, nil
}

// topUp mints the shortfall between the account's balance and the seed.
func topUp(ctx context.Context, eng *engine.Engine, seed config.BalanceSeed) (uint64, error) {
	account := seed.Account
	if len(account) > 2 && account[:2] == "0x" {
		account = host.NormalizePrincipal(account)
	}
	balances, err := eng.Balances(ctx, account)
	if err != nil {
		return 0, err
	}
	have := balances[seed.Asset]
	if have >= seed.Amount {
		return 0, nil
	}
	need := seed.Amount - have
	if err := eng.Mint(ctx, "bootstrap", seed.Asset, account, need); err != nil {
		return 0, err
	}
	return need, nil
}
