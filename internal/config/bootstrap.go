package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Bootstrap lists pools and vaults to create at startup when they do not
// exist yet.
type Bootstrap struct {
	Pools    []PoolSeed    `yaml:"pools"`
	Vaults   []VaultSeed   `yaml:"vaults"`
	Lockers  []LockerSeed  `yaml:"lockers"`
	Balances []BalanceSeed `yaml:"balances"` // minted only when FARM_ALLOW_MINT is set
}

type PoolSeed struct {
	ID           string   `yaml:"id"`
	Admin        string   `yaml:"admin"`
	StakingAsset string   `yaml:"staking_asset"`
	RewardAssets []string `yaml:"reward_assets"`
	Duration     uint64   `yaml:"duration"`
	Funders      []string `yaml:"funders"`
}

type VaultSeed struct {
	ID          string `yaml:"id"`
	Asset       string `yaml:"asset"`
	Admin       string `yaml:"admin"`
	Funder      string `yaml:"funder"`
	Degradation uint64 `yaml:"degradation"`
}

type LockerSeed struct {
	ID    string `yaml:"id"`
	Asset string `yaml:"asset"`
	Admin string `yaml:"admin"`
}

type BalanceSeed struct {
	Asset   string `yaml:"asset"`
	Account string `yaml:"account"`
	Amount  uint64 `yaml:"amount"`
}

// LoadBootstrap reads path. An empty path yields an empty bootstrap.
func LoadBootstrap(path string) (*Bootstrap, error) {
	b := &Bootstrap{}
	if path == "" {
		return b, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap: %w", err)
	}
	if err := yaml.Unmarshal(data, b); err != nil {
		return nil, fmt.Errorf("parse bootstrap: %w", err)
	}
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("invalid bootstrap %s: %w", path, err)
	}
	return b, nil
}

func (b *Bootstrap) validate() error {
	seen := make(map[string]bool)
	for i, p := range b.Pools {
		if p.ID == "" || p.Admin == "" || p.StakingAsset == "" {
			return fmt.Errorf("pool %d: id, admin and staking_asset are required", i)
		}
		if n := len(p.RewardAssets); n != 1 && n != 2 {
			return fmt.Errorf("pool %s: one or two reward_assets required, got %d", p.ID, n)
		}
		if seen["pool/"+p.ID] {
			return fmt.Errorf("pool %s listed twice", p.ID)
		}
		seen["pool/"+p.ID] = true
	}
	for i, v := range b.Vaults {
		if v.ID == "" || v.Asset == "" || v.Admin == "" {
			return fmt.Errorf("vault %d: id, asset and admin are required", i)
		}
		if seen["vault/"+v.ID] {
			return fmt.Errorf("vault %s listed twice", v.ID)
		}
		seen["vault/"+v.ID] = true
	}
	for i, l := range b.Lockers {
		if l.ID == "" || l.Asset == "" || l.Admin == "" {
			return fmt.Errorf("locker %d: id, asset and admin are required", i)
		}
		if seen["locker/"+l.ID] {
			return fmt.Errorf("locker %s listed twice", l.ID)
		}
		seen["locker/"+l.ID] = true
	}
	for i, bal := range b.Balances {
		if bal.Asset == "" || bal.Account == "" || bal.Amount == 0 {
			return fmt.Errorf("balance %d: asset, account and a positive amount are required", i)
		}
	}
	return nil
}
