package api

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/leafsii/leafsii-farming/internal/calc"
	"github.com/leafsii/leafsii-farming/internal/engine"
	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/locking"
	"github.com/leafsii/leafsii-farming/internal/vault"
)

// Amounts travel as base-unit decimal strings; JSON numbers lose u64 precision.

type RewardStateDTO struct {
	Asset          string `json:"asset"`
	Vault          string `json:"vault"`
	Rate           string `json:"rate"`
	PerTokenStored string `json:"perTokenStored"`
}

type PoolDTO struct {
	ID                string           `json:"id"`
	Admin             string           `json:"admin"`
	StakingAsset      string           `json:"stakingAsset"`
	StakingVault      string           `json:"stakingVault"`
	Rewards           []RewardStateDTO `json:"rewards"`
	TotalStaked       string           `json:"totalStaked"`
	LastUpdateTime    uint64           `json:"lastUpdateTime"`
	RewardDuration    uint64           `json:"rewardDuration"`
	RewardDurationEnd uint64           `json:"rewardDurationEnd"`
	Paused            bool             `json:"paused"`
	Funders           []string         `json:"funders"`
	UserStakeCount    uint64           `json:"userStakeCount"`
}

type UserRewardDTO struct {
	PerTokenComplete string `json:"perTokenComplete"`
	PerTokenPending  string `json:"perTokenPending"`
	Claimable        string `json:"claimable"`
}

type UserPositionDTO struct {
	Pool          string          `json:"pool"`
	Owner         string          `json:"owner"`
	BalanceStaked string          `json:"balanceStaked"`
	Rewards       []UserRewardDTO `json:"rewards"`
}

type VaultDTO struct {
	ID            string `json:"id"`
	Asset         string `json:"asset"`
	Account       string `json:"account"`
	Admin         string `json:"admin"`
	Funder        string `json:"funder"`
	TotalAmount   string `json:"totalAmount"`
	ReceiptSupply string `json:"receiptSupply"`
	LockedProfit  string `json:"lockedProfit"`
	Degradation   string `json:"lockedRewardDegradation"`
	LastReport    uint64 `json:"lastReport"`
}

type ReceiptDTO struct {
	Vault    string `json:"vault"`
	Owner    string `json:"owner"`
	Receipts string `json:"receipts"`
}

type LockerDTO struct {
	ID            string `json:"id"`
	Asset         string `json:"asset"`
	Account       string `json:"account"`
	Admin         string `json:"admin"`
	ReleaseDate   uint64 `json:"releaseDate"`
	Started       bool   `json:"started"`
	Locked        bool   `json:"locked"`
	ReceiptSupply string `json:"receiptSupply"`
}

type LockReceiptDTO struct {
	Locker   string `json:"locker"`
	Owner    string `json:"owner"`
	Receipts string `json:"receipts"`
}

type BalancesDTO struct {
	Account  string            `json:"account"`
	Balances map[string]string `json:"balances"`
}

type EventsDTO struct {
	Items      []engine.Event `json:"items"`
	NextCursor string         `json:"nextCursor,omitempty"`
}

type AmountResponse struct {
	Amount string `json:"amount"`
}

type AmountsResponse struct {
	Amounts []string `json:"amounts"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Request bodies

type CreatePoolRequest struct {
	ID           string   `json:"id"`
	Admin        string   `json:"admin,omitempty"`
	StakingAsset string   `json:"stakingAsset"`
	RewardAssets []string `json:"rewardAssets"`
	Duration     uint64   `json:"duration"`
}

type FundRequest struct {
	AmountA string `json:"amountA"`
	AmountB string `json:"amountB,omitempty"`
}

type FunderRequest struct {
	Funder string `json:"funder"`
}

type RecipientRequest struct {
	To string `json:"to"`
}

type DepositRequest struct {
	Amount string `json:"amount,omitempty"`
	// Full deposits the caller's whole staking-asset balance.
	Full bool `json:"full,omitempty"`
}

type AmountRequest struct {
	Amount string `json:"amount"`
}

type CreateVaultRequest struct {
	ID     string `json:"id"`
	Asset  string `json:"asset"`
	Admin  string `json:"admin,omitempty"`
	Funder string `json:"funder,omitempty"`
}

type DegradationRequest struct {
	Degradation string `json:"degradation"`
}

type AdminRequest struct {
	Admin string `json:"admin"`
}

type CreateLockerRequest struct {
	ID    string `json:"id"`
	Asset string `json:"asset"`
	Admin string `json:"admin,omitempty"`
}

// ReleaseDateRequest carries unix seconds.
type ReleaseDateRequest struct {
	ReleaseDate uint64 `json:"releaseDate"`
}

type MintRequest struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func parseAmount(name, raw string) (uint64, error) {
	v, err := calc.ParseAmount(strings.TrimSpace(raw), name)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", farming.ErrInvalidArgument, err)
	}
	return v, nil
}

// parseOptionalAmount treats an empty string as zero.
func parseOptionalAmount(name, raw string) (uint64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	return parseAmount(name, raw)
}

func u64String(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func u64Strings(values []uint64) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = u64String(v)
	}
	return out
}

func toPoolDTO(p *farming.Pool) PoolDTO {
	rewards := make([]RewardStateDTO, len(p.Rewards))
	for i, rs := range p.Rewards {
		rewards[i] = RewardStateDTO{
			Asset:          rs.Asset,
			Vault:          rs.Vault,
			Rate:           u64String(rs.Rate),
			PerTokenStored: rs.PerTokenStored.Dec(),
		}
	}
	return PoolDTO{
		ID:                p.ID,
		Admin:             p.Admin,
		StakingAsset:      p.StakingAsset,
		StakingVault:      p.StakingVault,
		Rewards:           rewards,
		TotalStaked:       u64String(p.TotalStaked),
		LastUpdateTime:    p.LastUpdateTime,
		RewardDuration:    p.RewardDuration,
		RewardDurationEnd: p.RewardDurationEnd,
		Paused:            p.Paused,
		Funders:           p.AuthorizedFunders(),
		UserStakeCount:    p.UserStakeCount,
	}
}

func toUserPositionDTO(u *farming.UserPosition, claimable []uint64) UserPositionDTO {
	rewards := make([]UserRewardDTO, len(u.Rewards))
	for i, rw := range u.Rewards {
		rewards[i] = UserRewardDTO{
			PerTokenComplete: rw.PerTokenComplete.Dec(),
			PerTokenPending:  u64String(rw.PerTokenPending),
		}
		if i < len(claimable) {
			rewards[i].Claimable = u64String(claimable[i])
		}
	}
	return UserPositionDTO{
		Pool:          u.Pool,
		Owner:         u.Owner,
		BalanceStaked: u64String(u.BalanceStaked),
		Rewards:       rewards,
	}
}

func toVaultDTO(v *vault.Vault, now uint64) VaultDTO {
	dto := VaultDTO{
		ID:            v.ID,
		Asset:         v.Asset,
		Account:       v.Account,
		Admin:         v.Admin,
		Funder:        v.Funder,
		TotalAmount:   u64String(v.TotalAmount),
		ReceiptSupply: u64String(v.ReceiptSupply),
		Degradation:   u64String(v.Tracker.Degradation),
		LastReport:    v.Tracker.LastReport,
	}
	// a clock behind LastReport reads as fully locked
	locked, err := v.LockedProfit(now)
	if err != nil {
		locked = v.Tracker.LastUpdatedLockedReward
	}
	dto.LockedProfit = u64String(locked)
	return dto
}

func toLockerDTO(l *locking.Locker, now uint64) LockerDTO {
	return LockerDTO{
		ID:            l.ID,
		Asset:         l.Asset,
		Account:       l.Account,
		Admin:         l.Admin,
		ReleaseDate:   l.ReleaseDate,
		Started:       l.Started(),
		Locked:        l.Locked(now),
		ReceiptSupply: u64String(l.ReceiptSupply),
	}
}
