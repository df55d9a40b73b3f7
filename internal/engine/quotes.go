package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/leafsii/leafsii-farming/internal/calc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	KeyPoolQuote  = "farm:quotes:pool"
	KeyVaultQuote = "farm:quotes:vault"
)

// QuoteCache is the subset of the cache the quote service needs.
type QuoteCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

type RewardQuote struct {
	Asset string `json:"asset"`
	// Rate is the emission per second, scaled by calc.RatePrecision.
	Rate           string          `json:"rate"`
	PerTokenStored string          `json:"perTokenStored"`
	APR            decimal.Decimal `json:"apr"`
	APY            decimal.Decimal `json:"apy"`
}

type PoolQuote struct {
	Pool              string        `json:"pool"`
	StakingAsset      string        `json:"stakingAsset"`
	TotalStaked       uint64        `json:"totalStaked"`
	UserCount         uint64        `json:"userCount"`
	RewardDuration    uint64        `json:"rewardDuration"`
	RewardDurationEnd uint64        `json:"rewardDurationEnd"`
	Paused            bool          `json:"paused"`
	Rewards           []RewardQuote `json:"rewards"`
	ComputedAt        time.Time     `json:"computedAt"`
}

type VaultQuote struct {
	Vault         string          `json:"vault"`
	Asset         string          `json:"asset"`
	TotalAmount   uint64          `json:"totalAmount"`
	ReceiptSupply uint64          `json:"receiptSupply"`
	LockedProfit  uint64          `json:"lockedProfit"`
	VirtualPrice  decimal.Decimal `json:"virtualPrice"`
	APR           decimal.Decimal `json:"apr"`
	FullyUnlocked uint64          `json:"fullyUnlockedAt"`
	ComputedAt    time.Time       `json:"computedAt"`
}

// QuoteService derives yield figures from engine state. Concurrent requests
// for the same quote share one computation and results are cached for ttl.
type QuoteService struct {
	engine *Engine
	cache  QuoteCache
	ttl    time.Duration
	logger *zap.SugaredLogger
	sf     singleflight.Group
}

func NewQuoteService(engine *Engine, cache QuoteCache, ttl time.Duration, logger *zap.SugaredLogger) *QuoteService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &QuoteService{engine: engine, cache: cache, ttl: ttl, logger: logger}
}

func (s *QuoteService) PoolQuote(ctx context.Context, poolID string) (*PoolQuote, error) {
	key := fmt.Sprintf("%s:%s", KeyPoolQuote, poolID)
	result, err, _ := s.sf.Do(key, func() (interface{}, error) {
		if s.cache != nil {
			var cached PoolQuote
			if err := s.cache.Get(ctx, key, &cached); err == nil && s.fresh(cached.ComputedAt) {
				return &cached, nil
			}
		}
		q, err := s.computePoolQuote(poolID)
		if err != nil {
			return nil, err
		}
		s.store(ctx, key, q)
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*PoolQuote), nil
}

func (s *QuoteService) computePoolQuote(poolID string) (*PoolQuote, error) {
	p, err := s.engine.Pool(poolID)
	if err != nil {
		return nil, err
	}
	now := s.engine.Now()
	q := &PoolQuote{
		Pool:              p.ID,
		StakingAsset:      p.StakingAsset,
		TotalStaked:       p.TotalStaked,
		UserCount:         p.UserStakeCount,
		RewardDuration:    p.RewardDuration,
		RewardDurationEnd: p.RewardDurationEnd,
		Paused:            p.Paused,
		ComputedAt:        time.Now().UTC(),
	}
	for _, r := range p.Rewards {
		rate := strconv.FormatUint(r.Rate, 10)
		y := calc.PoolYield{Rate: r.Rate, TotalStaked: p.TotalStaked, RewardDurationEnd: p.RewardDurationEnd}
		q.Rewards = append(q.Rewards, RewardQuote{
			Asset:          r.Asset,
			Rate:           rate,
			PerTokenStored: r.PerTokenStored.Dec(),
			APR:            calc.CalculatePoolAPR(y, now),
			APY:            calc.CalculatePoolAPY(y, now),
		})
	}
	return q, nil
}

func (s *QuoteService) VaultQuote(ctx context.Context, vaultID string) (*VaultQuote, error) {
	key := fmt.Sprintf("%s:%s", KeyVaultQuote, vaultID)
	result, err, _ := s.sf.Do(key, func() (interface{}, error) {
		if s.cache != nil {
			var cached VaultQuote
			if err := s.cache.Get(ctx, key, &cached); err == nil && s.fresh(cached.ComputedAt) {
				return &cached, nil
			}
		}
		q, err := s.computeVaultQuote(vaultID)
		if err != nil {
			return nil, err
		}
		s.store(ctx, key, q)
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*VaultQuote), nil
}

func (s *QuoteService) computeVaultQuote(vaultID string) (*VaultQuote, error) {
	v, err := s.engine.Vault(vaultID)
	if err != nil {
		return nil, err
	}
	now := s.engine.Now()
	locked, err := v.LockedProfit(now)
	if err != nil {
		return nil, err
	}
	if err := calc.ValidateVaultState(v.TotalAmount, v.ReceiptSupply, locked); err != nil {
		s.logger.Warnw("Vault state failed validation", "vault", vaultID, "error", err)
	}
	return &VaultQuote{
		Vault:         v.ID,
		Asset:         v.Asset,
		TotalAmount:   v.TotalAmount,
		ReceiptSupply: v.ReceiptSupply,
		LockedProfit:  locked,
		VirtualPrice:  v.VirtualPrice(now),
		APR:           v.APR(now),
		FullyUnlocked: fullyUnlockedAt(v.Tracker),
		ComputedAt:    time.Now().UTC(),
	}, nil
}

// fullyUnlockedAt is the time nothing is locked any more, 0 if that never happens.
func fullyUnlockedAt(t calc.LockedRewardTracker) uint64 {
	after := t.FullyUnlockedAfter()
	if after == 0 || t.LastUpdatedLockedReward == 0 {
		return 0
	}
	at, err := calc.AddU64(t.LastReport, after)
	if err != nil {
		return 0
	}
	return at
}

// RefreshPoolQuote recomputes the quote and overwrites the cached copy.
func (s *QuoteService) RefreshPoolQuote(ctx context.Context, poolID string) (*PoolQuote, error) {
	q, err := s.computePoolQuote(poolID)
	if err != nil {
		return nil, err
	}
	s.store(ctx, fmt.Sprintf("%s:%s", KeyPoolQuote, poolID), q)
	return q, nil
}

func (s *QuoteService) RefreshVaultQuote(ctx context.Context, vaultID string) (*VaultQuote, error) {
	q, err := s.computeVaultQuote(vaultID)
	if err != nil {
		return nil, err
	}
	s.store(ctx, fmt.Sprintf("%s:%s", KeyVaultQuote, vaultID), q)
	return q, nil
}

// fresh guards against cache backends that hold entries past their ttl.
func (s *QuoteService) fresh(computedAt time.Time) bool {
	if s.ttl <= 0 {
		return true
	}
	return calc.ValidateQuoteAge(computedAt, s.ttl) == nil
}

func (s *QuoteService) store(ctx context.Context, key string, value interface{}) {
	if s.cache == nil || s.ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, key, value, s.ttl); err != nil {
		s.logger.Warnw("Failed to cache quote", "key", key, "error", err)
	}
}
