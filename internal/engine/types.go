package engine

import (
	"context"
	"strconv"
	"time"

	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/locking"
	"github.com/leafsii/leafsii-farming/internal/vault"
)

// Event kinds, also the suffix of the pub/sub channel each is published on.
const (
	EventCreatePool        = "create_pool"
	EventFund              = "fund"
	EventPause             = "pause"
	EventUnpause           = "unpause"
	EventAuthorizeFunder   = "authorize_funder"
	EventDeauthorizeFunder = "deauthorize_funder"
	EventWithdrawExtra     = "withdraw_extra"
	EventClosePool         = "close_pool"
	EventCreateUser        = "create_user"
	EventCloseUser         = "close_user"
	EventDeposit           = "deposit"
	EventWithdraw          = "withdraw"
	EventClaim             = "claim"
	EventCreateVault       = "create_vault"
	EventVaultStake        = "vault_stake"
	EventVaultUnstake      = "vault_unstake"
	EventVaultReward       = "vault_reward"
	EventVaultDegradation  = "vault_degradation"
	EventVaultFunder       = "vault_funder"
	EventVaultAdmin        = "vault_admin"
	EventCreateLocker      = "create_locker"
	EventLockReleaseDate   = "lock_release_date"
	EventLock              = "lock"
	EventUnlock            = "unlock"
	EventMint              = "mint"
)

// EventKinds lists every kind the engine emits.
var EventKinds = []string{
	EventCreatePool, EventFund, EventPause, EventUnpause, EventAuthorizeFunder,
	EventDeauthorizeFunder, EventWithdrawExtra, EventClosePool, EventCreateUser,
	EventCloseUser, EventDeposit, EventWithdraw, EventClaim, EventCreateVault,
	EventVaultStake, EventVaultUnstake, EventVaultReward, EventVaultDegradation,
	EventVaultFunder, EventVaultAdmin, EventCreateLocker, EventLockReleaseDate,
	EventLock, EventUnlock, EventMint,
}

const EventChannelPrefix = "farm:events:"

func EventChannel(kind string) string {
	return EventChannelPrefix + kind
}

// Event describes one committed operation.
type Event struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Pool   string `json:"pool,omitempty"`
	Vault  string `json:"vault,omitempty"`
	Locker string `json:"locker,omitempty"`
	Actor  string `json:"actor"`
	Target string `json:"target,omitempty"`
	// Amounts are base-unit decimal strings so u64 values survive JSON clients.
	Amounts   []string  `json:"amounts,omitempty"`
	Time      uint64    `json:"time"`
	CreatedAt time.Time `json:"created_at"`
}

func amounts(values ...uint64) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strconv.FormatUint(v, 10)
	}
	return out
}

// UserKey identifies a position.
type UserKey struct {
	Pool  string
	Owner string
}

// Change is everything one committed operation wrote.
type Change struct {
	Pools        []*farming.Pool
	DeletedPools []string
	Users        []*farming.UserPosition
	DeletedUsers []UserKey
	Vaults       []*vault.Vault
	Lockers      []*locking.Locker
	Events       []Event
}

// Snapshot is the full state restored at startup.
type Snapshot struct {
	Pools   []*farming.Pool
	Users   []*farming.UserPosition
	Vaults  []*vault.Vault
	Lockers []*locking.Locker
}

// StateStore persists committed changes. Commit must be all-or-nothing.
type StateStore interface {
	Commit(ctx context.Context, change Change) error
	Load(ctx context.Context) (*Snapshot, error)
}

// Publisher fans committed events out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// Recorder receives operation metrics.
type Recorder interface {
	RecordOperation(ctx context.Context, op string, err error)
	RecordRewardClaimed(ctx context.Context, asset string, amount uint64)
}
