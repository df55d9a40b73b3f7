package host

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/leafsii/leafsii-farming/pkg/kv"
)

// ErrInsufficientFunds is returned when a transfer would overdraw its source.
var ErrInsufficientFunds = errors.New("insufficient funds")

const ledgerKey = "farm:ledger"

// Transfer moves Amount of Asset between two ledger accounts.
type Transfer struct {
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// Ledger is the token-movement collaborator. Apply is all-or-nothing: either
// every transfer lands or none does.
type Ledger interface {
	Apply(ctx context.Context, transfers ...Transfer) error
	Balance(ctx context.Context, asset, account string) (uint64, error)
	Mint(ctx context.Context, asset, account string, amount uint64) error
	// Burn undoes a Mint. It fails with ErrInsufficientFunds rather than go negative.
	Burn(ctx context.Context, asset, account string, amount uint64) error
	Balances(ctx context.Context, account string) (map[string]uint64, error)
}

// KVLedger keeps balances in a single kv hash so a batch of transfers is
// committed with one HMSet.
type KVLedger struct {
	mu    sync.Mutex
	store kv.Store
}

func NewKVLedger(store kv.Store) *KVLedger {
	return &KVLedger{store: store}
}

func ledgerField(asset, account string) string {
	return asset + "/" + account
}

func (l *KVLedger) read(ctx context.Context, field string) (uint64, error) {
	raw, err := l.store.HGet(ctx, ledgerKey, field)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read balance %s: %w", field, err)
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt balance %s: %w", field, err)
	}
	return v, nil
}

func (l *KVLedger) Balance(ctx context.Context, asset, account string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(ctx, ledgerField(asset, account))
}

// Apply runs the transfers in order against a scratch view of the touched
// balances and writes the result back only if every step succeeded.
func (l *KVLedger) Apply(ctx context.Context, transfers ...Transfer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	view := make(map[string]uint64)
	load := func(field string) (uint64, error) {
		if v, ok := view[field]; ok {
			return v, nil
		}
		v, err := l.read(ctx, field)
		if err != nil {
			return 0, err
		}
		view[field] = v
		return v, nil
	}

	for i, t := range transfers {
		if t.Amount == 0 || t.From == t.To {
			continue
		}
		if strings.TrimSpace(t.Asset) == "" || t.From == "" || t.To == "" {
			return fmt.Errorf("transfer %d: asset, from and to are required", i)
		}

		from := ledgerField(t.Asset, t.From)
		to := ledgerField(t.Asset, t.To)
		fromBal, err := load(from)
		if err != nil {
			return err
		}
		if fromBal < t.Amount {
			return fmt.Errorf("%w: %s holds %d %s, needs %d", ErrInsufficientFunds, t.From, fromBal, t.Asset, t.Amount)
		}
		toBal, err := load(to)
		if err != nil {
			return err
		}
		if toBal+t.Amount < toBal {
			return fmt.Errorf("transfer %d: balance overflow for %s", i, t.To)
		}
		view[from] = fromBal - t.Amount
		view[to] = toBal + t.Amount
	}

	if len(view) == 0 {
		return nil
	}
	fields := make(map[string][]byte, len(view))
	for field, v := range view {
		fields[field] = []byte(strconv.FormatUint(v, 10))
	}
	if err := l.store.HMSet(ctx, ledgerKey, fields); err != nil {
		return fmt.Errorf("commit transfers: %w", err)
	}
	return nil
}

// Mint credits account out of thin air. Used by the dev faucet and tests.
func (l *KVLedger) Mint(ctx context.Context, asset, account string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	field := ledgerField(asset, account)
	bal, err := l.read(ctx, field)
	if err != nil {
		return err
	}
	if bal+amount < bal {
		return fmt.Errorf("mint %d %s to %s: balance overflow", amount, asset, account)
	}
	return l.store.HSet(ctx, ledgerKey, field, []byte(strconv.FormatUint(bal+amount, 10)))
}

func (l *KVLedger) Burn(ctx context.Context, asset, account string, amount uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	field := ledgerField(asset, account)
	bal, err := l.read(ctx, field)
	if err != nil {
		return err
	}
	if bal < amount {
		return fmt.Errorf("%w: %s holds %d %s, burning %d", ErrInsufficientFunds, account, bal, asset, amount)
	}
	return l.store.HSet(ctx, ledgerKey, field, []byte(strconv.FormatUint(bal-amount, 10)))
}

// Balances lists every non-zero balance held by account, keyed by asset.
func (l *KVLedger) Balances(ctx context.Context, account string) (map[string]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	all, err := l.store.HGetAll(ctx, ledgerKey)
	if errors.Is(err, kv.ErrNotFound) {
		return map[string]uint64{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make(map[string]uint64)
	suffix := "/" + account
	for field, raw := range all {
		if !strings.HasSuffix(field, suffix) {
			continue
		}
		v, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil || v == 0 {
			continue
		}
		out[strings.TrimSuffix(field, suffix)] = v
	}
	return out, nil
}
