// Package locking implements a time-locked escrow. Holders lock an asset and
// get receipts one for one; once an admin sets a release date the receipts can
// only be redeemed after it.
package locking

import (
	"fmt"
	"strings"

	"github.com/leafsii/leafsii-farming/internal/calc"
	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/host"
)

const month = 30 * 86400

// DefaultReleaseWindow keeps a release date roughly one year out, give or take a month.
var DefaultReleaseWindow = ReleaseWindow{Min: 11 * month, Max: 13 * month}

// ReleaseWindow bounds how far after now a release date may be set. Both
// bounds are exclusive; the zero value accepts any date.
type ReleaseWindow struct {
	Min uint64
	Max uint64
}

func (w ReleaseWindow) contains(date, now uint64) (bool, error) {
	if w == (ReleaseWindow{}) {
		return true, nil
	}
	lower, err := calc.AddU64(now, w.Min)
	if err != nil {
		return false, err
	}
	upper, err := calc.AddU64(now, w.Max)
	if err != nil {
		return false, err
	}
	return date > lower && date < upper, nil
}

type Locker struct {
	ID      string
	Asset   string
	Account string
	Admin   string
	// ReleaseDate is 0 until the admin sets it. It can be set once.
	ReleaseDate uint64

	ReceiptSupply uint64
	Receipts      map[string]uint64
}

type NewLockerParams struct {
	ID    string
	Asset string
	Admin string
}

func AccountFor(id string) string {
	return fmt.Sprintf("lock:%s", id)
}

func NewLocker(params NewLockerParams) (*Locker, error) {
	for _, s := range []string{params.ID, params.Asset, params.Admin} {
		if strings.TrimSpace(s) == "" || strings.ContainsAny(s, "/ ") {
			return nil, opErr("create", params.ID, fmt.Errorf("%w: id, asset and admin are required", farming.ErrInvalidArgument))
		}
	}
	return &Locker{
		ID:       params.ID,
		Asset:    params.Asset,
		Account:  AccountFor(params.ID),
		Admin:    params.Admin,
		Receipts: make(map[string]uint64),
	}, nil
}

func opErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &farming.OpError{Op: "lock_" + op, Pool: id, Err: err}
}

func (l *Locker) Clone() *Locker {
	c := *l
	c.Receipts = make(map[string]uint64, len(l.Receipts))
	for owner, n := range l.Receipts {
		c.Receipts[owner] = n
	}
	return &c
}

func (l *Locker) Started() bool { return l.ReleaseDate > 0 }

// Ended reports whether now is past the release date.
func (l *Locker) Ended(now uint64) bool { return now > l.ReleaseDate }

// Locked reports whether unlocking is refused at now.
func (l *Locker) Locked(now uint64) bool { return l.Started() && !l.Ended(now) }

func (l *Locker) SetReleaseDate(caller string, date, now uint64, window ReleaseWindow) error {
	const op = "set_release_date"
	if caller != l.Admin {
		return opErr(op, l.ID, farming.ErrUnauthorized)
	}
	if l.Started() {
		return opErr(op, l.ID, fmt.Errorf("%w: release date already set to %d", farming.ErrLockActive, l.ReleaseDate))
	}
	if date == 0 {
		return opErr(op, l.ID, fmt.Errorf("%w: release date must be positive", farming.ErrInvalidArgument))
	}
	ok, err := window.contains(date, now)
	if err != nil {
		return opErr(op, l.ID, err)
	}
	if !ok {
		return opErr(op, l.ID, fmt.Errorf("%w: release date %d must fall between %d and %d",
			farming.ErrInvalidArgument, date, now+window.Min, now+window.Max))
	}
	l.ReleaseDate = date
	return nil
}

// Lock escrows amount and mints the same number of receipts. Locking stays
// open for the whole period.
func (l *Locker) Lock(caller string, amount uint64) ([]host.Transfer, error) {
	const op = "lock"
	if caller == "" {
		return nil, opErr(op, l.ID, farming.ErrUnauthorized)
	}
	if amount == 0 {
		return nil, opErr(op, l.ID, fmt.Errorf("%w: lock amount cannot be zero", farming.ErrInvalidArgument))
	}
	supply, err := calc.AddU64(l.ReceiptSupply, amount)
	if err != nil {
		return nil, opErr(op, l.ID, err)
	}
	l.ReceiptSupply = supply
	l.Receipts[caller] += amount
	return []host.Transfer{{Asset: l.Asset, Amount: amount, From: caller, To: l.Account}}, nil
}

// Unlock burns receipts and returns the escrowed asset. Refused between the
// release date being set and the date passing.
func (l *Locker) Unlock(caller string, amount, now uint64) ([]host.Transfer, error) {
	const op = "unlock"
	if l.Locked(now) {
		return nil, opErr(op, l.ID, fmt.Errorf("%w: locked until %d", farming.ErrLockActive, l.ReleaseDate))
	}
	if amount == 0 {
		return nil, opErr(op, l.ID, fmt.Errorf("%w: unlock amount cannot be zero", farming.ErrInvalidArgument))
	}
	held := l.Receipts[caller]
	if amount > held {
		return nil, opErr(op, l.ID, fmt.Errorf("%w: %s holds %d receipts", farming.ErrInsufficientBalance, caller, held))
	}
	if held == amount {
		delete(l.Receipts, caller)
	} else {
		l.Receipts[caller] = held - amount
	}
	l.ReceiptSupply -= amount
	return []host.Transfer{{Asset: l.Asset, Amount: amount, From: l.Account, To: caller}}, nil
}
