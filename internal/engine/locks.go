package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/locking"
)

func (e *Engine) CreateLocker(ctx context.Context, caller string, params locking.NewLockerParams) (*locking.Locker, error) {
	var created *locking.Locker
	err := e.execute(ctx, EventCreateLocker, func(tx *txn) error {
		tx.tags = append(tx.tags, "locker", params.ID)
		if params.Admin == "" {
			params.Admin = caller
		}
		if caller != params.Admin {
			return fmt.Errorf("%w: lockers are created by their admin", farming.ErrUnauthorized)
		}
		if _, ok := e.lockers[params.ID]; ok {
			return fmt.Errorf("%w: locker %s", farming.ErrDuplicateAccount, params.ID)
		}
		l, err := locking.NewLocker(params)
		if err != nil {
			return err
		}
		tx.lockers[l.ID] = l
		created = l.Clone()
		tx.emit(Event{Locker: l.ID, Actor: caller, Target: l.Asset})
		return nil
	})
	return created, err
}

// SetReleaseDate starts the locking period. It can only happen once.
func (e *Engine) SetReleaseDate(ctx context.Context, caller, lockerID string, date uint64) error {
	return e.execute(ctx, EventLockReleaseDate, func(tx *txn) error {
		tx.tags = append(tx.tags, "locker", lockerID, "release_date", date)
		l, err := tx.locker(lockerID)
		if err != nil {
			return err
		}
		if err := l.SetReleaseDate(caller, date, tx.now, e.cfg.ReleaseWindow); err != nil {
			return err
		}
		tx.emit(Event{Locker: lockerID, Actor: caller, Amounts: amounts(date)})
		return nil
	})
}

func (e *Engine) Lock(ctx context.Context, caller, lockerID string, amount uint64) error {
	return e.execute(ctx, EventLock, func(tx *txn) error {
		tx.tags = append(tx.tags, "locker", lockerID, "owner", caller, "amount", amount)
		l, err := tx.locker(lockerID)
		if err != nil {
			return err
		}
		transfers, err := l.Lock(caller, amount)
		if err != nil {
			return err
		}
		tx.transfer(transfers...)
		tx.emit(Event{Locker: lockerID, Actor: caller, Amounts: amounts(amount)})
		return nil
	})
}

func (e *Engine) Unlock(ctx context.Context, caller, lockerID string, amount uint64) error {
	return e.execute(ctx, EventUnlock, func(tx *txn) error {
		tx.tags = append(tx.tags, "locker", lockerID, "owner", caller, "amount", amount)
		l, err := tx.locker(lockerID)
		if err != nil {
			return err
		}
		transfers, err := l.Unlock(caller, amount, tx.now)
		if err != nil {
			return err
		}
		tx.transfer(transfers...)
		tx.emit(Event{Locker: lockerID, Actor: caller, Amounts: amounts(amount)})
		return nil
	})
}

func (e *Engine) Lockers() []*locking.Locker {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*locking.Locker, 0, len(e.lockers))
	for _, l := range e.lockers {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Locker(id string) (*locking.Locker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.lockers[id]
	if !ok {
		return nil, fmt.Errorf("%w: locker %s", farming.ErrNotFound, id)
	}
	return l.Clone(), nil
}
