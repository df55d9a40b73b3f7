package locking

import (
	"testing"

	"github.com/leafsii/leafsii-farming/internal/farming"
	"github.com/leafsii/leafsii-farming/internal/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const now = uint64(1_700_000_000)

func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	l, err := NewLocker(NewLockerParams{ID: "l1", Asset: "GOV", Admin: "admin"})
	require.NoError(t, err)
	return l
}

func TestNewLocker(t *testing.T) {
	_, err := NewLocker(NewLockerParams{ID: "l 1", Asset: "GOV", Admin: "admin"})
	assert.ErrorIs(t, err, farming.ErrInvalidArgument)

	l := newTestLocker(t)
	assert.Equal(t, "lock:l1", l.Account)
	assert.False(t, l.Started())
	assert.False(t, l.Locked(now))
}

func TestSetReleaseDate(t *testing.T) {
	year := uint64(12 * month)
	tests := []struct {
		name    string
		caller  string
		date    uint64
		window  ReleaseWindow
		wantErr error
	}{
		{name: "a year out", caller: "admin", date: now + year, window: DefaultReleaseWindow},
		{name: "not admin", caller: "bob", date: now + year, window: DefaultReleaseWindow, wantErr: farming.ErrUnauthorized},
		{name: "too soon", caller: "admin", date: now + 11*month, window: DefaultReleaseWindow, wantErr: farming.ErrInvalidArgument},
		{name: "too late", caller: "admin", date: now + 13*month, window: DefaultReleaseWindow, wantErr: farming.ErrInvalidArgument},
		{name: "zero", caller: "admin", date: 0, window: ReleaseWindow{}, wantErr: farming.ErrInvalidArgument},
		{name: "unbounded window", caller: "admin", date: now + 10, window: ReleaseWindow{}},
		{name: "window overflows", caller: "admin", date: now + year, window: ReleaseWindow{Min: 1, Max: ^uint64(0)}, wantErr: farming.ErrMathOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLocker(t)
			err := l.SetReleaseDate(tt.caller, tt.date, now, tt.window)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, l.Started())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.date, l.ReleaseDate)
		})
	}
}

func TestReleaseDateIsSetOnce(t *testing.T) {
	l := newTestLocker(t)
	require.NoError(t, l.SetReleaseDate("admin", now+100, now, ReleaseWindow{}))
	err := l.SetReleaseDate("admin", now+200, now, ReleaseWindow{})
	assert.ErrorIs(t, err, farming.ErrLockActive)
	assert.Equal(t, now+100, l.ReleaseDate)
}

func TestLockAndUnlock(t *testing.T) {
	l := newTestLocker(t)

	transfers, err := l.Lock("alice", 300)
	require.NoError(t, err)
	assert.Equal(t, []host.Transfer{{Asset: "GOV", Amount: 300, From: "alice", To: "lock:l1"}}, transfers)
	_, err = l.Lock("bob", 200)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), l.ReceiptSupply)

	_, err = l.Lock("alice", 0)
	assert.ErrorIs(t, err, farming.ErrInvalidArgument)

	// before a release date is set the escrow is freely redeemable
	transfers, err = l.Unlock("alice", 100, now)
	require.NoError(t, err)
	assert.Equal(t, []host.Transfer{{Asset: "GOV", Amount: 100, From: "lock:l1", To: "alice"}}, transfers)

	require.NoError(t, l.SetReleaseDate("admin", now+100, now, ReleaseWindow{}))

	_, err = l.Lock("alice", 50)
	require.NoError(t, err, "locking stays open during the period")

	_, err = l.Unlock("alice", 1, now+100)
	assert.ErrorIs(t, err, farming.ErrLockActive, "the release date itself is still locked")

	_, err = l.Unlock("alice", 251, now+101)
	assert.ErrorIs(t, err, farming.ErrInsufficientBalance)
	_, err = l.Unlock("alice", 0, now+101)
	assert.ErrorIs(t, err, farming.ErrInvalidArgument)

	_, err = l.Unlock("alice", 250, now+101)
	require.NoError(t, err)
	assert.NotContains(t, l.Receipts, "alice")
	assert.Equal(t, uint64(200), l.ReceiptSupply)
}

func TestCloneIsDeep(t *testing.T) {
	l := newTestLocker(t)
	_, err := l.Lock("alice", 10)
	require.NoError(t, err)

	c := l.Clone()
	_, err = c.Lock("alice", 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), l.Receipts["alice"])
	assert.Equal(t, uint64(15), c.Receipts["alice"])
}
