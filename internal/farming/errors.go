package farming

import (
	"errors"
	"fmt"

	"github.com/leafsii/leafsii-farming/internal/calc"
)

// Error kinds. Every error returned by this package matches exactly one of
// these through errors.Is.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrPoolPaused          = errors.New("pool paused")
	ErrPoolNotStarted      = errors.New("pool not started")
	ErrRewardWindowActive  = errors.New("reward window still active")
	ErrLockActive          = errors.New("locking period active")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateAccount    = errors.New("account already exists")
	ErrNonEmptyAccount     = errors.New("account not empty")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrMathOverflow        = calc.ErrMathOverflow
	ErrMathUnderflow       = calc.ErrMathUnderflow
	ErrNotFound            = errors.New("not found")
)

var (
	ErrSingleAssetCannotFundSecond       = fmt.Errorf("%w: single reward pool cannot fund a second asset", ErrInvalidArgument)
	ErrFunderAlreadyAuthorized           = fmt.Errorf("%w: funder already authorized", ErrInvalidArgument)
	ErrMaxFunders                        = fmt.Errorf("%w: funder list is full", ErrCapacityExceeded)
	ErrCannotDeauthorizeMissingAuthority = fmt.Errorf("%w: funder is not authorized", ErrInvalidArgument)
	ErrCannotDeauthorizePoolAuthority    = fmt.Errorf("%w: pool admin cannot be deauthorized", ErrInvalidArgument)
)

// OpError records the operation and pool an error came from.
type OpError struct {
	Op   string
	Pool string
	Err  error
}

func (e *OpError) Error() string {
	if e.Pool == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s pool %s: %v", e.Op, e.Pool, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op, pool string, err error) error {
	if err == nil {
		return nil
	}
	// calc's duration error is an argument problem at this level
	if errors.Is(err, calc.ErrInvalidDuration) {
		err = fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return &OpError{Op: op, Pool: pool, Err: err}
}

// Kind returns the sentinel kind err belongs to, or nil when err did not come
// from this package.
func Kind(err error) error {
	for _, kind := range []error{
		ErrInvalidArgument, ErrUnauthorized, ErrPoolPaused, ErrPoolNotStarted,
		ErrRewardWindowActive, ErrLockActive, ErrInsufficientBalance, ErrDuplicateAccount,
		ErrNonEmptyAccount, ErrCapacityExceeded, ErrMathOverflow, ErrMathUnderflow,
		ErrNotFound,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
