package ledger

import "errors"

// Insufficient funds is not an error: it is reported through DebitResult.OK.
var (
	// ErrInvalidAmount is returned before any store I/O for a non-positive
	// credit or withdrawal, or a negative override target.
	ErrInvalidAmount = errors.New("ledger: invalid amount")

	// ErrContentionExhausted means every compare-and-swap attempt lost to a
	// concurrent writer. Nothing was applied; the caller may retry once.
	ErrContentionExhausted = errors.New("ledger: contention retries exhausted")

	// ErrStoreUnavailable wraps account store I/O failures and timeouts.
	ErrStoreUnavailable = errors.New("ledger: account store unavailable")
)

// IsRetryable reports whether retrying the whole operation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrContentionExhausted)
}
