package ledger

import (
	"errors"

	"github.com/inkwell-labs/creditd/internal/store"
)

// Sentinel errors for ledger operations.
var (
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
	ErrAccountNotFound     = errors.New("ledger: account not found")
	ErrChargeNotFound      = errors.New("ledger: charge not found")
	ErrChargeResolved      = errors.New("ledger: charge already resolved")
	ErrInvalidUser         = errors.New("ledger: user id is required")
)

// translate maps store sentinels onto ledger sentinels.
func translate(err error, notFound error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrInsufficientCredits):
		return ErrInsufficientCredits
	case errors.Is(err, store.ErrChargeResolved):
		return ErrChargeResolved
	case errors.Is(err, store.ErrNotFound):
		return notFound
	default:
		return err
	}
}
