package escrow

import (
	"errors"
	"fmt"
)

// Every ledger rejection wraps exactly one of these. Match with errors.Is.
var (
	ErrWrongState             = errors.New("escrow: the ledger is not in the right state")
	ErrInvalidAddress         = errors.New("escrow: invalid address")
	ErrLimitExceeded          = errors.New("escrow: deposit limit exceeded")
	ErrLimitBelowCurrentTotal = errors.New("escrow: deposit already higher than the limit trying to be set")
	ErrZeroAmount             = errors.New("escrow: amount needs to be bigger than zero")
	ErrTransferFailed         = errors.New("escrow: token transfer was not successful")
	ErrUnauthorized           = errors.New("escrow: caller is not the multisig")
	ErrReentrant              = errors.New("escrow: reentrant call")

	// ErrSinkFailed is a TransferFailed raised by the vesting sink hand-off.
	ErrSinkFailed = fmt.Errorf("%w: vesting sink rejected the deposit", ErrTransferFailed)
)

// Kind names the taxonomy entry err belongs to, "ok" for nil and "internal"
// for anything outside it.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrReentrant):
		return "reentrant"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrWrongState):
		return "wrong_state"
	case errors.Is(err, ErrInvalidAddress):
		return "invalid_address"
	case errors.Is(err, ErrZeroAmount):
		return "zero_amount"
	case errors.Is(err, ErrLimitExceeded):
		return "limit_exceeded"
	case errors.Is(err, ErrLimitBelowCurrentTotal):
		return "limit_below_total"
	case errors.Is(err, ErrSinkFailed):
		return "sink_failed"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	default:
		return "internal"
	}
}
