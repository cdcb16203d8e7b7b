package cardpurse

import (
	"errors"

	"github.com/ehrlich-b/go-cardpurse/internal/apdu"
)

// CardError, CardErrorCode, and the status-word code constants are
// re-exported from internal/apdu so external callers can build and inspect
// CardError values without reaching into an internal package. The
// dispatcher itself does not produce CardError values: it logs plain
// messages and returns raw status words.
// Grounded on the teacher's errors.go Error/UblkErrorCode pair, minus the
// errno/device/queue fields this domain has no analogue for.
type CardError = apdu.CardError
type CardErrorCode = apdu.CardErrorCode

const (
	CodeSuccess         = apdu.CodeSuccess
	CodeMonetaryBound   = apdu.CodeMonetaryBound
	CodeAuthFailure     = apdu.CodeAuthFailure
	CodeBlocked         = apdu.CodeBlocked
	CodeSecurityMissing = apdu.CodeSecurityMissing
	CodeReplayMismatch  = apdu.CodeReplayMismatch
	CodeWrongLength     = apdu.CodeWrongLength
	CodeUnknownIns      = apdu.CodeUnknownIns
	CodeUnknownCla      = apdu.CodeUnknownCla
	CodeInternal        = apdu.CodeInternal
)

// IsCode reports whether err is a *CardError carrying the given code.
func IsCode(err error, code CardErrorCode) bool {
	var ce *CardError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}
