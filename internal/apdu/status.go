package apdu

import "fmt"

// CardErrorCode enumerates the status-word taxonomy of spec section 4.E/7.
// Mirrors the teacher's UblkErrorCode: a small closed string enum rather
// than raw ints, so mismatches show up as readable diffs in test failures.
type CardErrorCode string

const (
	CodeSuccess         CardErrorCode = "success"
	CodeMonetaryBound   CardErrorCode = "monetary bound violated"
	CodeAuthFailure     CardErrorCode = "authentication failure"
	CodeBlocked         CardErrorCode = "pin or puk blocked"
	CodeSecurityMissing CardErrorCode = "security status not satisfied"
	CodeReplayMismatch  CardErrorCode = "anti-replay mismatch"
	CodeWrongLength     CardErrorCode = "wrong length"
	CodeUnknownIns      CardErrorCode = "unknown instruction"
	CodeUnknownCla      CardErrorCode = "unknown class"
	CodeInternal        CardErrorCode = "internal error"
)

// CardError is a structured error carrying both a status word and a
// diagnostic message for host-side logs; the wire only ever sees SW().
type CardError struct {
	Op   string // handler that produced it, e.g. "VERIFY_PIN"
	Code CardErrorCode
	SW1  byte
	SW2  byte
	Msg  string
}

func (e *CardError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("cardpurse: %s: %s (sw=%02X%02X)", e.Op, e.Msg, e.SW1, e.SW2)
	}
	return fmt.Sprintf("cardpurse: %s: %s (sw=%02X%02X)", e.Op, e.Code, e.SW1, e.SW2)
}

// SW returns the two status-word bytes.
func (e *CardError) SW() (byte, byte) {
	return e.SW1, e.SW2
}

// Status-word constructors, one per row of the spec section 4.E taxonomy.

func Success() (byte, byte) { return 0x90, 0x00 }

func MonetaryBound() (byte, byte) { return 0x61, 0x00 }

// AuthFailure reports remaining tries after a wrong PIN/PUK attempt.
// Callers must never call this with remaining == 0 — use Blocked() instead,
// since a retry count reaching zero transitions to the blocked status
// rather than "0 tries left" (spec scenario S2).
func AuthFailure(remaining byte) (byte, byte) { return 0x63, remaining }

func Blocked() (byte, byte) { return 0x69, 0x83 }

func SecurityMissing() (byte, byte) { return 0x69, 0x82 }

func ReplayMismatch() (byte, byte) { return 0x69, 0x84 }

// WrongLength reports the Lc the terminal should have sent.
func WrongLength(expected byte) (byte, byte) { return 0x6C, expected }

func UnknownIns() (byte, byte) { return 0x6D, 0x00 }

func UnknownCla() (byte, byte) { return 0x6E, 0x00 }

// InternalError is not part of the spec's taxonomy on the wire; it is the
// card's reaction to an invariant violation it cannot recover from in-band
// (e.g. a handler staged more transaction entries than the journal has
// room for, which can only be a firmware bug since every transaction this
// module stages is a small fixed shape). ISO 7816-4 reserves 6F00 for
// "no precise diagnosis," which is what a real card would return here.
func InternalError() (byte, byte) { return 0x6F, 0x00 }

// NewError builds a CardError whose SW is already resolved, for logging at
// the call site before a handler returns the raw bytes.
func NewError(op string, code CardErrorCode, sw1, sw2 byte, msg string) *CardError {
	return &CardError{Op: op, Code: code, SW1: sw1, SW2: sw2, Msg: msg}
}
