// Package dispatch implements the APDU command dispatcher and per-command
// state machines of spec section 4.E: wire framing, the command table, and
// the ten handlers. Grounded on the teacher's internal/queue/runner.go for
// the overall "accept one unit of work, run its state machine, report a
// terminal result" shape, generalized here from io_uring completion
// entries to APDU request/response pairs.
package dispatch

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ehrlich-b/go-cardpurse/internal/apdu"
	"github.com/ehrlich-b/go-cardpurse/internal/auth"
	"github.com/ehrlich-b/go-cardpurse/internal/interfaces"
	"github.com/ehrlich-b/go-cardpurse/internal/profile"
	"github.com/ehrlich-b/go-cardpurse/internal/state"
)

// Version is the 4-byte ASCII VERSION response, read from read-only
// memory per spec section 4.E's command table.
var Version = [4]byte{'2', '.', '0', '0'}

const (
	claPersonalization byte = 0x81
	claApplication     byte = 0x82

	insVersion     byte = 0x00
	insIntroPerso  byte = 0x01
	insReadPerso   byte = 0x02
	insReadBalance byte = 0x01
	insCredit      byte = 0x02
	insDebit       byte = 0x03
	insVerifyPin   byte = 0x04
	insChangePin   byte = 0x05
	insResetByPuk  byte = 0x06
	insReadCtr     byte = 0x07
)

// Dispatcher bundles the components one APDU request/response cycle needs:
// the transport it reads/writes, the typed state accessors, the
// authentication subsystem, the factory profile, and the logging/metrics
// sinks. One Dispatcher serves exactly one card session.
type Dispatcher struct {
	Transport interfaces.Transport
	State     *state.State
	Ticket    auth.Ticket
	Profile   profile.Profile
	Log       interfaces.Logger
	Observer  interfaces.Observer
}

// New constructs a Dispatcher. log and observer may be nil; nilLogger and
// nilObserver are substituted so handlers never need a nil check.
func New(t interfaces.Transport, s *state.State, p profile.Profile, log interfaces.Logger, obs interfaces.Observer) *Dispatcher {
	if log == nil {
		log = nilLogger{}
	}
	if obs == nil {
		obs = nilObserver{}
	}
	return &Dispatcher{Transport: t, State: s, Profile: p, Log: log, Observer: obs}
}

type nilLogger struct{}

func (nilLogger) Debugf(string, ...interface{}) {}
func (nilLogger) Infof(string, ...interface{})  {}
func (nilLogger) Warnf(string, ...interface{})  {}
func (nilLogger) Errorf(string, ...interface{}) {}

type nilObserver struct{}

func (nilObserver) ObserveCommand(byte, byte, byte, byte, uint64) {}
func (nilObserver) ObserveJournalReplay(int)                      {}

// Boot replays any crashed transaction and clears the session ticket, per
// spec section 2's "ATR, then serve" sequence and section 4.D's "the
// ticket is cleared on reset."
func (d *Dispatcher) Boot() error {
	n, err := d.State.Boot()
	if err != nil {
		return err
	}
	d.Ticket.Clear()
	d.Observer.ObserveJournalReplay(n)
	if n > 0 {
		d.Log.Infof("boot: replayed %d journal entries after unclean shutdown", n)
	}
	return nil
}

// ServeOne reads one APDU request and writes its response. It returns a
// non-nil error only for a transport I/O failure (EOF, broken pipe); a
// rejected or failed command is reported on the wire via the trailing
// status word, not as a Go error.
func (d *Dispatcher) ServeOne() error {
	h, err := apdu.ReadHeader(d.Transport)
	if err != nil {
		return fmt.Errorf("dispatch: read header: %w", err)
	}

	start := time.Now()
	sw1, sw2 := d.handle(h)
	latencyNs := uint64(time.Since(start).Nanoseconds())

	d.Log.Debugf("apdu served: cla=%02X ins=%02X sw=%02X%02X", h.Cla, h.Ins, sw1, sw2)
	d.Observer.ObserveCommand(h.Cla, h.Ins, sw1, sw2, latencyNs)
	return apdu.WriteStatus(d.Transport, sw1, sw2)
}

// handle routes a header to its command-table entry and returns the
// trailing status word. Unknown CLA/INS values are rejected without
// acknowledging INS or consuming data, per spec section 4.E's wire-framing
// rule for header-level rejections.
func (d *Dispatcher) handle(h apdu.Header) (byte, byte) {
	switch h.Cla {
	case claPersonalization:
		switch h.Ins {
		case insVersion:
			return d.handleVersion(h)
		case insIntroPerso:
			return d.handleIntroPerso(h)
		case insReadPerso:
			return d.handleReadPerso(h)
		default:
			return apdu.UnknownIns()
		}
	case claApplication:
		switch h.Ins {
		case insReadBalance:
			return d.handleReadBalance(h)
		case insCredit:
			return d.handleCredit(h)
		case insDebit:
			return d.handleDebit(h)
		case insVerifyPin:
			return d.handleVerifyPin(h)
		case insChangePin:
			return d.handleChangePin(h)
		case insResetByPuk:
			return d.handleResetByPuk(h)
		case insReadCtr:
			return d.handleReadCtr(h)
		default:
			return apdu.UnknownIns()
		}
	default:
		return apdu.UnknownCla()
	}
}

func (d *Dispatcher) handleVersion(h apdu.Header) (byte, byte) {
	if h.P3 != 4 {
		return apdu.WrongLength(4)
	}
	if err := apdu.AckIns(d.Transport, h.Ins); err != nil {
		d.Log.Errorf("VERSION: ack: %v", err)
		return apdu.InternalError()
	}
	if err := apdu.WriteBytes(d.Transport, Version[:]); err != nil {
		d.Log.Errorf("VERSION: write: %v", err)
		return apdu.InternalError()
	}
	return apdu.Success()
}

func (d *Dispatcher) handleIntroPerso(h apdu.Header) (byte, byte) {
	if h.P3 < 1 || h.P3 > d.Profile.MaxPersoLen {
		return apdu.WrongLength(d.Profile.MaxPersoLen)
	}
	if err := apdu.AckIns(d.Transport, h.Ins); err != nil {
		d.Log.Errorf("INTRO_PERSO: ack: %v", err)
		return apdu.InternalError()
	}
	perso, err := apdu.ReadBytes(d.Transport, int(h.P3))
	if err != nil {
		d.Log.Errorf("INTRO_PERSO: read perso: %v", err)
		return apdu.InternalError()
	}

	puk := auth.DerivePUK(perso)
	if err := d.State.StagePersonalization(perso, puk, d.Profile.DefaultPIN, d.Profile.PinTryMax, d.Profile.PukTryMax); err != nil {
		d.Log.Errorf("INTRO_PERSO: stage: %v", err)
		return apdu.InternalError()
	}
	d.Ticket.Clear()
	d.Log.Infof("INTRO_PERSO: personalized, perso_len=%d", len(perso))
	return apdu.Success()
}

func (d *Dispatcher) handleReadPerso(h apdu.Header) (byte, byte) {
	persoLen, err := d.State.PersoLen()
	if err != nil {
		d.Log.Errorf("READ_PERSO: perso len: %v", err)
		return apdu.InternalError()
	}
	if h.P3 != persoLen {
		return apdu.WrongLength(persoLen)
	}
	if err := apdu.AckIns(d.Transport, h.Ins); err != nil {
		d.Log.Errorf("READ_PERSO: ack: %v", err)
		return apdu.InternalError()
	}
	perso, err := d.State.Perso()
	if err != nil {
		d.Log.Errorf("READ_PERSO: read: %v", err)
		return apdu.InternalError()
	}
	if err := apdu.WriteBytes(d.Transport, perso); err != nil {
		d.Log.Errorf("READ_PERSO: write: %v", err)
		return apdu.InternalError()
	}
	return apdu.Success()
}

// requirePinTicket enforces the "PIN ticket" guard shared by
// READ_BALANCE/CREDIT/DEBIT: a missing ticket fails without acknowledging
// INS; a present ticket is consumed (win or lose) before the handler
// proceeds, per spec section 4.D.
func (d *Dispatcher) requirePinTicket() bool {
	return d.Ticket.Consume()
}

func (d *Dispatcher) handleReadBalance(h apdu.Header) (byte, byte) {
	if h.P3 != 2 {
		return apdu.WrongLength(2)
	}
	if !d.requirePinTicket() {
		return apdu.SecurityMissing()
	}
	if err := apdu.AckIns(d.Transport, h.Ins); err != nil {
		d.Log.Errorf("READ_BALANCE: ack: %v", err)
		return apdu.InternalError()
	}
	bal, err := d.State.Balance()
	if err != nil {
		d.Log.Errorf("READ_BALANCE: read: %v", err)
		return apdu.InternalError()
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, bal)
	if err := apdu.WriteBytes(d.Transport, buf); err != nil {
		d.Log.Errorf("READ_BALANCE: write: %v", err)
		return apdu.InternalError()
	}
	return apdu.Success()
}

// applyCounterAndMutate implements the shared CREDIT/DEBIT guard-and-commit
// sequence of spec section 4.D/5: check the PIN ticket, acknowledge, read
// the amount, check-and-increment the anti-replay counter (durably, before
// any balance mutation is staged), then apply mutate to the current
// balance. mutate returns the new balance and whether the operation is
// within bounds; a bounds failure leaves ctr already advanced (intentional,
// per spec section 5 — a stale-counter replay can't retry the same
// amount) but the balance untouched.
func (d *Dispatcher) applyCounterAndMutate(h apdu.Header, op string, mutate func(balance, amount uint16) (uint16, bool)) (byte, byte) {
	if h.P3 != 2 {
		return apdu.WrongLength(2)
	}
	if !d.requirePinTicket() {
		return apdu.SecurityMissing()
	}
	if err := apdu.AckIns(d.Transport, h.Ins); err != nil {
		d.Log.Errorf("%s: ack: %v", op, err)
		return apdu.InternalError()
	}
	amountBytes, err := apdu.ReadBytes(d.Transport, 2)
	if err != nil {
		d.Log.Errorf("%s: read amount: %v", op, err)
		return apdu.InternalError()
	}
	amount := binary.LittleEndian.Uint16(amountBytes)
	expectedCtr := h.Req()

	ctr, err := d.State.Ctr()
	if err != nil {
		d.Log.Errorf("%s: read ctr: %v", op, err)
		return apdu.InternalError()
	}
	if ctr != expectedCtr {
		return apdu.ReplayMismatch()
	}
	if err := d.State.SetCtr(ctr + 1); err != nil {
		d.Log.Errorf("%s: advance ctr: %v", op, err)
		return apdu.InternalError()
	}

	balance, err := d.State.Balance()
	if err != nil {
		d.Log.Errorf("%s: read balance: %v", op, err)
		return apdu.InternalError()
	}
	newBalance, ok := mutate(balance, amount)
	if !ok {
		return apdu.MonetaryBound()
	}
	if err := d.State.StageBalance(newBalance); err != nil {
		d.Log.Errorf("%s: stage balance: %v", op, err)
		return apdu.InternalError()
	}
	return apdu.Success()
}

func (d *Dispatcher) handleCredit(h apdu.Header) (byte, byte) {
	return d.applyCounterAndMutate(h, "CREDIT", func(balance, amount uint16) (uint16, bool) {
		newBalance := balance + amount
		if newBalance < balance {
			return 0, false
		}
		return newBalance, true
	})
}

func (d *Dispatcher) handleDebit(h apdu.Header) (byte, byte) {
	return d.applyCounterAndMutate(h, "DEBIT", func(balance, amount uint16) (uint16, bool) {
		if amount > balance {
			return 0, false
		}
		return balance - amount, true
	})
}

func (d *Dispatcher) handleVerifyPin(h apdu.Header) (byte, byte) {
	if h.P3 != 4 {
		return apdu.WrongLength(4)
	}
	tries, err := d.State.PinTries()
	if err != nil {
		d.Log.Errorf("VERIFY_PIN: read tries: %v", err)
		return apdu.InternalError()
	}
	if tries == 0 {
		return apdu.Blocked()
	}
	if err := apdu.AckIns(d.Transport, h.Ins); err != nil {
		d.Log.Errorf("VERIFY_PIN: ack: %v", err)
		return apdu.InternalError()
	}
	attempt, err := apdu.ReadBytes(d.Transport, 4)
	if err != nil {
		d.Log.Errorf("VERIFY_PIN: read pin: %v", err)
		return apdu.InternalError()
	}

	stored, err := d.State.PIN()
	if err != nil {
		d.Log.Errorf("VERIFY_PIN: read stored pin: %v", err)
		return apdu.InternalError()
	}

	if pinMatches(stored, attempt) {
		if err := d.State.SetPinTries(d.Profile.PinTryMax); err != nil {
			d.Log.Errorf("VERIFY_PIN: reset tries: %v", err)
			return apdu.InternalError()
		}
		d.Ticket.Grant()
		return apdu.Success()
	}

	next := auth.NextTriesOnFailure(tries)
	if err := d.State.SetPinTries(next); err != nil {
		d.Log.Errorf("VERIFY_PIN: decrement tries: %v", err)
		return apdu.InternalError()
	}
	if next == 0 {
		d.Log.Warnf("VERIFY_PIN: pin_tries exhausted, card blocked")
		return apdu.Blocked()
	}
	return apdu.AuthFailure(next)
}

func (d *Dispatcher) handleChangePin(h apdu.Header) (byte, byte) {
	if h.P3 != 8 {
		return apdu.WrongLength(8)
	}
	tries, err := d.State.PinTries()
	if err != nil {
		d.Log.Errorf("CHANGE_PIN: read tries: %v", err)
		return apdu.InternalError()
	}
	if tries == 0 {
		return apdu.Blocked()
	}
	if err := apdu.AckIns(d.Transport, h.Ins); err != nil {
		d.Log.Errorf("CHANGE_PIN: ack: %v", err)
		return apdu.InternalError()
	}
	data, err := apdu.ReadBytes(d.Transport, 8)
	if err != nil {
		d.Log.Errorf("CHANGE_PIN: read data: %v", err)
		return apdu.InternalError()
	}
	var oldPin, newPin [state.PINSize]byte
	copy(oldPin[:], data[:4])
	copy(newPin[:], data[4:])

	stored, err := d.State.PIN()
	if err != nil {
		d.Log.Errorf("CHANGE_PIN: read stored pin: %v", err)
		return apdu.InternalError()
	}

	if !pinMatches(stored, oldPin[:]) {
		next := auth.NextTriesOnFailure(tries)
		if err := d.State.SetPinTries(next); err != nil {
			d.Log.Errorf("CHANGE_PIN: decrement tries: %v", err)
			return apdu.InternalError()
		}
		if next == 0 {
			d.Log.Warnf("CHANGE_PIN: pin_tries exhausted, card blocked")
			return apdu.Blocked()
		}
		return apdu.AuthFailure(next)
	}

	if err := d.State.StageNewPin(newPin, d.Profile.PinTryMax); err != nil {
		d.Log.Errorf("CHANGE_PIN: stage: %v", err)
		return apdu.InternalError()
	}
	d.Ticket.Clear()
	return apdu.Success()
}

func (d *Dispatcher) handleResetByPuk(h apdu.Header) (byte, byte) {
	if h.P3 != 10 {
		return apdu.WrongLength(10)
	}
	tries, err := d.State.PukTries()
	if err != nil {
		d.Log.Errorf("RESET_PIN_BY_PUK: read tries: %v", err)
		return apdu.InternalError()
	}
	if tries == 0 {
		return apdu.Blocked()
	}
	if err := apdu.AckIns(d.Transport, h.Ins); err != nil {
		d.Log.Errorf("RESET_PIN_BY_PUK: ack: %v", err)
		return apdu.InternalError()
	}
	// must read all 10 declared bytes regardless of whether the PUK
	// matches, so the terminal's transmission length matches Lc.
	data, err := apdu.ReadBytes(d.Transport, 10)
	if err != nil {
		d.Log.Errorf("RESET_PIN_BY_PUK: read data: %v", err)
		return apdu.InternalError()
	}
	var attemptPuk [state.PUKSize]byte
	var newPin [state.PINSize]byte
	copy(attemptPuk[:], data[:6])
	copy(newPin[:], data[6:])

	storedPuk, err := d.State.PUK()
	if err != nil {
		d.Log.Errorf("RESET_PIN_BY_PUK: read stored puk: %v", err)
		return apdu.InternalError()
	}

	if !pukMatches(storedPuk, attemptPuk) {
		next := auth.NextTriesOnFailure(tries)
		if err := d.State.SetPukTries(next); err != nil {
			d.Log.Errorf("RESET_PIN_BY_PUK: decrement tries: %v", err)
			return apdu.InternalError()
		}
		if next == 0 {
			d.Log.Warnf("RESET_PIN_BY_PUK: puk_tries exhausted, card blocked")
			return apdu.Blocked()
		}
		return apdu.AuthFailure(next)
	}

	if err := d.State.StageResetByPuk(newPin, d.Profile.PinTryMax, d.Profile.PukTryMax); err != nil {
		d.Log.Errorf("RESET_PIN_BY_PUK: stage: %v", err)
		return apdu.InternalError()
	}
	d.Ticket.Clear()
	d.Log.Infof("RESET_PIN_BY_PUK: pin unblocked, pin_tries and puk_tries reset")
	return apdu.Success()
}

func (d *Dispatcher) handleReadCtr(h apdu.Header) (byte, byte) {
	if h.P3 != 2 {
		return apdu.WrongLength(2)
	}
	if err := apdu.AckIns(d.Transport, h.Ins); err != nil {
		d.Log.Errorf("READ_CTR: ack: %v", err)
		return apdu.InternalError()
	}
	ctr, err := d.State.Ctr()
	if err != nil {
		d.Log.Errorf("READ_CTR: read: %v", err)
		return apdu.InternalError()
	}
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, ctr)
	if err := apdu.WriteBytes(d.Transport, buf); err != nil {
		d.Log.Errorf("READ_CTR: write: %v", err)
		return apdu.InternalError()
	}
	return apdu.Success()
}

func pinMatches(stored [state.PINSize]byte, attempt []byte) bool {
	if len(attempt) != state.PINSize {
		return false
	}
	for i := range stored {
		if stored[i] != attempt[i] {
			return false
		}
	}
	return true
}

func pukMatches(stored, attempt [state.PUKSize]byte) bool {
	return stored == attempt
}
