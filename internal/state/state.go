// Package state implements the typed NVM layout of spec section 4.C: a thin
// accessor layer over interfaces.NVM and internal/journal, fixing exactly
// which fields are journaled (multi-field, state-affecting updates) and
// which are written direct (single-byte retry-counter bumps), per the
// policy spec section 4.C states explicitly. Grounded on the teacher's
// internal/ctrl/types.go, which plays the same role of giving raw byte
// offsets typed Go names.
package state

import (
	"github.com/ehrlich-b/go-cardpurse/internal/interfaces"
	"github.com/ehrlich-b/go-cardpurse/internal/journal"
)

// NVM field addresses, per the layout table: perso_len, perso_blob, puk,
// pin, pin_tries, puk_tries, ctr, balance, then the journal record.
const (
	persoLenAddr  uint16 = 0x00
	persoBlobAddr uint16 = 0x01
	pukAddr       uint16 = 0x21
	pinAddr       uint16 = 0x27
	pinTriesAddr  uint16 = 0x2B
	pukTriesAddr  uint16 = 0x2C
	ctrAddr       uint16 = 0x2D
	balanceAddr   uint16 = 0x2F
	JournalBase   uint16 = 0x40

	PersoBlobSize = 32
	PUKSize       = 6
	PINSize       = 4
)

// Record is the journal record backing this layout, for callers that need
// to Boot (replay) or stage their own transactions against it.
var Record = journal.Record{Base: JournalBase}

// State is a typed view over one card's NVM.
type State struct {
	nvm interfaces.NVM
}

// New wraps nvm in a typed State. It performs no I/O.
func New(nvm interfaces.NVM) *State {
	return &State{nvm: nvm}
}

// PersoLen returns the personalization blob's stored length.
func (s *State) PersoLen() (byte, error) {
	return s.nvm.ReadByte(persoLenAddr)
}

// Perso returns the first n bytes of the personalization blob, where n is
// the stored PersoLen.
func (s *State) Perso() ([]byte, error) {
	n, err := s.PersoLen()
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	for i := range out {
		b, err := s.nvm.ReadByte(persoBlobAddr + uint16(i))
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// PUK returns the stored 6-byte PUK.
func (s *State) PUK() ([PUKSize]byte, error) {
	var out [PUKSize]byte
	for i := range out {
		b, err := s.nvm.ReadByte(pukAddr + uint16(i))
		if err != nil {
			return out, err
		}
		out[i] = b
	}
	return out, nil
}

// PIN returns the stored 4-byte PIN.
func (s *State) PIN() ([PINSize]byte, error) {
	var out [PINSize]byte
	for i := range out {
		b, err := s.nvm.ReadByte(pinAddr + uint16(i))
		if err != nil {
			return out, err
		}
		out[i] = b
	}
	return out, nil
}

// PinTries returns the remaining PIN-verification tries.
func (s *State) PinTries() (byte, error) {
	return s.nvm.ReadByte(pinTriesAddr)
}

// SetPinTries writes the PIN try counter directly, per spec section 4.C's
// policy that single-byte retry-counter bumps bypass the journal.
func (s *State) SetPinTries(v byte) error {
	return s.nvm.WriteByte(pinTriesAddr, v)
}

// PukTries returns the remaining PUK-verification tries.
func (s *State) PukTries() (byte, error) {
	return s.nvm.ReadByte(pukTriesAddr)
}

// SetPukTries writes the PUK try counter directly.
func (s *State) SetPukTries(v byte) error {
	return s.nvm.WriteByte(pukTriesAddr, v)
}

// Ctr returns the stored anti-replay counter.
func (s *State) Ctr() (uint16, error) {
	return s.nvm.ReadWord(ctrAddr)
}

// SetCtr writes the anti-replay counter directly. Per spec section 5's
// ordering note this single-word write is deliberately not journaled: it
// must commit before the balance update is even staged, so that a crash
// between the two cannot double-apply a monetary operation at one counter
// value. A torn write here is recoverable by I5's equality check alone.
func (s *State) SetCtr(v uint16) error {
	return s.nvm.WriteWord(ctrAddr, v)
}

// Balance returns the stored balance.
func (s *State) Balance() (uint16, error) {
	return s.nvm.ReadWord(balanceAddr)
}

// StageBalance journals a new balance as a single-entry transaction and
// commits it immediately. CREDIT/DEBIT call this only after SetCtr has
// already landed.
func (s *State) StageBalance(newBalance uint16) error {
	txn := journal.NewTransaction()
	buf := []byte{byte(newBalance), byte(newBalance >> 8)}
	txn.Add(balanceAddr, buf)
	if err := journal.Stage(s.nvm, Record, txn); err != nil {
		return err
	}
	_, err := journal.Commit(s.nvm, Record)
	return err
}

// StagePersonalization journals the full factory-reset transaction
// INTRO_PERSO performs: perso_len, perso_blob, puk, pin, pin_tries,
// puk_tries, ctr, balance — eight entries applied atomically, per spec
// section 5's "either all eight updates apply or none do."
func (s *State) StagePersonalization(perso []byte, puk [PUKSize]byte, pin [PINSize]byte, pinTriesMax, pukTriesMax byte) error {
	txn := journal.NewTransaction()
	txn.Add(persoLenAddr, []byte{byte(len(perso))})
	txn.Add(persoBlobAddr, perso)
	txn.Add(pukAddr, puk[:])
	txn.Add(pinAddr, pin[:])
	txn.Add(pinTriesAddr, []byte{pinTriesMax})
	txn.Add(pukTriesAddr, []byte{pukTriesMax})
	txn.Add(ctrAddr, []byte{0, 0})
	txn.Add(balanceAddr, []byte{0, 0})
	if err := journal.Stage(s.nvm, Record, txn); err != nil {
		return err
	}
	_, err := journal.Commit(s.nvm, Record)
	return err
}

// StageNewPin journals CHANGE_PIN's success path: the new PIN and a reset
// pin_tries counter as one atomic two-entry transaction. Bundling the
// counter reset with the PIN write (rather than writing pin_tries direct
// afterward) avoids a torn state where the PIN changes but pin_tries does
// not reset to pinTriesMax.
func (s *State) StageNewPin(pin [PINSize]byte, pinTriesMax byte) error {
	txn := journal.NewTransaction()
	txn.Add(pinAddr, pin[:])
	txn.Add(pinTriesAddr, []byte{pinTriesMax})
	if err := journal.Stage(s.nvm, Record, txn); err != nil {
		return err
	}
	_, err := journal.Commit(s.nvm, Record)
	return err
}

// StageResetByPuk journals RESET_PIN_BY_PUK's success path: new PIN,
// pin_tries reset, and puk_tries reset, as one atomic three-entry
// transaction, for the same reason StageNewPin bundles its two.
func (s *State) StageResetByPuk(pin [PINSize]byte, pinTriesMax, pukTriesMax byte) error {
	txn := journal.NewTransaction()
	txn.Add(pinAddr, pin[:])
	txn.Add(pinTriesAddr, []byte{pinTriesMax})
	txn.Add(pukTriesAddr, []byte{pukTriesMax})
	if err := journal.Stage(s.nvm, Record, txn); err != nil {
		return err
	}
	_, err := journal.Commit(s.nvm, Record)
	return err
}

// Boot replays any journal transaction left PENDING by a prior crash. It
// must run before any other State method is called, mirroring spec section
// 2's "ATR, then serve" boot sequence. It returns the number of entries
// replayed.
func (s *State) Boot() (int, error) {
	return journal.Commit(s.nvm, Record)
}
