package backend

import (
	"errors"

	"github.com/ehrlich-b/go-cardpurse/internal/interfaces"
)

// ErrSimulatedPowerLoss is returned by every TearingNVM method once the
// injected crash point has been reached, until Reboot is called.
var ErrSimulatedPowerLoss = errors.New("backend: simulated power loss")

// TearingNVM wraps an interfaces.NVM and injects a power loss after a
// fixed number of single-byte writes have landed, counting at byte
// granularity even inside a multi-byte WriteWord/WriteBlock call — so a
// crash can be staged mid-field, exactly the "tearing" threat model spec
// section 1 describes. Grounded on the teacher's MockBackend call-count
// tracking (testing.go), generalized from "count calls" to "count bytes,
// then fail mid-call."
type TearingNVM struct {
	inner      interfaces.NVM
	crashAfter int
	written    int
	crashed    bool
}

// NewTearingNVM wraps inner so that the (crashAfter+1)-th byte write (and
// everything after it) fails with ErrSimulatedPowerLoss. A crashAfter of 0
// fails on the very first byte written; a negative value never crashes.
func NewTearingNVM(inner interfaces.NVM, crashAfter int) *TearingNVM {
	return &TearingNVM{inner: inner, crashAfter: crashAfter}
}

// Reboot clears the crashed flag, simulating a power-cycle: whatever bytes
// had already landed before the crash remain, but the injector stops
// failing new calls.
func (t *TearingNVM) Reboot() {
	t.crashed = false
	t.crashAfter = -1
}

// writeByte is the single point every write path funnels through, so
// byte-granular crash counting is exact regardless of call shape.
func (t *TearingNVM) writeByte(addr uint16, v byte) error {
	if t.crashed {
		return ErrSimulatedPowerLoss
	}
	if t.crashAfter >= 0 && t.written >= t.crashAfter {
		t.crashed = true
		return ErrSimulatedPowerLoss
	}
	t.written++
	return t.inner.WriteByte(addr, v)
}

// ReadByte implements interfaces.NVM. Reads are not torn by this harness —
// only writes are, since spec section 1's tearing threat is about
// in-flight writes losing power, not reads of already-durable state.
func (t *TearingNVM) ReadByte(addr uint16) (byte, error) {
	if t.crashed {
		return 0, ErrSimulatedPowerLoss
	}
	return t.inner.ReadByte(addr)
}

// ReadWord implements interfaces.NVM.
func (t *TearingNVM) ReadWord(addr uint16) (uint16, error) {
	if t.crashed {
		return 0, ErrSimulatedPowerLoss
	}
	return t.inner.ReadWord(addr)
}

// WriteByte implements interfaces.NVM as a single torn-write point.
func (t *TearingNVM) WriteByte(addr uint16, v byte) error {
	return t.writeByte(addr, v)
}

// WriteWord implements interfaces.NVM by decomposing into two byte writes,
// so a crash can land between them.
func (t *TearingNVM) WriteWord(addr uint16, v uint16) error {
	if err := t.writeByte(addr, byte(v)); err != nil {
		return err
	}
	return t.writeByte(addr+1, byte(v>>8))
}

// WriteBlock implements interfaces.NVM by decomposing into one byte write
// per source byte, so a crash can land anywhere within the block.
func (t *TearingNVM) WriteBlock(dst uint16, src []byte) error {
	for i, b := range src {
		if err := t.writeByte(dst+uint16(i), b); err != nil {
			return err
		}
	}
	return nil
}

// WriteCount reports how many individual bytes have successfully landed,
// for tests that want to pick a precise crash point relative to a known
// transaction's write sequence.
func (t *TearingNVM) WriteCount() int {
	return t.written
}
