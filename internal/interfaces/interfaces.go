// Package interfaces provides internal interface definitions for
// go-cardpurse. These are separate from the public package to avoid
// circular imports between the root package and the internal packages
// that implement the card's components.
package interfaces

// NVM is the byte-addressable non-volatile memory the card's persistent
// state lives in (component A). Implementations are assumed durable on
// return in the absence of power loss; during power loss any in-flight
// byte may be left in an indeterminate state. NVM does not attempt
// wear-leveling.
type NVM interface {
	ReadByte(addr uint16) (byte, error)
	ReadWord(addr uint16) (uint16, error)
	WriteByte(addr uint16, v byte) error
	WriteWord(addr uint16, v uint16) error
	WriteBlock(dst uint16, src []byte) error
}

// Transport is the byte-level T=0 link the core requires from its
// environment (the UART primitives of spec section 6). The concrete
// implementation — real hardware or an in-memory pipe for simulation —
// is out of scope for the core and lives outside this module's
// persistent-state/dispatch logic.
type Transport interface {
	SendByte(b byte) error
	RecvByte() (byte, error)
}

// Logger is the minimal logging surface consumed by internal packages.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer receives per-command telemetry from the dispatcher. Implementations
// must be safe to call from the request loop; the reference card is
// single-threaded (spec section 5) but a host harness driving several
// simulated sessions concurrently may share one Observer.
type Observer interface {
	ObserveCommand(cla, ins, sw1, sw2 byte, latencyNs uint64)
	ObserveJournalReplay(applied int)
}
