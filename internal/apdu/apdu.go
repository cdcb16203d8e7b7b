// Package apdu implements the wire framing of the ISO 7816-3 T=0 byte
// protocol: the 5-byte command header, INS acknowledgement, and the
// 2-byte trailing status word. Binary layout follows the little-endian
// discipline the rest of this module uses for multi-byte NVM fields,
// mirrored here for the handful of wire-carried 16-bit values (balance,
// credit/debit amount, counter readback).
package apdu

import "github.com/ehrlich-b/go-cardpurse/internal/interfaces"

// Header is the 5-byte command header CLA INS P1 P2 P3.
type Header struct {
	Cla byte
	Ins byte
	P1  byte
	P2  byte
	P3  byte
}

// Req returns the little-endian 16-bit value encoded in P1 (low) / P2 (high),
// used by CREDIT/DEBIT to carry the expected anti-replay counter.
func (h Header) Req() uint16 {
	return uint16(h.P1) | uint16(h.P2)<<8
}

// ReadHeader reads the 5 header bytes off the transport in order.
func ReadHeader(t interfaces.Transport) (Header, error) {
	var h Header
	bytesOut := []*byte{&h.Cla, &h.Ins, &h.P1, &h.P2, &h.P3}
	for _, dst := range bytesOut {
		b, err := t.RecvByte()
		if err != nil {
			return Header{}, err
		}
		*dst = b
	}
	return h, nil
}

// AckIns echoes INS to signal the card is ready to transfer data, per the
// T=0 procedure-byte convention.
func AckIns(t interfaces.Transport, ins byte) error {
	return t.SendByte(ins)
}

// ReadBytes reads exactly n bytes of data from the transport. Callers that
// must reject a command after acknowledging INS still call this to keep
// the terminal's framing aligned (spec section 7): the declared Lc bytes
// are always drained before a status word is produced.
func ReadBytes(t interfaces.Transport, n int) ([]byte, error) {
	buf := make([]byte, n)
	for i := range buf {
		b, err := t.RecvByte()
		if err != nil {
			return nil, err
		}
		buf[i] = b
	}
	return buf, nil
}

// WriteBytes streams data out over the transport, one byte at a time.
func WriteBytes(t interfaces.Transport, data []byte) error {
	for _, b := range data {
		if err := t.SendByte(b); err != nil {
			return err
		}
	}
	return nil
}

// WriteStatus trails the 2-byte status word.
func WriteStatus(t interfaces.Transport, sw1, sw2 byte) error {
	if err := t.SendByte(sw1); err != nil {
		return err
	}
	return t.SendByte(sw2)
}
