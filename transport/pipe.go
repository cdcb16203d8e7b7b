// Package transport provides interfaces.Transport implementations for
// local development and tests. None of this is a spec deliverable: a real
// card's transport is the physical contact interface's UART, which this
// module never touches. Pipe exists so cmd/cardsim and the root package's
// tests can drive a Dispatcher without a real terminal.
package transport

import "io"

// Pipe is an interfaces.Transport over two io.Reader/io.Writer halves,
// typically the two ends of an io.Pipe so a terminal-side goroutine and
// the card-side Dispatcher can talk to each other in-process.
type Pipe struct {
	R io.Reader
	W io.Writer
}

// NewPipe wraps r/w as a Transport.
func NewPipe(r io.Reader, w io.Writer) *Pipe {
	return &Pipe{R: r, W: w}
}

// RecvByte implements interfaces.Transport.
func (p *Pipe) RecvByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(p.R, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// SendByte implements interfaces.Transport.
func (p *Pipe) SendByte(b byte) error {
	_, err := p.W.Write([]byte{b})
	return err
}
