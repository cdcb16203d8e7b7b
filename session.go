// Package cardpurse implements a contact smart card's T=0 APDU session:
// boot (journal replay, ATR), then a request/response loop served by
// internal/dispatch. Grounded on the teacher's root-package CreateAndServe,
// simplified from that function's multi-queue io_uring device lifecycle to
// this domain's single half-duplex byte stream with no concurrent readers.
package cardpurse

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ehrlich-b/go-cardpurse/internal/apdu"
	"github.com/ehrlich-b/go-cardpurse/internal/dispatch"
	"github.com/ehrlich-b/go-cardpurse/internal/interfaces"
	"github.com/ehrlich-b/go-cardpurse/internal/logging"
	"github.com/ehrlich-b/go-cardpurse/internal/profile"
	"github.com/ehrlich-b/go-cardpurse/internal/state"
)

// defaultATR is the Answer-To-Reset a Session sends at Boot, absent an
// override. The spec leaves its historical-byte contents to the
// surrounding firmware; this is a minimal placeholder (one TS byte, a
// zero-historical-bytes count) rather than a full ISO 7816-3 ATR, since
// no command in the table depends on its contents.
var defaultATR = []byte{0x3B, 0x00}

// Session is one card's lifecycle over one Transport: Boot replays any
// torn journal transaction and emits the ATR; Serve then runs the
// request/response loop until the transport is closed or ctx is
// cancelled. Mirrors the teacher's CreateAndServe params-then-serve
// shape, simplified to single-threaded synchronous operation: no queue
// pool, no goroutines on the hot path.
type Session struct {
	transport  interfaces.Transport
	dispatcher *dispatch.Dispatcher
	metrics    *Metrics
	log        interfaces.Logger

	// ATR is the byte sequence Boot sends after a successful journal
	// replay. Callers may override it before calling Boot.
	ATR []byte
}

// NewSession constructs a Session over nvm/t using the given factory
// profile. Logging defaults to logging.Default(); use SetLogger and
// SetObserver to override before calling Boot.
func NewSession(nvm interfaces.NVM, t interfaces.Transport, prof profile.Profile) *Session {
	log := interfaces.Logger(logging.Default())
	metrics := NewMetrics()

	s := state.New(nvm)
	d := dispatch.New(t, s, prof, log, metrics)

	atr := make([]byte, len(defaultATR))
	copy(atr, defaultATR)

	return &Session{transport: t, dispatcher: d, metrics: metrics, log: log, ATR: atr}
}

// SetLogger replaces the Session's logger, used by both the dispatcher
// and the Session itself. Must be called before Boot.
func (s *Session) SetLogger(log interfaces.Logger) {
	s.log = log
	s.dispatcher.Log = log
}

// SetObserver adds obs alongside the Session's own Metrics, so a caller
// can observe commands without losing the built-in counters Metrics()
// exposes. Must be called before Boot.
func (s *Session) SetObserver(obs interfaces.Observer) {
	s.dispatcher.Observer = multiObserver{s.metrics, obs}
}

// multiObserver fans ObserveX calls out to every wrapped Observer, so a
// caller-supplied Observer can run alongside the Session's own Metrics.
type multiObserver []interfaces.Observer

func (m multiObserver) ObserveCommand(cla, ins, sw1, sw2 byte, latencyNs uint64) {
	for _, o := range m {
		o.ObserveCommand(cla, ins, sw1, sw2, latencyNs)
	}
}

func (m multiObserver) ObserveJournalReplay(applied int) {
	for _, o := range m {
		o.ObserveJournalReplay(applied)
	}
}

// Boot replays any PENDING journal transaction left by an unclean
// shutdown and sends the ATR, per spec section 2's "ATR, then serve"
// sequence.
func (s *Session) Boot(ctx context.Context) error {
	if err := s.dispatcher.Boot(); err != nil {
		return fmt.Errorf("cardpurse: boot: %w", err)
	}
	if err := apdu.WriteBytes(s.transport, s.ATR); err != nil {
		return fmt.Errorf("cardpurse: send ATR: %w", err)
	}
	return nil
}

// Serve runs the request/response loop, handling one APDU per iteration,
// until ctx is cancelled or the transport returns io.EOF (the terminal
// disconnected). A transport error other than io.EOF is returned to the
// caller; io.EOF and context cancellation both return nil, since both are
// ordinary session-end conditions rather than failures.
func (s *Session) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.dispatcher.ServeOne(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("cardpurse: serve: %w", err)
		}
	}
}

// Metrics returns the session's built-in Observer implementation.
func (s *Session) Metrics() *Metrics {
	return s.metrics
}
