// Package miauth implements the Xiaomi pairing and login handshake carried
// over the UPNP and AVDTP characteristics, and the key material both
// ceremonies derive.
package miauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/miscooter/scooter-command/internal/fragment"
	"github.com/miscooter/scooter-command/internal/log"
	"github.com/miscooter/scooter-command/pkg/connector"
	"github.com/miscooter/scooter-command/pkg/protocol"
)

// DefaultStepTimeout bounds each wait for a handshake response. Apart from the
// opt-in clone fallback there are no retries at this layer; the caller
// reconnects and starts over.
const DefaultStepTimeout = 3 * time.Second

// Option configures a handshake.
type Option func(*engine)

// WithStepTimeout overrides the per-step response timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(e *engine) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithCloneFallback makes the handshake re-issue a command on the opposite
// control characteristic after a step timeout. Aftermarket controllers
// disagree with the stock firmware about which characteristic carries which
// step.
func WithCloneFallback() Option {
	return func(e *engine) {
		e.clone = true
	}
}

// WithRandReader overrides the entropy source. Tests use this to pin the
// ephemeral key and the login random.
func WithRandReader(r io.Reader) Option {
	return func(e *engine) {
		e.rand = r
	}
}

// engine drives one handshake over a transport. The scooter's notifications
// from both handshake characteristics are merged into a single inbox; the
// original client reads one notification stream as well, and clones do not
// agree about which characteristic answers which step.
type engine struct {
	transport   connector.Transport
	inbox       chan []byte
	asm         fragment.Assembler
	stepTimeout time.Duration
	clone       bool
	rand        io.Reader
	state       string
}

func newEngine(t connector.Transport, opts ...Option) (*engine, error) {
	e := &engine{
		transport:   t,
		inbox:       make(chan []byte, 2*connector.BufferSize),
		stepTimeout: DefaultStepTimeout,
		state:       "Idle",
	}
	for _, opt := range opts {
		opt(e)
	}

	upnp, err := t.Subscribe(connector.UPNP)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrNotifyFailed, err)
	}
	avdtp, err := t.Subscribe(connector.AVDTP)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrNotifyFailed, err)
	}

	var wg sync.WaitGroup
	forward := func(src <-chan []byte) {
		defer wg.Done()
		for p := range src {
			select {
			case e.inbox <- p:
			default:
				log.Warning("miauth: inbox full, dropping %d-byte notification", len(p))
			}
		}
	}
	wg.Add(2)
	go forward(upnp)
	go forward(avdtp)
	go func() {
		wg.Wait()
		close(e.inbox)
	}()
	return e, nil
}

func (e *engine) enter(state string) {
	log.Debug("miauth: %s -> %s", e.state, state)
	e.state = state
}

// writeCommand sends a raw four-byte tag on the control characteristic.
func (e *engine) writeCommand(ctx context.Context, ch connector.Channel, tag []byte) error {
	if err := e.transport.Write(ctx, ch, tag); err != nil {
		return fmt.Errorf("%w: %s", protocol.ErrWriteFailed, err)
	}
	return nil
}

// writeChunked fragments payload and writes the chunks in order.
func (e *engine) writeChunked(ctx context.Context, ch connector.Channel, payload []byte) error {
	chunks, err := fragment.Split(payload, e.transport.MTU())
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := e.transport.Write(ctx, ch, chunk); err != nil {
			return fmt.Errorf("%w: %s", protocol.ErrWriteFailed, err)
		}
	}
	return nil
}

// packet classification for the handshake read loop.
type packetKind int

const (
	pkData packetKind = iota
	pkAck
	pkStatus
)

type packet struct {
	kind    packetKind
	payload []byte
}

// readPacket consumes notifications until one complete packet is available:
// a reassembled fragmented message, a transfer acknowledgement, or a status
// tag. Waits are bounded by the step timeout.
func (e *engine) readPacket(ctx context.Context) (packet, error) {
	timer := time.NewTimer(e.stepTimeout)
	defer timer.Stop()
	for {
		select {
		case raw, ok := <-e.inbox:
			if !ok {
				return packet{}, protocol.ErrTransportClosed
			}
			log.Debug("miauth: rx %02x", raw)
			if !e.asm.Pending() {
				if isStatus(raw) {
					return packet{kind: pkStatus, payload: raw}, nil
				}
				if isTransferAck(raw) {
					return packet{kind: pkAck, payload: raw[2:]}, nil
				}
			}
			complete, err := e.asm.Feed(raw)
			if err != nil {
				return packet{}, err
			}
			if complete != nil {
				return packet{kind: pkData, payload: complete}, nil
			}
		case <-timer.C:
			return packet{}, protocol.ErrHandshakeTimeout
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return packet{}, protocol.ErrHandshakeTimeout
			}
			return packet{}, ctx.Err()
		}
	}
}

// awaitData skips acknowledgements and returns the next fragmented payload.
// Error statuses abort the wait.
func (e *engine) awaitData(ctx context.Context, failures ...[]byte) ([]byte, error) {
	for {
		p, err := e.readPacket(ctx)
		if err != nil {
			return nil, err
		}
		switch p.kind {
		case pkData:
			return p.payload, nil
		case pkAck:
			log.Debug("miauth: transfer ack %02x", p.payload)
		case pkStatus:
			if err := matchFailure(p.payload, failures); err != nil {
				return nil, err
			}
			log.Debug("miauth: ignoring status %02x while expecting data", p.payload)
		}
	}
}

// awaitStatus waits for ok, translating the paired failure tag into err.
func (e *engine) awaitStatus(ctx context.Context, ok []byte, failures ...[]byte) error {
	for {
		p, err := e.readPacket(ctx)
		if err != nil {
			return err
		}
		if p.kind != pkStatus {
			log.Debug("miauth: ignoring %d-byte packet while expecting status", len(p.payload))
			continue
		}
		if statusEqual(p.payload, ok) {
			return nil
		}
		if err := matchFailure(p.payload, failures); err != nil {
			return err
		}
		log.Warning("miauth: unexpected status %02x", p.payload)
	}
}

func matchFailure(status []byte, failures [][]byte) error {
	for _, f := range failures {
		if !statusEqual(status, f) {
			continue
		}
		if statusEqual(f, rcvAuthErr) {
			return protocol.ErrRegistrationRejected
		}
		return protocol.ErrLoginRejected
	}
	return nil
}

// commandWithFallback writes a command and invokes await; with the clone
// option set, a timeout triggers one retry on the opposite channel.
func (e *engine) commandWithFallback(ctx context.Context, ch connector.Channel, tag []byte, await func() error) error {
	if err := e.writeCommand(ctx, ch, tag); err != nil {
		return err
	}
	err := await()
	if errors.Is(err, protocol.ErrHandshakeTimeout) && e.clone {
		other := connector.AVDTP
		if ch == connector.AVDTP {
			other = connector.UPNP
		}
		log.Info("miauth: no response on %s, retrying command on %s", ch, other)
		if err := e.writeCommand(ctx, other, tag); err != nil {
			return err
		}
		return await()
	}
	return err
}
