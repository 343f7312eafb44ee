// Package scooter is the public surface of the library: registration, login,
// and the authenticated session used to query and configure a scooter.
package scooter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/miscooter/scooter-command/internal/fragment"
	"github.com/miscooter/scooter-command/internal/log"
	"github.com/miscooter/scooter-command/internal/miauth"
	"github.com/miscooter/scooter-command/pkg/connector"
	"github.com/miscooter/scooter-command/pkg/protocol"
	"github.com/miscooter/scooter-command/pkg/protocol/frame"
)

// DefaultRPCTimeout bounds each request/response exchange.
const DefaultRPCTimeout = 2 * time.Second

// CounterPolicy selects how the session treats a scooter packet counter that
// goes backwards. Stock firmware keeps its counter monotonic, but the
// reference client tolerates regressions, so the permissive policy is the
// default.
type CounterPolicy int

const (
	// CounterPermissive logs regressions and accepts the packet.
	CounterPermissive CounterPolicy = iota
	// CounterStrict rejects packets whose counter is below the highest
	// observed value.
	CounterStrict
)

type reply struct {
	frame frame.Frame
	err   error
}

// A Session owns the post-login key bundle and the two packet counters. RPCs
// from multiple goroutines are serialized by an internal lock, one
// request/response pair at a time; waiting callers are not guaranteed to be
// served in the order they called.
type Session struct {
	transport connector.Transport
	cipher    *miauth.SessionCipher

	mu         sync.Mutex // spans one request/response pair
	txCounter  uint32
	rpcTimeout time.Duration
	policy     CounterPolicy

	rxMu      sync.Mutex
	rxCounter uint32

	replies chan reply
	done    chan struct{}
	once    sync.Once
}

// NewSession wraps a logged-in transport with the derived key bundle. Login
// is the usual constructor; NewSession is exported for callers that persist
// key bundles across process boundaries (for example the host-platform
// bridge).
func NewSession(t connector.Transport, keys miauth.SessionKeys, opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	cipher, err := miauth.NewSessionCipher(keys)
	if err != nil {
		return nil, err
	}
	s := &Session{
		transport:  t,
		cipher:     cipher,
		rpcTimeout: cfg.rpcTimeout,
		policy:     cfg.policy,
		replies:    make(chan reply, connector.BufferSize),
		done:       make(chan struct{}),
	}
	rx, err := t.Subscribe(connector.RX)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", protocol.ErrNotifyFailed, err)
	}
	go s.readLoop(rx)
	return s, nil
}

// Close stops the session's reader. It does not close the transport; the
// caller owns the peripheral.
func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
}

// RxCounter returns the highest packet counter observed from the scooter.
func (s *Session) RxCounter() uint32 {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	return s.rxCounter
}

// readLoop owns the RX notification stream: it reassembles chunks, decrypts
// packets and hands decoded frames to the waiting RPC. Frames arriving with
// no RPC pending are discarded.
func (s *Session) readLoop(rx <-chan []byte) {
	var asm fragment.Assembler
	for {
		select {
		case <-s.done:
			return
		case chunk, ok := <-rx:
			if !ok {
				s.deliver(reply{err: protocol.ErrTransportClosed})
				close(s.replies)
				return
			}
			packet, err := asm.Feed(chunk)
			if err != nil {
				s.deliver(reply{err: err})
				continue
			}
			if packet == nil {
				continue
			}
			s.deliver(s.decode(packet))
		}
	}
}

func (s *Session) decode(packet []byte) reply {
	counter, plaintext, err := s.cipher.Open(packet)
	if err != nil {
		return reply{err: fmt.Errorf("%w: %s", protocol.ErrDecryptFailed, err)}
	}

	s.rxMu.Lock()
	if counter < s.rxCounter {
		strict := s.policy == CounterStrict
		s.rxMu.Unlock()
		if strict {
			return reply{err: fmt.Errorf("%w: got %d after %d", protocol.ErrCounterRegression, counter, s.rxCounter)}
		}
		log.Warning("scooter: packet counter regressed to %d", counter)
	} else {
		s.rxCounter = counter
		s.rxMu.Unlock()
	}

	f, err := frame.Decode(plaintext)
	if err != nil {
		return reply{err: err}
	}
	return reply{frame: f}
}

func (s *Session) deliver(r reply) {
	select {
	case s.replies <- r:
	default:
		log.Warning("scooter: reply queue full, dropping frame")
	}
}

// Send issues one request frame and waits for the matching reply payload.
// Requests are encrypted under the app key with the current tx counter,
// fragmented, and written to the Nordic UART TX characteristic. The reply
// must carry the same attribute from the corresponding reply device.
//
// The tx counter advances as soon as the request bytes are written, so a
// canceled or timed-out RPC still consumes a counter value and the session
// stays usable.
func (s *Session) Send(ctx context.Context, device frame.Device, typ frame.Type, attribute byte, payload []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return nil, protocol.ErrTransportClosed
	default:
	}

	// Discard replies left over from a canceled predecessor; their counters
	// were already accounted for by the read loop.
drain:
	for {
		select {
		case stale, ok := <-s.replies:
			if !ok {
				return nil, protocol.ErrTransportClosed
			}
			if stale.err == nil {
				log.Debug("scooter: discarding stale reply for attribute %02x", stale.frame.Attribute)
			}
		default:
			break drain
		}
	}

	raw := frame.Encode(device, typ, attribute, payload)
	packet := s.cipher.Seal(s.txCounter, raw)
	chunks, err := fragment.Split(packet, s.transport.MTU())
	if err != nil {
		return nil, err
	}
	for _, chunk := range chunks {
		if err := s.transport.Write(ctx, connector.TX, chunk); err != nil {
			s.txCounter++
			return nil, fmt.Errorf("%w: %s", protocol.ErrWriteFailed, err)
		}
	}
	s.txCounter++

	want := replyDevice(device)
	timer := time.NewTimer(s.rpcTimeout)
	defer timer.Stop()
	for {
		select {
		case r, ok := <-s.replies:
			if !ok {
				return nil, protocol.ErrTransportClosed
			}
			if r.err != nil {
				return nil, r.err
			}
			if !r.frame.IsReply() {
				log.Debug("scooter: ignoring non-reply frame from %02x", byte(r.frame.Device))
				continue
			}
			if r.frame.Device != want || r.frame.Attribute != attribute {
				return nil, fmt.Errorf("%w: got %02x/%02x, want %02x/%02x",
					protocol.ErrAttributeMismatch, byte(r.frame.Device), r.frame.Attribute, byte(want), attribute)
			}
			return r.frame.Payload, nil
		case <-timer.C:
			return nil, protocol.ErrRPCTimeout
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, protocol.ErrRPCTimeout
			}
			return nil, ctx.Err()
		}
	}
}

func replyDevice(request frame.Device) frame.Device {
	if request == frame.DeviceMasterToBattery {
		return frame.DeviceBatteryToMaster
	}
	return frame.DeviceMotorToMaster
}
