package scooter

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/miscooter/scooter-command/internal/fragment"
	"github.com/miscooter/scooter-command/internal/miauth"
	"github.com/miscooter/scooter-command/pkg/connector"
	"github.com/miscooter/scooter-command/pkg/protocol"
	"github.com/miscooter/scooter-command/pkg/protocol/frame"
)

// loopTransport feeds TX writes through a scripted scooter and delivers its
// replies on RX.
type loopTransport struct {
	mu       sync.Mutex
	asm      fragment.Assembler
	packets  [][]byte // reassembled TX packets, counter prefix included
	rx       chan []byte
	onPacket func(packet []byte)
}

func newLoopTransport() *loopTransport {
	return &loopTransport{rx: make(chan []byte, connector.BufferSize)}
}

func (l *loopTransport) Write(_ context.Context, ch connector.Channel, p []byte) error {
	if ch != connector.TX {
		return errors.New("unexpected write channel")
	}
	l.mu.Lock()
	packet, err := l.asm.Feed(p)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	var handler func([]byte)
	if packet != nil {
		l.packets = append(l.packets, packet)
		handler = l.onPacket
	}
	l.mu.Unlock()
	if packet != nil && handler != nil {
		handler(packet)
	}
	return nil
}

func (l *loopTransport) Subscribe(ch connector.Channel) (<-chan []byte, error) {
	if ch != connector.RX {
		return nil, errors.New("unexpected subscribe channel")
	}
	return l.rx, nil
}

func (l *loopTransport) Reconnect(context.Context) error { return nil }
func (l *loopTransport) MTU() int                        { return fragment.DefaultMTU }
func (l *loopTransport) Close()                          {}

func (l *loopTransport) sentCounters() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	counters := make([]uint32, 0, len(l.packets))
	for _, p := range l.packets {
		counters = append(counters, binary.LittleEndian.Uint32(p))
	}
	return counters
}

var _ = Describe("Session", func() {
	var (
		transport *loopTransport
		session   *Session
		keys      miauth.SessionKeys
		peer      *miauth.SessionCipher // seals scooter->client traffic
		rxCounter uint32
	)

	// The scooter's cipher is the session's with both directions swapped.
	swapKeys := func(k miauth.SessionKeys) miauth.SessionKeys {
		return miauth.SessionKeys{
			DevKey: k.AppKey, DevIV: k.AppIV,
			AppKey: k.DevKey, AppIV: k.DevIV,
		}
	}

	replyWith := func(counter uint32, f frame.Frame) {
		packet := peer.Seal(counter, f.Encode())
		chunks, err := fragment.Split(packet, fragment.DefaultMTU)
		Expect(err).NotTo(HaveOccurred())
		for _, c := range chunks {
			transport.rx <- c
		}
	}

	// echoScooter answers every request with the scripted payload on the
	// request's attribute.
	echoScooter := func(payloads map[byte][]byte) {
		transport.onPacket = func(packet []byte) {
			defer GinkgoRecover()
			_, plaintext, err := swapCipher(keys).Open(packet)
			Expect(err).NotTo(HaveOccurred())
			request, err := frame.Decode(plaintext)
			Expect(err).NotTo(HaveOccurred())
			payload, ok := payloads[request.Attribute]
			if !ok {
				return // silent scooter for this attribute
			}
			rxCounter++
			replyWith(rxCounter, frame.Frame{
				Device:    replyDevice(request.Device),
				Type:      request.Type,
				Attribute: request.Attribute,
				Payload:   payload,
			})
		}
	}

	newTestSession := func(opts ...Option) {
		var err error
		opts = append([]Option{WithRPCTimeout(200 * time.Millisecond)}, opts...)
		session, err = NewSession(transport, keys, opts...)
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		transport = newLoopTransport()
		rxCounter = 0

		var token miauth.Token
		copy(token[:], bytes.Repeat([]byte{0x21}, miauth.TokenSize))
		var err error
		keys, err = miauth.DeriveSessionKeys(token,
			bytes.Repeat([]byte{0x0A}, miauth.RandSize), bytes.Repeat([]byte{0x0B}, miauth.RandSize))
		Expect(err).NotTo(HaveOccurred())
		peer, err = miauth.NewSessionCipher(swapKeys(keys))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if session != nil {
			session.Close()
			session = nil
		}
	})

	It("round-trips a typed read", func() {
		newTestSession()
		echoScooter(map[byte][]byte{0x25: {0x26, 0x07}})
		km, err := session.RemainingRangeKm(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(km).To(BeNumerically("~", 18.3, 0.001))
	})

	It("queries both devices", func() {
		newTestSession()
		echoScooter(map[byte][]byte{
			0xB0: make([]byte, 32),
			0x31: {0xB2, 0x1B, 0x3D, 0x00, 0x00, 0x00, 0x5B, 0x0F, 0x1B, 0x1C},
		})
		motor, err := session.MotorInfo(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(motor.BatteryPercent).To(Equal(uint16(0)))

		battery, err := session.BatteryInfo(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(battery.CapacityMah).To(Equal(uint16(7090)))
		Expect(battery.Voltage).To(BeNumerically("~", 39.31, 0.001))
	})

	It("advances the tx counter on every request", func() {
		newTestSession()
		echoScooter(map[byte][]byte{0x7C: {0x01, 0x00}})
		for i := 0; i < 3; i++ {
			_, err := session.Cruise(context.Background())
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(transport.sentCounters()).To(Equal([]uint32{0, 1, 2}))
	})

	It("still advances the tx counter when an RPC times out", func() {
		newTestSession()
		// Silent scooter: no script at all.
		_, err := session.Cruise(context.Background())
		Expect(err).To(MatchError(protocol.ErrRPCTimeout))

		echoScooter(map[byte][]byte{0x7C: {0x00, 0x00}})
		_, err = session.Cruise(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(transport.sentCounters()).To(Equal([]uint32{0, 1}))
	})

	It("rejects replies on the wrong attribute", func() {
		newTestSession()
		transport.onPacket = func([]byte) {
			defer GinkgoRecover()
			rxCounter++
			replyWith(rxCounter, frame.Frame{
				Device:    frame.DeviceMotorToMaster,
				Type:      frame.TypeRead,
				Attribute: 0x99,
				Payload:   []byte{0x00, 0x00},
			})
		}
		_, err := session.Cruise(context.Background())
		Expect(err).To(MatchError(protocol.ErrAttributeMismatch))
	})

	It("surfaces decrypt failures", func() {
		newTestSession()
		transport.onPacket = func([]byte) {
			defer GinkgoRecover()
			garbage := make([]byte, 16)
			chunks, err := fragment.Split(garbage, fragment.DefaultMTU)
			Expect(err).NotTo(HaveOccurred())
			for _, c := range chunks {
				transport.rx <- c
			}
		}
		_, err := session.Cruise(context.Background())
		Expect(err).To(MatchError(protocol.ErrDecryptFailed))
	})

	It("tracks the highest scooter counter", func() {
		newTestSession()
		echoScooter(map[byte][]byte{0x7C: {0x01, 0x00}})
		rxCounter = 41
		_, err := session.Cruise(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(session.RxCounter()).To(Equal(uint32(42)))
	})

	It("accepts a regressing counter under the permissive policy", func() {
		newTestSession()
		echoScooter(map[byte][]byte{0x7C: {0x01, 0x00}})
		rxCounter = 50
		_, err := session.Cruise(context.Background())
		Expect(err).NotTo(HaveOccurred())

		rxCounter = 2 // next reply carries counter 3
		_, err = session.Cruise(context.Background())
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects a regressing counter under the strict policy", func() {
		newTestSession(WithCounterPolicy(CounterStrict))
		echoScooter(map[byte][]byte{0x7C: {0x01, 0x00}})
		rxCounter = 50
		_, err := session.Cruise(context.Background())
		Expect(err).NotTo(HaveOccurred())

		rxCounter = 2
		_, err = session.Cruise(context.Background())
		Expect(err).To(MatchError(protocol.ErrCounterRegression))
	})

	It("validates setting values before any I/O", func() {
		newTestSession()
		err := session.SetKers(context.Background(), Kers(7))
		Expect(err).To(MatchError(protocol.ErrInvalidArgument))
		err = session.SetTailLight(context.Background(), TailLight(9))
		Expect(err).To(MatchError(protocol.ErrInvalidArgument))
		Expect(transport.sentCounters()).To(BeEmpty())
	})

	It("writes settings and decodes the echo", func() {
		newTestSession()
		echoScooter(map[byte][]byte{0x7B: {0x02, 0x00}})
		Expect(session.SetKers(context.Background(), KersStrong)).To(Succeed())
	})

	It("fails fast once the transport closes", func() {
		newTestSession()
		close(transport.rx)
		Eventually(func() error {
			_, err := session.Cruise(context.Background())
			return err
		}).Should(MatchError(protocol.ErrTransportClosed))
	})
})

func swapCipher(k miauth.SessionKeys) *miauth.SessionCipher {
	swapped := miauth.SessionKeys{
		DevKey: k.AppKey, DevIV: k.AppIV,
		AppKey: k.DevKey, AppIV: k.DevIV,
	}
	c, err := miauth.NewSessionCipher(swapped)
	if err != nil {
		panic(err)
	}
	return c
}
