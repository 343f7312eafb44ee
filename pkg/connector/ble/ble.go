// Package ble implements the scooter transport on top of go-ble: the two
// Xiaomi handshake characteristics, the Nordic UART pair used for encrypted
// telemetry, and advertisement scanning.
package ble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ble/ble"

	"github.com/miscooter/scooter-command/internal/log"
	"github.com/miscooter/scooter-command/pkg/connector"
)

var (
	xiaomiServiceUUID = ble.UUID16(0xFE95)
	upnpUUID          = ble.UUID16(0x0010)
	avdtpUUID         = ble.UUID16(0x0019)
	nusServiceUUID    = ble.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	nusTxUUID         = ble.MustParse("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	nusRxUUID         = ble.MustParse("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
)

// usableMTU is the write size stock scooters negotiate. Clones sometimes
// advertise more but still choke on longer writes, so the transport does not
// try to exchange a larger MTU.
const usableMTU = 20

const reconnectSettle = 2 * time.Second

var (
	device ble.Device
	mu     sync.Mutex
)

func initDevice() (ble.Device, error) {
	mu.Lock()
	defer mu.Unlock()
	if device != nil {
		return device, nil
	}
	d, err := newDevice()
	if err != nil {
		return nil, fmt.Errorf("ble: failed to enable device: %s", err)
	}
	device = d
	return device, nil
}

// CloseDevice releases the HCI handle so a new one can be created. Existing
// connections must be closed separately.
func CloseDevice() error {
	mu.Lock()
	defer mu.Unlock()
	if device == nil {
		return nil
	}
	err := device.Stop()
	device = nil
	return err
}

// Transport is the connector.Transport implementation for one connected
// scooter.
type Transport struct {
	addr string

	lock   sync.Mutex
	client ble.Client
	chars  map[connector.Channel]*ble.Characteristic
	subs   map[connector.Channel]chan []byte
	closed bool
}

// Connect dials the scooter at addr and discovers its characteristics. The
// Xiaomi pair is matched by UUID; the telemetry pair falls back to
// property-based selection for clones that move the Nordic UART elsewhere.
func Connect(ctx context.Context, addr string) (*Transport, error) {
	t := &Transport{
		addr:  addr,
		chars: make(map[connector.Channel]*ble.Characteristic),
		subs:  make(map[connector.Channel]chan []byte),
	}
	if err := t.dial(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) dial(ctx context.Context) error {
	d, err := initDevice()
	if err != nil {
		return err
	}
	log.Debug("ble: dialing %s", t.addr)
	client, err := d.Dial(ctx, ble.NewAddr(t.addr))
	if err != nil {
		return fmt.Errorf("ble: failed to dial %s: %s", t.addr, err)
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		client.CancelConnection()
		return fmt.Errorf("ble: failed to discover profile: %s", err)
	}

	chars, err := locateCharacteristics(profile)
	if err != nil {
		client.CancelConnection()
		return err
	}

	t.lock.Lock()
	t.client = client
	t.chars = chars
	t.lock.Unlock()
	return nil
}

// locateCharacteristics maps the four logical channels onto the discovered
// profile. Stock firmware exposes all four UUIDs; for clones missing the
// Nordic UART service, any writable/notifying pair under the Xiaomi service
// stands in, mirroring what the reference client does.
func locateCharacteristics(profile *ble.Profile) (map[connector.Channel]*ble.Characteristic, error) {
	chars := make(map[connector.Channel]*ble.Characteristic)
	var fe95 []*ble.Characteristic

	for _, svc := range profile.Services {
		for _, char := range svc.Characteristics {
			switch {
			case char.UUID.Equal(upnpUUID):
				chars[connector.UPNP] = char
			case char.UUID.Equal(avdtpUUID):
				chars[connector.AVDTP] = char
			case char.UUID.Equal(nusTxUUID):
				chars[connector.TX] = char
			case char.UUID.Equal(nusRxUUID):
				chars[connector.RX] = char
			}
			if svc.UUID.Equal(xiaomiServiceUUID) {
				fe95 = append(fe95, char)
			}
		}
	}

	if chars[connector.TX] == nil || chars[connector.RX] == nil {
		for _, char := range fe95 {
			if chars[connector.TX] == nil && char.Property&(ble.CharWrite|ble.CharWriteNR) != 0 {
				chars[connector.TX] = char
			}
			if chars[connector.RX] == nil && char.Property&(ble.CharNotify|ble.CharIndicate) != 0 {
				chars[connector.RX] = char
			}
		}
	}

	if chars[connector.UPNP] == nil || chars[connector.AVDTP] == nil {
		return nil, fmt.Errorf("ble: scooter does not expose the Xiaomi handshake characteristics")
	}
	if chars[connector.TX] == nil || chars[connector.RX] == nil {
		return nil, fmt.Errorf("ble: could not find a usable telemetry characteristic pair")
	}
	return chars, nil
}

func (t *Transport) Write(ctx context.Context, ch connector.Channel, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.lock.Lock()
	client, char := t.client, t.chars[ch]
	t.lock.Unlock()
	if client == nil || char == nil {
		return fmt.Errorf("ble: no characteristic for channel %s", ch)
	}
	log.Debug("ble: tx %s %02x", ch, p)
	noRsp := char.Property&ble.CharWriteNR != 0
	return client.WriteCharacteristic(char, p, noRsp)
}

func (t *Transport) Subscribe(ch connector.Channel) (<-chan []byte, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if existing, ok := t.subs[ch]; ok {
		return existing, nil
	}
	char := t.chars[ch]
	if t.client == nil || char == nil {
		return nil, fmt.Errorf("ble: no characteristic for channel %s", ch)
	}
	out := make(chan []byte, connector.BufferSize)
	handler := func(p []byte) {
		buf := make([]byte, len(p))
		copy(buf, p)
		log.Debug("ble: rx %s %02x", ch, buf)
		select {
		case out <- buf:
		default:
			log.Warning("ble: dropping notification on %s, subscriber too slow", ch)
		}
	}
	indicate := char.Property&ble.CharNotify == 0 && char.Property&ble.CharIndicate != 0
	if err := t.client.Subscribe(char, indicate, handler); err != nil {
		return nil, fmt.Errorf("ble: failed to subscribe to %s: %s", ch, err)
	}
	t.subs[ch] = out
	return out, nil
}

func (t *Transport) MTU() int {
	return usableMTU
}

// Reconnect tears the link down and dials again. The scooter forgets
// half-finished handshakes on disconnect, which is exactly what registration
// needs before a retry. Existing subscriptions are closed; subscribers must
// resubscribe on the fresh link.
func (t *Transport) Reconnect(ctx context.Context) error {
	t.lock.Lock()
	client := t.client
	t.client = nil
	subs := t.subs
	t.subs = make(map[connector.Channel]chan []byte)
	t.lock.Unlock()

	if client != nil {
		client.ClearSubscriptions()
		client.CancelConnection()
	}
	for _, sub := range subs {
		close(sub)
	}

	select {
	case <-time.After(reconnectSettle):
	case <-ctx.Done():
		return ctx.Err()
	}
	return t.dial(ctx)
}

func (t *Transport) Close() {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.client != nil {
		t.client.ClearSubscriptions()
		t.client.CancelConnection()
		t.client = nil
	}
	for _, sub := range t.subs {
		close(sub)
	}
	t.subs = make(map[connector.Channel]chan []byte)
}
