// Package connector abstracts the BLE link to a scooter as four logical
// channels. The handshake engine and the session consume this interface; the
// ble subpackage implements it against a real peripheral.
package connector

import (
	"context"
)

// Channel identifies one of the scooter's GATT characteristics.
type Channel int

const (
	// UPNP is the Xiaomi control characteristic (0x0010). Handshake commands
	// are written here; handshake notifications arrive here.
	UPNP Channel = iota
	// AVDTP is the Xiaomi data characteristic (0x0019). Bulk handshake
	// artifacts (keys, ciphertexts) travel here.
	AVDTP
	// TX is the Nordic UART write characteristic used for encrypted telemetry.
	TX
	// RX is the Nordic UART notify characteristic carrying encrypted replies.
	RX
)

func (c Channel) String() string {
	switch c {
	case UPNP:
		return "UPNP"
	case AVDTP:
		return "AVDTP"
	case TX:
		return "TX"
	case RX:
		return "RX"
	}
	return "unknown"
}

// BufferSize is the number of inbound notifications that can be queued per
// channel before the transport drops new arrivals.
const BufferSize = 32

// Transport sends and receives raw characteristic payloads.
//
// Implementations must be safe for use by a writer goroutine and a reader
// goroutine concurrently. Subscription channels are closed when the link
// drops or Close is called.
type Transport interface {
	// Write sends one payload to the given channel. Payloads are already
	// MTU-sized by the caller.
	Write(ctx context.Context, ch Channel, p []byte) error

	// Subscribe returns a read-only channel of notification payloads for ch.
	// Repeated calls for the same channel return the same stream.
	Subscribe(ch Channel) (<-chan []byte, error)

	// Reconnect drops and re-establishes the GATT link, clearing any pairing
	// state the peripheral holds for the previous connection.
	Reconnect(ctx context.Context) error

	// MTU returns the usable write size for fragmenting, including the
	// two-byte chunk header.
	MTU() int

	// Close terminates the connection. Repeated calls must be idempotent.
	Close()
}
