// Package fragment splits MiAuth packets into MTU-bounded chunks and puts
// them back together. Every chunk starts with a two-byte little-endian index;
// index zero announces the total chunk count, indices 1..total carry data.
package fragment

import (
	"errors"
	"fmt"

	"github.com/miscooter/scooter-command/pkg/protocol"
)

// DefaultMTU is the usable write size negotiated by stock scooters.
const DefaultMTU = 20

// MaxPacketSize bounds a reassembled packet. Nothing in the protocol comes
// close; a peer exceeding it is misbehaving.
const MaxPacketSize = 4096

var (
	// ErrGap indicates a chunk arrived out of sequence.
	ErrGap = protocol.ErrFragGap
	// ErrOverflow indicates the reassembled packet exceeded MaxPacketSize.
	ErrOverflow = protocol.ErrFragOverflow
	// ErrTooLarge indicates a payload longer than MaxPacketSize, or one that
	// cannot be described by a one-byte chunk count at the given MTU.
	ErrTooLarge = errors.New("payload too large to fragment")
)

// Split chunks payload for transmission. The first chunk announces the count,
// each following chunk carries at most mtu-2 bytes of data.
func Split(payload []byte, mtu int) ([][]byte, error) {
	if mtu < 3 {
		return nil, fmt.Errorf("mtu %d leaves no room for data", mtu)
	}
	if len(payload) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}
	size := mtu - 2
	total := (len(payload) + size - 1) / size
	if len(payload) == 0 {
		total = 0
	}
	if total > 0xFF {
		return nil, fmt.Errorf("%w: %d bytes need %d chunks", ErrTooLarge, len(payload), total)
	}

	chunks := make([][]byte, 0, total+1)
	chunks = append(chunks, []byte{0x00, byte(total)})
	for i := 0; i < total; i++ {
		lo, hi := i*size, (i+1)*size
		if hi > len(payload) {
			hi = len(payload)
		}
		seq := uint16(i + 1)
		chunk := make([]byte, 0, 2+hi-lo)
		chunk = append(chunk, byte(seq), byte(seq>>8))
		chunk = append(chunk, payload[lo:hi]...)
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// An Assembler accumulates inbound chunks until a packet is complete. A zero
// Assembler is ready for use; it resets itself after every completed packet.
type Assembler struct {
	total int
	next  uint16
	buf   []byte
}

// Feed consumes one notification payload. It returns the completed packet
// once all announced chunks have arrived, or nil while the packet is still
// partial. On error the assembler discards any partial state.
func (a *Assembler) Feed(chunk []byte) ([]byte, error) {
	if len(chunk) < 2 {
		a.reset()
		return nil, fmt.Errorf("%w: %d-byte chunk", ErrGap, len(chunk))
	}
	seq := uint16(chunk[0]) | uint16(chunk[1])<<8

	if chunk[0] == 0x00 {
		// Header chunk: byte 1 is the announced count.
		a.total = int(chunk[1])
		a.next = 1
		a.buf = a.buf[:0]
		if a.total == 0 {
			a.reset()
			return []byte{}, nil
		}
		return nil, nil
	}

	if a.total == 0 || seq != a.next {
		want := a.next
		a.reset()
		return nil, fmt.Errorf("%w: got chunk %d, want %d", ErrGap, seq, want)
	}
	if len(a.buf)+len(chunk)-2 > MaxPacketSize {
		a.reset()
		return nil, fmt.Errorf("%w: packet exceeds %d bytes", ErrOverflow, MaxPacketSize)
	}

	a.buf = append(a.buf, chunk[2:]...)
	a.next++
	if int(seq) == a.total {
		packet := make([]byte, len(a.buf))
		copy(packet, a.buf)
		a.reset()
		return packet, nil
	}
	return nil, nil
}

// Pending reports whether a partial packet is buffered.
func (a *Assembler) Pending() bool {
	return a.total != 0
}

func (a *Assembler) reset() {
	a.total = 0
	a.next = 0
	a.buf = a.buf[:0]
}
