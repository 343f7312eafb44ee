package miauth

import "bytes"

// Handshake command tags, written to the control characteristic as raw
// four-byte packets. Values are from interop captures of the stock firmware.
var (
	cmdGetInfo = []byte{0xA2, 0x00, 0x00, 0x00}
	cmdSetKey  = []byte{0x15, 0x00, 0x00, 0x00}
	cmdAuth    = []byte{0x13, 0x00, 0x00, 0x00}
	cmdLogin   = []byte{0x24, 0x00, 0x00, 0x00}
)

// Status notifications the scooter sends on the control characteristic.
var (
	rcvAuthOK   = []byte{0x11, 0x00, 0x00, 0x00}
	rcvAuthErr  = []byte{0x12, 0x00, 0x00, 0x00}
	rcvLoginOK  = []byte{0x21, 0x00, 0x00, 0x00}
	rcvLoginErr = []byte{0x23, 0x00, 0x00, 0x00}
)

// isStatus reports whether a raw notification is one of the four-byte status
// tags rather than a fragment. Fragments always start with a sequence byte
// that is either zero (header) or a low sequence number paired with a zero
// high byte; status tags have a nonzero opcode and zeroed tail.
func isStatus(p []byte) bool {
	return len(p) == 4 && p[0] != 0x00 && p[1] == 0x00 && p[2] == 0x00 && p[3] == 0x00
}

// isTransferAck reports whether a notification is a transfer acknowledgement:
// a zero fragment header followed by opaque status bytes, such as the
// ready-to-receive and received-ok packets observed on the data
// characteristic.
func isTransferAck(p []byte) bool {
	return len(p) > 2 && p[0] == 0x00 && p[1] == 0x00
}

func statusEqual(p, status []byte) bool {
	return bytes.Equal(p, status)
}
