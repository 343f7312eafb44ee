package miauth

import (
	"crypto/aes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pion/dtls/v2/pkg/crypto/ccm"
	"golang.org/x/crypto/hkdf"

	"github.com/miscooter/scooter-command/pkg/protocol"
)

// Why not crypto/ecdh?
//
// The scooter exchanges bare 64-byte X||Y points without the 0x04 uncompressed
// marker, and the shared secret is the raw X coordinate rather than a KDF
// output. crypto/ecdh hides both; elliptic gives us the coordinates directly.

const (
	// TokenSize is the length of the pairing secret derived at registration.
	TokenSize = 12

	// PublicKeySize is the wire length of a P-256 point (X∥Y, no prefix).
	PublicKeySize = 64

	// RandSize is the length of each login random.
	RandSize = 16

	ccmTagSize = 4

	setupInfo = "mible-setup-info"
	loginInfo = "mible-login-info"
)

// didAAD and didNonce parameterize the one-shot CCM encryption of the device
// info blob during registration. Both are fixed values the scooter firmware
// expects; they come from interop traces, not from any derivation.
var (
	didAAD   = []byte("devID")
	didNonce = []byte{0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x19, 0x1A, 0x1B}
)

// ErrInvalidPublicKey is raised when the scooter provides a point that is not
// on the curve.
var ErrInvalidPublicKey = errors.New("invalid scooter public key")

// Token is the 12-byte pairing secret. It is created once at registration and
// must be presented on every login.
type Token [TokenSize]byte

// TokenFromBytes copies a stored token, validating its length.
func TokenFromBytes(b []byte) (Token, error) {
	var t Token
	if len(b) != TokenSize {
		return t, fmt.Errorf("token must be %d bytes, got %d", TokenSize, len(b))
	}
	copy(t[:], b)
	return t, nil
}

// SessionKeys is the bundle derived at login. DevKey/DevIV protect
// scooter-to-client traffic, AppKey/AppIV the reverse direction.
type SessionKeys struct {
	DevKey [16]byte
	AppKey [16]byte
	DevIV  [4]byte
	AppIV  [4]byte
}

// setupKeys is the bundle derived at registration. bindKey is part of the
// schedule but unused by this client; it is kept so the split stays explicit.
type setupKeys struct {
	token   Token
	bindKey [16]byte
	aKey    [16]byte
}

type keyPair struct {
	private *ecdsa.PrivateKey
}

func newKeyPair(rng io.Reader) (*keyPair, error) {
	if rng == nil {
		rng = rand.Reader
	}
	private, err := ecdsa.GenerateKey(elliptic.P256(), rng)
	if err != nil {
		return nil, err
	}
	return &keyPair{private: private}, nil
}

// publicBytes returns the local public point as 64 wire bytes.
func (k *keyPair) publicBytes() []byte {
	buf := make([]byte, PublicKeySize)
	k.private.PublicKey.X.FillBytes(buf[:32])
	k.private.PublicKey.Y.FillBytes(buf[32:])
	return buf
}

// sharedSecret runs ECDH against the scooter's 64-byte point and returns the
// X coordinate as 32 big-endian bytes.
func (k *keyPair) sharedSecret(remote []byte) ([]byte, error) {
	if len(remote) != PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPublicKey, len(remote))
	}
	uncompressed := make([]byte, 0, PublicKeySize+1)
	uncompressed = append(uncompressed, 0x04)
	uncompressed = append(uncompressed, remote...)
	x, y := elliptic.Unmarshal(elliptic.P256(), uncompressed)
	if x == nil {
		return nil, ErrInvalidPublicKey
	}
	sharedX, sharedY := elliptic.P256().ScalarMult(x, y, k.private.D.Bytes())
	if sharedX.Sign() == 0 && sharedY.Sign() == 0 {
		return nil, ErrInvalidPublicKey
	}
	secret := make([]byte, 32)
	sharedX.FillBytes(secret)
	return secret, nil
}

func expand(secret, salt []byte, info string, out []byte) error {
	kdf := hkdf.New(sha256.New, secret, salt, []byte(info))
	_, err := io.ReadFull(kdf, out)
	return err
}

// deriveSetupKeys runs the registration schedule over the ECDH secret.
func deriveSetupKeys(secret []byte) (setupKeys, error) {
	var keys setupKeys
	var okm [64]byte
	if err := expand(secret, nil, setupInfo, okm[:]); err != nil {
		return keys, err
	}
	copy(keys.token[:], okm[0:12])
	copy(keys.bindKey[:], okm[12:28])
	copy(keys.aKey[:], okm[28:44])
	return keys, nil
}

// DeriveSessionKeys runs the login schedule. Recomputing with the same inputs
// yields the same 40 bytes bit for bit.
func DeriveSessionKeys(token Token, clientRand, scooterRand []byte) (SessionKeys, error) {
	var keys SessionKeys
	salt := make([]byte, 0, len(clientRand)+len(scooterRand))
	salt = append(salt, clientRand...)
	salt = append(salt, scooterRand...)
	var okm [64]byte
	if err := expand(token[:], salt, loginInfo, okm[:]); err != nil {
		return keys, err
	}
	copy(keys.DevKey[:], okm[0:16])
	copy(keys.AppKey[:], okm[16:32])
	copy(keys.DevIV[:], okm[32:36])
	copy(keys.AppIV[:], okm[36:40])
	return keys, nil
}

// loginProof computes HMAC-SHA256(key, a ∥ b).
func loginProof(key []byte, a, b []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(a)
	mac.Write(b)
	return mac.Sum(nil)
}

// verifyLoginProof compares in constant time.
func verifyLoginProof(key []byte, a, b, remote []byte) bool {
	return hmac.Equal(loginProof(key, a, b), remote)
}

func newCCM(key []byte) (ccm.CCM, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	// 4-byte tag, 12-byte nonce; NewCCM takes the nonce length directly and
	// derives the RFC 3610 length-field size from it.
	return ccm.NewCCM(block, ccmTagSize, 12)
}

// encryptDID seals the tail of the scooter's info blob for the registration
// exchange.
func encryptDID(aKey []byte, plaintext []byte) ([]byte, error) {
	aead, err := newCCM(aKey)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, didNonce, plaintext, didAAD), nil
}

// sessionNonce builds iv(4) ∥ 00 00 00 00 ∥ counter_le(4).
func sessionNonce(iv [4]byte, counter uint32) []byte {
	nonce := make([]byte, 12)
	copy(nonce, iv[:])
	binary.LittleEndian.PutUint32(nonce[8:], counter)
	return nonce
}

// A SessionCipher seals outgoing UART frames under the app key and opens
// scooter replies under the dev key. It holds no counter state; the session
// owns the counters and passes them in.
type SessionCipher struct {
	keys SessionKeys
	app  ccm.CCM
	dev  ccm.CCM
}

func NewSessionCipher(keys SessionKeys) (*SessionCipher, error) {
	app, err := newCCM(keys.AppKey[:])
	if err != nil {
		return nil, err
	}
	dev, err := newCCM(keys.DevKey[:])
	if err != nil {
		return nil, err
	}
	return &SessionCipher{keys: keys, app: app, dev: dev}, nil
}

// Seal encrypts one outbound frame and prepends the little-endian counter so
// the scooter can rebuild the nonce.
func (c *SessionCipher) Seal(counter uint32, frame []byte) []byte {
	out := make([]byte, 4, 4+len(frame)+ccmTagSize)
	binary.LittleEndian.PutUint32(out, counter)
	return c.app.Seal(out, sessionNonce(c.keys.AppIV, counter), frame, nil)
}

// Open authenticates and decrypts one inbound packet. The leading four bytes
// carry the scooter's counter.
func (c *SessionCipher) Open(packet []byte) (counter uint32, plaintext []byte, err error) {
	if len(packet) < 4+ccmTagSize {
		return 0, nil, fmt.Errorf("%w: %d-byte packet", protocol.ErrAuthTag, len(packet))
	}
	counter = binary.LittleEndian.Uint32(packet)
	plaintext, err = c.dev.Open(nil, sessionNonce(c.keys.DevIV, counter), packet[4:], nil)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s", protocol.ErrAuthTag, err)
	}
	return counter, plaintext, nil
}
