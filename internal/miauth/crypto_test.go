package miauth

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/miscooter/scooter-command/pkg/protocol"
)

func testSessionKeys(t *testing.T) SessionKeys {
	t.Helper()
	var token Token
	copy(token[:], bytes.Repeat([]byte{0x42}, TokenSize))
	clientRand := bytes.Repeat([]byte{0x01}, RandSize)
	scooterRand := bytes.Repeat([]byte{0x02}, RandSize)
	keys, err := DeriveSessionKeys(token, clientRand, scooterRand)
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	return keys
}

func TestSetupKeyScheduleDeterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{0x5A}, 32)
	first, err := deriveSetupKeys(secret)
	if err != nil {
		t.Fatalf("deriveSetupKeys: %v", err)
	}
	second, err := deriveSetupKeys(secret)
	if err != nil {
		t.Fatalf("deriveSetupKeys: %v", err)
	}
	if first != second {
		t.Error("setup schedule is not deterministic")
	}
	if first.token == (Token{}) {
		t.Error("token is all zeros")
	}
	if bytes.Equal(first.bindKey[:], first.aKey[:]) {
		t.Error("bind key and app key collide")
	}

	other, err := deriveSetupKeys(bytes.Repeat([]byte{0x5B}, 32))
	if err != nil {
		t.Fatalf("deriveSetupKeys: %v", err)
	}
	if other.token == first.token {
		t.Error("different secrets produced the same token")
	}
}

func TestLoginKeySchedule(t *testing.T) {
	keys := testSessionKeys(t)
	again := testSessionKeys(t)
	if keys != again {
		t.Error("login schedule is not deterministic")
	}
	if bytes.Equal(keys.DevKey[:], keys.AppKey[:]) {
		t.Error("dev key and app key collide")
	}

	// Swapping the randoms moves the salt and must change every output.
	var token Token
	copy(token[:], bytes.Repeat([]byte{0x42}, TokenSize))
	swapped, err := DeriveSessionKeys(token,
		bytes.Repeat([]byte{0x02}, RandSize), bytes.Repeat([]byte{0x01}, RandSize))
	if err != nil {
		t.Fatalf("DeriveSessionKeys: %v", err)
	}
	if swapped == keys {
		t.Error("swapped randoms produced identical keys")
	}
}

func TestLoginProofVerifies(t *testing.T) {
	keys := testSessionKeys(t)
	a := bytes.Repeat([]byte{0xAA}, RandSize)
	b := bytes.Repeat([]byte{0xBB}, RandSize)
	proof := loginProof(keys.DevKey[:], a, b)
	if len(proof) != remoteInfoSize {
		t.Fatalf("proof has %d bytes, want %d", len(proof), remoteInfoSize)
	}
	if !verifyLoginProof(keys.DevKey[:], a, b, proof) {
		t.Error("valid proof rejected")
	}
	flipped := make([]byte, len(proof))
	copy(flipped, proof)
	flipped[len(flipped)-1] ^= 0x01
	if verifyLoginProof(keys.DevKey[:], a, b, flipped) {
		t.Error("tampered proof accepted")
	}
	if verifyLoginProof(keys.DevKey[:], b, a, proof) {
		t.Error("proof accepted with reordered inputs")
	}
}

func TestSessionCipherRoundTrip(t *testing.T) {
	// Symmetric bundle so the dev direction can open what the app direction
	// sealed.
	keys := testSessionKeys(t)
	keys.DevKey = keys.AppKey
	keys.DevIV = keys.AppIV
	cipher, err := NewSessionCipher(keys)
	if err != nil {
		t.Fatalf("NewSessionCipher: %v", err)
	}

	plaintext := []byte{0x00, 0x11, 0x22, 0x33}
	packet := cipher.Seal(0, plaintext)
	if len(packet) != 4+len(plaintext)+ccmTagSize {
		t.Fatalf("packet has %d bytes, want %d", len(packet), 4+len(plaintext)+ccmTagSize)
	}

	counter, recovered, err := cipher.Open(packet)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if counter != 0 {
		t.Errorf("counter = %d, want 0", counter)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Errorf("recovered % 02x, want % 02x", recovered, plaintext)
	}

	for i := 4; i < len(packet); i++ {
		tampered := make([]byte, len(packet))
		copy(tampered, packet)
		tampered[i] ^= 0x80
		if _, _, err := cipher.Open(tampered); !errors.Is(err, protocol.ErrAuthTag) {
			t.Errorf("byte %d tampered: got %v, want ErrAuthTag", i, err)
		}
	}
}

func TestSessionNoncesNeverRepeat(t *testing.T) {
	keys := testSessionKeys(t)
	seen := make(map[string]bool)
	for counter := uint32(0); counter < 1000; counter++ {
		nonce := string(sessionNonce(keys.AppIV, counter))
		if seen[nonce] {
			t.Fatalf("nonce repeated at counter %d", counter)
		}
		seen[nonce] = true
	}
	nonce := sessionNonce(keys.AppIV, 0x04030201)
	if !bytes.Equal(nonce[:4], keys.AppIV[:]) {
		t.Error("nonce does not start with the IV")
	}
	if !bytes.Equal(nonce[4:8], []byte{0, 0, 0, 0}) {
		t.Error("nonce padding is not zero")
	}
	if !bytes.Equal(nonce[8:], []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Error("counter is not little-endian")
	}
}

func TestECDHSharedSecretAgreement(t *testing.T) {
	client, err := newKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("newKeyPair: %v", err)
	}
	scooterKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	scooter := &keyPair{private: scooterKey}

	fromClient, err := client.sharedSecret(scooter.publicBytes())
	if err != nil {
		t.Fatalf("client sharedSecret: %v", err)
	}
	fromScooter, err := scooter.sharedSecret(client.publicBytes())
	if err != nil {
		t.Fatalf("scooter sharedSecret: %v", err)
	}
	if !bytes.Equal(fromClient, fromScooter) {
		t.Error("ECDH sides disagree")
	}
	if len(fromClient) != 32 {
		t.Errorf("secret has %d bytes, want 32", len(fromClient))
	}

	if _, err := client.sharedSecret(make([]byte, PublicKeySize)); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("zero point accepted: %v", err)
	}
	if _, err := client.sharedSecret([]byte{0x01}); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("short point accepted: %v", err)
	}
}

func TestEncryptDIDShape(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, 16)
	info := bytes.Repeat([]byte{0x44}, 16)
	ct, err := encryptDID(key, info)
	if err != nil {
		t.Fatalf("encryptDID: %v", err)
	}
	if len(ct) != len(info)+ccmTagSize {
		t.Errorf("ciphertext has %d bytes, want %d", len(ct), len(info)+ccmTagSize)
	}
	again, err := encryptDID(key, info)
	if err != nil {
		t.Fatalf("encryptDID: %v", err)
	}
	if !bytes.Equal(ct, again) {
		t.Error("registration encryption is not deterministic")
	}
}
