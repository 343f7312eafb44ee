package miauth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/miscooter/scooter-command/internal/log"
	"github.com/miscooter/scooter-command/pkg/connector"
	"github.com/miscooter/scooter-command/pkg/protocol"
)

const remoteInfoSize = 32

// Login establishes an authenticated session using a previously registered
// token and returns the derived key bundle. Counters restart at zero for
// every login.
func Login(ctx context.Context, t connector.Transport, token Token, opts ...Option) (SessionKeys, error) {
	var keys SessionKeys
	e, err := newEngine(t, opts...)
	if err != nil {
		return keys, err
	}
	rng := e.rand
	if rng == nil {
		rng = rand.Reader
	}

	clientRand := make([]byte, RandSize)
	if _, err := io.ReadFull(rng, clientRand); err != nil {
		return keys, err
	}

	sendLogin := func(ch connector.Channel) error {
		e.enter("SentCmdLogin")
		if err := e.writeCommand(ctx, ch, cmdLogin); err != nil {
			return err
		}
		e.enter("SentRandom")
		return e.writeChunked(ctx, ch, clientRand)
	}
	if err := sendLogin(connector.UPNP); err != nil {
		return keys, err
	}
	first, err := e.awaitData(ctx, rcvLoginErr)
	if errors.Is(err, protocol.ErrHandshakeTimeout) && e.clone {
		log.Info("miauth: no login response on UPNP, retrying on AVDTP")
		if err := sendLogin(connector.AVDTP); err != nil {
			return keys, err
		}
		first, err = e.awaitData(ctx, rcvLoginErr)
	}
	if err != nil {
		return keys, err
	}

	// The scooter answers with its own random followed by a login proof,
	// either coalesced into one packet or as two.
	var scooterRand, remoteInfo []byte
	switch len(first) {
	case RandSize + remoteInfoSize:
		scooterRand, remoteInfo = first[:RandSize], first[RandSize:]
	case RandSize:
		scooterRand = first
		remoteInfo, err = e.awaitData(ctx, rcvLoginErr)
		if err != nil {
			return keys, err
		}
		if len(remoteInfo) != remoteInfoSize {
			return keys, fmt.Errorf("login proof has %d bytes, want %d", len(remoteInfo), remoteInfoSize)
		}
	default:
		return keys, fmt.Errorf("unexpected %d-byte login response", len(first))
	}
	e.enter("RecvRemote")

	keys, err = DeriveSessionKeys(token, clientRand, scooterRand)
	if err != nil {
		return keys, err
	}
	if !verifyLoginProof(keys.DevKey[:], scooterRand, clientRand, remoteInfo) {
		return SessionKeys{}, protocol.ErrAuthBadMac
	}
	e.enter("Verified")

	e.enter("SentInfo")
	proof := loginProof(keys.AppKey[:], clientRand, scooterRand)
	if err := e.writeChunked(ctx, connector.UPNP, proof); err != nil {
		return SessionKeys{}, err
	}
	if err := e.awaitStatus(ctx, rcvLoginOK, rcvLoginErr); err != nil {
		return SessionKeys{}, err
	}

	e.enter("Done")
	log.Info("miauth: login complete")
	return keys, nil
}
