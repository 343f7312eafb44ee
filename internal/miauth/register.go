package miauth

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/miscooter/scooter-command/internal/log"
	"github.com/miscooter/scooter-command/pkg/connector"
)

// didPlaintextOffset skips the header of the scooter's info blob; only the
// tail is fed to the registration CCM encryption.
const didPlaintextOffset = 4

// Register performs the one-time pairing ceremony and returns the token the
// caller must persist. The scooter only accepts the exchange for a few
// seconds after its power button is pressed; on rejection, reconnect and try
// again.
func Register(ctx context.Context, t connector.Transport, opts ...Option) (Token, error) {
	var token Token
	e, err := newEngine(t, opts...)
	if err != nil {
		return token, err
	}
	rng := e.rand
	if rng == nil {
		rng = rand.Reader
	}

	e.enter("SentCmdGetInfo")
	var remoteInfo []byte
	err = e.commandWithFallback(ctx, connector.UPNP, cmdGetInfo, func() error {
		var err error
		remoteInfo, err = e.awaitData(ctx, rcvAuthErr)
		return err
	})
	if err != nil {
		return token, err
	}
	if len(remoteInfo) <= didPlaintextOffset {
		return token, fmt.Errorf("scooter info blob too short: %d bytes", len(remoteInfo))
	}
	e.enter("RecvRemoteInfo")
	log.Info("miauth: received %d-byte device info", len(remoteInfo))

	keys, err := newKeyPair(rng)
	if err != nil {
		return token, err
	}
	e.enter("SentPubKey")
	var remoteKey []byte
	err = e.commandWithFallback(ctx, connector.UPNP, cmdSetKey, func() error {
		if err := e.writeChunked(ctx, connector.AVDTP, keys.publicBytes()); err != nil {
			return err
		}
		var err error
		remoteKey, err = e.awaitData(ctx, rcvAuthErr)
		return err
	})
	if err != nil {
		return token, err
	}
	e.enter("RecvScooterPubKey")

	secret, err := keys.sharedSecret(remoteKey)
	if err != nil {
		return token, err
	}
	setup, err := deriveSetupKeys(secret)
	if err != nil {
		return token, err
	}

	didCT, err := encryptDID(setup.aKey[:], remoteInfo[didPlaintextOffset:])
	if err != nil {
		return token, err
	}
	e.enter("SentDidCt")
	if err := e.writeChunked(ctx, connector.AVDTP, didCT); err != nil {
		return token, err
	}
	err = e.commandWithFallback(ctx, connector.UPNP, cmdAuth, func() error {
		return e.awaitStatus(ctx, rcvAuthOK, rcvAuthErr)
	})
	if err != nil {
		return token, err
	}

	e.enter("Done")
	log.Info("miauth: registration complete")
	return setup.token, nil
}
