// Package protocol defines the error taxonomy shared by the handshake engine,
// the session layer, and the transports.
package protocol

import (
	"errors"
	"fmt"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the Error was triggered by a command that might have been
	// executed. For example, if a client times out while waiting for a reply, the request frame
	// was already written and the scooter may have acted on it.
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition. Clones in
	// particular drop the occasional notification; retrying the RPC on the same session is safe.
	Temporary() bool
}

var (
	// ErrTransportClosed indicates the underlying GATT link dropped. The session is no longer
	// usable; the caller decides whether to reconnect and log in again.
	ErrTransportClosed = NewError("transport closed", true, false)
	// ErrWriteFailed indicates a characteristic write was rejected by the peripheral.
	ErrWriteFailed = NewError("characteristic write failed", false, true)
	// ErrNotifyFailed indicates a notification subscription could not be established.
	ErrNotifyFailed = NewError("notification subscribe failed", false, false)

	// ErrFragGap indicates a notification chunk arrived out of sequence while
	// reassembling a packet.
	ErrFragGap = errors.New("fragment sequence gap")
	// ErrFragOverflow indicates a reassembled packet exceeded the protocol's
	// size bound.
	ErrFragOverflow = errors.New("fragment overflow")

	// ErrHandshakeTimeout indicates the scooter did not answer a handshake step in time. Apart from
	// the opt-in clone fallback there are no retries in the handshake; reconnect and start over.
	ErrHandshakeTimeout = NewError("timed out waiting for handshake response", false, true)
	// ErrRegistrationRejected indicates the scooter refused the pairing. The usual cause is that
	// the power button was not pressed after the beep; reconnect and try again.
	ErrRegistrationRejected = NewError("scooter rejected registration", false, true)
	// ErrLoginRejected indicates the scooter refused the login exchange. The stored token most
	// likely belongs to a different pairing.
	ErrLoginRejected = NewError("scooter rejected login", false, false)
	// ErrAuthBadMac indicates the scooter's login proof did not verify against the derived
	// session keys.
	ErrAuthBadMac = NewError("remote login proof failed verification", false, false)
	// ErrAuthTag indicates an AES-CCM authentication tag mismatch.
	ErrAuthTag = NewError("ciphertext authentication failed", false, false)

	// ErrRPCTimeout indicates a request was sent but no matching reply arrived before the
	// deadline. The session remains usable.
	ErrRPCTimeout = NewError("timed out waiting for scooter reply", true, true)
	// ErrAttributeMismatch indicates a decrypted reply carried a different attribute than the
	// pending request.
	ErrAttributeMismatch = NewError("reply attribute does not match request", true, true)
	// ErrDecryptFailed indicates an inbound packet could not be decrypted under the session keys.
	ErrDecryptFailed = NewError("could not decrypt scooter packet", true, false)
	// ErrCounterRegression indicates the scooter's packet counter went backwards while the
	// session enforces strict counter ordering.
	ErrCounterRegression = NewError("scooter packet counter regressed", true, false)

	// ErrNotAuthenticated indicates an operation that requires a logged-in session.
	ErrNotAuthenticated = errors.New("not authenticated: log in first")
	// ErrInvalidArgument indicates a setting value outside the range the scooter accepts.
	ErrInvalidArgument = errors.New("invalid argument")
)

type CommandError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &CommandError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *CommandError) Temporary() bool {
	return e.PossibleTemporary
}

// MayHaveSucceeded returns true if err indicates the request may have reached the scooter even
// though the client did not observe a reply.
func MayHaveSucceeded(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.MayHaveSucceeded() {
		return true
	}
	return false
}

// Temporary returns true if err indicates a condition that may clear up on retry without
// tearing down the session.
func Temporary(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.Temporary() {
		return true
	}
	return false
}

// InvalidArgumentError reports a setting value the scooter would refuse.
func InvalidArgumentError(what string, value interface{}) error {
	return fmt.Errorf("%w: %s = %v", ErrInvalidArgument, what, value)
}
