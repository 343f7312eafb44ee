package scooter

import (
	"context"
	"io"
	"time"

	"github.com/miscooter/scooter-command/internal/miauth"
	"github.com/miscooter/scooter-command/pkg/connector"
)

// Token is the 12-byte pairing secret produced by Register. Callers persist
// it (the example CLIs write .mi-token) and present it to every Login.
type Token = miauth.Token

// TokenFromBytes validates and copies a stored token.
func TokenFromBytes(b []byte) (Token, error) {
	return miauth.TokenFromBytes(b)
}

type config struct {
	rpcTimeout       time.Duration
	handshakeTimeout time.Duration
	policy           CounterPolicy
	clone            bool
	rand             io.Reader
}

func defaultConfig() config {
	return config{
		rpcTimeout:       DefaultRPCTimeout,
		handshakeTimeout: miauth.DefaultStepTimeout,
	}
}

// Option configures Register, Login and the resulting Session.
type Option func(*config)

// WithRPCTimeout sets the per-request deadline on the session.
func WithRPCTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.rpcTimeout = d
		}
	}
}

// WithHandshakeTimeout sets the per-step deadline during registration and
// login.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithCounterPolicy selects strict or permissive handling of scooter packet
// counters.
func WithCounterPolicy(p CounterPolicy) Option {
	return func(c *config) {
		c.policy = p
	}
}

// WithCloneFallback enables the handshake channel fallback for aftermarket
// controllers.
func WithCloneFallback() Option {
	return func(c *config) {
		c.clone = true
	}
}

// WithRandReader overrides the entropy source; tests use it to pin randoms.
func WithRandReader(r io.Reader) Option {
	return func(c *config) {
		c.rand = r
	}
}

func (c config) handshakeOptions() []miauth.Option {
	opts := []miauth.Option{miauth.WithStepTimeout(c.handshakeTimeout)}
	if c.clone {
		opts = append(opts, miauth.WithCloneFallback())
	}
	if c.rand != nil {
		opts = append(opts, miauth.WithRandReader(c.rand))
	}
	return opts
}

// Register pairs with a scooter and returns the token. The scooter must be
// freshly connected and its power button pressed shortly after the beep;
// otherwise it answers with a rejection and the caller reconnects and tries
// again.
func Register(ctx context.Context, t connector.Transport, opts ...Option) (Token, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return miauth.Register(ctx, t, cfg.handshakeOptions()...)
}

// Login authenticates with a stored token and returns a ready Session.
func Login(ctx context.Context, t connector.Transport, token Token, opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	keys, err := miauth.Login(ctx, t, token, cfg.handshakeOptions()...)
	if err != nil {
		return nil, err
	}
	return NewSession(t, keys, opts...)
}
