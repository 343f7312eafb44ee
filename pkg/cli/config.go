// Package cli gathers the flag plumbing and token persistence shared by the
// example binaries. The pairing token is an opaque 12-byte blob; it lives in
// a flat file in the working directory by default, or in the system
// keyring when requested.
package cli

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/99designs/keyring"

	"github.com/miscooter/scooter-command/internal/log"
	"github.com/miscooter/scooter-command/pkg/scooter"
)

const (
	// DefaultTokenPath matches the reference client's behavior of dropping
	// .mi-token into the working directory.
	DefaultTokenPath = ".mi-token"

	keyringServiceName = "com.miscooter.auth"
	keyringTokenKey    = "pairingToken"
	keyringDirectory   = "~/.scooter_keys"
)

// Config holds the flags shared by every example binary.
type Config struct {
	Address     string
	TokenPath   string
	UseKeyring  bool
	Debug       bool
	Clone       bool
	Timeout     time.Duration
	StrictRxCtr bool

	password *string
}

// NewConfig registers the common flags on the default FlagSet.
func NewConfig() *Config {
	c := &Config{}
	flag.StringVar(&c.Address, "address", "", "Scooter MAC address (required)")
	flag.StringVar(&c.TokenPath, "token-file", DefaultTokenPath, "Path of the pairing token file")
	flag.BoolVar(&c.UseKeyring, "keyring", false, "Store the pairing token in the system keyring instead of a file")
	flag.BoolVar(&c.Debug, "debug", false, "Enable verbose debugging messages")
	flag.BoolVar(&c.Clone, "clone", false, "Tolerate aftermarket controllers that swap handshake characteristics")
	flag.DurationVar(&c.Timeout, "timeout", 30*time.Second, "Timeout for connecting and logging in")
	flag.BoolVar(&c.StrictRxCtr, "strict-counters", false, "Reject scooter packets whose counter goes backwards")
	return c
}

// Parse parses flags and validates required arguments.
func (c *Config) Parse() error {
	flag.Parse()
	if c.Debug {
		log.SetLevel(log.LevelDebug)
	} else {
		log.SetLevel(log.LevelInfo)
	}
	if c.Address == "" {
		return fmt.Errorf("-address is required")
	}
	return nil
}

// Args returns the positional arguments left after flag parsing.
func (c *Config) Args() []string {
	return flag.Args()
}

// SessionOptions translates the flags into library options.
func (c *Config) SessionOptions() []scooter.Option {
	opts := []scooter.Option{}
	if c.Clone {
		opts = append(opts, scooter.WithCloneFallback())
	}
	if c.StrictRxCtr {
		opts = append(opts, scooter.WithCounterPolicy(scooter.CounterStrict))
	}
	return opts
}

// SaveToken persists a freshly registered token.
func (c *Config) SaveToken(token scooter.Token) error {
	if c.UseKeyring {
		kr, err := c.openKeyring()
		if err != nil {
			return err
		}
		return kr.Set(keyring.Item{
			Key:   keyringTokenKey,
			Label: "scooter pairing token",
			Data:  token[:],
		})
	}
	log.Info("Saving token to %s", c.TokenPath)
	return os.WriteFile(c.TokenPath, token[:], 0600)
}

// LoadToken reads a previously saved token.
func (c *Config) LoadToken() (scooter.Token, error) {
	if c.UseKeyring {
		kr, err := c.openKeyring()
		if err != nil {
			return scooter.Token{}, err
		}
		item, err := kr.Get(keyringTokenKey)
		if err != nil {
			return scooter.Token{}, fmt.Errorf("could not load token: %s", err)
		}
		return scooter.TokenFromBytes(item.Data)
	}
	data, err := os.ReadFile(c.TokenPath)
	if err != nil {
		return scooter.Token{}, fmt.Errorf("could not load token (run scooter-register first): %w", err)
	}
	return scooter.TokenFromBytes(data)
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	return keyring.Open(keyring.Config{
		ServiceName:      keyringServiceName,
		FileDir:          keyringDirectory,
		FilePasswordFunc: c.getPassword,
	})
}
