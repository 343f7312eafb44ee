// scooter-register performs the one-time pairing ceremony and saves the
// resulting token. Press the scooter's power button within a few seconds of
// the beep; the scooter rejects the exchange otherwise and the tool
// reconnects and tries again.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/miscooter/scooter-command/internal/log"
	"github.com/miscooter/scooter-command/pkg/cli"
	"github.com/miscooter/scooter-command/pkg/connector/ble"
	"github.com/miscooter/scooter-command/pkg/protocol"
	"github.com/miscooter/scooter-command/pkg/scooter"
)

func main() {
	config := cli.NewConfig()
	if err := config.Parse(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	findCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	transport, err := ble.Find(findCtx, config.Address)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not find scooter %s: %s\n", config.Address, err)
		os.Exit(1)
	}
	defer transport.Close()

	for {
		log.Info(">>> Press the power button up to 5 seconds after the beep!")
		if err := transport.Reconnect(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Reconnect failed: %s\n", err)
			os.Exit(1)
		}
		time.Sleep(time.Second)

		token, err := scooter.Register(ctx, transport, config.SessionOptions()...)
		if err == nil {
			if err := config.SaveToken(token); err != nil {
				fmt.Fprintf(os.Stderr, "Could not save token: %s\n", err)
				os.Exit(1)
			}
			fmt.Println("Registration complete.")
			return
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		if protocol.Temporary(err) {
			log.Info("Registration not accepted (%s), restarting...", err)
			continue
		}
		fmt.Fprintf(os.Stderr, "Registration failed: %s\n", err)
		os.Exit(1)
	}
}
