// scooter-scan lists nearby scooters until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/miscooter/scooter-command/internal/log"
	"github.com/miscooter/scooter-command/pkg/connector/ble"
)

func main() {
	var (
		debug   bool
		timeout time.Duration
	)
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "How long to scan")
	flag.Parse()
	if debug {
		log.SetLevel(log.LevelDebug)
	} else {
		log.SetLevel(log.LevelWarning)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	results, err := ble.Scan(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start scanning: %s\n", err)
		os.Exit(1)
	}

	fmt.Println("Scanning for scooters...")
	count := 0
	for r := range results {
		count++
		name := r.Name
		if name == "" {
			name = "(no name)"
		}
		fmt.Printf("  %s  %-16s rssi %d\n", r.Address, name, r.RSSI)
	}
	if count == 0 {
		fmt.Println("No scooters found. Wake the scooter and try again.")
	}
}
