// scooter-monitor logs into a scooter and prints telemetry once a second.
// With -redis, each sample is also mirrored into a Redis hash so other
// services can consume it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/miscooter/scooter-command/internal/log"
	"github.com/miscooter/scooter-command/pkg/cli"
	"github.com/miscooter/scooter-command/pkg/connector/ble"
	"github.com/miscooter/scooter-command/pkg/protocol"
	"github.com/miscooter/scooter-command/pkg/scooter"
)

const telemetryKey = "scooter:telemetry"

func main() {
	var (
		redisAddr string
		interval  time.Duration
	)
	config := cli.NewConfig()
	flag.StringVar(&redisAddr, "redis", "", "Redis address to publish telemetry to (host:port)")
	flag.DurationVar(&interval, "interval", time.Second, "Sampling interval")
	if err := config.Parse(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	token, err := config.LoadToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	var rdb *redis.Client
	if redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
		defer rdb.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	connCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	transport, err := ble.Find(connCtx, config.Address)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not find scooter %s: %s\n", config.Address, err)
		os.Exit(1)
	}
	defer transport.Close()

	loginCtx, cancel := context.WithTimeout(ctx, config.Timeout)
	session, err := scooter.Login(loginCtx, transport, token, config.SessionOptions()...)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Login failed: %s\n", err)
		os.Exit(1)
	}
	defer session.Close()

	fmt.Println("Logged in, monitoring. Ctrl-C to exit.")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sample(ctx, session, rdb); err != nil {
				if !protocol.Temporary(err) {
					fmt.Fprintf(os.Stderr, "Monitoring stopped: %s\n", err)
					os.Exit(1)
				}
				log.Warning("Sample failed: %s", err)
			}
		}
	}
}

func sample(ctx context.Context, session *scooter.Session, rdb *redis.Client) error {
	motor, err := session.MotorInfo(ctx)
	if err != nil {
		return err
	}
	battery, err := session.BatteryInfo(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%s  %5.1f km/h  %3d%%  %5.2f V  %6.2f A  %4.1f °C\n",
		time.Now().Format("15:04:05"), motor.SpeedKmh, motor.BatteryPercent,
		battery.Voltage, battery.Current, motor.FrameTemperature)

	if rdb == nil {
		return nil
	}
	err = rdb.HSet(ctx, telemetryKey, map[string]interface{}{
		"speed-kmh":       fmt.Sprintf("%.1f", motor.SpeedKmh),
		"battery-percent": motor.BatteryPercent,
		"voltage":         fmt.Sprintf("%.2f", battery.Voltage),
		"current":         fmt.Sprintf("%.2f", battery.Current),
		"frame-temp":      fmt.Sprintf("%.1f", motor.FrameTemperature),
		"trip-m":          motor.TripDistanceM,
		"total-m":         motor.TotalDistanceM,
		"updated-at":      time.Now().Unix(),
	}).Err()
	if err != nil {
		log.Warning("Redis publish failed: %s", err)
	}
	return nil
}
