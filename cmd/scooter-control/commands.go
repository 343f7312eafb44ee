package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/miscooter/scooter-command/pkg/scooter"
)

type commandHandler func(ctx context.Context, session *scooter.Session, args []string) error

type commandInfo struct {
	help    string
	args    string
	handler commandHandler
}

var commands = map[string]commandInfo{
	"status": {
		help:    "Show speed, battery and temperature",
		handler: showStatus,
	},
	"serial": {
		help: "Read the scooter serial number",
		handler: func(ctx context.Context, s *scooter.Session, _ []string) error {
			serial, err := s.SerialNumber(ctx)
			if err != nil {
				return err
			}
			fmt.Println(serial)
			return nil
		},
	},
	"version": {
		help: "Read the ESC firmware version",
		handler: func(ctx context.Context, s *scooter.Session, _ []string) error {
			version, err := s.FirmwareVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Println(version)
			return nil
		},
	},
	"bms": {
		help: "Read the battery controller versions",
		handler: func(ctx context.Context, s *scooter.Session, _ []string) error {
			v1, v2, err := s.BMSVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s / %s\n", v1, v2)
			return nil
		},
	},
	"range": {
		help: "Read the estimated remaining range",
		handler: func(ctx context.Context, s *scooter.Session, _ []string) error {
			km, err := s.RemainingRangeKm(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%.1f km\n", km)
			return nil
		},
	},
	"trip": {
		help: "Read the current trip duration and distance",
		handler: func(ctx context.Context, s *scooter.Session, _ []string) error {
			trip, err := s.TripData(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s, %d m\n", trip.Duration, trip.DistanceM)
			return nil
		},
	},
	"cells": {
		help: "Read per-cell battery voltages",
		handler: func(ctx context.Context, s *scooter.Session, _ []string) error {
			cells, err := s.CellVoltages(ctx)
			if err != nil {
				return err
			}
			for i, mv := range cells {
				fmt.Printf("cell %2d: %d mV\n", i+1, mv)
			}
			return nil
		},
	},
	"pack": {
		help: "Read the battery pack identity",
		handler: func(ctx context.Context, s *scooter.Session, _ []string) error {
			pack, err := s.BatteryPackInfo(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("serial %s, capacity %d mAh\n", pack.Serial, pack.CapacityMah)
			return nil
		},
	},
	"cruise": {
		help:    "Enable or disable cruise control",
		args:    "on|off",
		handler: setCruise,
	},
	"light": {
		help:    "Set the tail light mode",
		args:    "off|brake|always",
		handler: setTailLight,
	},
	"kers": {
		help:    "Set the regenerative braking strength",
		args:    "weak|medium|strong",
		handler: setKers,
	},
}

func execute(ctx context.Context, session *scooter.Session, args []string) error {
	info, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (try 'help')", args[0])
	}
	return info.handler(ctx, session, args[1:])
}

func init() {
	// Registered here to avoid an initialization cycle with the map literal.
	commands["help"] = commandInfo{
		help: "Show this message",
		handler: func(context.Context, *scooter.Session, []string) error {
			Usage()
			return nil
		},
	}
}

func showStatus(ctx context.Context, s *scooter.Session, _ []string) error {
	motor, err := s.MotorInfo(ctx)
	if err != nil {
		return err
	}
	battery, err := s.BatteryInfo(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("battery:  %d%% (%.2f V, %.2f A, %d mAh)\n",
		motor.BatteryPercent, battery.Voltage, battery.Current, battery.CapacityMah)
	fmt.Printf("speed:    %.1f km/h (avg %.1f km/h)\n", motor.SpeedKmh, motor.AvgSpeedKmh)
	fmt.Printf("trip:     %d m (total %.1f km)\n", motor.TripDistanceM, float32(motor.TotalDistanceM)/1000)
	fmt.Printf("temp:     %.1f °C (battery %d/%d °C)\n",
		motor.FrameTemperature, battery.Temperature1, battery.Temperature2)
	fmt.Printf("uptime:   %s\n", motor.Uptime)
	return nil
}

func setCruise(ctx context.Context, s *scooter.Session, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cruise on|off")
	}
	switch strings.ToLower(args[0]) {
	case "on", "1", "true":
		return s.SetCruise(ctx, true)
	case "off", "0", "false":
		return s.SetCruise(ctx, false)
	}
	return fmt.Errorf("usage: cruise on|off")
}

func setTailLight(ctx context.Context, s *scooter.Session, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: light off|brake|always")
	}
	var mode scooter.TailLight
	switch strings.ToLower(args[0]) {
	case "off", "0":
		mode = scooter.TailLightOff
	case "brake", "1":
		mode = scooter.TailLightOnBrake
	case "always", "on", "2":
		mode = scooter.TailLightAlways
	default:
		return fmt.Errorf("usage: light off|brake|always")
	}
	return s.SetTailLight(ctx, mode)
}

func setKers(ctx context.Context, s *scooter.Session, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: kers weak|medium|strong")
	}
	var level scooter.Kers
	switch strings.ToLower(args[0]) {
	case "weak", "0":
		level = scooter.KersWeak
	case "medium", "1":
		level = scooter.KersMedium
	case "strong", "2":
		level = scooter.KersStrong
	default:
		return fmt.Errorf("usage: kers weak|medium|strong")
	}
	return s.SetKers(ctx, level)
}
