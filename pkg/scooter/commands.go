package scooter

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/miscooter/scooter-command/pkg/protocol"
	"github.com/miscooter/scooter-command/pkg/protocol/frame"
)

func (s *Session) readMotor(ctx context.Context, attr byte, want byte) ([]byte, error) {
	return s.Send(ctx, frame.DeviceMasterToMotor, frame.TypeRead, attr, []byte{want})
}

func (s *Session) readBattery(ctx context.Context, attr byte, want byte) ([]byte, error) {
	return s.Send(ctx, frame.DeviceMasterToBattery, frame.TypeRead, attr, []byte{want})
}

func (s *Session) readMotorU16(ctx context.Context, attr byte) (uint16, error) {
	p, err := s.readMotor(ctx, attr, 0x02)
	if err != nil {
		return 0, err
	}
	return decodeU16(p)
}

// writeSetting writes a u16 register on the master controller and decodes the
// echoed value.
func (s *Session) writeSetting(ctx context.Context, attr byte, value uint16) (uint16, error) {
	var payload [2]byte
	binary.LittleEndian.PutUint16(payload[:], value)
	p, err := s.Send(ctx, frame.DeviceMasterToMotor, frame.TypeWrite, attr, payload[:])
	if err != nil {
		return 0, err
	}
	if len(p) < 2 {
		// A reply with fewer than two payload bytes is taken as a plain
		// acknowledgement. A frame with no payload at all fails decoding as
		// too short and never reaches this point.
		return value, nil
	}
	return decodeU16(p)
}

// SerialNumber reads the scooter's 14-character serial.
func (s *Session) SerialNumber(ctx context.Context) (string, error) {
	p, err := s.readMotor(ctx, attrGeneralInfo, 0x0E)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(p), "\x00"), nil
}

// FirmwareVersion reads the ESC firmware version as "M.m.p".
func (s *Session) FirmwareVersion(ctx context.Context) (string, error) {
	p, err := s.readMotor(ctx, attrFirmwareVersion, 0x02)
	if err != nil {
		return "", err
	}
	v, err := decodeU16(p)
	if err != nil {
		return "", err
	}
	return formatBCDVersion(v), nil
}

// BMSVersion reads the battery controller version pair.
func (s *Session) BMSVersion(ctx context.Context) (string, string, error) {
	p, err := s.readMotor(ctx, attrBMSVersion, 0x04)
	if err != nil {
		return "", "", err
	}
	if len(p) < 4 {
		return "", "", fmt.Errorf("bms version reply has %d bytes, want 4", len(p))
	}
	return formatBCDVersion(binary.LittleEndian.Uint16(p[0:])),
		formatBCDVersion(binary.LittleEndian.Uint16(p[2:])), nil
}

// MotorInfo reads the full ESC status block.
func (s *Session) MotorInfo(ctx context.Context) (MotorInfo, error) {
	p, err := s.readMotor(ctx, attrMotorInfo, 0x20)
	if err != nil {
		return MotorInfo{}, err
	}
	return decodeMotorInfo(p)
}

// RemainingRangeKm reads the estimated range left on the current charge. The
// register counts hundredths of a kilometer.
func (s *Session) RemainingRangeKm(ctx context.Context) (float32, error) {
	v, err := s.readMotorU16(ctx, attrRemainingRange)
	if err != nil {
		return 0, err
	}
	return float32(v) / 100, nil
}

// TripData reads the duration and distance of the current trip.
func (s *Session) TripData(ctx context.Context) (TripData, error) {
	p, err := s.readMotor(ctx, attrTripData, 0x04)
	if err != nil {
		return TripData{}, err
	}
	return decodeTripData(p)
}

// SpeedKmh reads the momentary speed register.
func (s *Session) SpeedKmh(ctx context.Context) (float32, error) {
	v, err := s.readMotorU16(ctx, attrSpeed)
	if err != nil {
		return 0, err
	}
	return float32(v) / 1000, nil
}

// TripDistanceM reads the trip odometer register.
func (s *Session) TripDistanceM(ctx context.Context) (uint16, error) {
	return s.readMotorU16(ctx, attrTripDistance)
}

// Cruise reads whether cruise control engages on sustained throttle.
func (s *Session) Cruise(ctx context.Context) (bool, error) {
	v, err := s.readMotorU16(ctx, attrCruise)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// SetCruise toggles cruise control.
func (s *Session) SetCruise(ctx context.Context, on bool) error {
	var v uint16
	if on {
		v = 1
	}
	_, err := s.writeSetting(ctx, attrCruise, v)
	return err
}

// TailLight reads the rear light mode.
func (s *Session) TailLight(ctx context.Context) (TailLight, error) {
	v, err := s.readMotorU16(ctx, attrTailLight)
	if err != nil {
		return 0, err
	}
	return TailLight(v), nil
}

// SetTailLight sets the rear light mode.
func (s *Session) SetTailLight(ctx context.Context, mode TailLight) error {
	switch mode {
	case TailLightOff, TailLightOnBrake, TailLightAlways:
	default:
		return protocol.InvalidArgumentError("tail light mode", uint16(mode))
	}
	_, err := s.writeSetting(ctx, attrTailLight, uint16(mode))
	return err
}

// Kers reads the regenerative braking strength.
func (s *Session) Kers(ctx context.Context) (Kers, error) {
	v, err := s.readMotorU16(ctx, attrKers)
	if err != nil {
		return 0, err
	}
	return Kers(v), nil
}

// SetKers sets the regenerative braking strength.
func (s *Session) SetKers(ctx context.Context, level Kers) error {
	switch level {
	case KersWeak, KersMedium, KersStrong:
	default:
		return protocol.InvalidArgumentError("kers level", uint16(level))
	}
	_, err := s.writeSetting(ctx, attrKers, uint16(level))
	return err
}

// BatteryInfo reads the BMS summary block.
func (s *Session) BatteryInfo(ctx context.Context) (BatteryInfo, error) {
	p, err := s.readBattery(ctx, attrBatteryInfo, 0x0A)
	if err != nil {
		return BatteryInfo{}, err
	}
	return decodeBatteryInfo(p)
}

// BatteryPackInfo reads the BMS identity block.
func (s *Session) BatteryPackInfo(ctx context.Context) (BatteryPackInfo, error) {
	p, err := s.readBattery(ctx, attrGeneralInfo, 0x12)
	if err != nil {
		return BatteryPackInfo{}, err
	}
	return decodeBatteryPackInfo(p)
}

// CellVoltages reads per-cell battery voltages in millivolts.
func (s *Session) CellVoltages(ctx context.Context) ([]uint16, error) {
	p, err := s.readBattery(ctx, attrCellVoltages, 0x1E)
	if err != nil {
		return nil, err
	}
	return decodeCellVoltages(p)
}

// BatteryPercent reads the charge level mirrored on the master controller.
func (s *Session) BatteryPercent(ctx context.Context) (uint16, error) {
	return s.readMotorU16(ctx, attrBatteryPercent)
}

// BatteryVoltage reads the pack voltage in volts.
func (s *Session) BatteryVoltage(ctx context.Context) (float32, error) {
	v, err := s.readMotorU16(ctx, attrBatteryVoltage)
	if err != nil {
		return 0, err
	}
	return float32(v) / 100, nil
}

// BatteryCurrent reads the pack current in amperes; negative while charging.
func (s *Session) BatteryCurrent(ctx context.Context) (float32, error) {
	p, err := s.readMotor(ctx, attrBatteryCurrent, 0x02)
	if err != nil {
		return 0, err
	}
	v, err := decodeU16(p)
	if err != nil {
		return 0, err
	}
	return float32(int16(v)) / 100, nil
}
