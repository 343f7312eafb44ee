package scooter

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Scooter variable IDs. Reads and writes name registers on the master
// controller (ESC) or the battery management system; replies carry
// little-endian payloads.
const (
	attrGeneralInfo     = 0x10
	attrFirmwareVersion = 0x1A
	attrRemainingRange  = 0x25
	attrBatteryInfo     = 0x31
	attrBatteryPercent  = 0x32
	attrBatteryCurrent  = 0x33
	attrBatteryVoltage  = 0x34
	attrTripData        = 0x3A
	attrCellVoltages    = 0x40
	attrBMSVersion      = 0x67
	attrKers            = 0x7B
	attrCruise          = 0x7C
	attrTailLight       = 0x7D
	attrMotorInfo       = 0xB0
	attrSpeed           = 0xB5
	attrTripDistance    = 0xB9
)

// TailLight selects the rear light behavior.
type TailLight uint16

const (
	TailLightOff     TailLight = 0
	TailLightOnBrake TailLight = 1
	TailLightAlways  TailLight = 2
)

func (t TailLight) String() string {
	switch t {
	case TailLightOff:
		return "off"
	case TailLightOnBrake:
		return "brake"
	case TailLightAlways:
		return "always"
	}
	return fmt.Sprintf("TailLight(%d)", uint16(t))
}

// Kers selects the regenerative braking strength.
type Kers uint16

const (
	KersWeak   Kers = 0
	KersMedium Kers = 1
	KersStrong Kers = 2
)

func (k Kers) String() string {
	switch k {
	case KersWeak:
		return "weak"
	case KersMedium:
		return "medium"
	case KersStrong:
		return "strong"
	}
	return fmt.Sprintf("Kers(%d)", uint16(k))
}

// MotorInfo is the 32-byte ESC status block at register B0: sixteen
// little-endian words covering registers B0 through BF.
type MotorInfo struct {
	Error          uint16
	Warning        uint16
	Flags          uint16
	WorkMode       uint16
	BatteryPercent uint16
	// SpeedKmh and AvgSpeedKmh arrive in thousandths of a km/h.
	SpeedKmh         float32
	AvgSpeedKmh      float32
	TotalDistanceM   uint32
	TripDistanceM    uint16
	Uptime           time.Duration
	FrameTemperature float32
}

func decodeMotorInfo(p []byte) (MotorInfo, error) {
	if len(p) < 24 {
		return MotorInfo{}, fmt.Errorf("motor info block has %d bytes, want at least 24", len(p))
	}
	u16 := func(off int) uint16 { return binary.LittleEndian.Uint16(p[off:]) }
	return MotorInfo{
		Error:            u16(0),
		Warning:          u16(2),
		Flags:            u16(4),
		WorkMode:         u16(6),
		BatteryPercent:   u16(8),
		SpeedKmh:         float32(u16(10)) / 1000,
		AvgSpeedKmh:      float32(u16(12)) / 1000,
		TotalDistanceM:   binary.LittleEndian.Uint32(p[14:]),
		TripDistanceM:    u16(18),
		Uptime:           time.Duration(u16(20)) * time.Second,
		FrameTemperature: float32(u16(22)) / 10,
	}, nil
}

// BatteryInfo is the BMS summary at register 0x31.
type BatteryInfo struct {
	CapacityMah uint16
	Percent     uint16
	// Current in amperes; negative while charging.
	Current float32
	// Voltage in volts.
	Voltage      float32
	Temperature1 uint8
	Temperature2 uint8
}

func decodeBatteryInfo(p []byte) (BatteryInfo, error) {
	if len(p) < 10 {
		return BatteryInfo{}, fmt.Errorf("battery info block has %d bytes, want 10", len(p))
	}
	return BatteryInfo{
		CapacityMah:  binary.LittleEndian.Uint16(p[0:]),
		Percent:      binary.LittleEndian.Uint16(p[2:]),
		Current:      float32(int16(binary.LittleEndian.Uint16(p[4:]))) / 100,
		Voltage:      float32(binary.LittleEndian.Uint16(p[6:])) / 100,
		Temperature1: p[8],
		Temperature2: p[9],
	}, nil
}

// BatteryPackInfo is the BMS identity block at register 0x10.
type BatteryPackInfo struct {
	Serial string
	// ProductionDate is the packed factory date word.
	ProductionDate uint16
	CapacityMah    uint16
}

func decodeBatteryPackInfo(p []byte) (BatteryPackInfo, error) {
	if len(p) < 18 {
		return BatteryPackInfo{}, fmt.Errorf("battery pack block has %d bytes, want 18", len(p))
	}
	return BatteryPackInfo{
		Serial:         strings.TrimRight(string(p[:14]), "\x00"),
		ProductionDate: binary.LittleEndian.Uint16(p[14:]),
		CapacityMah:    binary.LittleEndian.Uint16(p[16:]),
	}, nil
}

// TripData is the running trip block at register 0x3A.
type TripData struct {
	Duration  time.Duration
	DistanceM uint16
}

func decodeTripData(p []byte) (TripData, error) {
	if len(p) < 4 {
		return TripData{}, fmt.Errorf("trip block has %d bytes, want 4", len(p))
	}
	return TripData{
		Duration:  time.Duration(binary.LittleEndian.Uint16(p[0:])) * time.Second,
		DistanceM: binary.LittleEndian.Uint16(p[2:]),
	}, nil
}

// decodeCellVoltages returns per-cell millivolt readings, dropping the zero
// padding after the last populated cell.
func decodeCellVoltages(p []byte) ([]uint16, error) {
	if len(p) < 2 {
		return nil, fmt.Errorf("cell block has %d bytes", len(p))
	}
	cells := make([]uint16, 0, len(p)/2)
	for off := 0; off+2 <= len(p); off += 2 {
		cells = append(cells, binary.LittleEndian.Uint16(p[off:]))
	}
	for len(cells) > 0 && cells[len(cells)-1] == 0 {
		cells = cells[:len(cells)-1]
	}
	return cells, nil
}

// formatBCDVersion renders a packed version word such as 0x0126 as "1.2.6".
func formatBCDVersion(v uint16) string {
	return fmt.Sprintf("%x.%x.%x", v>>8, (v>>4)&0xF, v&0xF)
}

func decodeU16(p []byte) (uint16, error) {
	if len(p) < 2 {
		return 0, fmt.Errorf("reply has %d bytes, want 2", len(p))
	}
	return binary.LittleEndian.Uint16(p), nil
}
