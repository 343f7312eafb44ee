package ble

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/go-ble/ble"

	"github.com/miscooter/scooter-command/internal/log"
)

// scooterNamePrefix is common to all stock scooters; the suffix digits vary
// per unit.
const scooterNamePrefix = "MIScooter"

// scooterManufacturerPrefix is the start of the custom manufacturer data
// block in scooter advertisements (full payload 4E 42 20 00 00 00 00 DF).
var scooterManufacturerPrefix = []byte{0x4E, 0x42, 0x20}

// ScanResult describes one advertising scooter.
type ScanResult struct {
	Address string
	Name    string
	RSSI    int
}

// isScooter matches an advertisement against the known scooter fingerprints:
// the MIScooter name, the custom manufacturer data, or the Xiaomi/Nordic
// service UUIDs in the scan response.
func isScooter(a ble.Advertisement) bool {
	if strings.HasPrefix(a.LocalName(), scooterNamePrefix) {
		return true
	}
	if bytes.HasPrefix(a.ManufacturerData(), scooterManufacturerPrefix) {
		return true
	}
	for _, svc := range a.Services() {
		if svc.Equal(xiaomiServiceUUID) || svc.Equal(nusServiceUUID) {
			return true
		}
	}
	return false
}

// Scan reports advertising scooters until ctx is done. Each scooter is
// reported once per Scan call.
func Scan(ctx context.Context) (<-chan ScanResult, error) {
	d, err := initDevice()
	if err != nil {
		return nil, err
	}

	out := make(chan ScanResult, 8)
	seen := make(map[string]bool)
	handler := func(a ble.Advertisement) {
		if !isScooter(a) {
			return
		}
		addr := a.Addr().String()
		if seen[addr] {
			return
		}
		seen[addr] = true
		result := ScanResult{Address: addr, Name: a.LocalName(), RSSI: a.RSSI()}
		select {
		case out <- result:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(out)
		if err := d.Scan(ctx, false, handler); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			log.Error("ble: scan stopped: %s", err)
		}
	}()
	return out, nil
}

// Find scans until the scooter with the given address appears, then connects
// to it.
func Find(ctx context.Context, addr string) (*Transport, error) {
	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results, err := Scan(scanCtx)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return nil, ctx.Err()
			}
			if !strings.EqualFold(r.Address, addr) {
				log.Info("ble: found scooter nearby: %s (%s)", r.Name, r.Address)
				continue
			}
			cancel()
			for range results {
				// Drain until the scanner goroutine exits.
			}
			return Connect(ctx, r.Address)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
