package ble

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// DefaultScanDuration is how long a scan listens for advertisements.
const DefaultScanDuration = 5 * time.Second

// Scanner discovers nearby peripherals.
type Scanner interface {
	ScanForDevices(ctx context.Context, duration time.Duration) ([]Device, error)
}

// AdapterScanner scans with an Adapter.
type AdapterScanner struct {
	Adapter Adapter
	// ServiceUUID restricts results to gateways advertising the service.
	// Empty lists every named peripheral.
	ServiceUUID string
}

// ScanForDevices implements Scanner.
func (s AdapterScanner) ScanForDevices(ctx context.Context, duration time.Duration) ([]Device, error) {
	return ScanForDevices(ctx, s.Adapter, s.ServiceUUID, duration)
}

// ScanForDevices listens for duration and returns the peripherals that
// advertise a name, strongest signal first. Unnamed peripherals cannot be
// offered as a choice and are dropped.
func ScanForDevices(ctx context.Context, adapter Adapter, serviceUUID string, duration time.Duration) ([]Device, error) {
	if duration <= 0 {
		duration = DefaultScanDuration
	}
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	devices, err := adapter.Scan(ctx, serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return NamedDevices(devices), nil
}

// NamedDevices keeps the first device seen for each non-empty name, sorted
// by descending RSSI.
func NamedDevices(devices []Device) []Device {
	seen := make(map[string]bool, len(devices))
	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		if d.Name == "" || seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RSSI > out[j].RSSI })
	return out
}
