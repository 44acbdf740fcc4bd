package ble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ScanForDevices collects advertisements for the given duration and
// returns one entry per peripheral ID, strongest signal first. Unnamed
// peripherals are skipped unless includeUnnamed is set.
func ScanForDevices(ctx context.Context, adapter Adapter, timeout time.Duration, includeUnnamed bool) ([]Advertisement, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	seen := make(map[string]Advertisement)

	err := adapter.Scan(ctx, func(adv Advertisement) bool {
		if adv.Name == "" && !includeUnnamed {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		prev, ok := seen[adv.ID]
		if ok && prev.Name != "" && adv.Name == "" {
			adv.Name = prev.Name
		}
		seen[adv.ID] = adv
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	devices := make([]Advertisement, 0, len(seen))
	for _, adv := range seen {
		devices = append(devices, adv)
	}
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].RSSI != devices[j].RSSI {
			return devices[i].RSSI > devices[j].RSSI
		}
		return devices[i].ID < devices[j].ID
	})
	return devices, nil
}
