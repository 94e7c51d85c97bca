package network

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"dagmesh/logger"
)

const (
	// MaxClockDrift defines the maximum allowed deviation from network time
	MaxClockDrift = 500 * time.Millisecond

	// TimeSyncInterval defines how often to check external time sources
	TimeSyncInterval = 60 * time.Second
)

// NtpServerSource lists the external time sources queried for offsets
var NtpServerSource = [3]string{
	"pool.ntp.org",        // NTP pool
	"time.google.com",     // Google's NTP server
	"time.cloudflare.com", // Cloudflare's NTP server
}

// NetworkClock tracks the offset between the local clock and network time
// using NTP. Signature timestamps and staleness checks use this clock so
// that all nodes judge "age" against the same time base. On total NTP
// failure the offset stays at its last known value and the local clock is
// effectively used.
type NetworkClock struct {
	mutex        sync.RWMutex
	sources      []string
	allowedDrift time.Duration
	timeOffset   time.Duration
	lastSyncTime time.Time
}

// NewNetworkClock creates a clock with the default NTP sources
func NewNetworkClock() *NetworkClock {
	clock := &NetworkClock{
		allowedDrift: MaxClockDrift,
		lastSyncTime: time.Now(),
	}
	for _, source := range NtpServerSource {
		clock.sources = append(clock.sources, source)
	}
	return clock
}

// AddSource adds an external time source
func (nc *NetworkClock) AddSource(address string) {
	nc.mutex.Lock()
	defer nc.mutex.Unlock()
	nc.sources = append(nc.sources, address)
}

// Start syncs once, then keeps syncing in the background until the
// context is cancelled
func (nc *NetworkClock) Start(ctx context.Context) {
	nc.syncOnce()

	go nc.runPeriodicSync(ctx)
}

func (nc *NetworkClock) runPeriodicSync(ctx context.Context) {
	ticker := time.NewTicker(TimeSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Network clock sync stopped")
			return
		case <-ticker.C:
			nc.syncOnce()
		}
	}
}

// Now returns the current network time
func (nc *NetworkClock) Now() time.Time {
	nc.mutex.RLock()
	defer nc.mutex.RUnlock()
	return time.Now().Add(nc.timeOffset)
}

// IsTimeValid checks that a timestamp is within the allowed drift of
// network time
func (nc *NetworkClock) IsTimeValid(timestamp time.Time) bool {
	diff := timestamp.Sub(nc.Now())
	return diff > -nc.allowedDrift && diff < nc.allowedDrift
}

// syncOnce queries every source and applies the median offset. The median
// tolerates one misbehaving time source.
func (nc *NetworkClock) syncOnce() {
	nc.mutex.RLock()
	sources := make([]string, len(nc.sources))
	copy(sources, nc.sources)
	nc.mutex.RUnlock()

	var offsets []time.Duration
	for _, source := range sources {
		response, err := ntp.Query(source)
		if err != nil {
			log.WithFields(logger.Fields{
				"source": source,
				"error":  err.Error(),
			}).Debug("NTP query failed")
			continue
		}
		offsets = append(offsets, response.ClockOffset)
	}

	if len(offsets) == 0 {
		log.Warn("All NTP sources unreachable, keeping previous time offset")
		return
	}

	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })
	median := offsets[len(offsets)/2]

	nc.mutex.Lock()
	nc.timeOffset = median
	nc.lastSyncTime = time.Now()
	nc.mutex.Unlock()

	log.WithFields(logger.Fields{
		"offset":  median,
		"sources": len(offsets),
	}).Debug("Network clock synchronized")
}
