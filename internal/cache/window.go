// Package cache holds the time-windowed membership tests that protect the store from
// duplicate or excessive device reports.
package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/signalix/devicegate/internal/clock"
)

// DefaultRetentionFactor is how many windows an entry survives a sweep.
const DefaultRetentionFactor = 10

// Window remembers when each key was last accepted and rejects keys seen again
// within the window. It is unbounded between sweeps; Run or Sweep bounds it.
type Window struct {
	mu        sync.Mutex
	entries   map[string]time.Time
	window    time.Duration
	retention time.Duration
	clock     clock.Clock
}

// NewWindow creates a Window. retentionFactor <= 0 falls back to DefaultRetentionFactor.
func NewWindow(window time.Duration, retentionFactor int, clk clock.Clock) *Window {
	if retentionFactor <= 0 {
		retentionFactor = DefaultRetentionFactor
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Window{
		entries:   make(map[string]time.Time),
		window:    window,
		retention: window * time.Duration(retentionFactor),
		clock:     clk,
	}
}

// Allow reports whether key may proceed. A key is rejected when its previous accepted
// use was less than one window ago; rejection leaves the stored timestamp untouched,
// acceptance records the current time.
func (w *Window) Allow(key string) bool {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if last, ok := w.entries[key]; ok && now.Sub(last) < w.window {
		return false
	}
	w.entries[key] = now
	return true
}

// Sweep drops entries older than the retention horizon and returns how many were removed.
func (w *Window) Sweep() int {
	cutoff := w.clock.Now().Add(-w.retention)

	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for key, last := range w.entries {
		if last.Before(cutoff) {
			delete(w.entries, key)
			removed++
		}
	}
	return removed
}

// Forget drops the entries of one device: the key equal to deviceID and every key built
// by ReportKey for it.
func (w *Window) Forget(deviceID string) int {
	prefix := deviceID + ":"

	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for key := range w.entries {
		if key == deviceID || strings.HasPrefix(key, prefix) {
			delete(w.entries, key)
			removed++
		}
	}
	return removed
}

// Remove drops key so its next Allow succeeds.
func (w *Window) Remove(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, key)
}

// Clear drops every entry.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = make(map[string]time.Time)
}

// Len returns the number of tracked keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Run sweeps every interval until ctx is done.
func (w *Window) Run(ctx context.Context, interval time.Duration, name string, log zerolog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := w.Sweep(); n > 0 {
				log.Debug().Str("cache", name).Int("removed", n).Int("size", w.Len()).Msg("cache swept")
			}
		}
	}
}

// ReportKey builds the dedup key of a device-reported message: identity, counterpart
// address, the first 50 characters of the body and the message time rounded down to
// the second.
func ReportKey(deviceID, address, body string, dateMillis int64) string {
	prefix := body
	if r := []rune(body); len(r) > 50 {
		prefix = string(r[:50])
	}
	return fmt.Sprintf("%s:%s:%s:%d", deviceID, address, prefix, dateMillis/1000)
}
