package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide signaling/media traffic counter.
var Stats = &stats{}

type stats struct {
	EnvelopesSent atomic.Int64 // signaling envelopes written to the relay
	EnvelopesRecv atomic.Int64 // signaling envelopes decoded from the relay
	Dropped       atomic.Int64 // inbound envelopes dropped (malformed, unknown kind)
	Samples       atomic.Int64 // media samples written to local tracks
	MediaBytes    atomic.Int64 // media payload bytes written to local tracks
}

func (s *stats) AddEnvelopeSent() { s.EnvelopesSent.Add(1) }
func (s *stats) AddEnvelopeRecv() { s.EnvelopesRecv.Add(1) }
func (s *stats) AddDropped()      { s.Dropped.Add(1) }
func (s *stats) AddSample(n int) {
	s.Samples.Add(1)
	s.MediaBytes.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 10 * time.Second

// StartStatsReporter launches a goroutine that logs traffic statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot()
				if line, ok := formatDelta(prev, cur, reportInterval.Seconds()); ok {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	sent, recv, dropped, bytes int64
}

func takeSnapshot() snapshot {
	return snapshot{
		sent:    Stats.EnvelopesSent.Load(),
		recv:    Stats.EnvelopesRecv.Load(),
		dropped: Stats.Dropped.Load(),
		bytes:   Stats.MediaBytes.Load(),
	}
}

// formatDelta renders the change between two snapshots. ok is false when
// nothing worth reporting happened in the interval.
func formatDelta(prev, cur snapshot, seconds float64) (string, bool) {
	out := float64(cur.bytes-prev.bytes) / seconds
	sent := cur.sent - prev.sent
	recv := cur.recv - prev.recv
	dropped := cur.dropped - prev.dropped

	if sent == 0 && recv == 0 && dropped == 0 && out <= 10 {
		return "", false
	}
	return fmt.Sprintf("Media: %s/s | Signaling: %3d↑ %3d↓ %2d✗",
		formatBytes(out), sent, recv, dropped), true
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}
