package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide signaling traffic counter.
var Stats = &stats{}

type stats struct {
	FramesSent atomic.Int64 // frames written to the relay
	FramesRecv atomic.Int64 // frames read from the relay
	BytesSent  atomic.Int64
	BytesRecv  atomic.Int64
	Calls      atomic.Int64 // connections created, either direction
}

func (s *stats) AddSent(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.FramesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

func (s *stats) AddCall() { s.Calls.Add(1) }

// StartStatsReporter launches a goroutine that logs signaling traffic every
// interval when anything changed. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevCalls int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.FramesSent.Load()
				recv := Stats.FramesRecv.Load()
				calls := Stats.Calls.Load()

				if sent != prevSent || recv != prevRecv || calls != prevCalls {
					pterm.DefaultLogger.Debug(formatStats(
						sent-prevSent, recv-prevRecv,
						Stats.BytesSent.Load(), Stats.BytesRecv.Load(),
						calls,
					))
				}

				prevSent = sent
				prevRecv = recv
				prevCalls = calls

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a fixed-width (8 chars) string,
// e.g. "99.0   B", " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(sent, recv, bytesSent, bytesRecv, calls int64) string {
	return fmt.Sprintf("Signaling: %3d↑ %3d↓ frames | Total: %s↑ %s↓ | Calls: %d",
		sent,
		recv,
		formatBytes(float64(bytesSent)),
		formatBytes(float64(bytesRecv)),
		calls,
	)
}
