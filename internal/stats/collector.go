// Package stats tracks pack-run counters with lock-free atomics, plus
// a small ring buffer for rolling throughput, adapted from the
// teacher's internal/stats/collector.go (there tracking a file-copy
// run; here tracking a pack run: files written to the sink, bytes
// written, warnings accumulated under a downgraded error policy).
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector accumulates counters for one pack run. Only the pipeline
// drainer calls the Add*/RecordFile methods (spec.md §5: "no global
// mutable state beyond the progress reporter, which is written only
// by the driver").
type Collector struct {
	filesPacked  atomic.Int64
	bytesPacked  atomic.Int64
	filesDropped atomic.Int64
	warnings     atomic.Int64
	filesTotal   atomic.Int64
	bytesTotal   atomic.Int64
	startTime    time.Time

	mu          sync.Mutex
	throughput  [ringSize]int64
	filesPerSec [ringSize]int64
	ringIdx     int
	ringCount   int
	lastBytes   int64
	lastFiles   int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotals records the walk's totals, once known, for ETA estimation.
func (c *Collector) SetTotals(files, bytes int64) {
	c.filesTotal.Store(files)
	c.bytesTotal.Store(bytes)
}

// RecordFile accounts for one file handed to the sink.
func (c *Collector) RecordFile(size int64) {
	c.filesPacked.Add(1)
	c.bytesPacked.Add(size)
}

// RecordDropped accounts for one record the classifier dropped
// (exclusion policy, or a downgraded missing/long-path warning).
func (c *Collector) RecordDropped() { c.filesDropped.Add(1) }

// RecordWarning accounts for one downgraded error (errs.Severity ==
// Warning) surfaced during the run.
func (c *Collector) RecordWarning() { c.warnings.Add(1) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	FilesPacked  int64
	BytesPacked  int64
	FilesDropped int64
	Warnings     int64
	FilesTotal   int64
	BytesTotal   int64
	Elapsed      time.Duration
}

func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesPacked:  c.filesPacked.Load(),
		BytesPacked:  c.bytesPacked.Load(),
		FilesDropped: c.filesDropped.Load(),
		Warnings:     c.warnings.Load(),
		FilesTotal:   c.filesTotal.Load(),
		BytesTotal:   c.bytesTotal.Load(),
		Elapsed:      c.Elapsed(),
	}
}

// Tick snapshots byte/file deltas into the ring buffer. Call once per
// second from the progress reporter's own timer, never from a worker.
func (c *Collector) Tick() {
	currentBytes := c.bytesPacked.Load()
	currentFiles := c.filesPacked.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	bytesDelta := currentBytes - c.lastBytes
	filesDelta := currentFiles - c.lastFiles
	c.lastBytes = currentBytes
	c.lastFiles = currentFiles

	c.throughput[c.ringIdx] = bytesDelta
	c.filesPerSec[c.ringIdx] = filesDelta
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.throughput[:], seconds)
}

// RollingFilesPerSec returns average files/sec over the last n seconds.
func (c *Collector) RollingFilesPerSec(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollingAvg(c.filesPerSec[:], seconds)
}

func (c *Collector) rollingAvg(buf []int64, n int) float64 {
	count := n
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < count; i++ {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += buf[idx]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining time based on rolling speed and remaining bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesPacked.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"packed=%d dropped=%d warnings=%d bytes=%d",
		s.FilesPacked, s.FilesDropped, s.Warnings, s.BytesPacked,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
