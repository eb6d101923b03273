// Package progress reports per-file pack activity to a human, adapted
// from the teacher's internal/ui package (Presenter/plainPresenter):
// the same one-line-per-file-or-periodic-tick split, generalized
// behind a narrow Reporter interface so internal/pipeline stays
// ignorant of terminal/TTY concerns.
package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/relocatable/envpack/internal/stats"
)

// Reporter receives pack-run activity from the pipeline drainer. All
// methods are called from the single drainer goroutine, never
// concurrently (spec.md §5).
type Reporter interface {
	// OnFile is called once per file written to the sink, in final
	// archive order.
	OnFile(arcName string)
	// OnBytes is called once per file, with its content size.
	OnBytes(size int64)
	// Done is called once after the run completes, successfully or not.
	Done(err error)
}

// Discard is a Reporter that does nothing, for -quiet runs.
type Discard struct{}

func (Discard) OnFile(string)    {}
func (Discard) OnBytes(int64)    {}
func (Discard) Done(error)       {}

// Plain is a Reporter that prints one line per file to w, plus a
// periodic throughput/ETA line to errW, mirroring the teacher's
// plainPresenter for the non-TTY case.
type Plain struct {
	w         io.Writer
	errW      io.Writer
	stats     *stats.Collector
	interval  time.Duration
	mu        sync.Mutex
	lastTick  time.Time
	lastFile  string
}

// NewPlain creates a Plain reporter backed by coll, printing file
// lines to w and periodic progress lines to errW at most every
// interval (5s default, matching the teacher's ticker).
func NewPlain(w, errW io.Writer, coll *stats.Collector, interval time.Duration) *Plain {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Plain{w: w, errW: errW, stats: coll, interval: interval}
}

func (p *Plain) OnFile(arcName string) {
	p.mu.Lock()
	p.lastFile = arcName
	p.mu.Unlock()
	fmt.Fprintf(p.w, "%s\n", arcName)
	p.maybeTick()
}

func (p *Plain) OnBytes(size int64) {
	p.stats.RecordFile(size)
}

func (p *Plain) Done(err error) {
	snap := p.stats.Snapshot()
	if err != nil {
		fmt.Fprintf(p.errW, "pack failed after %s: %d files, %s: %v\n",
			snap.Elapsed.Round(time.Second), snap.FilesPacked, stats.FormatBytes(snap.BytesPacked), err)
		return
	}
	fmt.Fprintf(p.errW, "packed %d files (%s) in %s\n",
		snap.FilesPacked, stats.FormatBytes(snap.BytesPacked), snap.Elapsed.Round(time.Second))
}

func (p *Plain) maybeTick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if !p.lastTick.IsZero() && now.Sub(p.lastTick) < p.interval {
		return
	}
	p.lastTick = now
	p.stats.Tick()
	p.printProgress()
}

func (p *Plain) printProgress() {
	snap := p.stats.Snapshot()
	if snap.BytesTotal > 0 {
		pct := float64(snap.BytesPacked) / float64(snap.BytesTotal) * 100
		fmt.Fprintf(p.errW, "progress: %.0f%% %s/%s, %d/%d files, eta %s\n",
			pct, stats.FormatBytes(snap.BytesPacked), stats.FormatBytes(snap.BytesTotal),
			snap.FilesPacked, snap.FilesTotal, formatETA(p.stats.ETA()))
		return
	}
	fmt.Fprintf(p.errW, "progress: %s packed, %d files\n", stats.FormatBytes(snap.BytesPacked), snap.FilesPacked)
}

func formatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	d = d.Round(time.Second)
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
