// Package pipeline fans a classified file-record stream out to a
// bounded worker pool and drains their results back into canonical
// order before handing them to an archive sink, implementing
// spec.md §4.5/§5. Grounded on the teacher's internal/engine/scanner.go
// (bounded work queue) and worker.go (WaitGroup-joined worker
// goroutines), generalized with a sequence-number-keyed min-heap
// drainer adapted from original_source/conda_pack/formats.py's
// ParallelFileWriter ordering idea.
package pipeline

import (
	"container/heap"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/relocatable/envpack/internal/archive"
	"github.com/relocatable/envpack/internal/classify"
	"github.com/relocatable/envpack/internal/progress"
	"github.com/relocatable/envpack/internal/stats"
)

// Item is one file's content, ready to hand to a sink, produced by a
// worker from a classify.FileRecord.
type Item struct {
	Record  classify.FileRecord
	ArcName string
	Mode    os.FileMode
	MTime   time.Time
	Target  string // symlink target, when Record.FileKind == classify.Symlink
	Data    []byte // in-memory content for regular files
	Size    int64
}

// Transform produces an Item from a FileRecord — the per-file rewrite
// work a worker performs (sniff, rewrite-or-passthrough, read). It is
// injected so internal/pipeline stays ignorant of internal/rewrite and
// internal/inventory's specifics; internal/packer supplies the real
// implementation.
type Transform func(ctx context.Context, rec classify.FileRecord) (Item, error)

// Config controls the pipeline's concurrency and backpressure.
type Config struct {
	NumWorkers int
	Sink       archive.Sink
	Transform  Transform
	Stats      *stats.Collector
	Progress   progress.Reporter
}

// Run drives records through the worker pool and into cfg.Sink in
// strict sequence-number order (I5), regardless of worker completion
// order. It cancels and aborts the sink on the first fatal error,
// mirroring spec.md §5's cancellation contract.
func Run(ctx context.Context, records <-chan classify.FileRecord, cfg Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queueDepth := cfg.NumWorkers * 4
	if queueDepth < 4 {
		queueDepth = 4
	}
	work := make(chan classify.FileRecord, queueDepth)
	results := make(chan result, queueDepth)

	var wg sync.WaitGroup
	for i := 0; i < cfg.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker(ctx, work, results, cfg.Transform)
		}()
	}

	var feedErr error
	go func() {
		defer close(work)
		for rec := range records {
			select {
			case work <- rec:
			case <-ctx.Done():
				feedErr = ctx.Err()
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	drainErr := drain(ctx, results, cfg)
	runErr := drainErr
	if runErr == nil {
		runErr = feedErr
	}
	if runErr != nil {
		cancel()
		_ = cfg.Sink.Abort()
	}
	if cfg.Progress != nil {
		cfg.Progress.Done(runErr)
	}
	return runErr
}

type result struct {
	seq  int64
	item Item
	err  error
}

func worker(ctx context.Context, work <-chan classify.FileRecord, results chan<- result, transform Transform) {
	for rec := range work {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := transform(ctx, rec)
		select {
		case results <- result{seq: rec.Sequence, item: item, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// drain reorders worker results via a min-heap keyed by sequence
// number and writes them to the sink strictly in order, so the worker
// pool's completion order never affects archive layout (I5).
func drain(ctx context.Context, results <-chan result, cfg Config) error {
	pending := &resultHeap{}
	heap.Init(pending)
	next := int64(0)

	flushReady := func() error {
		for pending.Len() > 0 && (*pending)[0].seq == next {
			r := heap.Pop(pending).(result)
			if r.err != nil {
				return r.err
			}
			if err := writeItem(cfg.Sink, r.item); err != nil {
				return err
			}
			if cfg.Stats != nil {
				cfg.Stats.RecordFile(r.item.Size)
			}
			if cfg.Progress != nil {
				cfg.Progress.OnFile(r.item.ArcName)
				cfg.Progress.OnBytes(r.item.Size)
			}
			next++
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r, ok := <-results:
			if !ok {
				return flushReady()
			}
			heap.Push(pending, r)
			if err := flushReady(); err != nil {
				return err
			}
		}
	}
}

func writeItem(sink archive.Sink, item Item) error {
	rec := item.Record
	switch rec.FileKind {
	case classify.Directory:
		return sink.AddDirectory(item.ArcName, item.Mode, item.MTime)
	case classify.Symlink:
		return sink.AddSymlink(item.ArcName, item.Mode, item.MTime, item.Target)
	default:
		if err := sink.AddBytes(item.ArcName, item.Mode, item.MTime, item.Data); err != nil {
			return fmt.Errorf("write %s to sink: %w", item.ArcName, err)
		}
		return nil
	}
}

// resultHeap is a container/heap.Interface ordering results by
// sequence number, the drainer's reordering buffer.
type resultHeap []result

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return h[i].seq < h[j].seq }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)         { *h = append(*h, x.(result)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
