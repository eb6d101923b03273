package pipeline_test

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relocatable/envpack/internal/classify"
	"github.com/relocatable/envpack/internal/pipeline"
	"github.com/relocatable/envpack/internal/progress"
	"github.com/relocatable/envpack/internal/stats"
)

// recordingSink captures the order AddBytes/AddDirectory/AddSymlink
// were called in, so tests can assert the drainer restored sequence
// order regardless of worker completion order.
type recordingSink struct {
	mu      sync.Mutex
	names   []string
	aborted bool
}

func (s *recordingSink) AddDirectory(arcname string, _ os.FileMode, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, arcname)
	return nil
}

func (s *recordingSink) AddRegular(arcname string, _ os.FileMode, _ time.Time, _ int64, _ io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, arcname)
	return nil
}

func (s *recordingSink) AddSymlink(arcname string, _ os.FileMode, _ time.Time, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, arcname)
	return nil
}

func (s *recordingSink) AddBytes(arcname string, _ os.FileMode, _ time.Time, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, arcname)
	return nil
}

func (s *recordingSink) Finalize() error { return nil }
func (s *recordingSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

func (s *recordingSink) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

func (s *recordingSink) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

func makeRecords(n int) <-chan classify.FileRecord {
	ch := make(chan classify.FileRecord, n)
	for i := 0; i < n; i++ {
		ch <- classify.FileRecord{
			Sequence: int64(i),
			RelPath:  string(rune('a' + i)),
			FileKind: classify.Regular,
		}
	}
	close(ch)
	return ch
}

// slowestFirstTransform sleeps longer for earlier sequence numbers, so
// workers finish in reverse order of submission, stressing the
// drainer's reordering.
func slowestFirstTransform(_ context.Context, rec classify.FileRecord) (pipeline.Item, error) {
	delay := time.Duration(20-rec.Sequence) * time.Millisecond
	if delay > 0 {
		time.Sleep(delay)
	}
	return pipeline.Item{
		Record:  rec,
		ArcName: rec.RelPath,
		Size:    1,
	}, nil
}

func TestRunRestoresSequenceOrderDespiteOutOfOrderCompletion(t *testing.T) {
	sink := &recordingSink{}
	coll := stats.NewCollector()

	cfg := pipeline.Config{
		NumWorkers: 8,
		Sink:       sink,
		Transform:  slowestFirstTransform,
		Stats:      coll,
		Progress:   progress.Discard{},
	}

	err := pipeline.Run(context.Background(), makeRecords(10), cfg)
	require.NoError(t, err)

	names := sink.Names()
	require.Len(t, names, 10)
	for i, name := range names {
		assert.Equal(t, string(rune('a'+i)), name)
	}

	snap := coll.Snapshot()
	assert.Equal(t, int64(10), snap.FilesPacked)
}

func TestRunAbortsSinkOnTransformError(t *testing.T) {
	sink := &recordingSink{}
	cfg := pipeline.Config{
		NumWorkers: 2,
		Sink:       sink,
		Transform: func(_ context.Context, rec classify.FileRecord) (pipeline.Item, error) {
			if rec.Sequence == 2 {
				return pipeline.Item{}, errors.New("boom")
			}
			return pipeline.Item{Record: rec, ArcName: rec.RelPath, Size: 1}, nil
		},
		Progress: progress.Discard{},
	}

	err := pipeline.Run(context.Background(), makeRecords(5), cfg)
	require.Error(t, err)
	assert.True(t, sink.Aborted())
}

func TestRunHonorsContextCancellation(t *testing.T) {
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// NumWorkers=1 bounds the work queue tightly (depth 4, one item
	// drained before the worker observes cancellation and exits), so
	// feeding 20 records forces at least one blocked send, which
	// deterministically resolves the feeder's select in favor of
	// ctx.Done() rather than racing against a ready channel send.
	cfg := pipeline.Config{
		NumWorkers: 1,
		Sink:       sink,
		Transform: func(_ context.Context, rec classify.FileRecord) (pipeline.Item, error) {
			return pipeline.Item{Record: rec, ArcName: rec.RelPath, Size: 1}, nil
		},
		Progress: progress.Discard{},
	}

	err := pipeline.Run(ctx, makeRecords(20), cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
