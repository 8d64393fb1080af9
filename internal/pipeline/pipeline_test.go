package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
)

type scriptedProcessor struct {
	matches []types.Match
}

func (s *scriptedProcessor) Process(ctx context.Context, f types.Frame) []types.Match {
	return s.matches
}

type blockingRecorder struct {
	release chan struct{}
	mu      sync.Mutex
	kinds   []string
}

func (b *blockingRecorder) RecordMatch(ctx context.Context, id int64, conf float64, kind string) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kinds = append(b.kinds, kind)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipelineRecordsMatches(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	id, err := mem.Insert(ctx, types.Identity{ExternalCode: "A", DisplayName: "Alice"}, 0)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	var mu sync.Mutex
	var seen []types.Match
	proc := &scriptedProcessor{matches: []types.Match{{IdentityID: id, Confidence: 0.72}}}
	p := New(proc, mem, Options{OnMatch: func(m types.Match, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			seen = append(seen, m)
		}
	}}, quietLogger())

	p.OnFrame(types.Frame{})
	p.OnFrame(types.Frame{})
	p.Close()

	recs := mem.Matches()
	if len(recs) != 2 {
		t.Fatalf("Expected 2 recorded matches, got %d", len(recs))
	}
	if recs[0].Kind != store.MatchKindSuccess || recs[0].Confidence != 0.72 {
		t.Errorf("Unexpected record: %+v", recs[0])
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Errorf("Expected the callback twice, got %d", len(seen))
	}
	if st := p.Stats(); st.Recorded != 2 || st.Dropped != 0 {
		t.Errorf("Unexpected stats: %+v", st)
	}
}

func TestPipelineDropsWhenFull(t *testing.T) {
	rec := &blockingRecorder{release: make(chan struct{})}
	proc := &scriptedProcessor{matches: []types.Match{{IdentityID: 1}}}
	p := New(proc, rec, Options{QueueSize: 2}, quietLogger())

	// One match is held by the recorder, two fill the queue, the rest drop
	for i := 0; i < 6; i++ {
		p.OnFrame(types.Frame{})
		time.Sleep(time.Millisecond)
	}
	close(rec.release)
	p.Close()

	st := p.Stats()
	if st.Dropped == 0 {
		t.Error("Expected matches to be dropped while the recorder is blocked")
	}
	if st.Recorded+st.Dropped != 6 {
		t.Errorf("Every match must be either recorded or dropped: %+v", st)
	}
}

func TestPipelineRecordFailure(t *testing.T) {
	proc := &scriptedProcessor{matches: []types.Match{{IdentityID: 404}}}
	var gotErr error
	p := New(proc, store.NewMemory(), Options{OnMatch: func(m types.Match, err error) { gotErr = err }}, quietLogger())
	p.OnFrame(types.Frame{})
	p.Close()

	if !errors.Is(gotErr, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for an unknown identity, got %v", gotErr)
	}
	if p.Stats().Failed != 1 {
		t.Errorf("Expected one failed record")
	}
}

func TestPipelineIgnoresFramesAfterClose(t *testing.T) {
	proc := &scriptedProcessor{matches: []types.Match{{IdentityID: 1}}}
	p := New(proc, nil, Options{}, quietLogger())
	p.Close()
	p.Close()
	p.OnFrame(types.Frame{}) // must not panic on the closed queue
	if st := p.Stats(); st.Recorded != 0 {
		t.Errorf("No match should be recorded after Close: %+v", st)
	}
}
