// Package pipeline connects the camera to the recognition engine and records the
// resulting matches without blocking frame delivery.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
)

// Processor turns a frame into matches.
type Processor interface {
	Process(ctx context.Context, frame types.Frame) []types.Match
}

// MatchRecorder persists accepted matches.
type MatchRecorder interface {
	RecordMatch(ctx context.Context, identityID int64, confidence float64, kind string) error
}

// Options tunes the recorder queue.
type Options struct {
	// QueueSize bounds matches waiting to be recorded; extra matches are dropped.
	QueueSize int
	// RecordTimeout bounds one RecordMatch call.
	RecordTimeout time.Duration
	// OnMatch is called from the recorder goroutine after each match is recorded.
	OnMatch func(types.Match, error)
}

// Stats counts what went through the recorder.
type Stats struct {
	Recorded uint64 `json:"recorded"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
}

// Pipeline is a recognition-kind camera subscriber.
type Pipeline struct {
	proc Processor
	rec  MatchRecorder
	opts Options
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan types.Match
	wg     sync.WaitGroup

	// mu orders enqueue against closing the queue.
	mu     sync.RWMutex
	closed bool

	recorded atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

var _ camera.Subscriber = (*Pipeline)(nil)

// New starts the recorder goroutine. Close stops it after draining the queue.
func New(proc Processor, rec MatchRecorder, opts Options, log *slog.Logger) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		proc:   proc,
		rec:    rec,
		opts:   opts,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan types.Match, opts.QueueSize),
	}
	p.wg.Add(1)
	go p.record()
	return p
}

func (p *Pipeline) Name() string      { return "recognition" }
func (p *Pipeline) Kind() camera.Kind { return camera.KindRecognition }

// OnFrame runs recognition on the capture goroutine and queues any matches.
func (p *Pipeline) OnFrame(f types.Frame) {
	if p.ctx.Err() != nil {
		return
	}
	for _, m := range p.proc.Process(p.ctx, f) {
		p.enqueue(m)
	}
}

func (p *Pipeline) enqueue(m types.Match) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- m:
	default:
		p.dropped.Add(1)
		p.log.Warn("pipeline: recorder queue full, dropping match", "identity_id", m.IdentityID, "queue_size", p.opts.QueueSize)
	}
}

func (p *Pipeline) record() {
	defer p.wg.Done()
	for m := range p.queue {
		var err error
		if p.rec != nil {
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.RecordTimeout)
			err = p.rec.RecordMatch(ctx, m.IdentityID, m.Confidence, store.MatchKindSuccess)
			cancel()
		}
		if err != nil {
			p.failed.Add(1)
			p.log.Error("pipeline: failed to record match", "identity_id", m.IdentityID, "error", err)
		} else {
			p.recorded.Add(1)
		}
		if p.opts.OnMatch != nil {
			p.opts.OnMatch(m, err)
		}
	}
}

// Stats returns recorder counters.
func (p *Pipeline) Stats() Stats {
	return Stats{Recorded: p.recorded.Load(), Failed: p.failed.Load(), Dropped: p.dropped.Load()}
}

// Close stops accepting frames and waits for queued matches to be recorded.
// Unsubscribe the pipeline from the camera first.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}
