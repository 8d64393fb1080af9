package worker

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/viterin/vek"
)

// Provider turns images into face embeddings by delegating to a worker process.
// The process is started on first use and restarted after any protocol failure.
type Provider struct {
	Command string
	Args    []string
	Dim     int
	Timeout time.Duration

	log *slog.Logger

	mu     sync.Mutex
	w      *PythonWorker
	spawns int
	spawn  func() (*PythonWorker, error)
	last   *utils.SafeCommand
}

// NewProvider builds a provider that runs command with args on demand.
func NewProvider(log *slog.Logger, dim int, timeout time.Duration, command string, args ...string) *Provider {
	if log == nil {
		log = slog.Default()
	}
	p := &Provider{Command: command, Args: args, Dim: dim, Timeout: timeout, log: log}
	p.spawn = func() (*PythonWorker, error) {
		return NewPythonWorker(p.spawns, p.Dim, p.Command, p.Args...)
	}
	return p
}

// Detect locates faces in img and returns one embedding per face.
func (p *Provider) Detect(ctx context.Context, img *image.NRGBA) ([]types.FaceRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.w == nil {
		w, err := p.spawn()
		if err != nil {
			return nil, fmt.Errorf("start embedding worker: %w", err)
		}
		p.spawns++
		p.w = w
		p.last = w.Cmd
		p.log.Debug("worker: started", "id", w.ID, "command", p.Command)
	}

	deadline := time.Time{}
	if p.Timeout > 0 {
		deadline = time.Now().Add(p.Timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	p.w.SetDeadline(deadline)

	faces, err := p.w.ProcessFrame(img)
	if err != nil {
		if isProtocolError(err) {
			// The pipe may be mid-message; a fresh process is the only safe state.
			p.log.Warn("worker: restarting after failure", "id", p.w.ID, "error", err)
			p.w.Close()
			p.w = nil
		}
		return nil, err
	}
	return faces, nil
}

// isProtocolError separates transport failures from errors the worker reported cleanly.
func isProtocolError(err error) bool {
	return err != nil && !isWorkerReported(err)
}

func isWorkerReported(err error) bool {
	const prefix = "python worker error: "
	msg := err.Error()
	return len(msg) >= len(prefix) && msg[:len(prefix)] == prefix
}

// Distance is the euclidean distance between two embeddings.
func (p *Provider) Distance(a, b []float64) float64 {
	return Distance(a, b)
}

// Distance is the euclidean distance between two equal-length embeddings.
func Distance(a, b []float64) float64 {
	return vek.Distance(a, b)
}

// Cmd returns the most recently spawned worker process, whose captured stderr
// survives a restart. Nil before the first Detect.
func (p *Provider) Cmd() *utils.SafeCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Close stops the worker process if one is running.
func (p *Provider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.w != nil {
		p.w.Close()
		p.w = nil
	}
}
