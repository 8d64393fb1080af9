// Package recognition matches faces found on camera frames against the cached roster.
//
// The Engine keeps an in-memory list of identities with embeddings, loaded from a
// local snapshot when it is fresh and from the identity store otherwise. Frames are
// thinned by a frame-skip counter, downscaled, handed to an EmbeddingProvider, and
// each detected face is compared against every cached embedding. A per-identity
// cooldown keeps one person standing in front of the camera from being reported on
// every processed frame.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/snapshot"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/disintegration/imaging"
)

var (
	// ErrDetectionFailure wraps provider errors. Process logs it and carries on.
	ErrDetectionFailure = errors.New("recognition: detection failed")
	// ErrCacheCorrupt is the snapshot's corruption error seen from this package.
	ErrCacheCorrupt = snapshot.ErrCorrupt
	// ErrInvalidEmbedding rejects identities whose embedding is missing or mis-sized.
	ErrInvalidEmbedding = errors.New("recognition: invalid embedding")
)

// latencyAlpha is the smoothing factor of the processing latency average.
const latencyAlpha = 0.1

// EmbeddingProvider finds faces in an image and compares embeddings.
type EmbeddingProvider interface {
	Detect(ctx context.Context, img *image.NRGBA) ([]types.FaceRegion, error)
	Distance(a, b []float64) float64
}

// IdentitySource is the part of the identity store the engine reads from.
type IdentitySource interface {
	FetchAll(ctx context.Context, activeOnly bool) ([]types.Identity, error)
}

// Config tunes throttling, matching and the snapshot.
type Config struct {
	FrameSkip      int           `yaml:"frame_skip"`
	ResizeRatio    float64       `yaml:"resize_ratio"`
	Tolerance      float64       `yaml:"tolerance"`
	Cooldown       time.Duration `yaml:"cooldown"`
	MaxCacheSize   int           `yaml:"max_cache_size"`
	EmbeddingDim   int           `yaml:"embedding_dim"`
	SnapshotPath   string        `yaml:"snapshot_path"`
	SnapshotMaxAge time.Duration `yaml:"snapshot_max_age"`
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		FrameSkip:      3,
		ResizeRatio:    0.25,
		Tolerance:      0.6,
		Cooldown:       2 * time.Second,
		MaxCacheSize:   1000,
		EmbeddingDim:   types.EmbeddingDim,
		SnapshotPath:   "data/encodings/face_cache.snap",
		SnapshotMaxAge: time.Hour,
	}
}

// Validate rejects settings Process cannot work with.
func (c Config) Validate() error {
	if c.FrameSkip < 1 {
		return fmt.Errorf("recognition: frame_skip must be at least 1, got %d", c.FrameSkip)
	}
	if c.ResizeRatio <= 0 || c.ResizeRatio > 1 {
		return fmt.Errorf("recognition: resize_ratio must be in (0, 1], got %.3f", c.ResizeRatio)
	}
	if c.Tolerance < 0 || c.Tolerance > 1 {
		return fmt.Errorf("recognition: tolerance must be in [0, 1], got %.3f", c.Tolerance)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("recognition: cooldown must not be negative, got %s", c.Cooldown)
	}
	if c.MaxCacheSize < 1 {
		return fmt.Errorf("recognition: max_cache_size must be at least 1, got %d", c.MaxCacheSize)
	}
	if c.EmbeddingDim < 1 {
		return fmt.Errorf("recognition: embedding_dim must be at least 1, got %d", c.EmbeddingDim)
	}
	return nil
}

// Stats are running counters over processed frames.
type Stats struct {
	FramesProcessed uint64        `json:"frames_processed"`
	FacesDetected   uint64        `json:"faces_detected"`
	FacesMatched    uint64        `json:"faces_matched"`
	AvgLatency      time.Duration `json:"avg_latency_ns"`
	CacheSize       int           `json:"cache_size"`
	Source          string        `json:"cache_source"`
	LoadedAt        time.Time     `json:"cache_loaded_at"`
}

// Engine owns the identity cache and the cooldown ledger. All public methods are
// safe for concurrent use.
type Engine struct {
	cfg      Config
	provider EmbeddingProvider
	source   IdentitySource
	log      *slog.Logger
	now      func() time.Time

	// mu guards everything below. Detection runs without it.
	mu       sync.Mutex
	counter  uint64
	cache    []types.CachedIdentity
	ledger   map[int64]time.Time
	stats    Stats
	disabled bool

	// persistMu orders snapshot writes so an older cache never overwrites a newer one.
	persistMu sync.Mutex
}

// New builds an engine with an empty cache. Call Load before Process.
func New(cfg Config, provider EmbeddingProvider, source IdentitySource, log *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, errors.New("recognition: embedding provider is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		provider: provider,
		source:   source,
		log:      log,
		now:      time.Now,
		ledger:   make(map[int64]time.Time),
	}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

// Enable resumes processing after Disable.
func (e *Engine) Enable() {
	e.mu.Lock()
	e.disabled = false
	e.mu.Unlock()
}

// Disable makes Process return no matches without counting frames.
func (e *Engine) Disable() {
	e.mu.Lock()
	e.disabled = true
	e.mu.Unlock()
}

// Enabled reports whether Process is active.
func (e *Engine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.disabled
}

// Process runs one frame through throttling, detection, matching and cooldown.
// Detection errors are logged and yield no matches.
func (e *Engine) Process(ctx context.Context, frame types.Frame) []types.Match {
	e.mu.Lock()
	if e.disabled {
		e.mu.Unlock()
		return nil
	}
	e.counter++
	if e.counter%uint64(e.cfg.FrameSkip) != 0 {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	start := e.now()
	detections, err := e.detect(ctx, frame)
	if err != nil {
		e.log.Warn("recognition: detection failed", "frame_seq", frame.Seq, "error", err)
		detections = nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var matches []types.Match
	for _, d := range detections {
		m, ok := e.nearest(d)
		if !ok {
			continue
		}
		if !e.admit(m) {
			continue
		}
		matches = append(matches, m)
	}

	latency := e.now().Sub(start)
	e.stats.FramesProcessed++
	e.stats.FacesDetected += uint64(len(detections))
	e.stats.FacesMatched += uint64(len(matches))
	e.stats.AvgLatency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(e.stats.AvgLatency))
	return matches
}

// detect downscales the frame, calls the provider and maps boxes back.
func (e *Engine) detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	if frame.Empty() {
		return nil, nil
	}
	img := frame.ToNRGBA()
	if e.cfg.ResizeRatio != 1 {
		w := int(math.Round(float64(frame.Width) * e.cfg.ResizeRatio))
		h := int(math.Round(float64(frame.Height) * e.cfg.ResizeRatio))
		if w < 1 || h < 1 {
			return nil, nil
		}
		img = imaging.Resize(img, w, h, imaging.Linear)
	}

	regions, err := e.provider.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDetectionFailure, err)
	}

	at := frame.CapturedAt
	if at.IsZero() {
		at = e.now()
	}
	out := make([]types.Detection, 0, len(regions))
	for _, r := range regions {
		if len(r.Embedding) != e.cfg.EmbeddingDim {
			e.log.Warn("recognition: provider returned a mis-sized embedding", "got", len(r.Embedding), "want", e.cfg.EmbeddingDim)
			continue
		}
		out = append(out, types.Detection{
			Box:        r.Box.Unscale(e.cfg.ResizeRatio),
			Embedding:  r.Embedding,
			CapturedAt: at,
		})
	}
	return out, nil
}

// nearest scans the cache in order. Equal distances keep the earlier entry.
// Callers hold mu.
func (e *Engine) nearest(d types.Detection) (types.Match, bool) {
	best := -1
	bestDist := math.Inf(1)
	for i, c := range e.cache {
		dist := e.provider.Distance(c.Embedding, d.Embedding)
		if dist < bestDist {
			best, bestDist = i, dist
		}
	}
	if best < 0 || bestDist > e.cfg.Tolerance {
		return types.Match{}, false
	}
	c := e.cache[best]
	return types.Match{
		IdentityID:   c.ID,
		ExternalCode: c.ExternalCode,
		DisplayName:  c.DisplayName,
		Confidence:   1 - bestDist,
		Box:          d.Box,
		ObservedAt:   d.CapturedAt,
	}, true
}

// admit applies the cooldown and records accepted matches. Callers hold mu.
func (e *Engine) admit(m types.Match) bool {
	if last, ok := e.ledger[m.IdentityID]; ok && m.ObservedAt.Sub(last) < e.cfg.Cooldown {
		return false
	}
	e.ledger[m.IdentityID] = m.ObservedAt

	// Purge on the capture clock; processing time may run well ahead of it.
	for id, last := range e.ledger {
		if m.ObservedAt.Sub(last) > 2*e.cfg.Cooldown {
			delete(e.ledger, id)
		}
	}
	return true
}

// Stats returns a copy of the running counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.CacheSize = len(e.cache)
	return s
}

// Size is the number of cached identities.
func (e *Engine) Size() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cache)
}

// Identities returns a copy of the cache in match order.
func (e *Engine) Identities() []types.CachedIdentity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneCache(e.cache)
}

func cloneCache(in []types.CachedIdentity) []types.CachedIdentity {
	out := make([]types.CachedIdentity, len(in))
	for i, c := range in {
		c.Embedding = append([]float64(nil), c.Embedding...)
		out[i] = c
	}
	return out
}
