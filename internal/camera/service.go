// Package camera owns one capture device and fans its frames out to subscribers.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// Config controls the device format and the acquisition loop's failure policy.
type Config struct {
	Index            int           `yaml:"index"`
	Width            int           `yaml:"width"`
	Height           int           `yaml:"height"`
	FPS              float64       `yaml:"fps"`
	BufferSize       int           `yaml:"buffer_size"`
	FailureThreshold int           `yaml:"failure_threshold"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	JoinTimeout      time.Duration `yaml:"join_timeout"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	RestartDelay     time.Duration `yaml:"restart_delay"`
	// Pace drops frames that arrive faster than FPS.
	Pace bool `yaml:"pace"`
}

// DefaultConfig returns the stock 640x480@30 configuration.
func DefaultConfig() Config {
	return Config{
		Index:            0,
		Width:            640,
		Height:           480,
		FPS:              30,
		BufferSize:       1,
		FailureThreshold: 10,
		RetryDelay:       100 * time.Millisecond,
		JoinTimeout:      3 * time.Second,
		ProbeTimeout:     5 * time.Second,
		RestartDelay:     time.Second,
	}
}

// Validate rejects configurations the loop cannot run with.
func (c Config) Validate() error {
	if c.Index < 0 {
		return fmt.Errorf("camera: invalid device index %d", c.Index)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("camera: invalid resolution %dx%d", c.Width, c.Height)
	}
	if c.FPS <= 0 {
		return fmt.Errorf("camera: invalid fps %.2f", c.FPS)
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("camera: failure threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.JoinTimeout <= 0 || c.ProbeTimeout <= 0 {
		return errors.New("camera: join and probe timeouts must be positive")
	}
	return nil
}

// Status is a point-in-time view of the service.
type Status struct {
	State           State            `json:"state"`
	Running         bool             `json:"running"`
	Backend         string           `json:"backend,omitempty"`
	Index           int              `json:"device_index"`
	TargetWidth     int              `json:"target_width"`
	TargetHeight    int              `json:"target_height"`
	TargetFPS       float64          `json:"target_fps"`
	Width           int              `json:"width"`
	Height          int              `json:"height"`
	FPS             float64          `json:"fps"`
	ObservedFPS     float64          `json:"observed_fps"`
	FramesDelivered uint64           `json:"frames_delivered"`
	Subscribers     []SubscriberInfo `json:"subscribers"`
}

// live enforces a single open Service per process.
var live atomic.Bool

// Service is the process-wide owner of the camera device. Construct it once with New
// and pass it to whatever needs frames; Close releases the ownership slot.
type Service struct {
	cfg      Config
	backends []Backend
	log      *slog.Logger

	// OnFault is called from the acquisition goroutine after the loop gives up.
	OnFault func(error)

	lifeMu sync.Mutex // serializes Start, Stop and Close
	dev    Device
	run    *atomic.Bool // cleared to stop the current loop
	done   chan struct{}
	closed bool

	infoMu  sync.Mutex
	backend string
	actual  Settings

	state atomic.Int32
	seq   atomic.Uint64

	subsMu sync.Mutex
	subs   []Subscriber

	latestMu sync.Mutex
	latest   types.Frame
	hasFrame bool

	fps fpsMeter
}

// New claims the process-wide camera slot. It fails with ErrInstanceExists while
// another Service has not been closed.
func New(cfg Config, log *slog.Logger, backends ...Backend) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(backends) == 0 {
		return nil, errors.New("camera: at least one backend is required")
	}
	if !live.CompareAndSwap(false, true) {
		return nil, ErrInstanceExists
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, backends: backends, log: log}, nil
}

// Config returns the configuration the service was built with.
func (s *Service) Config() Config { return s.cfg }

// State returns the current lifecycle state.
func (s *Service) State() State { return State(s.state.Load()) }

func (s *Service) setState(st State) { s.state.Store(int32(st)) }

// Start opens the device, probes it and launches the acquisition loop.
// Calling Start while running is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.closed {
		return errors.New("camera: service is closed")
	}
	if s.State() == StateRunning {
		return nil
	}
	// A faulted loop has exited but still holds the handle.
	s.releaseDevice()

	s.setState(StateStarting)
	s.log.Info("camera: starting", "device_index", s.cfg.Index)

	want := Settings{Width: s.cfg.Width, Height: s.cfg.Height, FPS: s.cfg.FPS, BufferSize: s.cfg.BufferSize}
	dev, backend, err := s.open(want)
	if err != nil {
		s.setState(StateFaulted)
		return err
	}

	s.configure(dev, want)

	if err := s.probe(ctx, dev); err != nil {
		s.setState(StateFaulted)
		return err
	}

	actual := Settings{
		Width:      int(dev.Get(PropWidth)),
		Height:     int(dev.Get(PropHeight)),
		FPS:        dev.Get(PropFPS),
		BufferSize: int(dev.Get(PropBufferSize)),
	}
	s.infoMu.Lock()
	s.backend = backend
	s.actual = actual
	s.infoMu.Unlock()
	s.log.Info("camera: device configured",
		"backend", backend,
		"resolution", fmt.Sprintf("%dx%d", actual.Width, actual.Height),
		"fps", actual.FPS,
	)

	run := new(atomic.Bool)
	run.Store(true)
	done := make(chan struct{})
	s.dev = dev
	s.run = run
	s.done = done
	s.setState(StateRunning)

	go func() {
		err := s.loop(dev, run)
		close(done)
		if err == nil {
			return
		}
		// A concurrent Stop has already cleared run and owns the transition.
		if run.CompareAndSwap(true, false) && s.state.CompareAndSwap(int32(StateRunning), int32(StateFaulted)) {
			s.log.Error("camera: acquisition stopped", "error", err)
			if s.OnFault != nil {
				s.OnFault(err)
			}
		}
	}()

	s.log.Info("camera: started", "backend", backend)
	return nil
}

func (s *Service) open(want Settings) (Device, string, error) {
	var errs []error
	for _, b := range s.backends {
		dev, err := b.Open(s.cfg.Index, want)
		if err == nil {
			s.log.Info("camera: device opened", "backend", b.Name(), "device_index", s.cfg.Index)
			return dev, b.Name(), nil
		}
		s.log.Warn("camera: backend failed", "backend", b.Name(), "device_index", s.cfg.Index, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
	}
	return nil, "", fmt.Errorf("%w: index %d: %w", ErrDeviceUnavailable, s.cfg.Index, errors.Join(errs...))
}

// configure applies the requested format. Devices may ignore any of it.
func (s *Service) configure(dev Device, want Settings) {
	props := []struct {
		p Property
		v float64
	}{
		{PropWidth, float64(want.Width)},
		{PropHeight, float64(want.Height)},
		{PropFPS, want.FPS},
		{PropBufferSize, float64(want.BufferSize)},
	}
	for _, kv := range props {
		if kv.v <= 0 {
			continue
		}
		if err := dev.Set(kv.p, kv.v); err != nil {
			s.log.Warn("camera: setting ignored", "property", kv.p.String(), "value", kv.v, "error", err)
		}
	}
}

type probeResult struct {
	frame types.Frame
	err   error
}

// probe performs one bounded read. On failure the device is closed, possibly
// later if the read is still blocked.
func (s *Service) probe(ctx context.Context, dev Device) error {
	ch := make(chan probeResult, 1)
	go func() {
		f, err := dev.Read()
		ch <- probeResult{frame: f, err: err}
	}()

	timer := time.NewTimer(s.cfg.ProbeTimeout)
	defer timer.Stop()

	abandon := func() {
		go func() {
			<-ch
			dev.Close()
		}()
	}

	select {
	case r := <-ch:
		if r.err != nil || r.frame.Empty() {
			dev.Close()
			return fmt.Errorf("%w: probe read failed: %v", ErrNoSignal, r.err)
		}
		return nil
	case <-timer.C:
		abandon()
		return fmt.Errorf("%w: no frame within %s", ErrNoSignal, s.cfg.ProbeTimeout)
	case <-ctx.Done():
		abandon()
		return ctx.Err()
	}
}

// loop reads until the running flag is cleared or failures exceed the threshold.
func (s *Service) loop(dev Device, run *atomic.Bool) error {
	failures := 0
	var interval time.Duration
	if s.cfg.Pace && s.cfg.FPS > 0 {
		interval = time.Duration(float64(time.Second) / s.cfg.FPS)
	}
	var lastDelivered time.Time

	for {
		frame, err := dev.Read()
		if !run.Load() {
			return nil
		}

		if err != nil || frame.Empty() {
			failures++
			if failures > s.cfg.FailureThreshold {
				return fmt.Errorf("%w: %d consecutive read failures: %v", ErrStreamInterrupted, failures, err)
			}
			s.log.Warn("camera: read failed", "failures", failures, "error", err)
			time.Sleep(s.cfg.RetryDelay)
			continue
		}
		failures = 0

		now := time.Now()
		if interval > 0 && !lastDelivered.IsZero() && now.Sub(lastDelivered) < interval {
			continue
		}
		lastDelivered = now

		frame.Seq = s.seq.Add(1)
		if frame.CapturedAt.IsZero() {
			frame.CapturedAt = now
		}
		s.fps.tick(now)

		s.latestMu.Lock()
		s.latest = frame
		s.hasFrame = true
		s.latestMu.Unlock()

		s.deliver(frame)
	}
}

// Stop ends the acquisition loop and releases the device. It is safe to call
// in any state and more than once.
func (s *Service) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	s.stopLocked()
}

func (s *Service) stopLocked() {
	if s.dev == nil {
		s.setState(StateStopped)
		return
	}

	s.setState(StateStopping)
	s.log.Info("camera: stopping")
	if s.run != nil {
		s.run.Store(false)
	}

	if s.done != nil {
		timer := time.NewTimer(s.cfg.JoinTimeout)
		select {
		case <-s.done:
		case <-timer.C:
			s.log.Warn("camera: acquisition loop did not exit in time", "timeout", s.cfg.JoinTimeout)
		}
		timer.Stop()
	}

	s.releaseDevice()
	s.setState(StateStopped)
	s.log.Info("camera: stopped")
}

func (s *Service) releaseDevice() {
	if s.dev != nil {
		if err := s.dev.Close(); err != nil {
			s.log.Warn("camera: close failed", "error", err)
		}
	}
	if s.run != nil {
		s.run.Store(false)
	}
	s.dev = nil
	s.run = nil
	s.done = nil
	s.fps.reset()

	s.infoMu.Lock()
	s.backend = ""
	s.actual = Settings{}
	s.infoMu.Unlock()

	s.latestMu.Lock()
	s.latest = types.Frame{}
	s.hasFrame = false
	s.latestMu.Unlock()
}

// Restart stops the device, waits RestartDelay and starts it again.
func (s *Service) Restart(ctx context.Context) error {
	s.log.Info("camera: restarting")
	s.Stop()
	select {
	case <-time.After(s.cfg.RestartDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Start(ctx)
}

// Close stops the service and gives up the process-wide slot.
func (s *Service) Close() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.closed {
		return
	}
	s.stopLocked()
	s.closed = true
	live.Store(false)
}

// LatestFrame returns a copy of the most recently delivered frame.
func (s *Service) LatestFrame() (types.Frame, bool) {
	s.latestMu.Lock()
	defer s.latestMu.Unlock()
	if !s.hasFrame {
		return types.Frame{}, false
	}
	return s.latest.Clone(), true
}

// Running reports whether the acquisition loop is active.
func (s *Service) Running() bool { return s.State() == StateRunning }

// Status reports the lifecycle state, requested and actual format, and observed rate.
func (s *Service) Status() Status {
	s.infoMu.Lock()
	backend, actual := s.backend, s.actual
	s.infoMu.Unlock()

	subs := s.subscribers()
	infos := make([]SubscriberInfo, 0, len(subs))
	for _, sub := range subs {
		infos = append(infos, SubscriberInfo{Name: sub.Name(), Kind: sub.Kind()})
	}

	return Status{
		State:           s.State(),
		Running:         s.Running(),
		Backend:         backend,
		Index:           s.cfg.Index,
		TargetWidth:     s.cfg.Width,
		TargetHeight:    s.cfg.Height,
		TargetFPS:       s.cfg.FPS,
		Width:           actual.Width,
		Height:          actual.Height,
		FPS:             actual.FPS,
		ObservedFPS:     s.fps.value(),
		FramesDelivered: s.seq.Load(),
		Subscribers:     infos,
	}
}
