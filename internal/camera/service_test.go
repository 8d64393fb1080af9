package camera

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
)

// fakeDevice produces 2x2 frames until told to fail.
type fakeDevice struct {
	mu        sync.Mutex
	props     map[Property]float64
	failing   atomic.Bool
	blocking  chan struct{} // non-nil: Read blocks until closed
	closed    atomic.Bool
	reads     atomic.Int64
	rejectFPS bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{props: make(map[Property]float64)}
}

func (d *fakeDevice) Read() (types.Frame, error) {
	d.reads.Add(1)
	if d.blocking != nil {
		<-d.blocking
	}
	time.Sleep(time.Millisecond)
	if d.failing.Load() || d.closed.Load() {
		return types.Frame{}, errors.New("read failed")
	}
	return types.Frame{Width: 2, Height: 2, Pix: make([]byte, 12)}, nil
}

func (d *fakeDevice) Set(p Property, v float64) error {
	if p == PropFPS && d.rejectFPS {
		return ErrUnsupported
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.props[p] = v
	return nil
}

func (d *fakeDevice) Get(p Property) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.props[p]
}

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return nil
}

type fakeBackend struct {
	name  string
	err   error
	dev   *fakeDevice
	opens atomic.Int64
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Open(index int, want Settings) (Device, error) {
	b.opens.Add(1)
	if b.err != nil {
		return nil, b.err
	}
	b.dev.closed.Store(false)
	return b.dev, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.JoinTimeout = 500 * time.Millisecond
	cfg.ProbeTimeout = 200 * time.Millisecond
	cfg.RestartDelay = time.Millisecond
	return cfg
}

func newService(t *testing.T, backends ...Backend) *Service {
	t.Helper()
	s, err := New(testConfig(), quietLogger(), backends...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

type counter struct {
	*FuncSubscriber
	n atomic.Int64
}

func newCounter(name string) *counter {
	c := &counter{}
	c.FuncSubscriber = NewSubscriber(name, KindDisplay, func(types.Frame) { c.n.Add(1) })
	return c
}

func TestSingleInstance(t *testing.T) {
	b := &fakeBackend{name: "fake", dev: newFakeDevice()}
	s := newService(t, b)

	if _, err := New(testConfig(), quietLogger(), b); !errors.Is(err, ErrInstanceExists) {
		t.Fatalf("Expected ErrInstanceExists, got %v", err)
	}

	s.Close()
	again, err := New(testConfig(), quietLogger(), b)
	if err != nil {
		t.Fatalf("Expected a new service after Close, got %v", err)
	}
	again.Close()
}

func TestStartFallsBackAcrossBackends(t *testing.T) {
	first := &fakeBackend{name: "dshow", err: errors.New("not on this platform")}
	second := &fakeBackend{name: "v4l2", dev: newFakeDevice()}
	s := newService(t, first, second)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	st := s.Status()
	if st.State != StateRunning || !st.Running || st.Backend != "v4l2" {
		t.Errorf("Unexpected status: %+v", st)
	}
	if st.Width != 640 || st.Height != 480 {
		t.Errorf("Expected applied resolution 640x480, got %dx%d", st.Width, st.Height)
	}

	// Idempotent
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}
	if second.opens.Load() != 1 {
		t.Errorf("Second Start reopened the device")
	}
}

func TestStartDeviceUnavailable(t *testing.T) {
	s := newService(t,
		&fakeBackend{name: "a", err: errors.New("busy")},
		&fakeBackend{name: "b", err: errors.New("missing")},
	)
	err := s.Start(context.Background())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}
	if s.State() != StateFaulted {
		t.Errorf("Expected faulted state, got %s", s.State())
	}
	s.Stop()
	if s.State() != StateStopped {
		t.Errorf("Stop from faulted should end in stopped, got %s", s.State())
	}
}

func TestStartNoSignal(t *testing.T) {
	dev := newFakeDevice()
	dev.failing.Store(true)
	s := newService(t, &fakeBackend{name: "fake", dev: dev})

	if err := s.Start(context.Background()); !errors.Is(err, ErrNoSignal) {
		t.Fatalf("Expected ErrNoSignal, got %v", err)
	}
	if !dev.closed.Load() {
		t.Error("Device should be released after a failed probe")
	}
}

func TestStartProbeTimeout(t *testing.T) {
	dev := newFakeDevice()
	dev.blocking = make(chan struct{})
	s := newService(t, &fakeBackend{name: "fake", dev: dev})

	start := time.Now()
	err := s.Start(context.Background())
	if !errors.Is(err, ErrNoSignal) {
		t.Fatalf("Expected ErrNoSignal, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Probe did not honour its timeout")
	}
	close(dev.blocking)
	waitFor(t, "abandoned device to close", dev.closed.Load)
}

func TestIgnoredSettingIsNotFatal(t *testing.T) {
	dev := newFakeDevice()
	dev.rejectFPS = true
	s := newService(t, &fakeBackend{name: "fake", dev: dev})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("A rejected setting must not fail Start: %v", err)
	}
}

func TestSubscribersSurviveRestart(t *testing.T) {
	s := newService(t, &fakeBackend{name: "fake", dev: newFakeDevice()})
	sub := newCounter("display")
	s.Subscribe(sub)
	s.Subscribe(sub) // duplicate is a no-op

	if got := len(s.Status().Subscribers); got != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", got)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "first frames", func() bool { return sub.n.Load() > 0 })

	s.Stop()
	if s.State() != StateStopped {
		t.Fatalf("Expected stopped, got %s", s.State())
	}
	if _, ok := s.LatestFrame(); ok {
		t.Error("Stop should clear the buffered frame")
	}
	s.Stop() // idempotent

	before := sub.n.Load()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	waitFor(t, "frames after restart", func() bool { return sub.n.Load() > before })

	if _, ok := s.LatestFrame(); !ok {
		t.Error("Expected a latest frame while running")
	}
}

func TestSubscriberCopiesAndPanics(t *testing.T) {
	s := newService(t, &fakeBackend{name: "fake", dev: newFakeDevice()})

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		if len(order) < 3 {
			order = append(order, name)
		}
	}

	var corrupted atomic.Bool
	writer := NewSubscriber("writer", KindCapture, func(f types.Frame) {
		record("writer")
		for i := range f.Pix {
			f.Pix[i] = 0xFF
		}
	})
	bomb := NewSubscriber("bomb", KindDisplay, func(types.Frame) {
		record("bomb")
		panic("boom")
	})
	reader := NewSubscriber("reader", KindRecognition, func(f types.Frame) {
		record("reader")
		for _, b := range f.Pix {
			if b != 0 {
				corrupted.Store(true)
			}
		}
	})
	s.Subscribe(writer)
	s.Subscribe(bomb)
	s.Subscribe(reader)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "delivery", func() bool { return s.Status().FramesDelivered > 5 })
	s.Stop()

	if corrupted.Load() {
		t.Error("A subscriber observed another subscriber's writes")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "writer" || order[1] != "bomb" || order[2] != "reader" {
		t.Errorf("Expected registration order delivery, got %v", order)
	}
}

func TestUnsubscribe(t *testing.T) {
	s := newService(t, &fakeBackend{name: "fake", dev: newFakeDevice()})
	a, b := newCounter("a"), newCounter("b")
	s.Subscribe(a)
	s.Subscribe(b)
	s.Unsubscribe(a)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "frames to b", func() bool { return b.n.Load() > 2 })
	s.Stop()
	if a.n.Load() != 0 {
		t.Errorf("Unsubscribed consumer received %d frames", a.n.Load())
	}
}

func TestLoopFaultsAfterThreshold(t *testing.T) {
	dev := newFakeDevice()
	s := newService(t, &fakeBackend{name: "fake", dev: dev})

	faults := make(chan error, 1)
	s.OnFault = func(err error) { faults <- err }

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	dev.failing.Store(true)

	select {
	case err := <-faults:
		if !errors.Is(err, ErrStreamInterrupted) {
			t.Errorf("Expected ErrStreamInterrupted, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Loop never reported a fault")
	}
	if s.State() != StateFaulted || s.Running() {
		t.Errorf("Expected faulted and not running, got %s", s.State())
	}

	// A faulted service can be started again once the device recovers
	dev.failing.Store(false)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start after fault failed: %v", err)
	}
	if s.State() != StateRunning {
		t.Errorf("Expected running, got %s", s.State())
	}
}

func TestRestart(t *testing.T) {
	b := &fakeBackend{name: "fake", dev: newFakeDevice()}
	s := newService(t, b)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if b.opens.Load() != 2 || s.State() != StateRunning {
		t.Errorf("Expected a second open and running state, got %d opens, %s", b.opens.Load(), s.State())
	}
}

func TestFPSMeter(t *testing.T) {
	var m fpsMeter
	base := time.Unix(0, 0)
	for i := 0; i <= 30; i++ {
		m.tick(base.Add(time.Duration(i) * time.Second / 30))
	}
	if v := m.value(); v < 29 || v > 32 {
		t.Errorf("Expected about 30 fps, got %.2f", v)
	}
	m.reset()
	if m.value() != 0 {
		t.Error("reset should clear the observed rate")
	}
}

func TestConcurrentStartOpensOnce(t *testing.T) {
	b := &fakeBackend{name: "fake", dev: newFakeDevice()}
	s := newService(t, b)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Start(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Start failed: %v", err)
		}
	}
	if n := b.opens.Load(); n != 1 {
		t.Errorf("Expected exactly one device open, got %d", n)
	}
	if !s.Running() {
		t.Errorf("Expected running, got %s", s.State())
	}
}

func TestSubscribeFromCallback(t *testing.T) {
	b := &fakeBackend{name: "fake", dev: newFakeDevice()}
	s := newService(t, b)

	late := newCounter("late")
	var once sync.Once
	var self *FuncSubscriber
	self = NewSubscriber("bootstrap", KindDisplay, func(types.Frame) {
		once.Do(func() {
			s.Subscribe(late)
			s.Unsubscribe(self)
		})
	})
	s.Subscribe(self)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "frames on the subscriber added from a callback", func() bool { return late.n.Load() > 2 })

	subs := s.Status().Subscribers
	if len(subs) != 1 || subs[0].Name != "late" {
		t.Errorf("Expected only the late subscriber, got %+v", subs)
	}
}
