package camera

import (
	"errors"

	"github.com/andresmejia3/facegate/internal/types"
)

var (
	// ErrDeviceUnavailable means no backend could open the configured device index.
	ErrDeviceUnavailable = errors.New("camera: device unavailable")
	// ErrNoSignal means the device opened but the probe read produced no frame.
	ErrNoSignal = errors.New("camera: no signal")
	// ErrStreamInterrupted is reported once consecutive read failures exceed the threshold.
	ErrStreamInterrupted = errors.New("camera: stream interrupted")
	// ErrInstanceExists is returned by New while another Service is still open.
	ErrInstanceExists = errors.New("camera: a capture service is already open in this process")
	// ErrUnsupported is returned by devices that cannot change a property.
	ErrUnsupported = errors.New("camera: property not supported")
)

// Property identifies a tunable device setting.
type Property int

const (
	PropWidth Property = iota
	PropHeight
	PropFPS
	PropBufferSize
)

func (p Property) String() string {
	switch p {
	case PropWidth:
		return "width"
	case PropHeight:
		return "height"
	case PropFPS:
		return "fps"
	case PropBufferSize:
		return "buffer_size"
	default:
		return "unknown"
	}
}

// Settings is the capture format requested from a device.
type Settings struct {
	Width      int
	Height     int
	FPS        float64
	BufferSize int
}

// Device is an open camera handle. Read blocks until a frame is available or the
// device fails. Implementations do not need to be safe for concurrent use; the
// Service only reads from its acquisition goroutine.
type Device interface {
	Read() (types.Frame, error)
	Set(p Property, v float64) error
	Get(p Property) float64
	Close() error
}

// Backend opens devices through one platform API.
type Backend interface {
	Name() string
	Open(index int, want Settings) (Device, error)
}
