// Package opencv opens local cameras through OpenCV's VideoCapture.
package opencv

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/types"
	"gocv.io/x/gocv"
)

// Backend opens devices with one OpenCV capture API.
type Backend struct {
	name string
	api  gocv.VideoCaptureAPI
}

// DirectShow, V4L2 and Any are tried in that order by Backends.
func DirectShow() *Backend { return &Backend{name: "DirectShow", api: gocv.VideoCaptureDshow} }
func V4L2() *Backend       { return &Backend{name: "Video4Linux2", api: gocv.VideoCaptureV4L2} }
func Any() *Backend        { return &Backend{name: "Any available", api: gocv.VideoCaptureAny} }

// Backends is the default ordered list for local devices.
func Backends() []camera.Backend {
	return []camera.Backend{DirectShow(), V4L2(), Any()}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Open(index int, want camera.Settings) (camera.Device, error) {
	vc, err := gocv.VideoCaptureDeviceWithAPI(index, b.api)
	if err != nil {
		return nil, err
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, errors.New("capture did not open")
	}
	return &Device{vc: vc, mat: gocv.NewMat()}, nil
}

// Device wraps an open VideoCapture and reuses one Mat across reads.
type Device struct {
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

var props = map[camera.Property]gocv.VideoCaptureProperties{
	camera.PropWidth:      gocv.VideoCaptureFrameWidth,
	camera.PropHeight:     gocv.VideoCaptureFrameHeight,
	camera.PropFPS:        gocv.VideoCaptureFPS,
	camera.PropBufferSize: gocv.VideoCaptureBufferSize,
}

func (d *Device) Read() (types.Frame, error) {
	if ok := d.vc.Read(&d.mat); !ok || d.mat.Empty() {
		return types.Frame{}, errors.New("no frame from device")
	}
	if d.mat.Type() != gocv.MatTypeCV8UC3 {
		return types.Frame{}, fmt.Errorf("unexpected mat type %v", d.mat.Type())
	}
	return types.Frame{
		Width:      d.mat.Cols(),
		Height:     d.mat.Rows(),
		Pix:        d.mat.ToBytes(),
		CapturedAt: time.Now(),
	}, nil
}

// Set asks the driver for a value and reports when it does not stick.
func (d *Device) Set(p camera.Property, v float64) error {
	prop, ok := props[p]
	if !ok {
		return camera.ErrUnsupported
	}
	d.vc.Set(prop, v)
	if got := d.vc.Get(prop); math.Abs(got-v) > 0.5 {
		return fmt.Errorf("driver kept %s at %.2f", p, got)
	}
	return nil
}

func (d *Device) Get(p camera.Property) float64 {
	prop, ok := props[p]
	if !ok {
		return 0
	}
	return d.vc.Get(prop)
}

func (d *Device) Close() error {
	d.mat.Close()
	return d.vc.Close()
}
