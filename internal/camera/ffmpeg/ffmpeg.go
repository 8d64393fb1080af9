// Package ffmpeg captures a local camera by piping MJPEG out of an ffmpeg process.
// It is the fallback when OpenCV is not available for the device.
package ffmpeg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

// maxFrameBytes bounds a single MJPEG frame in the scanner buffer.
const maxFrameBytes = 16 << 20

// Backend starts one ffmpeg process per opened device.
type Backend struct {
	// Command builds the process; defaults to utils.NewFFmpegCaptureCmd.
	Command func(index int, want camera.Settings) *exec.Cmd
}

func New() *Backend {
	return &Backend{Command: func(index int, want camera.Settings) *exec.Cmd {
		format, device := utils.CaptureInput(index)
		return utils.NewFFmpegCaptureCmd(format, device, want.Width, want.Height, want.FPS)
	}}
}

func (b *Backend) Name() string { return "ffmpeg" }

func (b *Backend) Open(index int, want camera.Settings) (camera.Device, error) {
	cmd := b.Command(index, want)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	d := newDevice(stdout, want)
	d.cmd = cmd
	d.stderr = stderr
	return d, nil
}

// Device decodes JPEG frames from a byte stream.
type Device struct {
	src     io.ReadCloser
	scanner *bufio.Scanner
	cmd     *exec.Cmd
	stderr  *bytes.Buffer

	waitOnce sync.Once

	mu     sync.Mutex
	want   camera.Settings
	width  int
	height int
	closed bool
}

func newDevice(src io.ReadCloser, want camera.Settings) *Device {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 1<<20), maxFrameBytes)
	scanner.Split(utils.SplitJpeg)
	return &Device{src: src, scanner: scanner, want: want}
}

func (d *Device) Read() (types.Frame, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return types.Frame{}, err
		}
		msg := "ffmpeg stream ended"
		// stderr is only safe to read once the process has been reaped
		d.wait()
		if d.stderr != nil && d.stderr.Len() > 0 {
			msg += ": " + string(bytes.TrimSpace(d.stderr.Bytes()))
		}
		return types.Frame{}, errors.New(msg)
	}
	img, err := jpeg.Decode(bytes.NewReader(d.scanner.Bytes()))
	if err != nil {
		return types.Frame{}, fmt.Errorf("decode mjpeg frame: %w", err)
	}
	f := types.FrameFromImage(img)
	f.CapturedAt = time.Now()

	d.mu.Lock()
	d.width, d.height = f.Width, f.Height
	d.mu.Unlock()
	return f, nil
}

// Set is unsupported; the format is fixed on the ffmpeg command line at Open.
func (d *Device) Set(p camera.Property, v float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch p {
	case camera.PropWidth:
		if int(v) == d.want.Width {
			return nil
		}
	case camera.PropHeight:
		if int(v) == d.want.Height {
			return nil
		}
	case camera.PropFPS:
		if v == d.want.FPS {
			return nil
		}
	}
	return camera.ErrUnsupported
}

func (d *Device) Get(p camera.Property) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch p {
	case camera.PropWidth:
		if d.width > 0 {
			return float64(d.width)
		}
		return float64(d.want.Width)
	case camera.PropHeight:
		if d.height > 0 {
			return float64(d.height)
		}
		return float64(d.want.Height)
	case camera.PropFPS:
		return d.want.FPS
	default:
		return 0
	}
}

func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	if d.cmd != nil && d.cmd.Process != nil {
		d.cmd.Process.Kill()
	}
	err := d.src.Close()
	d.wait()
	// Reaping the process already closes its stdout pipe
	if errors.Is(err, os.ErrClosed) {
		err = nil
	}
	return err
}

// wait reaps the ffmpeg process once, after which its stderr buffer is stable.
func (d *Device) wait() {
	d.waitOnce.Do(func() {
		if d.cmd != nil && d.cmd.Process != nil {
			d.cmd.Wait()
		}
	})
}
