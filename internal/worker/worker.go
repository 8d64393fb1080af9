package worker

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
)

const (
	statusOK    = 0
	statusError = 1

	// maxResponse guards against a desynchronized pipe announcing a huge body.
	maxResponse = 64 << 20
)

// PythonWorker is one embedding worker process. Frames go in on stdin, results come
// back on a dedicated pipe (FD 3) so the worker's stdout noise cannot corrupt them.
type PythonWorker struct {
	ID       int
	Dim      int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

// NewPythonWorker starts the worker command. The command must speak the length-prefixed
// protocol described on ProcessFrame.
func NewPythonWorker(id int, dim int, command string, args ...string) (*PythonWorker, error) {
	py := utils.NewSafeCommand(command, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:       id,
		Dim:      dim,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one length-prefixed request and reads one length-prefixed response.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch a worker that died on import
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("worker response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// SetDeadline bounds the next read from the data pipe when the pipe supports it.
func (w *PythonWorker) SetDeadline(t time.Time) {
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = d.SetReadDeadline(t)
	}
}

// ProcessFrame sends an RGB image and decodes the detected faces.
//
// Request body:  [Width u32][Height u32][RGB bytes]
// Response body: [Status:0][NumFaces u32] NumFaces x ([Box 4 x i32][Vec Dim x f32])
//
//	or [Status:1][MsgLen u32][Msg]
func (w *PythonWorker) ProcessFrame(img *image.NRGBA) ([]types.FaceRegion, error) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()

	req := make([]byte, 8, 8+width*height*3)
	binary.BigEndian.PutUint32(req[0:4], uint32(width))
	binary.BigEndian.PutUint32(req[4:8], uint32(height))
	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			req = append(req, row[x*4], row[x*4+1], row[x*4+2])
		}
	}

	resp, err := w.Communicate(req)
	if err != nil {
		return nil, err
	}
	return decodeFaces(resp, w.Dim)
}

func decodeFaces(resp []byte, dim int) ([]types.FaceRegion, error) {
	if len(resp) == 0 {
		return nil, errors.New("empty worker response")
	}
	r := bytes.NewReader(resp[1:])

	switch resp[0] {
	case statusOK:
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		if int64(msgLen) > int64(r.Len()) {
			return nil, fmt.Errorf("malformed worker error: message length %d exceeds %d remaining bytes", msgLen, r.Len())
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown worker status byte %d", resp[0])
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed face count: %w", err)
	}
	// Each face is a 16 byte box plus dim float32s; the count is untrusted.
	if need := uint64(n) * uint64(16+4*dim); need > uint64(r.Len()) {
		return nil, fmt.Errorf("malformed reply: %d faces need %d bytes, got %d", n, need, r.Len())
	}

	faces := make([]types.FaceRegion, 0, n)
	vec := make([]float32, dim)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("malformed box for face %d: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return nil, fmt.Errorf("malformed embedding for face %d: %w", i, err)
		}
		emb := make([]float64, dim)
		for j, v := range vec {
			if math.IsNaN(float64(v)) {
				return nil, fmt.Errorf("face %d embedding contains NaN", i)
			}
			emb[j] = float64(v)
		}
		faces = append(faces, types.FaceRegion{
			Box:       types.BoundingBox{Top: int(box[0]), Right: int(box[1]), Bottom: int(box[2]), Left: int(box[3])},
			Embedding: emb,
		})
	}
	return faces, nil
}

// Close shuts the pipes and reaps the process.
func (w *PythonWorker) Close() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
