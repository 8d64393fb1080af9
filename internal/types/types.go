package types

import (
	"image"
	"time"
)

// EmbeddingDim is the length of a face embedding produced by the worker.
const EmbeddingDim = 128

// Frame is a single captured image in packed BGR24 layout (3 bytes per pixel, row-major).
type Frame struct {
	Seq        uint64
	Width      int
	Height     int
	Pix        []byte
	CapturedAt time.Time
}

// Clone returns a deep copy so a subscriber can never observe another subscriber's writes.
func (f Frame) Clone() Frame {
	c := f
	c.Pix = make([]byte, len(f.Pix))
	copy(c.Pix, f.Pix)
	return c
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool {
	return f.Width <= 0 || f.Height <= 0 || len(f.Pix) < f.Width*f.Height*3
}

// ToNRGBA converts the BGR buffer into an image the resize and encode helpers understand.
func (f Frame) ToNRGBA() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	if f.Empty() {
		return img
	}
	n := f.Width * f.Height
	for i := 0; i < n; i++ {
		s := i * 3
		d := i * 4
		img.Pix[d] = f.Pix[s+2]
		img.Pix[d+1] = f.Pix[s+1]
		img.Pix[d+2] = f.Pix[s]
		img.Pix[d+3] = 0xFF
	}
	return img
}

// FrameFromImage packs any image into a BGR24 frame.
func FrameFromImage(img image.Image) Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, w*h*3)
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			pix[i] = uint8(bl >> 8)
			pix[i+1] = uint8(g >> 8)
			pix[i+2] = uint8(r >> 8)
			i += 3
		}
	}
	return Frame{Width: w, Height: h, Pix: pix}
}

// BoundingBox is a face location as [top, right, bottom, left] pixel coordinates.
type BoundingBox struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Unscale maps a box found on a frame resized by ratio back to original-frame coordinates.
func (b BoundingBox) Unscale(ratio float64) BoundingBox {
	if ratio <= 0 {
		return b
	}
	return BoundingBox{
		Top:    int(float64(b.Top) / ratio),
		Right:  int(float64(b.Right) / ratio),
		Bottom: int(float64(b.Bottom) / ratio),
		Left:   int(float64(b.Left) / ratio),
	}
}

// Area returns the box surface in pixels.
func (b BoundingBox) Area() int {
	return (b.Bottom - b.Top) * (b.Right - b.Left)
}

// FaceRegion is what the embedding worker returns for one detected face.
type FaceRegion struct {
	Box       BoundingBox
	Embedding []float64
}

// Detection is a face found on a processed frame, in original-frame coordinates.
type Detection struct {
	Box        BoundingBox
	Embedding  []float64
	CapturedAt time.Time
}

// Identity is a roster entry as held by the identity store.
type Identity struct {
	ID           int64
	ExternalCode string
	DisplayName  string
	Embedding    []float64 // nil when no face has been enrolled
	PhotoPath    string
	Active       bool
	CreatedAt    time.Time
}

// CachedIdentity is the hot-path projection used for matching.
type CachedIdentity struct {
	ID           int64     `cbor:"1,keyasint"`
	ExternalCode string    `cbor:"2,keyasint"`
	DisplayName  string    `cbor:"3,keyasint"`
	Embedding    []float64 `cbor:"4,keyasint"`
}

// Match is an accepted identification of a detected face.
type Match struct {
	IdentityID   int64       `json:"identity_id"`
	ExternalCode string      `json:"external_code"`
	DisplayName  string      `json:"display_name"`
	Confidence   float64     `json:"confidence"`
	Box          BoundingBox `json:"bounding_box"`
	ObservedAt   time.Time   `json:"observed_at"`
}
