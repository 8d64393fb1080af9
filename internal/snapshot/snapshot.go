// Package snapshot persists the identity cache to a local file so a restart does not
// have to query the identity store.
//
// On disk the file is a CBOR envelope holding the schema version, the save time, a
// BLAKE3 checksum and a zstd-compressed CBOR payload with the cached identities.
package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/facegate/internal/types"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Version is the current on-disk schema version. Bump it when Snapshot changes shape.
const Version = 1

var (
	// ErrCorrupt means the file exists but cannot be decoded or fails its checksum.
	ErrCorrupt = errors.New("snapshot corrupt")
	// ErrVersion means the file was written by an incompatible schema version.
	ErrVersion = errors.New("snapshot version mismatch")
)

// Snapshot is the decoded content of a cache file.
type Snapshot struct {
	Identities []types.CachedIdentity
	SavedAt    time.Time
}

type envelope struct {
	Version  int       `cbor:"1,keyasint"`
	SavedAt  time.Time `cbor:"2,keyasint"`
	Checksum []byte    `cbor:"3,keyasint"`
	Payload  []byte    `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
	zenc    *zstd.Encoder
	zdec    *zstd.Decoder
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("snapshot: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("snapshot: CBOR decoder initialization failed: " + err.Error())
	}
	zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zdec, err = zstd.NewReader(nil)
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes a snapshot into its on-disk form.
func Encode(s Snapshot) ([]byte, error) {
	raw, err := encMode.Marshal(s.Identities)
	if err != nil {
		return nil, fmt.Errorf("encode identities: %w", err)
	}
	payload := zenc.EncodeAll(raw, nil)
	sum := blake3.Sum256(payload)

	return encMode.Marshal(envelope{
		Version:  Version,
		SavedAt:  s.SavedAt.UTC(),
		Checksum: sum[:],
		Payload:  payload,
	})
}

// Decode parses the on-disk form. Any structural problem is reported as ErrCorrupt.
func Decode(data []byte) (Snapshot, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Version != Version {
		return Snapshot{}, fmt.Errorf("%w: got %d, want %d", ErrVersion, env.Version, Version)
	}

	sum := blake3.Sum256(env.Payload)
	if len(env.Checksum) != len(sum) || string(env.Checksum) != string(sum[:]) {
		return Snapshot{}, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}

	raw, err := zdec.DecodeAll(env.Payload, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var ids []types.CachedIdentity
	if err := decMode.Unmarshal(raw, &ids); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return Snapshot{Identities: ids, SavedAt: env.SavedAt}, nil
}

// Save writes the snapshot atomically, creating the parent directory if needed.
func Save(path string, s Snapshot) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load reads and decodes the snapshot at path. A missing file returns an error
// satisfying errors.Is(err, os.ErrNotExist).
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	return Decode(data)
}

// Fresh reports whether a snapshot saved at savedAt is younger than maxAge at now.
func Fresh(s Snapshot, maxAge time.Duration, now time.Time) bool {
	age := now.Sub(s.SavedAt)
	return age >= 0 && age < maxAge
}

// Remove deletes the snapshot file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
