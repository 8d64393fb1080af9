package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"
)

var captureOpts struct {
	CameraIndex int
	Output      string
	Count       int
	Warmup      int
	Timeout     time.Duration
}

var captureCmd = &cobra.Command{
	Use:         "capture",
	Short:       "Grab still photos from the camera (e.g. for enrollment)",
	Annotations: map[string]string{skipDB: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		if cmd.Flags().Changed("camera") {
			Cfg.Camera.Index = captureOpts.CameraIndex
		}
		if captureOpts.Count < 1 {
			utils.Die("Invalid --count", fmt.Errorf("need at least one photo, got %d", captureOpts.Count), nil)
		}
		runCapture(cmd.Context())
	},
}

func init() {
	captureCmd.Flags().IntVarP(&captureOpts.CameraIndex, "camera", "c", 0, "Camera device index")
	captureCmd.Flags().StringVarP(&captureOpts.Output, "output", "o", "capture.jpg", "Output file; with --count > 1 a sequence number is added")
	captureCmd.Flags().IntVarP(&captureOpts.Count, "count", "n", 1, "Number of photos to take")
	captureCmd.Flags().IntVar(&captureOpts.Warmup, "warmup", 10, "Frames to discard while exposure settles")
	captureCmd.Flags().DurationVar(&captureOpts.Timeout, "timeout", 10*time.Second, "Give up if no frame arrives within this time")
	rootCmd.AddCommand(captureCmd)
}

func runCapture(ctx context.Context) {
	svc, err := camera.New(Cfg.Camera, slog.Default(), captureBackends()...)
	if err != nil {
		utils.Die("Failed to create camera service", err, nil)
	}
	defer svc.Close()

	frames := make(chan types.Frame, 1)
	seen := 0
	// Only ever invoked from the acquisition goroutine
	sub := camera.NewSubscriber("capture", camera.KindCapture, func(f types.Frame) {
		seen++
		if seen <= captureOpts.Warmup {
			return
		}
		select {
		case frames <- f:
		default:
		}
	})
	svc.Subscribe(sub)
	defer svc.Unsubscribe(sub)

	if err := svc.Start(ctx); err != nil {
		utils.Die("Failed to start camera", err, nil)
	}

	for i := 0; i < captureOpts.Count; i++ {
		var f types.Frame
		select {
		case f = <-frames:
		case <-ctx.Done():
			return
		case <-time.After(captureOpts.Timeout):
			utils.Die("No frame received", errors.New("camera delivered no frames before the timeout"), nil)
		}

		path := capturePath(captureOpts.Output, i, captureOpts.Count)
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				utils.Die("Failed to create output directory", err, nil)
			}
		}
		if err := imaging.Save(f.ToNRGBA(), path, imaging.JPEGQuality(95)); err != nil {
			utils.Die("Failed to save photo", err, nil)
		}
		fmt.Printf("📸 Saved %s (%dx%d)\n", path, f.Width, f.Height)
	}
}

// capturePath returns base unchanged for a single photo, and base-001.ext style
// names for a sequence.
func capturePath(base string, i, count int) string {
	if count == 1 {
		return base
	}
	ext := filepath.Ext(base)
	return fmt.Sprintf("%s-%03d%s", strings.TrimSuffix(base, ext), i+1, ext)
}
