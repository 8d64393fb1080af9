package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/camera/ffmpeg"
	"github.com/andresmejia3/facegate/internal/camera/opencv"
	"github.com/andresmejia3/facegate/internal/pipeline"
	"github.com/andresmejia3/facegate/internal/recognition"
	"github.com/andresmejia3/facegate/internal/status"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/andresmejia3/facegate/internal/worker"
	"github.com/spf13/cobra"
)

var watchOpts struct {
	CameraIndex int
	FrameSkip   int
	Tolerance   float64
	StatusAddr  string
	NoRecord    bool
	MaxRestarts int
	Paused      bool
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Open the camera and recognize enrolled faces in real time",
	Run: func(cmd *cobra.Command, args []string) {
		applyWatchFlags(cmd)
		runWatch(cmd.Context())
	},
}

func init() {
	watchCmd.Flags().IntVarP(&watchOpts.CameraIndex, "camera", "c", 0, "Camera device index")
	watchCmd.Flags().IntVarP(&watchOpts.FrameSkip, "frame-skip", "n", 3, "Run recognition on every Nth frame")
	watchCmd.Flags().Float64VarP(&watchOpts.Tolerance, "tolerance", "t", 0.6, "Maximum embedding distance for a match (lower is stricter)")
	watchCmd.Flags().StringVarP(&watchOpts.StatusAddr, "status", "s", "", "Serve the status API on this address (e.g. 127.0.0.1:8089)")
	watchCmd.Flags().BoolVar(&watchOpts.NoRecord, "no-record", false, "Do not write recognition events to the database")
	watchCmd.Flags().IntVar(&watchOpts.MaxRestarts, "max-restarts", 3, "How many times to restart a faulted camera before giving up")
	watchCmd.Flags().BoolVar(&watchOpts.Paused, "paused", false, "Start with recognition disabled (resume via the status API)")
	rootCmd.AddCommand(watchCmd)
}

// applyWatchFlags lets explicitly set flags win over the config file and environment.
func applyWatchFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("camera") {
		Cfg.Camera.Index = watchOpts.CameraIndex
	}
	if f.Changed("frame-skip") {
		Cfg.Recognition.FrameSkip = watchOpts.FrameSkip
	}
	if f.Changed("tolerance") {
		Cfg.Recognition.Tolerance = watchOpts.Tolerance
	}
	if f.Changed("status") {
		Cfg.Status.Enabled = watchOpts.StatusAddr != ""
		Cfg.Status.Addr = watchOpts.StatusAddr
	}
	if err := Cfg.Validate(); err != nil {
		utils.Die("Invalid flags", err, nil)
	}
}

// newProvider spawns nothing yet; the worker process starts on the first Detect.
func newProvider() *worker.Provider {
	return worker.NewProvider(slog.Default(), Cfg.Recognition.EmbeddingDim, Cfg.Worker.Timeout, Cfg.Worker.Command, Cfg.Worker.Args...)
}

// newEngine builds the recognition engine and loads its cache.
func newEngine(ctx context.Context, provider recognition.EmbeddingProvider) *recognition.Engine {
	engine, err := recognition.New(Cfg.Recognition, provider, DB, slog.Default())
	if err != nil {
		utils.Die("Invalid recognition settings", err, nil)
	}
	if err := engine.Load(ctx); err != nil {
		utils.Die("Failed to load the identity cache", err, nil)
	}
	st := engine.Stats()
	fmt.Fprintf(os.Stderr, "🧠 Loaded %d identities (source: %s)\n", st.CacheSize, st.Source)
	if st.Source == recognition.SourceStaleSnapshot {
		fmt.Fprintln(os.Stderr, "⚠️  Database unreachable, running from a stale snapshot")
	}
	return engine
}

func captureBackends() []camera.Backend {
	return append(opencv.Backends(), ffmpeg.New())
}

// runWatch wires camera -> pipeline -> engine -> store and blocks until Ctrl+C or
// an unrecoverable camera fault.
func runWatch(ctx context.Context) {
	provider := newProvider()
	defer provider.Close()

	engine := newEngine(ctx, provider)
	if watchOpts.Paused {
		engine.Disable()
	}

	svc, err := camera.New(Cfg.Camera, slog.Default(), captureBackends()...)
	if err != nil {
		utils.Die("Failed to create camera service", err, nil)
	}
	defer svc.Close()

	faults := make(chan error, 1)
	svc.OnFault = func(err error) {
		select {
		case faults <- err:
		default:
		}
	}

	var recorder pipeline.MatchRecorder = DB
	if watchOpts.NoRecord {
		recorder = nil
	}
	pipe := pipeline.New(engine, recorder, pipeline.Options{
		QueueSize:     Cfg.Recorder.QueueSize,
		RecordTimeout: Cfg.Recorder.RecordTimeout,
		OnMatch:       reportMatch,
	}, slog.Default())
	svc.Subscribe(pipe)

	fmt.Fprintf(os.Stderr, "📷 Opening camera %d at %dx%d@%.0f...\n", Cfg.Camera.Index, Cfg.Camera.Width, Cfg.Camera.Height, Cfg.Camera.FPS)
	if err := svc.Start(ctx); err != nil {
		utils.Die("Failed to start camera", err, nil)
	}
	st := svc.Status()
	fmt.Fprintf(os.Stderr, "🎥 Streaming from %s (%dx%d@%.0f). Press Ctrl+C to stop.\n", st.Backend, st.Width, st.Height, st.FPS)

	var srv *status.Server
	if Cfg.Status.Enabled {
		srv = status.NewServer(Cfg.Status.Addr, svc, engine, pipe, DB, slog.Default())
		go func() {
			if err := srv.Start(); err != nil {
				utils.ShowError("Status server stopped", err, nil)
			}
		}()
		fmt.Fprintf(os.Stderr, "🌐 Status API on http://%s\n", Cfg.Status.Addr)
	}

	restarts := 0
loop:
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\n🛑 Shutting down...")
			break loop
		case err := <-faults:
			utils.ShowError("Camera stream interrupted", err, nil)
			if restarts >= watchOpts.MaxRestarts {
				fmt.Fprintf(os.Stderr, "❌ Giving up after %d restarts\n", restarts)
				break loop
			}
			restarts++
			fmt.Fprintf(os.Stderr, "🔁 Restarting camera (%d/%d)...\n", restarts, watchOpts.MaxRestarts)
			if err := svc.Restart(ctx); err != nil && !errors.Is(err, context.Canceled) {
				utils.ShowError("Camera restart failed", err, nil)
				break loop
			}
		}
	}

	svc.Unsubscribe(pipe)
	svc.Stop()
	pipe.Close()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			utils.ShowError("Status server shutdown", err, nil)
		}
	}

	es, ps := engine.Stats(), pipe.Stats()
	fmt.Fprintf(os.Stderr, "🏁 Processed %d frames, %d faces detected, %d matched (avg %s per frame)\n",
		es.FramesProcessed, es.FacesDetected, es.FacesMatched, es.AvgLatency.Round(time.Millisecond))
	if !watchOpts.NoRecord {
		fmt.Fprintf(os.Stderr, "🗂️  Recorded %d events (%d failed, %d dropped)\n", ps.Recorded, ps.Failed, ps.Dropped)
	}
}

// reportMatch prints one line per accepted match.
func reportMatch(m types.Match, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Match for %s not recorded: %v\n", m.DisplayName, err)
	}
	fmt.Printf("✅ %s  %-24s %-12s confidence %.2f\n",
		m.ObservedAt.Local().Format("15:04:05"), m.DisplayName, m.ExternalCode, m.Confidence)
}
