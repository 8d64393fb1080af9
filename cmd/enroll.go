package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/andresmejia3/facegate/internal/recognition"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/disintegration/imaging"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var errNoFace = errors.New("no face found in photo")

var enrollOpts struct {
	Code  string
	Name  string
	Photo string
	Dir   string
	Actor int64
}

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Register a person from a photo (or a directory of photos)",
	Long: `Detects the largest face in the photo, stores its embedding and adds it to the live cache.

With --dir every image in the directory is enrolled. File names are read as
CODE.jpg or CODE_Display_Name.jpg (underscores become spaces).`,
	Run: func(cmd *cobra.Command, args []string) {
		if enrollOpts.Dir == "" && (enrollOpts.Code == "" || enrollOpts.Photo == "") {
			utils.Die("Missing arguments", errors.New("either --dir or both --code and --photo are required"), nil)
		}
		runEnroll(cmd.Context())
	},
}

func init() {
	enrollCmd.Flags().StringVar(&enrollOpts.Code, "code", "", "External code (student id, badge number...)")
	enrollCmd.Flags().StringVar(&enrollOpts.Name, "name", "", "Display name (defaults to the code)")
	enrollCmd.Flags().StringVarP(&enrollOpts.Photo, "photo", "p", "", "Path to a photo containing the person's face")
	enrollCmd.Flags().StringVarP(&enrollOpts.Dir, "dir", "d", "", "Enroll every image in this directory")
	enrollCmd.Flags().Int64Var(&enrollOpts.Actor, "actor", 0, "ID of the operator performing the enrollment")
	enrollCmd.MarkFlagsMutuallyExclusive("dir", "photo")
	rootCmd.AddCommand(enrollCmd)
}

func runEnroll(ctx context.Context) {
	provider := newProvider()
	defer provider.Close()
	engine := newEngine(ctx, provider)

	if enrollOpts.Dir == "" {
		name := enrollOpts.Name
		if name == "" {
			name = enrollOpts.Code
		}
		id, err := enrollPhoto(ctx, provider, engine, enrollOpts.Code, name, enrollOpts.Photo)
		if err != nil {
			if errors.Is(err, recognition.ErrDetectionFailure) {
				utils.Die("Face detection failed", err, provider.Cmd())
			}
			utils.Die(fmt.Sprintf("Failed to enroll %s", enrollOpts.Code), err, nil)
		}
		fmt.Printf("✅ Enrolled %s (%s) as identity %d\n", name, enrollOpts.Code, id)
		return
	}

	files, err := imageFiles(enrollOpts.Dir)
	if err != nil {
		utils.Die("Failed to read enrollment directory", err, nil)
	}
	if len(files) == 0 {
		fmt.Println("No images found.")
		return
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("🧬 Enrolling"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	var failures []string
	enrolled := 0
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		code, name := parseEnrollName(filepath.Base(path))
		if _, err := enrollPhoto(ctx, provider, engine, code, name, path); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", filepath.Base(path), err))
		} else {
			enrolled++
		}
		bar.Add(1)
	}
	bar.Finish()

	fmt.Fprintf(os.Stderr, "\n🏁 Enrolled %d of %d photos.\n", enrolled, len(files))
	for _, f := range failures {
		fmt.Fprintf(os.Stderr, "⚠️  %s\n", f)
	}
}

// enrollPhoto detects the largest face in path, inserts the identity and registers
// it with the engine so the snapshot stays current without a refetch.
func enrollPhoto(ctx context.Context, provider recognition.EmbeddingProvider, engine *recognition.Engine, code, name, path string) (int64, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return 0, fmt.Errorf("open photo: %w", err)
	}
	regions, err := provider.Detect(ctx, imaging.Clone(img))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", recognition.ErrDetectionFailure, err)
	}
	face, ok := largestFace(regions)
	if !ok {
		return 0, errNoFace
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	identity := types.Identity{
		ExternalCode: code,
		DisplayName:  name,
		Embedding:    face.Embedding,
		PhotoPath:    abs,
		Active:       true,
	}
	id, err := DB.Insert(ctx, identity, enrollOpts.Actor)
	if err != nil {
		if errors.Is(err, store.ErrIdentityConflict) {
			return 0, fmt.Errorf("code %q is already enrolled", code)
		}
		return 0, err
	}
	identity.ID = id
	if err := engine.Register(identity); err != nil {
		return id, fmt.Errorf("stored as %d but not cached: %w", id, err)
	}
	return id, nil
}

// largestFace picks the region with the biggest box; the person being enrolled is
// assumed to be closest to the camera.
func largestFace(regions []types.FaceRegion) (types.FaceRegion, bool) {
	best := -1
	for i, r := range regions {
		if best == -1 || r.Box.Area() > regions[best].Box.Area() {
			best = i
		}
	}
	if best == -1 {
		return types.FaceRegion{}, false
	}
	return regions[best], true
}

// parseEnrollName splits "CODE_Display_Name.jpg" into its code and display name.
func parseEnrollName(base string) (code, name string) {
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	code, rest, found := strings.Cut(stem, "_")
	if !found || rest == "" {
		return code, code
	}
	return code, strings.ReplaceAll(rest, "_", " ")
}

func imageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png", ".bmp":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}
