package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/facegate/internal/recognition"
	"github.com/andresmejia3/facegate/internal/snapshot"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var cacheVerbose bool

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or rebuild the on-disk identity cache snapshot",
}

var cacheRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Refetch all active identities from the database and rewrite the snapshot",
	Run: func(cmd *cobra.Command, args []string) {
		provider := newProvider()
		defer provider.Close()
		engine, err := recognition.New(Cfg.Recognition, provider, DB, slog.Default())
		if err != nil {
			utils.Die("Invalid recognition settings", err, nil)
		}

		fmt.Fprintln(os.Stderr, "🔄 Rebuilding cache from database...")
		if err := rebuildCache(cmd.Context(), engine); err != nil {
			utils.Die("Failed to rebuild cache", err, nil)
		}
		fmt.Printf("✅ Cache rebuilt with %d identities (%s)\n", engine.Size(), Cfg.Recognition.SnapshotPath)
	},
}

var cacheInfoCmd = &cobra.Command{
	Use:         "info",
	Short:       "Show the snapshot's age and contents",
	Annotations: map[string]string{skipDB: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		path := Cfg.Recognition.SnapshotPath
		snap, err := snapshot.Load(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Printf("No snapshot at %s\n", path)
				return
			}
			utils.Die("Failed to read snapshot", err, nil)
		}

		age := time.Since(snap.SavedAt).Round(time.Second)
		state := "fresh"
		if !snapshot.Fresh(snap, Cfg.Recognition.SnapshotMaxAge, time.Now()) {
			state = "stale"
		}
		fmt.Printf("📦 %s\n", path)
		fmt.Printf("   Saved:      %s (%s ago, %s)\n", snap.SavedAt.Local().Format("2006-01-02 15:04:05"), age, state)
		fmt.Printf("   Identities: %d\n", len(snap.Identities))

		if !cacheVerbose || len(snap.Identities) == 0 {
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tCODE\tNAME\tDIM")
		fmt.Fprintln(w, "--\t----\t----\t---")
		for _, c := range snap.Identities {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", c.ID, c.ExternalCode, c.DisplayName, len(c.Embedding))
		}
		w.Flush()
	},
}

var cacheClearCmd = &cobra.Command{
	Use:         "clear",
	Short:       "Delete the snapshot so the next start loads from the database",
	Annotations: map[string]string{skipDB: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		if err := snapshot.Remove(Cfg.Recognition.SnapshotPath); err != nil {
			utils.Die("Failed to remove snapshot", err, nil)
		}
		fmt.Println("🗑️  Snapshot removed")
	},
}

func init() {
	cacheInfoCmd.Flags().BoolVarP(&cacheVerbose, "verbose", "v", false, "List every cached identity")
	cacheCmd.AddCommand(cacheRebuildCmd, cacheInfoCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

// rebuildCache goes straight to the store; any existing snapshot is overwritten,
// never read.
func rebuildCache(ctx context.Context, engine *recognition.Engine) error {
	return engine.Reload(ctx)
}
