package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/andresmejia3/facegate/internal/snapshot"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var renameCmd = &cobra.Command{
	Use:   "rename <identity_id> <name>",
	Short: "Change the display name of an enrolled identity",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := parseIdentityID(args[0])
		if err != nil {
			utils.Die("Invalid identity ID", err, nil)
		}
		runRename(cmd.Context(), id, args[1])
	},
}

func init() {
	rootCmd.AddCommand(renameCmd)
}

func parseIdentityID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, fmt.Errorf("identity id must be positive, got %d", id)
	}
	return id, nil
}

func runRename(ctx context.Context, id int64, name string) {
	if err := DB.Rename(ctx, id, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.Die(fmt.Sprintf("Identity %d does not exist", id), err, nil)
		}
		utils.Die("Failed to rename identity", err, nil)
	}
	invalidateSnapshot()
	fmt.Printf("✅ Identity %d renamed to '%s'\n", id, name)
}

// invalidateSnapshot drops the cache file so the next watch session refetches names
// from the store instead of serving stale ones.
func invalidateSnapshot() {
	if err := snapshot.Remove(Cfg.Recognition.SnapshotPath); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove cache snapshot %s: %v\n", Cfg.Recognition.SnapshotPath, err)
	}
}
