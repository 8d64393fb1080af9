package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/facegate/internal/recognition"
	"github.com/andresmejia3/facegate/internal/store"
	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var removeCmd = &cobra.Command{
	Use:     "remove <identity_id>",
	Aliases: []string{"rm"},
	Short:   "Deactivate an identity so it is no longer recognized",
	Long:    "Soft-deletes the identity and drops it from the cache snapshot. Its recognition history is kept. A running watch session can remove identities live with DELETE /identities/{id} on the status API.",
	Args:    cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id, err := parseIdentityID(args[0])
		if err != nil {
			utils.Die("Invalid identity ID", err, nil)
		}
		runRemove(cmd.Context(), id)
	},
}

func init() {
	rootCmd.AddCommand(removeCmd)
}

func runRemove(ctx context.Context, id int64) {
	provider := newProvider()
	defer provider.Close()
	engine := newEngine(ctx, provider)

	if err := removeIdentity(ctx, engine, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			utils.Die(fmt.Sprintf("Identity %d does not exist", id), err, nil)
		}
		utils.Die("Failed to remove identity", err, nil)
	}
	fmt.Printf("🗑️  Identity %d removed\n", id)
}

// removeIdentity deactivates id in the store, then drops it from the engine cache,
// its cooldown entry and the snapshot.
func removeIdentity(ctx context.Context, engine *recognition.Engine, id int64) error {
	if err := DB.SoftDelete(ctx, id); err != nil {
		return err
	}
	engine.Unregister(id)
	return nil
}
