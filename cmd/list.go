package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facegate/internal/utils"
	"github.com/spf13/cobra"
)

var listAll bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrolled identities",
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context())
	},
}

func init() {
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "Include removed identities")
	rootCmd.AddCommand(listCmd)
}

func runList(ctx context.Context) {
	identities, err := DB.FetchAll(ctx, !listAll)
	if err != nil {
		utils.Die("Failed to list identities", err, nil)
	}

	if len(identities) == 0 {
		fmt.Println("No identities found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tCODE\tNAME\tFACE\tACTIVE\tCREATED")
	fmt.Fprintln(w, "--\t----\t----\t----\t------\t-------")

	for _, id := range identities {
		face := "no"
		if id.Embedding != nil {
			face = "yes"
		}
		active := "yes"
		if !id.Active {
			active = "no"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", id.ID, id.ExternalCode, id.DisplayName, face, active, id.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
