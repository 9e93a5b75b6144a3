package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"resumevault/pkg/meta"
	"resumevault/pkg/types"

	"github.com/spf13/cobra"
)

var (
	recordsOwner string
	recordsLimit int
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List parsed resume records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		records, err := RV.Repo.ListResumes(cmd.Context(), meta.ResumeFilter{Owner: recordsOwner, Limit: recordsLimit})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFINGERPRINT\tOWNER\tUPLOADED\tFILENAME")
		for _, r := range records {
			owner := r.Owner
			if owner == "" {
				owner = "-"
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				r.ID, types.Hash(r.Fingerprint).Short(), owner, r.UploadedAt.Local().Format(time.DateTime), r.Filename)
		}
		return w.Flush()
	},
}

func init() {
	recordsCmd.Flags().StringVar(&recordsOwner, "owner", "", "Only records uploaded by this user")
	recordsCmd.Flags().IntVarP(&recordsLimit, "limit", "n", 50, "Maximum number of rows")
	rootCmd.AddCommand(recordsCmd)
}
