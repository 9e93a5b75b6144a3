package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"resumevault/pkg/meta"

	"github.com/spf13/cobra"
)

var (
	lsContentType string
	lsSince       time.Duration
	lsLimit       int
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored blobs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		filter := meta.BlobFilter{ContentType: lsContentType, Limit: lsLimit}
		if lsSince > 0 {
			filter.Since = time.Now().Add(-lsSince)
		}
		refs, err := RV.Blobs.List(cmd.Context(), filter)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FINGERPRINT\tSIZE\tTYPE\tCODEC\tCREATED\tFILENAME")
		for _, ref := range refs {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
				ref.Fingerprint.Short(), ref.Size, ref.ContentType, ref.Compression,
				ref.CreatedAt.Local().Format(time.DateTime), ref.Filename)
		}
		return w.Flush()
	},
}

func init() {
	lsCmd.Flags().StringVar(&lsContentType, "type", "", "Only blobs of this content type")
	lsCmd.Flags().DurationVar(&lsSince, "since", 0, "Only blobs created within this window (e.g. 24h)")
	lsCmd.Flags().IntVarP(&lsLimit, "limit", "n", 50, "Maximum number of rows")
	rootCmd.AddCommand(lsCmd)
}
