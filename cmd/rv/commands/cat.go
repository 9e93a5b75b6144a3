package commands

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/spf13/cobra"
)

var catOutput string

var catCmd = &cobra.Command{
	Use:   "cat [fingerprint]",
	Short: "Write a stored blob to stdout",
	Long: `Retrieve a blob by its full fingerprint or a unique prefix (at least 4 hex chars)
and write it to stdout, or atomically to a file with -o.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		ctx := cmd.Context()

		ref, err := RV.Blobs.Resolve(ctx, args[0])
		if err != nil {
			return fmt.Errorf("cat %s: %w", args[0], err)
		}
		stream, err := RV.Blobs.OpenRead(ctx, ref)
		if err != nil {
			return err
		}
		defer stream.Close()

		if catOutput == "" {
			_, err = io.Copy(cmd.OutOrStdout(), stream)
			return err
		}

		// 写完才替换目标文件，中途失败不会留下半个文件
		pending, err := renameio.TempFile(filepath.Dir(catOutput), catOutput)
		if err != nil {
			return err
		}
		defer pending.Cleanup()
		if _, err := io.Copy(pending, stream); err != nil {
			return fmt.Errorf("cat %s: %w", ref.Fingerprint.Short(), err)
		}
		if err := pending.CloseAtomicallyReplace(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d bytes to %s\n", ref.Size, catOutput)
		return nil
	},
}

func init() {
	catCmd.Flags().StringVarP(&catOutput, "output", "o", "", "Write to this file instead of stdout")
	rootCmd.AddCommand(catCmd)
}
