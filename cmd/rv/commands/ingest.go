package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"resumevault/pkg/errs"
	"resumevault/pkg/ignore"
	"resumevault/pkg/ingest"
	"resumevault/pkg/types"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	ingestOwner       string
	ingestContentType string
	ingestJobs        int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file|dir]",
	Short: "Store resumes and run them through the parser",
	Long: `Run local files through the same pipeline as an HTTP upload:
validate, fingerprint, deduplicate, store, parse and record.

A directory is walked recursively. Paths matched by .rvignore in that
directory are skipped, as are files whose type is not accepted.
One JSON result is printed per ingested file.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireApp(); err != nil {
			return err
		}
		target := args[0]

		info, err := os.Stat(target)
		if err != nil {
			return err
		}
		out := newResultWriter(cmd.OutOrStdout(), cmd.ErrOrStderr())
		if !info.IsDir() {
			return ingestFile(cmd.Context(), out, target, ingestContentType)
		}
		return ingestDir(cmd, out, target)
	},
}

// resultWriter 并发导入时串行化输出
// stdout 和 stderr 共用一把锁：两者可能是同一个 writer
type resultWriter struct {
	mu   sync.Mutex
	enc  *json.Encoder
	errw io.Writer
}

func newResultWriter(stdout, stderr io.Writer) *resultWriter {
	return &resultWriter{enc: json.NewEncoder(stdout), errw: stderr}
}

func (w *resultWriter) write(res *ingest.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(res)
}

func (w *resultWriter) warnf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.errw, format, args...)
}

func ingestFile(ctx context.Context, out *resultWriter, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if contentType == "" {
		contentType = types.ContentTypeFromExtension(path)
	}
	res, err := RV.Pipeline.Ingest(ctx, ingest.Request{
		Body:        f,
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Owner:       ingestOwner,
	})
	if err != nil {
		// 解析失败时 Blob 已经存好，把指纹告诉用户
		var parseErr *errs.ParseError
		if errors.As(err, &parseErr) && !parseErr.Fingerprint.IsZero() {
			out.warnf("stored %s but parsing failed\n", parseErr.Fingerprint)
		}
		return fmt.Errorf("ingest %s: %w", path, err)
	}
	return out.write(res)
}

// ingestDir 遍历目录，最多 ingestJobs 个文件同时导入；单个失败不影响其他文件
func ingestDir(cmd *cobra.Command, out *resultWriter, root string) error {
	matcher, err := ignore.NewMatcher(root)
	if err != nil {
		return fmt.Errorf("load %s: %w", ignore.FileName, err)
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(max(1, ingestJobs))
	var failed, skipped atomic.Int64

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return err
		}
		if matcher.Matches(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		contentType := types.ContentTypeFromExtension(path)
		if !types.IsAllowedContentType(contentType) {
			skipped.Add(1)
			return nil
		}

		g.Go(func() error {
			if err := ingestFile(ctx, out, path, contentType); err != nil {
				failed.Add(1)
				out.warnf("%v\n", err)
				// 只有取消才中止整批
				if errors.Is(err, context.Canceled) {
					return err
				}
			}
			return nil
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if walkErr != nil {
		return walkErr
	}
	if n := skipped.Load(); n > 0 {
		out.warnf("skipped %d files with unsupported types\n", n)
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d files failed to ingest", n)
	}
	return nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestOwner, "owner", "", "Record the uploads under this user")
	ingestCmd.Flags().StringVar(&ingestContentType, "type", "", "Content type of a single file (default: inferred from extension)")
	ingestCmd.Flags().IntVarP(&ingestJobs, "jobs", "j", 4, "Files ingested concurrently when walking a directory")
	rootCmd.AddCommand(ingestCmd)
}
