package meta

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"resumevault/pkg/types"

	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 通用辅助函数 (Helpers)
// -----------------------------------------------------------------------------

// mockHash 生成合法的测试用 Hash
func mockHash(input string) types.Hash {
	sum := sha256.Sum256([]byte(input))
	return types.Hash(hex.EncodeToString(sum[:]))
}

// setupTestRepo 每个测试一个独立的 SQLite 文件
// 用文件而不是 :memory:，这样并发测试走的是真实的锁和唯一约束
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := NewDB(context.Background(), Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "meta.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRepository(db)
}

// newClaim 构造一个待认领的 Blob 行
func newClaim(fp types.Hash, token string) *BlobModel {
	return &BlobModel{
		Fingerprint: fp.String(),
		ContentType: types.ContentTypePDF,
		Filename:    "cv.pdf",
		Backend:     "disk",
		StorageKey:  fp.String(),
		Compression: "none",
		ClaimToken:  token,
	}
}

// mustCommitBlob 认领并提交，失败则终止
func mustCommitBlob(t *testing.T, repo *Repository, fp types.Hash, size int64, msgAndArgs ...any) *BlobModel {
	t.Helper()
	ctx := context.Background()
	won, err := repo.Claim(ctx, newClaim(fp, "tok-"+fp.Short()), time.Minute)
	require.NoError(t, err, msgAndArgs...)
	require.True(t, won, msgAndArgs...)

	blob, err := repo.Commit(ctx, fp, "tok-"+fp.Short(), size)
	require.NoError(t, err, msgAndArgs...)
	return blob
}
