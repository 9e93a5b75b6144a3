package meta

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"resumevault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

// fixedClock 让测试能精确控制 created_at / expires_at
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func withClock(repo *Repository) *fixedClock {
	clock := &fixedClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	repo.now = clock.now
	return clock
}

// -----------------------------------------------------------------------------
// Blob 索引
// -----------------------------------------------------------------------------

func TestRepository_ClaimCommitLookup(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	fp := mockHash("resume-a")

	// 1. 认领前查不到
	got, err := repo.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.Nil(t, got)

	// 2. 认领后，pending 行对 Lookup 不可见
	won, err := repo.Claim(ctx, newClaim(fp, "t1"), time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	got, err = repo.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.Nil(t, got, "pending blob must not be visible")

	// 3. 提交后可见
	blob, err := repo.Commit(ctx, fp, "t1", 1234)
	require.NoError(t, err)
	assert.Equal(t, BlobCommitted, blob.State)
	assert.Equal(t, int64(1234), blob.SizeBytes)

	got, err = repo.Lookup(ctx, fp)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, fp.String(), got.Fingerprint)
	assert.Equal(t, "cv.pdf", got.Filename)
}

func TestRepository_Claim_SecondClaimLoses(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	fp := mockHash("dup")

	won, err := repo.Claim(ctx, newClaim(fp, "first"), time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	won, err = repo.Claim(ctx, newClaim(fp, "second"), time.Minute)
	require.NoError(t, err)
	assert.False(t, won, "live pending claim must not be stolen")

	// 已提交的行也不能被再次认领
	_, err = repo.Commit(ctx, fp, "first", 10)
	require.NoError(t, err)

	won, err = repo.Claim(ctx, newClaim(fp, "third"), 0)
	require.NoError(t, err)
	assert.False(t, won, "committed blob must never be reclaimed")
}

func TestRepository_Claim_Concurrent(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	fp := mockHash("hot-resume")

	const n = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := repo.Claim(ctx, newClaim(fp, fmt.Sprintf("tok-%d", i)), time.Minute)
			assert.NoError(t, err)
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one claimer must win")

	var count int64
	require.NoError(t, repo.db.GetConn().Model(&BlobModel{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRepository_Claim_StaleLeaseTakeover(t *testing.T) {
	repo := setupTestRepo(t)
	clock := withClock(repo)
	ctx := context.Background()
	fp := mockHash("crashed-writer")

	won, err := repo.Claim(ctx, newClaim(fp, "crashed"), time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	// lease 未过期
	clock.advance(30 * time.Second)
	won, err = repo.Claim(ctx, newClaim(fp, "rescuer"), time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	// lease 过期，接管
	clock.advance(time.Minute)
	won, err = repo.Claim(ctx, newClaim(fp, "rescuer"), time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	// 原写入者复活后提交失败
	_, err = repo.Commit(ctx, fp, "crashed", 1)
	assert.ErrorIs(t, err, ErrClaimLost)

	_, err = repo.Commit(ctx, fp, "rescuer", 1)
	assert.NoError(t, err)
}

func TestRepository_Release(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	fp := mockHash("failed-write")

	won, err := repo.Claim(ctx, newClaim(fp, "owner"), time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	// 别人的 token 不能释放
	require.NoError(t, repo.Release(ctx, fp, "intruder"))
	won, err = repo.Claim(ctx, newClaim(fp, "next"), time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	// 自己释放后可以重新认领
	require.NoError(t, repo.Release(ctx, fp, "owner"))
	won, err = repo.Claim(ctx, newClaim(fp, "next"), time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestRepository_Renew(t *testing.T) {
	repo := setupTestRepo(t)
	clock := withClock(repo)
	ctx := context.Background()
	fp := mockHash("renew")

	won, err := repo.Claim(ctx, newClaim(fp, "owner"), time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	// 续约后 lease 从现在重新计算，不会被接管
	clock.advance(50 * time.Second)
	require.NoError(t, repo.Renew(ctx, fp, "owner"))
	clock.advance(50 * time.Second)
	won, err = repo.Claim(ctx, newClaim(fp, "thief"), time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	// 过期被接管后，原持有者续约失败
	clock.advance(2 * time.Minute)
	won, err = repo.Claim(ctx, newClaim(fp, "thief"), time.Minute)
	require.NoError(t, err)
	require.True(t, won)
	assert.ErrorIs(t, repo.Renew(ctx, fp, "owner"), ErrClaimLost)

	// 已提交的行不能续约
	_, err = repo.Commit(ctx, fp, "thief", 3)
	require.NoError(t, err)
	assert.ErrorIs(t, repo.Renew(ctx, fp, "thief"), ErrClaimLost)
}

func TestRepository_Release_IgnoresCommitted(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	fp := mockHash("immutable")
	mustCommitBlob(t, repo, fp, 5)

	require.NoError(t, repo.Release(ctx, fp, "tok-"+fp.Short()))

	got, err := repo.Lookup(ctx, fp)
	require.NoError(t, err)
	assert.NotNil(t, got, "committed blobs are never deleted by Release")
}

func TestRepository_List(t *testing.T) {
	repo := setupTestRepo(t)
	clock := withClock(repo)
	ctx := context.Background()

	// 三个 Blob，时间递增；一个 DOCX
	hashes := []types.Hash{mockHash("1"), mockHash("2"), mockHash("3")}
	for i, h := range hashes {
		claim := newClaim(h, "t")
		if i == 1 {
			claim.ContentType = types.ContentTypeDOCX
		}
		won, err := repo.Claim(ctx, claim, time.Minute)
		require.NoError(t, err)
		require.True(t, won)
		_, err = repo.Commit(ctx, h, "t", int64(i))
		require.NoError(t, err)
		clock.advance(time.Minute)
	}
	// pending 的不出现在列表中
	won, err := repo.Claim(ctx, newClaim(mockHash("pending"), "p"), time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	all, err := repo.List(ctx, BlobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, hashes[2].String(), all[0].Fingerprint, "newest first")
	assert.Equal(t, hashes[0].String(), all[2].Fingerprint)

	docx, err := repo.List(ctx, BlobFilter{ContentType: types.ContentTypeDOCX})
	require.NoError(t, err)
	require.Len(t, docx, 1)
	assert.Equal(t, hashes[1].String(), docx[0].Fingerprint)

	page, err := repo.List(ctx, BlobFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, hashes[1].String(), page[0].Fingerprint)
}

func TestRepository_ExpandPrefix(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	fp := mockHash("prefix-me")
	mustCommitBlob(t, repo, fp, 1)

	got, err := repo.ExpandPrefix(ctx, types.HashPrefix(fp[:8]))
	require.NoError(t, err)
	assert.Equal(t, fp, got)

	// 大写也能解析
	got, err = repo.ExpandPrefix(ctx, types.HashPrefix(strings.ToUpper(string(fp[:10]))))
	require.NoError(t, err)
	assert.Equal(t, fp, got)

	_, err = repo.ExpandPrefix(ctx, "ab")
	assert.Error(t, err, "too short")

	other := "0000" + string(mockHash("x")[4:])
	_, err = repo.ExpandPrefix(ctx, types.HashPrefix(other[:8]))
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestRepository_ExpandPrefix_Ambiguous(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	// 手工构造两个共享前缀的合法指纹
	a := types.Hash("abcd" + string(mockHash("a")[4:]))
	b := types.Hash("abcd" + string(mockHash("b")[4:]))
	mustCommitBlob(t, repo, a, 1)
	mustCommitBlob(t, repo, b, 1)

	_, err := repo.ExpandPrefix(ctx, "abcd")
	assert.ErrorIs(t, err, ErrAmbiguousPrefix)

	got, err := repo.ExpandPrefix(ctx, types.HashPrefix(a[:12]))
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

// -----------------------------------------------------------------------------
// 简历记录
// -----------------------------------------------------------------------------

func TestRepository_Resumes(t *testing.T) {
	repo := setupTestRepo(t)
	clock := withClock(repo)
	ctx := context.Background()
	fp := mockHash("shared-blob")

	// 两个用户上传同一份文件：两条记录，一个 Blob
	for _, owner := range []string{"alice", "bob"} {
		rec := &ResumeRecord{
			Fingerprint: fp.String(),
			Filename:    owner + ".pdf",
			ContentType: types.ContentTypePDF,
			Owner:       owner,
			RawText:     "Experienced engineer",
			Links:       datatypes.JSON(`["https://example.com"]`),
		}
		require.NoError(t, repo.SaveResume(ctx, rec))
		assert.NotZero(t, rec.ID)
		clock.advance(time.Second)
	}

	recent, err := repo.ListResumes(ctx, ResumeFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "bob", recent[0].Owner, "most recent first")
	assert.JSONEq(t, `["https://example.com"]`, string(recent[0].Links))

	mine, err := repo.ListResumes(ctx, ResumeFilter{Owner: "alice"})
	require.NoError(t, err)
	require.Len(t, mine, 1)

	byFP, err := repo.ResumesByFingerprint(ctx, fp)
	require.NoError(t, err)
	assert.Len(t, byFP, 2)

	owns, err := repo.OwnsFingerprint(ctx, "alice", fp)
	require.NoError(t, err)
	assert.True(t, owns)

	owns, err = repo.OwnsFingerprint(ctx, "mallory", fp)
	require.NoError(t, err)
	assert.False(t, owns)

	owns, err = repo.OwnsFingerprint(ctx, "", fp)
	require.NoError(t, err)
	assert.False(t, owns, "anonymous callers own nothing")
}

func TestRepository_SaveResume_RejectsBadFingerprint(t *testing.T) {
	repo := setupTestRepo(t)
	err := repo.SaveResume(context.Background(), &ResumeRecord{Fingerprint: "nope"})
	assert.Error(t, err)
}

// -----------------------------------------------------------------------------
// 会话
// -----------------------------------------------------------------------------

func TestRepository_Sessions(t *testing.T) {
	repo := setupTestRepo(t)
	clock := withClock(repo)
	ctx := context.Background()

	s := &Session{
		TokenHash: mockHash("token").String(),
		Subject:   "admin@example.com",
		Role:      "admin",
		ExpiresAt: clock.now().Add(time.Hour),
	}
	require.NoError(t, repo.CreateSession(ctx, s))

	got, err := repo.GetSession(ctx, s.TokenHash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "admin@example.com", got.Subject)

	missing, err := repo.GetSession(ctx, mockHash("other").String())
	require.NoError(t, err)
	assert.Nil(t, missing)

	// 过期后不可见，并能被清理
	clock.advance(2 * time.Hour)
	expired, err := repo.GetSession(ctx, s.TokenHash)
	require.NoError(t, err)
	assert.Nil(t, expired)

	n, err := repo.DeleteExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRepository_DeleteSession(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	s := &Session{TokenHash: mockHash("bye").String(), Subject: "u", Role: "user", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, repo.CreateSession(ctx, s))

	require.NoError(t, repo.DeleteSession(ctx, s.TokenHash))
	got, err := repo.GetSession(ctx, s.TokenHash)
	require.NoError(t, err)
	assert.Nil(t, got)
}
