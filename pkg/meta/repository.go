package meta

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"resumevault/pkg/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBlobNotFound    = errors.New("blob not found in metadata")
	ErrAmbiguousPrefix = errors.New("hash prefix is ambiguous")
	// ErrClaimLost 认领在提交前被别人接管 (lease 过期)
	ErrClaimLost = errors.New("blob claim lost (lease expired and taken over)")
)

// Index 是 BlobStore 依赖的去重索引
// Repository 实现它；cache.CachedIndex 在它外面加 Redis
type Index interface {
	// Lookup 只返回 committed 的 Blob，未命中返回 (nil, nil)
	Lookup(ctx context.Context, fp types.Hash) (*BlobModel, error)

	// Claim 原子地"占坑"：INSERT ... ON CONFLICT DO NOTHING
	// 返回 true 表示调用方获得了写入权
	Claim(ctx context.Context, claim *BlobModel, lease time.Duration) (bool, error)

	// Commit 把自己认领的 pending 行标记为 committed
	Commit(ctx context.Context, fp types.Hash, token string, size int64) (*BlobModel, error)

	// Renew 刷新自己认领的 lease；已被接管返回 ErrClaimLost
	Renew(ctx context.Context, fp types.Hash, token string) error

	// Release 写入失败时删除自己认领的 pending 行，让其他人可以重试
	Release(ctx context.Context, fp types.Hash, token string) error

	// List 管理端枚举，按创建时间倒序
	List(ctx context.Context, filter BlobFilter) ([]BlobModel, error)

	// ExpandPrefix 把短哈希扩展为完整指纹
	ExpandPrefix(ctx context.Context, prefix types.HashPrefix) (types.Hash, error)
}

// BlobFilter 管理端列表的过滤条件
type BlobFilter struct {
	ContentType string
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

// Repository 封装所有对 SQL 数据库的操作
type Repository struct {
	db *DB
	// now 可在测试中替换
	now func() time.Time
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// DB 返回底层 DB (健康检查用)
func (r *Repository) DB() *DB { return r.db }

// -----------------------------------------------------------------------------
// 1. Blob 去重索引
// -----------------------------------------------------------------------------

func (r *Repository) Lookup(ctx context.Context, fp types.Hash) (*BlobModel, error) {
	var blob BlobModel
	err := r.db.GetConn().WithContext(ctx).
		Where("fingerprint = ? AND state = ?", fp.String(), BlobCommitted).
		First(&blob).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// Claim 占坑 (CAS - Create If Absent)
// 唯一约束在数据库层面关闭了 "check-then-act" 的竞态窗口：
// 两个并发请求都看到 Lookup 未命中时，只有一个 INSERT 会生效。
func (r *Repository) Claim(ctx context.Context, claim *BlobModel, lease time.Duration) (bool, error) {
	if claim == nil || claim.Fingerprint == "" || claim.ClaimToken == "" {
		return false, fmt.Errorf("claim requires fingerprint and token")
	}
	now := r.now()
	claim.State = BlobPending
	claim.ClaimedAt = now
	claim.CreatedAt = now

	conn := r.db.GetConn().WithContext(ctx)

	// 场景 A: 第一次出现这个指纹
	result := conn.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "fingerprint"}}, // 冲突列
		DoNothing: true,
	}).Create(claim)
	if result.Error != nil && !isUniqueViolation(result.Error) {
		return false, fmt.Errorf("failed to claim blob: %w", result.Error)
	}
	if result.Error == nil && result.RowsAffected == 1 {
		return true, nil
	}

	// 场景 B: 已存在。如果是别人的 pending 且 lease 过期 (写入者崩溃)，接管它
	// SQL: UPDATE blobs SET claim_token = ?, claimed_at = ? WHERE fingerprint = ? AND state = 'pending' AND claimed_at < ?
	takeover := conn.Model(&BlobModel{}).
		Where("fingerprint = ? AND state = ? AND claimed_at < ?", claim.Fingerprint, BlobPending, now.Add(-lease)).
		Updates(map[string]any{
			"claim_token":  claim.ClaimToken,
			"claimed_at":   now,
			"content_type": claim.ContentType,
			"filename":     claim.Filename,
			"backend":      claim.Backend,
			"storage_key":  claim.StorageKey,
			"compression":  claim.Compression,
		})
	if takeover.Error != nil {
		return false, fmt.Errorf("failed to take over stale claim: %w", takeover.Error)
	}
	return takeover.RowsAffected == 1, nil
}

func (r *Repository) Commit(ctx context.Context, fp types.Hash, token string, size int64) (*BlobModel, error) {
	now := r.now()
	result := r.db.GetConn().WithContext(ctx).Model(&BlobModel{}).
		Where("fingerprint = ? AND claim_token = ? AND state = ?", fp.String(), token, BlobPending).
		Updates(map[string]any{
			"state":      BlobCommitted,
			"size_bytes": size,
			"created_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to commit blob: %w", result.Error)
	}
	// 关键检查：影响行数为 0 说明 token 不匹配 (被人接管了)
	if result.RowsAffected == 0 {
		return nil, ErrClaimLost
	}

	blob, err := r.Lookup(ctx, fp)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, fmt.Errorf("blob %s missing after commit", fp.Short())
	}
	return blob, nil
}

func (r *Repository) Renew(ctx context.Context, fp types.Hash, token string) error {
	result := r.db.GetConn().WithContext(ctx).Model(&BlobModel{}).
		Where("fingerprint = ? AND claim_token = ? AND state = ?", fp.String(), token, BlobPending).
		Update("claimed_at", r.now())
	if result.Error != nil {
		return fmt.Errorf("failed to renew claim: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r *Repository) Release(ctx context.Context, fp types.Hash, token string) error {
	err := r.db.GetConn().WithContext(ctx).
		Where("fingerprint = ? AND claim_token = ? AND state = ?", fp.String(), token, BlobPending).
		Delete(&BlobModel{}).Error
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

func (r *Repository) List(ctx context.Context, filter BlobFilter) ([]BlobModel, error) {
	q := r.db.GetConn().WithContext(ctx).
		Where("state = ?", BlobCommitted)

	if filter.ContentType != "" {
		q = q.Where("content_type = ?", filter.ContentType)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		q = q.Where("created_at < ?", filter.Until.UTC())
	}

	var blobs []BlobModel
	err := q.Order("created_at DESC").Order("fingerprint ASC").
		Limit(clampLimit(filter.Limit)).
		Offset(max(filter.Offset, 0)).
		Find(&blobs).Error
	return blobs, err
}

func (r *Repository) ExpandPrefix(ctx context.Context, prefix types.HashPrefix) (types.Hash, error) {
	prefix = prefix.Normalize()
	if !prefix.IsValid() {
		return "", fmt.Errorf("hash prefix too short or malformed: %q", prefix)
	}

	// 只需要知道是 0 个、1 个 (唯一) 还是 >1 个 (歧义)
	var hits []string
	err := r.db.GetConn().WithContext(ctx).Model(&BlobModel{}).
		Where("fingerprint LIKE ? AND state = ?", string(prefix)+"%", BlobCommitted).
		Limit(2).
		Pluck("fingerprint", &hits).Error
	if err != nil {
		return "", err
	}
	switch len(hits) {
	case 0:
		return "", ErrBlobNotFound
	case 1:
		return types.Hash(hits[0]), nil
	default:
		return "", ErrAmbiguousPrefix
	}
}

// isUniqueViolation 兼容不同数据库 (PG 与 SQLite) 的唯一约束错误
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// -----------------------------------------------------------------------------
// 2. 简历记录 (外部元数据存储)
// -----------------------------------------------------------------------------

// ResumeFilter 记录列表的过滤条件
type ResumeFilter struct {
	Owner  string
	Limit  int
	Offset int
}

// SaveResume 写入一条记录。同一个 Blob 可以有任意多条记录
func (r *Repository) SaveResume(ctx context.Context, rec *ResumeRecord) error {
	if rec == nil {
		return fmt.Errorf("record is required")
	}
	if !types.Hash(rec.Fingerprint).IsValid() {
		return fmt.Errorf("record fingerprint is invalid")
	}
	if rec.UploadedAt.IsZero() {
		rec.UploadedAt = r.now()
	}
	rec.UploadedAt = rec.UploadedAt.UTC()
	if err := r.db.GetConn().WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to save resume record: %w", err)
	}
	return nil
}

// ListResumes 按上传时间倒序 (最近的在前)
func (r *Repository) ListResumes(ctx context.Context, filter ResumeFilter) ([]ResumeRecord, error) {
	q := r.db.GetConn().WithContext(ctx)
	if filter.Owner != "" {
		q = q.Where("owner = ?", filter.Owner)
	}
	var records []ResumeRecord
	err := q.Order("uploaded_at DESC").Order("id DESC").
		Limit(clampLimit(filter.Limit)).
		Offset(max(filter.Offset, 0)).
		Find(&records).Error
	return records, err
}

// ResumesByFingerprint 列出引用同一个 Blob 的所有记录
func (r *Repository) ResumesByFingerprint(ctx context.Context, fp types.Hash) ([]ResumeRecord, error) {
	var records []ResumeRecord
	err := r.db.GetConn().WithContext(ctx).
		Where("fingerprint = ?", fp.String()).
		Order("uploaded_at DESC").
		Find(&records).Error
	return records, err
}

// OwnsFingerprint owner 是否有至少一条记录引用了这个 Blob
func (r *Repository) OwnsFingerprint(ctx context.Context, owner string, fp types.Hash) (bool, error) {
	if owner == "" {
		return false, nil
	}
	var count int64
	err := r.db.GetConn().WithContext(ctx).Model(&ResumeRecord{}).
		Where("owner = ? AND fingerprint = ?", owner, fp.String()).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// -----------------------------------------------------------------------------
// 3. 会话
// -----------------------------------------------------------------------------

func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	if s == nil || s.TokenHash == "" {
		return fmt.Errorf("session token hash is required")
	}
	// SQLite 按字符串比较时间，统一存 UTC
	s.ExpiresAt = s.ExpiresAt.UTC()
	if err := r.db.GetConn().WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession 未命中或已过期都返回 (nil, nil)
func (r *Repository) GetSession(ctx context.Context, tokenHash string) (*Session, error) {
	var s Session
	err := r.db.GetConn().WithContext(ctx).
		Where("token_hash = ? AND expires_at > ?", tokenHash, r.now()).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteSession 注销
func (r *Repository) DeleteSession(ctx context.Context, tokenHash string) error {
	return r.db.GetConn().WithContext(ctx).
		Where("token_hash = ?", tokenHash).
		Delete(&Session{}).Error
}

// DeleteExpiredSessions 清理过期会话，返回删除的条数
func (r *Repository) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	result := r.db.GetConn().WithContext(ctx).
		Where("expires_at <= ?", r.now()).
		Delete(&Session{})
	return result.RowsAffected, result.Error
}
