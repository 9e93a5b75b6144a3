package meta

import (
	"time"

	"gorm.io/datatypes"
)

// BlobState Blob 行的生命周期
// pending: 某个写入者已经"认领"了这个指纹，字节正在写入
// committed: 字节已经完整落盘，对 Lookup/List/OpenRead 可见
type BlobState string

const (
	BlobPending   BlobState = "pending"
	BlobCommitted BlobState = "committed"
)

// BlobModel 是内容寻址存储的去重索引
// Fingerprint 是主键：唯一约束就是"每个指纹只存一次"的最终保障
type BlobModel struct {
	Fingerprint string    `gorm:"primaryKey;type:char(64)"`
	State       BlobState `gorm:"type:varchar(16);not null;index"`

	SizeBytes   int64  `gorm:"not null;default:0"`
	ContentType string `gorm:"type:varchar(255);not null"`
	// Filename 第一次上传时的原始文件名 (下载时的 Content-Disposition)
	Filename string `gorm:"type:varchar(255)"`

	// 物理位置 (storageLocation)
	Backend     string `gorm:"type:varchar(32);not null"`
	StorageKey  string `gorm:"type:varchar(255);not null"`
	Compression string `gorm:"type:varchar(16);not null;default:none"`

	// 认领信息，用于并发写入和崩溃恢复 (lease)
	ClaimToken string `gorm:"type:varchar(64)"`
	ClaimedAt  time.Time

	CreatedAt time.Time `gorm:"index"`
}

// TableName 强制指定表名
func (BlobModel) TableName() string {
	return "blobs"
}

// ResumeRecord 是外部元数据存储的一条记录
// 多条记录可以指向同一个 Blob (多对一)，文件名/上传者/时间这些来源信息只存在这里
type ResumeRecord struct {
	ID          uint   `gorm:"primaryKey"`
	Fingerprint string `gorm:"type:char(64);not null;index"`
	Filename    string `gorm:"type:varchar(255)"`
	ContentType string `gorm:"type:varchar(255)"`
	Owner       string `gorm:"type:varchar(255);index"`

	RawText string `gorm:"type:text"`
	// Links: 解析出的链接列表 ["https://...", ...]
	Links datatypes.JSON

	UploadedAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

func (ResumeRecord) TableName() string {
	return "resumes"
}

// Session 是登录后签发的不透明令牌
// 只存 SHA-256，不存明文
type Session struct {
	TokenHash string    `gorm:"primaryKey;type:char(64)"`
	Subject   string    `gorm:"type:varchar(255);not null"`
	Role      string    `gorm:"type:varchar(32);not null"`
	ExpiresAt time.Time `gorm:"index"`
	CreatedAt time.Time
}

func (Session) TableName() string {
	return "sessions"
}

// AllModels 返回需要迁移的全部表
func AllModels() []any {
	return []any{&BlobModel{}, &ResumeRecord{}, &Session{}}
}
