// Package auth 校验 bearer 凭证并产出 Caller。
//
// Caller 只能由 Authenticator 构造：下载网关拒绝任何未经校验的 Caller，
// 所以 handler 不可能绕过认证直接伪造一个管理员身份。
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"resumevault/pkg/errs"
	"resumevault/pkg/meta"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Caller 已经通过校验的调用方
type Caller struct {
	Subject string
	Role    Role

	validated bool
}

// Valid 只有 Authenticator 产出的 Caller 才返回 true
func (c *Caller) Valid() bool {
	return c != nil && c.validated && c.Subject != ""
}

func (c *Caller) IsAdmin() bool {
	return c.Valid() && c.Role == RoleAdmin
}

// ErrInvalidCredentials 登录失败。不区分"用户不存在"和"密码错误"
var ErrInvalidCredentials = errors.New("invalid credentials")

// SessionStore 会话持久化
type SessionStore interface {
	CreateSession(ctx context.Context, s *meta.Session) error
	GetSession(ctx context.Context, tokenHash string) (*meta.Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
}

// Config 认证配置
type Config struct {
	// APIToken 静态令牌，以管理员身份访问 (自动化脚本用)
	APIToken          string        `mapstructure:"api_token"`
	AdminEmail        string        `mapstructure:"admin_email"`
	AdminPasswordHash string        `mapstructure:"admin_password_hash"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	// Users 普通用户。用列表而不是 map：email 里的 "." 会被 viper 当成层级分隔符
	Users []User `mapstructure:"users"`
}

// User 一个可登录的普通用户
type User struct {
	Email        string `mapstructure:"email"`
	PasswordHash string `mapstructure:"password_hash"`
}

const (
	DefaultSessionTTL = 2 * time.Hour
	apiTokenSubject   = "api-token"
)

// Authenticator 签发和校验令牌
type Authenticator struct {
	store SessionStore
	cfg   Config
	users map[string]string // 规范化 email → bcrypt 哈希
	now   func() time.Time
}

func NewAuthenticator(store SessionStore, cfg Config) *Authenticator {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	users := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		if normalized, err := NormalizeEmail(u.Email); err == nil {
			users[normalized] = u.PasswordHash
		}
	}
	if email, err := NormalizeEmail(cfg.AdminEmail); err == nil {
		cfg.AdminEmail = email
	}
	return &Authenticator{store: store, cfg: cfg, users: users, now: func() time.Time { return time.Now().UTC() }}
}

// LoginResult 登录成功后返回给客户端
type LoginResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Caller    *Caller   `json:"-"`
}

// Login 校验密码并签发会话。want 指定登录入口要求的角色
func (a *Authenticator) Login(ctx context.Context, email, password string, want Role) (*LoginResult, error) {
	normalized, err := NormalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if strings.TrimSpace(password) == "" {
		return nil, ErrInvalidCredentials
	}

	var hash string
	switch want {
	case RoleAdmin:
		if a.cfg.AdminEmail == "" || normalized != a.cfg.AdminEmail {
			return nil, ErrInvalidCredentials
		}
		hash = a.cfg.AdminPasswordHash
	case RoleUser:
		hash = a.users[normalized]
	default:
		return nil, fmt.Errorf("unknown role %q", want)
	}
	if !VerifyPassword(hash, password) {
		return nil, ErrInvalidCredentials
	}

	token, err := generateSessionToken()
	if err != nil {
		return nil, err
	}
	now := a.now()
	expiresAt := now.Add(a.cfg.SessionTTL)
	err = a.store.CreateSession(ctx, &meta.Session{
		TokenHash: hashSessionToken(token),
		Subject:   normalized,
		Role:      string(want),
		ExpiresAt: expiresAt,
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	return &LoginResult{
		Token:     token,
		ExpiresAt: expiresAt,
		Caller:    &Caller{Subject: normalized, Role: want, validated: true},
	}, nil
}

// Authenticate 校验 bearer 令牌。
// 空令牌返回 (nil, nil)：匿名。无效令牌返回 errs.ErrUnauthorized
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Caller, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}

	if a.cfg.APIToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.APIToken)) == 1 {
		return &Caller{Subject: apiTokenSubject, Role: RoleAdmin, validated: true}, nil
	}

	s, err := a.store.GetSession(ctx, hashSessionToken(token))
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errs.ErrUnauthorized
	}
	role := Role(s.Role)
	if role != RoleAdmin && role != RoleUser {
		return nil, errs.ErrUnauthorized
	}
	return &Caller{Subject: s.Subject, Role: role, validated: true}, nil
}

// Logout 注销会话令牌
func (a *Authenticator) Logout(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return a.store.DeleteSession(ctx, hashSessionToken(token))
}

func hashSessionToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// BearerToken 从 Authorization 头里取出令牌
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
