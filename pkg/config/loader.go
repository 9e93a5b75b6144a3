package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"resumevault/pkg/auth"
	"resumevault/pkg/blobstore"
	"resumevault/pkg/ingest"
	"resumevault/pkg/meta"
	"resumevault/pkg/parser"
	"resumevault/pkg/server"
	"resumevault/pkg/storage/cache"
	"resumevault/pkg/storage/s3"

	"github.com/spf13/viper"
)

// Config 进程的完整配置，由 Get 从 viper 解码
type Config struct {
	Server   server.Config `mapstructure:"server"`
	Database meta.Config   `mapstructure:"database"`
	Storage  StorageConfig `mapstructure:"storage"`
	Cache    cache.Config  `mapstructure:"cache"`
	Parser   ParserConfig  `mapstructure:"parser"`
	Ingest   ingest.Config `mapstructure:"ingest"`
	Auth     auth.Config   `mapstructure:"auth"`
	Log      LogConfig     `mapstructure:"log"`
}

type StorageConfig struct {
	// Type: "disk" 或 "s3"
	Type         string        `mapstructure:"type"`
	Path         string        `mapstructure:"path"`
	Compression  string        `mapstructure:"compression"`
	ClaimLease   time.Duration `mapstructure:"claim_lease"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	S3           s3.Config     `mapstructure:"s3"`
}

type ParserConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "text" 或 "json"
}

// Load 初始化 Viper 配置
// cfgFile: 可选，用户显式指定的配置文件路径
func Load(cfgFile string) error {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}

		// 搜索顺序：当前目录 → ./.rv → ~/.rv
		viper.AddConfigPath(".")
		viper.AddConfigPath(".rv")
		viper.AddConfigPath(filepath.Join(home, ".rv"))

		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// 环境变量：RV_DATABASE_HOST 覆盖 database.host
	viper.SetEnvPrefix("RV")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// 没找到配置文件不算错，可能全靠环境变量；格式错才是错
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("fatal error config file: %w", err)
		}
		slog.Debug("no config file found, using defaults and env vars")
	} else {
		slog.Debug("using config file", "path", viper.ConfigFileUsed())
	}
	return nil
}

// Get 把当前 viper 状态解码成 Config 并校验
func Get() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 只检查组合上不成立的配置，具体组件自己校验细节
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "disk":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for disk storage")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for s3 storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %q", c.Storage.Type)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server.max_upload_bytes must be positive")
	}
	if c.Ingest.MaxBytes <= 0 || c.Ingest.MaxBytes > c.Server.MaxUploadBytes {
		c.Ingest.MaxBytes = c.Server.MaxUploadBytes
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel 把配置里的级别名转换成 slog.Level
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", name, err)
	}
	return level, nil
}

func setDefaults() {
	wd, _ := os.Getwd()
	home := filepath.Join(wd, ".rv")

	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.grpc_addr", "")
	viper.SetDefault("server.max_upload_bytes", server.DefaultMaxUploadBytes)

	// 数据库默认值：本地单机用 sqlite
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.path", filepath.Join(home, "meta.db"))
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.name", "resumevault")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 0)
	viper.SetDefault("database.debug", false)

	// 存储默认值
	viper.SetDefault("storage.type", "disk")
	viper.SetDefault("storage.path", filepath.Join(home, "blobs"))
	viper.SetDefault("storage.compression", "zstd")
	viper.SetDefault("storage.claim_lease", blobstore.DefaultClaimLease)
	viper.SetDefault("storage.poll_interval", blobstore.DefaultPollInterval)
	viper.SetDefault("storage.s3.endpoint", "")
	viper.SetDefault("storage.s3.region", "us-east-1")
	viper.SetDefault("storage.s3.bucket", "")
	viper.SetDefault("storage.s3.access_key_id", "")
	viper.SetDefault("storage.s3.secret_access_key", "")
	viper.SetDefault("storage.s3.spool_dir", "")

	// 空 redis_url 表示不启用缓存
	viper.SetDefault("cache.redis_url", "")
	viper.SetDefault("cache.ttl", 24*time.Hour)

	viper.SetDefault("parser.url", "http://localhost:8000")
	viper.SetDefault("parser.timeout", parser.DefaultTimeout)

	viper.SetDefault("ingest.scratch_dir", "")
	viper.SetDefault("ingest.max_bytes", 0)

	viper.SetDefault("auth.api_token", "")
	viper.SetDefault("auth.admin_email", "")
	viper.SetDefault("auth.admin_password_hash", "")
	viper.SetDefault("auth.session_ttl", auth.DefaultSessionTTL)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
}
