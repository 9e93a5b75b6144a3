package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"resumevault/pkg/server"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	t.Chdir(t.TempDir())

	require.NoError(t, Load(""))
	cfg, err := Get()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "disk", cfg.Storage.Type)
	assert.Equal(t, "zstd", cfg.Storage.Compression)
	assert.Equal(t, 5*time.Minute, cfg.Storage.ClaimLease)
	assert.Equal(t, 30*time.Second, cfg.Parser.Timeout)
	assert.Equal(t, 2*time.Hour, cfg.Auth.SessionTTL)
	assert.Empty(t, cfg.Cache.RedisURL)
	// ingest 上限跟随 HTTP 上限
	assert.Equal(t, cfg.Server.MaxUploadBytes, cfg.Ingest.MaxBytes)
}

func TestLoad_FileAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := writeConfig(t, `
server:
  addr: ":9090"
  max_upload_bytes: 2048
storage:
  type: s3
  compression: lz4
  s3:
    bucket: resumes
    endpoint: http://localhost:9000
parser:
  url: http://parser:8000
  timeout: 5s
auth:
  admin_email: admin@example.com
  users:
    - email: alice@example.com
      password_hash: "$2a$10$abc"
log:
  level: debug
  format: json
`)
	t.Setenv("RV_SERVER_ADDR", ":7070")
	t.Setenv("RV_CACHE_REDIS_URL", "redis://localhost:6379/0")

	require.NoError(t, Load(path))
	cfg, err := Get()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr, "env wins over file")
	assert.Equal(t, int64(2048), cfg.Server.MaxUploadBytes)
	assert.Equal(t, "s3", cfg.Storage.Type)
	assert.Equal(t, "lz4", cfg.Storage.Compression)
	assert.Equal(t, "resumes", cfg.Storage.S3.Bucket)
	assert.Equal(t, "http://parser:8000", cfg.Parser.URL)
	assert.Equal(t, 5*time.Second, cfg.Parser.Timeout)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Cache.RedisURL)
	require.Len(t, cfg.Auth.Users, 1)
	assert.Equal(t, "alice@example.com", cfg.Auth.Users[0].Email)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_MalformedFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := writeConfig(t, "server: [unclosed")
	err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fatal error config file")
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server:  serverCfg(1024),
			Storage: StorageConfig{Type: "disk", Path: "/tmp/blobs"},
			Log:     LogConfig{Level: "info"},
		}
	}

	cfg := base()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int64(1024), cfg.Ingest.MaxBytes)

	cfg = base()
	cfg.Storage.Type = "ftp"
	assert.ErrorContains(t, cfg.Validate(), "unsupported storage type")

	cfg = base()
	cfg.Storage.Type = "s3"
	assert.ErrorContains(t, cfg.Validate(), "bucket is required")

	cfg = base()
	cfg.Storage.Path = ""
	assert.ErrorContains(t, cfg.Validate(), "storage.path")

	cfg = base()
	cfg.Log.Level = "loud"
	assert.ErrorContains(t, cfg.Validate(), "invalid log.level")
}

func serverCfg(maxBytes int64) server.Config {
	return server.Config{Addr: ":0", MaxUploadBytes: maxBytes}
}
