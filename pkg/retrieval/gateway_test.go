package retrieval

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"resumevault/pkg/auth"
	"resumevault/pkg/blobstore"
	"resumevault/pkg/errs"
	"resumevault/pkg/ingest"
	"resumevault/pkg/meta"
	"resumevault/pkg/parser"
	"resumevault/pkg/storage/compress"
	"resumevault/pkg/storage/disk"
	"resumevault/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// switchParser 按需失败
type switchParser struct{ fail bool }

func (p *switchParser) Parse(_ context.Context, doc parser.Document) (*parser.Result, error) {
	if p.fail {
		return nil, &parser.StatusError{Code: 502, Body: "nlp service down"}
	}
	_, _ = io.Copy(io.Discard, doc.Body)
	return &parser.Result{RawText: "ok", Links: []string{}}, nil
}

type fixture struct {
	gateway  *Gateway
	pipeline *ingest.Pipeline
	parser   *switchParser
	auth     *auth.Authenticator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	db, err := meta.NewDB(ctx, meta.Config{Driver: "sqlite", Path: filepath.Join(dir, "meta.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := meta.NewRepository(db)

	backend, err := disk.NewAdapter(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	blobs := blobstore.New(repo, backend, blobstore.Options{Codec: compress.CodecZstd})

	hash, err := bcrypt.GenerateFromPassword([]byte("password-123"), bcrypt.MinCost)
	require.NoError(t, err)
	authn := auth.NewAuthenticator(repo, auth.Config{
		APIToken: "admin-token",
		Users: []auth.User{
			{Email: "alice@example.com", PasswordHash: string(hash)},
			{Email: "mallory@example.com", PasswordHash: string(hash)},
		},
		SessionTTL: time.Hour,
	})

	p := &switchParser{}
	return &fixture{
		gateway:  NewGateway(blobs, repo),
		pipeline: ingest.NewPipeline(blobs, p, ingest.NewMetaRecorder(repo), ingest.Config{ScratchDir: dir}),
		parser:   p,
		auth:     authn,
	}
}

func (f *fixture) admin(t *testing.T) *auth.Caller {
	t.Helper()
	c, err := f.auth.Authenticate(context.Background(), "admin-token")
	require.NoError(t, err)
	return c
}

func (f *fixture) user(t *testing.T, email string) *auth.Caller {
	t.Helper()
	res, err := f.auth.Login(context.Background(), email, "password-123", auth.RoleUser)
	require.NoError(t, err)
	return res.Caller
}

// upload 走完整流水线
func (f *fixture) upload(t *testing.T, body, owner string) types.Hash {
	t.Helper()
	res, err := f.pipeline.Ingest(context.Background(), ingest.Request{
		Body:        bytes.NewReader([]byte(body)),
		Filename:    "cv.pdf",
		ContentType: types.ContentTypePDF,
		Owner:       owner,
	})
	if f.parser.fail {
		require.True(t, errs.IsParse(err), "expected parse failure, got %v", err)
	} else {
		require.NoError(t, err)
	}
	require.NotNil(t, res)
	return res.Fingerprint
}

func readDownload(t *testing.T, d *Download) []byte {
	t.Helper()
	defer d.Stream.Close()
	data, err := io.ReadAll(d.Stream)
	require.NoError(t, err)
	return data
}

func TestGateway_ParseFailureStillRetrievable(t *testing.T) {
	f := setup(t)
	f.parser.fail = true
	fp := f.upload(t, "PDF-CONTENT-PARSE-FAILS", "")

	d, err := f.gateway.Fetch(context.Background(), fp.String(), f.admin(t))
	require.NoError(t, err)
	assert.Equal(t, fp, d.Fingerprint)
	assert.Equal(t, types.ContentTypePDF, d.ContentType)
	assert.Equal(t, "cv.pdf", d.Filename)
	assert.Equal(t, int64(len("PDF-CONTENT-PARSE-FAILS")), d.Size)
	assert.Equal(t, []byte("PDF-CONTENT-PARSE-FAILS"), readDownload(t, d))
}

func TestGateway_UnauthorizedBeforeLookup(t *testing.T) {
	f := setup(t)
	fp := f.upload(t, "PDF-SECRET", "")

	forged := &auth.Caller{Subject: "admin", Role: auth.RoleAdmin}
	for name, caller := range map[string]*auth.Caller{"nil": nil, "forged": forged} {
		t.Run(name, func(t *testing.T) {
			_, err := f.gateway.Fetch(context.Background(), fp.String(), caller)
			assert.ErrorIs(t, err, errs.ErrUnauthorized)
			assert.False(t, errs.IsNotFound(err), "existing blob must report authorization, not not-found")

			// 不存在的标识也是同样的错误，不泄露存在性
			_, err = f.gateway.Fetch(context.Background(), "ffffffff", caller)
			assert.ErrorIs(t, err, errs.ErrUnauthorized)
		})
	}
}

func TestGateway_NotFound(t *testing.T) {
	f := setup(t)
	missing := types.Hash("0000000000000000000000000000000000000000000000000000000000000000")

	_, err := f.gateway.Fetch(context.Background(), missing.String(), f.admin(t))
	assert.True(t, errs.IsNotFound(err))
	assert.False(t, errs.IsUnauthorized(err))

	_, err = f.gateway.Fetch(context.Background(), "not a hash", f.admin(t))
	assert.True(t, errs.IsNotFound(err))
}

func TestGateway_OwnerAccess(t *testing.T) {
	f := setup(t)
	fp := f.upload(t, "PDF-ALICE", "alice@example.com")

	d, err := f.gateway.Fetch(context.Background(), fp.String()[:12], f.user(t, "alice@example.com"))
	require.NoError(t, err, "owners may fetch by prefix")
	assert.Equal(t, []byte("PDF-ALICE"), readDownload(t, d))

	_, err = f.gateway.Fetch(context.Background(), fp.String(), f.user(t, "mallory@example.com"))
	assert.ErrorIs(t, err, errs.ErrUnauthorized, "other users may not fetch")
}

func TestGateway_UserCannotDistinguishMissingFromForeign(t *testing.T) {
	f := setup(t)
	fp := f.upload(t, "PDF-ALICE-PRIVATE", "alice@example.com")
	missing := types.Hash("0000000000000000000000000000000000000000000000000000000000000000")
	mallory := f.user(t, "mallory@example.com")

	_, foreignErr := f.gateway.Fetch(context.Background(), fp.String(), mallory)
	_, missingErr := f.gateway.Fetch(context.Background(), missing.String(), mallory)
	_, garbageErr := f.gateway.Fetch(context.Background(), "not a hash", mallory)

	assert.ErrorIs(t, foreignErr, errs.ErrUnauthorized)
	assert.ErrorIs(t, missingErr, errs.ErrUnauthorized)
	assert.ErrorIs(t, garbageErr, errs.ErrUnauthorized)
	assert.Equal(t, foreignErr.Error(), missingErr.Error())
	assert.False(t, errs.IsNotFound(missingErr))

	// 管理员仍然能看到真实原因
	_, err := f.gateway.Fetch(context.Background(), missing.String(), f.admin(t))
	assert.True(t, errs.IsNotFound(err))
}

func TestGateway_SharedBlobOwnership(t *testing.T) {
	f := setup(t)
	// 两个用户上传相同内容：同一个 Blob，两人都能下载
	fpA := f.upload(t, "PDF-SHARED", "alice@example.com")
	fpM := f.upload(t, "PDF-SHARED", "mallory@example.com")
	require.Equal(t, fpA, fpM)

	for _, who := range []string{"alice@example.com", "mallory@example.com"} {
		d, err := f.gateway.Fetch(context.Background(), fpA.String(), f.user(t, who))
		require.NoError(t, err, who)
		assert.Equal(t, []byte("PDF-SHARED"), readDownload(t, d))
	}
}
