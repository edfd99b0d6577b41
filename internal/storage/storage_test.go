package storage

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUploader struct {
	file   interface{}
	params uploader.UploadParams
	result *uploader.UploadResult
	err    error
}

func (f *fakeUploader) Upload(_ context.Context, file interface{}, params uploader.UploadParams) (*uploader.UploadResult, error) {
	f.file, f.params = file, params
	return f.result, f.err
}

func TestCloudinaryRehostRemoteURL(t *testing.T) {
	up := &fakeUploader{result: &uploader.UploadResult{SecureURL: "https://res.cloudinary.com/x/image/upload/gen/image/j1.png", PublicID: "gen/image/j1"}}
	store := NewCloudinaryStoreWith(up, "gen")

	obj, err := store.Rehost(context.Background(), "image/j1", Source{URL: "https://fal.media/out.png"})
	require.NoError(t, err)
	assert.Equal(t, "https://res.cloudinary.com/x/image/upload/gen/image/j1.png", obj.URL)
	assert.Equal(t, "gen/image/j1", obj.ID)
	assert.Equal(t, "https://fal.media/out.png", up.file)
	assert.Equal(t, "j1", up.params.PublicID)
	assert.Equal(t, "gen/image", up.params.Folder)
	assert.Equal(t, "auto", up.params.ResourceType)
}

func TestCloudinaryRehostInlineData(t *testing.T) {
	up := &fakeUploader{result: &uploader.UploadResult{SecureURL: "https://res.cloudinary.com/v.mp4", PublicID: "v"}}
	store := NewCloudinaryStoreWith(up, "")

	_, err := store.Rehost(context.Background(), "video/j2", Source{Data: []byte("mp4"), ContentType: "video/mp4"})
	require.NoError(t, err)
	r, ok := up.file.(io.Reader)
	require.True(t, ok, "inline data is streamed")
	b, _ := io.ReadAll(r)
	assert.Equal(t, []byte("mp4"), b)
}

func TestCloudinaryRehostErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewCloudinaryStoreWith(&fakeUploader{}, "").Rehost(ctx, "k", Source{})
	assert.ErrorIs(t, err, ErrEmptySource)

	boom := errors.New("network")
	_, err = NewCloudinaryStoreWith(&fakeUploader{err: boom}, "").Rehost(ctx, "k", Source{URL: "https://x"})
	assert.ErrorIs(t, err, boom)

	rejected := &uploader.UploadResult{Error: api.ErrorResp{Message: "Invalid image file"}}
	_, err = NewCloudinaryStoreWith(&fakeUploader{result: rejected}, "").Rehost(ctx, "k", Source{URL: "https://x"})
	assert.ErrorContains(t, err, "Invalid image file")

	_, err = NewCloudinaryStoreWith(&fakeUploader{result: &uploader.UploadResult{}}, "").Rehost(ctx, "k", Source{URL: "https://x"})
	assert.Error(t, err)
}

func TestFileStoreRehostInlineAndRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	store, err := NewFileStore(dir, "http://localhost:8080/media/")
	require.NoError(t, err)
	ctx := context.Background()

	obj, err := store.Rehost(ctx, "image/j1", Source{Data: []byte("png-bytes"), ContentType: "image/png"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/media/image/j1.png", obj.URL)
	got, err := os.ReadFile(filepath.Join(dir, "image", "j1.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), got)

	obj, err = store.Rehost(ctx, "image/j2", Source{URL: srv.URL + "/out"})
	require.NoError(t, err)
	assert.Equal(t, "image/j2.jpg", obj.ID)
}

func TestSanitizeKey(t *testing.T) {
	for _, bad := range []string{"", "  ", "..", "../etc/passwd", "a/../../b"} {
		_, err := sanitizeKey(bad)
		assert.Error(t, err, bad)
	}
	k, err := sanitizeKey("/image//j1")
	require.NoError(t, err)
	assert.Equal(t, "image/j1", k)
}
