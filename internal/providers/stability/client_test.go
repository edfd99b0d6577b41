package stability

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenframe/backend/internal/models"
	"github.com/lumenframe/backend/internal/providers"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake")

func TestImageToImageReturnsInline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/source.png":
			_, _ = w.Write(pngBytes)
		case "/v2beta/stable-image/generate/sd3":
			assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
			assert.Equal(t, "application/json", r.Header.Get("Accept"))
			if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
				return
			}
			assert.Equal(t, "image-to-image", r.FormValue("mode"))
			assert.Equal(t, "a lighthouse", r.FormValue("prompt"))
			assert.Equal(t, "42", r.FormValue("seed"))
			f, _, err := r.FormFile("image")
			if assert.NoError(t, err) {
				got, _ := io.ReadAll(f)
				assert.Equal(t, pngBytes, got)
			}
			_, _ = w.Write([]byte(`{"image":"` + base64.StdEncoding.EncodeToString([]byte("result")) + `","finish_reason":"SUCCESS"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	seed := int64(42)
	c := NewClient(Options{APIKey: "key", BaseURL: srv.URL, HTTPClient: srv.Client()})
	out, err := c.Generate(context.Background(), providers.Request{
		MediaKind: models.MediaKindImage,
		Prompt:    "a lighthouse",
		SourceURL: srv.URL + "/source.png",
		Params:    models.GenerationParams{Seed: &seed},
	})
	require.NoError(t, err)
	assert.Equal(t, providers.OutputInline, out.Kind)
	assert.Equal(t, []byte("result"), out.Data)
	assert.Equal(t, "image/png", out.MIME)
}

func TestFilteredImageIsAFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"image":"","finish_reason":"CONTENT_FILTERED"}`))
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "key", BaseURL: srv.URL, HTTPClient: srv.Client()})
	_, err := c.Generate(context.Background(), providers.Request{MediaKind: models.MediaKindImage, Prompt: "x"})
	var perr *providers.Error
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Body, "CONTENT_FILTERED")
}

func TestImageToVideoPolls(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/source.png":
			_, _ = w.Write(pngBytes)
		case "/v2beta/image-to-video":
			_, _ = w.Write([]byte(`{"id":"gen-1"}`))
		case "/v2beta/image-to-video/result/gen-1":
			polls++
			if polls == 1 {
				w.WriteHeader(http.StatusAccepted)
				_, _ = w.Write([]byte(`{"status":"in-progress"}`))
				return
			}
			_, _ = w.Write([]byte(`{"video":"` + base64.StdEncoding.EncodeToString([]byte("mp4")) + `","finish_reason":"SUCCESS"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "key", BaseURL: srv.URL, HTTPClient: srv.Client()})
	ctx := context.Background()
	out, err := c.Generate(ctx, providers.Request{MediaKind: models.MediaKindVideo, SourceURL: srv.URL + "/source.png"})
	require.NoError(t, err)
	require.Equal(t, providers.OutputPending, out.Kind)
	assert.Equal(t, "gen-1", out.Handle)

	out, err = c.Poll(ctx, "gen-1")
	require.NoError(t, err)
	assert.Equal(t, providers.OutputPending, out.Kind)

	out, err = c.Poll(ctx, "gen-1")
	require.NoError(t, err)
	assert.Equal(t, providers.OutputInline, out.Kind)
	assert.Equal(t, "video/mp4", out.MIME)
}

func TestVideoNeedsSourceImage(t *testing.T) {
	c := NewClient(Options{APIKey: "key"})
	_, err := c.Generate(context.Background(), providers.Request{MediaKind: models.MediaKindVideo})
	var perr *providers.Error
	assert.ErrorAs(t, err, &perr)
}
