package fal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenframe/backend/internal/models"
	"github.com/lumenframe/backend/internal/providers"
)

func TestSubmitAndPollImage(t *testing.T) {
	var srvURL string
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Key secret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/fal-ai/flux/dev/image-to-image":
			var body submitRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "a red fox", body.Prompt)
			assert.Equal(t, "https://src.example.com/in.png", body.ImageURL)
			if assert.NotNil(t, body.Strength) {
				assert.InDelta(t, 0.7, *body.Strength, 1e-9)
			}
			_ = json.NewEncoder(w).Encode(submitResponse{
				RequestID:   "req-1",
				ResponseURL: srvURL + "/fal-ai/flux/requests/req-1",
			})
		case r.URL.Path == "/fal-ai/flux/requests/req-1/status":
			polls++
			status := "IN_PROGRESS"
			if polls > 1 {
				status = "COMPLETED"
			}
			_ = json.NewEncoder(w).Encode(statusResponse{Status: status})
		case r.URL.Path == "/fal-ai/flux/requests/req-1":
			_, _ = w.Write([]byte(`{"images":[{"url":"https://fal.media/out.png"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	srvURL = srv.URL

	c := NewClient(Options{APIKey: "secret", BaseURL: srv.URL, HTTPClient: srv.Client()})
	strength := 0.7
	out, err := c.Generate(context.Background(), providers.Request{
		MediaKind: "image",
		Model:     "fal-ai/flux/dev/image-to-image",
		Prompt:    "a red fox",
		SourceURL: "https://src.example.com/in.png",
		Params:    models.GenerationParams{Strength: &strength},
	})
	require.NoError(t, err)
	require.Equal(t, providers.OutputPending, out.Kind)

	out, err = c.Poll(context.Background(), out.Handle)
	require.NoError(t, err)
	assert.Equal(t, providers.OutputPending, out.Kind)

	out, err = c.Poll(context.Background(), out.Handle)
	require.NoError(t, err)
	assert.Equal(t, providers.OutputURL, out.Kind)
	assert.Equal(t, "https://fal.media/out.png", out.URL())
}

func TestPollVideoResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/r/status" {
			_, _ = w.Write([]byte(`{"status":"COMPLETED"}`))
			return
		}
		_, _ = w.Write([]byte(`{"video":{"url":"https://fal.media/out.mp4"}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "secret", HTTPClient: srv.Client()})
	out, err := c.Poll(context.Background(), srv.URL+"/r")
	require.NoError(t, err)
	assert.Equal(t, "https://fal.media/out.mp4", out.URL())
}

func TestPollEmptyResultFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/r/status" {
			_, _ = w.Write([]byte(`{"status":"COMPLETED"}`))
			return
		}
		_, _ = w.Write([]byte(`{"images":[]}`))
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "secret", HTTPClient: srv.Client()})
	_, err := c.Poll(context.Background(), srv.URL+"/r")
	assert.ErrorIs(t, err, providers.ErrEmptyOutput)
}

func TestGenerateWithoutKey(t *testing.T) {
	_, err := NewClient(Options{}).Generate(context.Background(), providers.Request{Model: "m"})
	assert.ErrorIs(t, err, providers.ErrMissingAPIKey)
}
