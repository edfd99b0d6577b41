// Package stability calls the Stability AI v2beta REST API.
package stability

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/lumenframe/backend/internal/providers"
)

const name = "stability"

type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = providers.DefaultHTTPClient(opts.RequestTimeout)
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.stability.ai"
	}
	return &Client{apiKey: strings.TrimSpace(opts.APIKey), baseURL: baseURL, httpClient: httpClient}
}

var (
	_ providers.Provider = (*Client)(nil)
	_ providers.Poller   = (*Client)(nil)
)

func (c *Client) Name() string { return name }

type imageResponse struct {
	Image        string `json:"image"`
	FinishReason string `json:"finish_reason"`
}

type videoStartResponse struct {
	ID string `json:"id"`
}

type videoResultResponse struct {
	Video        string `json:"video"`
	FinishReason string `json:"finish_reason"`
	Status       string `json:"status"`
}

func (c *Client) Generate(ctx context.Context, req providers.Request) (*providers.Output, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%s: %w", name, providers.ErrMissingAPIKey)
	}
	if req.IsVideo() {
		return c.startVideo(ctx, req)
	}
	return c.generateImage(ctx, req)
}

func (c *Client) generateImage(ctx context.Context, req providers.Request) (*providers.Output, error) {
	fields := map[string]string{
		"prompt":        req.Prompt,
		"output_format": "png",
	}
	if req.Model != "" {
		fields["model"] = req.Model
	}
	if s := req.Params.Seed; s != nil {
		fields["seed"] = strconv.FormatInt(*s, 10)
	}
	var image []byte
	if req.SourceURL != "" {
		data, _, err := providers.Download(ctx, c.httpClient, req.SourceURL)
		if err != nil {
			return nil, fmt.Errorf("%s: source image: %w", name, err)
		}
		image = data
		fields["mode"] = "image-to-image"
		strength := 0.6
		if s := req.Params.Strength; s != nil {
			strength = *s
		}
		fields["strength"] = strconv.FormatFloat(strength, 'f', -1, 64)
	}
	httpReq, err := c.multipart(ctx, "/v2beta/stable-image/generate/sd3", fields, image)
	if err != nil {
		return nil, err
	}
	var out imageResponse
	if _, err := providers.DoJSON(c.httpClient, name, httpReq, &out); err != nil {
		return nil, err
	}
	if out.FinishReason != "" && out.FinishReason != "SUCCESS" {
		return nil, &providers.Error{Provider: name, Body: "finish reason " + out.FinishReason}
	}
	if out.Image == "" {
		return nil, fmt.Errorf("%s: %w", name, providers.ErrEmptyOutput)
	}
	return providers.InlineFromBase64(out.Image, "image/png")
}

func (c *Client) startVideo(ctx context.Context, req providers.Request) (*providers.Output, error) {
	if req.SourceURL == "" {
		return nil, &providers.Error{Provider: name, Body: "image-to-video requires a source image"}
	}
	image, _, err := providers.Download(ctx, c.httpClient, req.SourceURL)
	if err != nil {
		return nil, fmt.Errorf("%s: source image: %w", name, err)
	}
	fields := map[string]string{}
	if s := req.Params.Seed; s != nil {
		fields["seed"] = strconv.FormatInt(*s, 10)
	}
	if g := req.Params.Guidance; g != nil {
		fields["cfg_scale"] = strconv.FormatFloat(*g, 'f', -1, 64)
	}
	httpReq, err := c.multipart(ctx, "/v2beta/image-to-video", fields, image)
	if err != nil {
		return nil, err
	}
	var out videoStartResponse
	if _, err := providers.DoJSON(c.httpClient, name, httpReq, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("%s: %w: missing generation id", name, providers.ErrEmptyOutput)
	}
	return providers.PendingOutput(out.ID), nil
}

// Poll fetches an image-to-video result; 202 means still running.
func (c *Client) Poll(ctx context.Context, handle string) (*providers.Output, error) {
	httpReq, err := providers.NewJSONRequest(ctx, http.MethodGet, c.baseURL+"/v2beta/image-to-video/result/"+handle, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	var out videoResultResponse
	status, err := providers.DoJSON(c.httpClient, name, httpReq, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusAccepted {
		return providers.PendingOutput(handle), nil
	}
	if out.FinishReason != "" && out.FinishReason != "SUCCESS" {
		return nil, &providers.Error{Provider: name, Status: status, Body: "finish reason " + out.FinishReason}
	}
	if out.Video == "" {
		return nil, fmt.Errorf("%s: %w", name, providers.ErrEmptyOutput)
	}
	return providers.InlineFromBase64(out.Video, "video/mp4")
}

func (c *Client) multipart(ctx context.Context, path string, fields map[string]string, image []byte) (*http.Request, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("%s: encode form: %w", name, err)
		}
	}
	if image != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="image"; filename="source"`)
		h.Set("Content-Type", http.DetectContentType(image))
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, fmt.Errorf("%s: encode image: %w", name, err)
		}
		if _, err := part.Write(image); err != nil {
			return nil, fmt.Errorf("%s: encode image: %w", name, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%s: encode form: %w", name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", name, err)
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	return httpReq, nil
}
