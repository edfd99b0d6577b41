// Package aiml calls the AI/ML API: synchronous image generation and
// asynchronous video generation.
package aiml

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lumenframe/backend/internal/providers"
)

const name = "aiml"

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
		baseURL = "https://api.aimlapi.com"
	}
	return &Client{apiKey: strings.TrimSpace(opts.APIKey), baseURL: baseURL, httpClient: httpClient}
}

var (
	_ providers.Provider = (*Client)(nil)
	_ providers.Poller   = (*Client)(nil)
)

func (c *Client) Name() string { return name }

type generationRequest struct {
	Model             string   `json:"model"`
	Prompt            string   `json:"prompt"`
	ImageURL          string   `json:"image_url,omitempty"`
	Strength          *float64 `json:"strength,omitempty"`
	GuidanceScale     *float64 `json:"guidance_scale,omitempty"`
	NumInferenceSteps *int     `json:"num_inference_steps,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
}

type imageItem struct {
	URL     string `json:"url"`
	B64JSON string `json:"b64_json"`
}

type imageResponse struct {
	Data   []imageItem `json:"data"`
	Images []imageItem `json:"images"`
}

type videoResponse struct {
	ID           string `json:"id"`
	GenerationID string `json:"generation_id"`
	Status       string `json:"status"`
	Error        any    `json:"error"`
	Video        *struct {
		URL string `json:"url"`
	} `json:"video"`
}

func (c *Client) Generate(ctx context.Context, req providers.Request) (*providers.Output, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%s: %w", name, providers.ErrMissingAPIKey)
	}
	payload := generationRequest{
		Model:             req.Model,
		Prompt:            req.Prompt,
		ImageURL:          req.SourceURL,
		GuidanceScale:     req.Params.Guidance,
		NumInferenceSteps: req.Params.Steps,
		Seed:              req.Params.Seed,
	}
	if req.IsVideo() {
		return c.startVideo(ctx, payload)
	}
	payload.Strength = req.Params.Strength

	httpReq, err := c.request(ctx, http.MethodPost, c.baseURL+"/v1/images/generations", payload)
	if err != nil {
		return nil, err
	}
	var out imageResponse
	if _, err := providers.DoJSON(c.httpClient, name, httpReq, &out); err != nil {
		return nil, err
	}
	items := append(out.Data, out.Images...)
	var urls []string
	for _, it := range items {
		if it.URL != "" {
			urls = append(urls, it.URL)
		}
	}
	if len(urls) > 0 {
		return providers.URLOutput(urls...), nil
	}
	for _, it := range items {
		if it.B64JSON != "" {
			return providers.InlineFromBase64(it.B64JSON, "image/png")
		}
	}
	return nil, fmt.Errorf("%s: %w", name, providers.ErrEmptyOutput)
}

func (c *Client) startVideo(ctx context.Context, payload generationRequest) (*providers.Output, error) {
	httpReq, err := c.request(ctx, http.MethodPost, c.baseURL+"/v2/video/generations", payload)
	if err != nil {
		return nil, err
	}
	var out videoResponse
	if _, err := providers.DoJSON(c.httpClient, name, httpReq, &out); err != nil {
		return nil, err
	}
	return c.videoOutput(out)
}

func (c *Client) Poll(ctx context.Context, handle string) (*providers.Output, error) {
	endpoint := c.baseURL + "/v2/video/generations?generation_id=" + url.QueryEscape(handle)
	httpReq, err := c.request(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var out videoResponse
	if _, err := providers.DoJSON(c.httpClient, name, httpReq, &out); err != nil {
		return nil, err
	}
	if out.ID == "" && out.GenerationID == "" {
		out.ID = handle
	}
	return c.videoOutput(out)
}

func (c *Client) videoOutput(out videoResponse) (*providers.Output, error) {
	id := out.GenerationID
	if id == "" {
		id = out.ID
	}
	switch strings.ToLower(out.Status) {
	case "failed", "error":
		return nil, &providers.Error{Provider: name, Body: fmt.Sprintf("generation %s failed: %v", id, out.Error)}
	case "completed":
		if out.Video == nil || out.Video.URL == "" {
			return nil, fmt.Errorf("%s: %w", name, providers.ErrEmptyOutput)
		}
		return providers.URLOutput(out.Video.URL), nil
	}
	if id == "" {
		return nil, fmt.Errorf("%s: %w: missing generation id", name, providers.ErrEmptyOutput)
	}
	return providers.PendingOutput(id), nil
}

func (c *Client) request(ctx context.Context, method, endpoint string, payload any) (*http.Request, error) {
	httpReq, err := providers.NewJSONRequest(ctx, method, endpoint, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	return httpReq, nil
}
