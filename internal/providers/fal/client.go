// Package fal calls the fal.ai queue API. Every submission is asynchronous:
// the returned handle is the request's response URL.
package fal

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lumenframe/backend/internal/providers"
)

const name = "fal"

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
		baseURL = "https://queue.fal.run"
	}
	return &Client{apiKey: strings.TrimSpace(opts.APIKey), baseURL: baseURL, httpClient: httpClient}
}

var (
	_ providers.Provider = (*Client)(nil)
	_ providers.Poller   = (*Client)(nil)
)

func (c *Client) Name() string { return name }

type submitRequest struct {
	Prompt            string   `json:"prompt"`
	ImageURL          string   `json:"image_url,omitempty"`
	Strength          *float64 `json:"strength,omitempty"`
	GuidanceScale     *float64 `json:"guidance_scale,omitempty"`
	NumInferenceSteps *int     `json:"num_inference_steps,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
}

type submitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type file struct {
	URL string `json:"url"`
}

type resultResponse struct {
	Images []file `json:"images"`
	Image  *file  `json:"image"`
	Video  *file  `json:"video"`
}

func (c *Client) Generate(ctx context.Context, req providers.Request) (*providers.Output, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%s: %w", name, providers.ErrMissingAPIKey)
	}
	if strings.TrimSpace(req.Model) == "" {
		return nil, &providers.Error{Provider: name, Body: "model is required"}
	}
	payload := submitRequest{
		Prompt:            req.Prompt,
		ImageURL:          req.SourceURL,
		GuidanceScale:     req.Params.Guidance,
		NumInferenceSteps: req.Params.Steps,
		Seed:              req.Params.Seed,
	}
	if !req.IsVideo() {
		payload.Strength = req.Params.Strength
	}
	httpReq, err := c.request(ctx, http.MethodPost, c.baseURL+"/"+strings.Trim(req.Model, "/"), payload)
	if err != nil {
		return nil, err
	}
	var out submitResponse
	if _, err := providers.DoJSON(c.httpClient, name, httpReq, &out); err != nil {
		return nil, err
	}
	if out.ResponseURL == "" {
		return nil, fmt.Errorf("%s: %w: missing response url", name, providers.ErrEmptyOutput)
	}
	return providers.PendingOutput(out.ResponseURL), nil
}

// Poll checks the request status and fetches the result once completed.
func (c *Client) Poll(ctx context.Context, handle string) (*providers.Output, error) {
	httpReq, err := c.request(ctx, http.MethodGet, strings.TrimRight(handle, "/")+"/status", nil)
	if err != nil {
		return nil, err
	}
	var st statusResponse
	if _, err := providers.DoJSON(c.httpClient, name, httpReq, &st); err != nil {
		return nil, err
	}
	switch strings.ToUpper(st.Status) {
	case "IN_QUEUE", "IN_PROGRESS":
		return providers.PendingOutput(handle), nil
	case "COMPLETED":
	default:
		return nil, &providers.Error{Provider: name, Body: fmt.Sprintf("status %q %s", st.Status, st.Error)}
	}
	if st.Error != "" {
		return nil, &providers.Error{Provider: name, Body: st.Error}
	}

	httpReq, err = c.request(ctx, http.MethodGet, handle, nil)
	if err != nil {
		return nil, err
	}
	var res resultResponse
	if _, err := providers.DoJSON(c.httpClient, name, httpReq, &res); err != nil {
		return nil, err
	}
	var urls []string
	for _, f := range res.Images {
		urls = append(urls, f.URL)
	}
	if res.Image != nil {
		urls = append(urls, res.Image.URL)
	}
	if res.Video != nil {
		urls = append(urls, res.Video.URL)
	}
	out := providers.URLOutput(urls...)
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, method, endpoint string, payload any) (*http.Request, error) {
	httpReq, err := providers.NewJSONRequest(ctx, method, endpoint, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	httpReq.Header.Set("Authorization", "Key "+c.apiKey)
	return httpReq, nil
}
