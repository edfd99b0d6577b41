// Package replicate calls the Replicate predictions API.
package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lumenframe/backend/internal/providers"
)

const name = "replicate"

type Options struct {
	APIKey         string
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	// WaitSeconds is sent as "Prefer: wait=N"; zero uses 60.
	WaitSeconds int
}

type Client struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	waitSeconds int
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = providers.DefaultHTTPClient(opts.RequestTimeout)
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.replicate.com"
	}
	wait := opts.WaitSeconds
	if wait <= 0 {
		wait = 60
	}
	return &Client{apiKey: strings.TrimSpace(opts.APIKey), baseURL: baseURL, httpClient: httpClient, waitSeconds: wait}
}

var (
	_ providers.Provider = (*Client)(nil)
	_ providers.Poller   = (*Client)(nil)
)

func (c *Client) Name() string { return name }

type input struct {
	Prompt            string   `json:"prompt"`
	Image             string   `json:"image,omitempty"`
	PromptStrength    *float64 `json:"prompt_strength,omitempty"`
	Guidance          *float64 `json:"guidance,omitempty"`
	NumInferenceSteps *int     `json:"num_inference_steps,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
}

type predictionRequest struct {
	Version string `json:"version,omitempty"`
	Input   input  `json:"input"`
}

type prediction struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  any             `json:"error"`
	URLs   struct {
		Get string `json:"get"`
	} `json:"urls"`
}

// Generate creates a prediction. Models given as "owner/name" use the model
// endpoint; "owner/name:version" or a bare version hash use /v1/predictions.
func (c *Client) Generate(ctx context.Context, req providers.Request) (*providers.Output, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("%s: %w", name, providers.ErrMissingAPIKey)
	}
	model := strings.Trim(strings.TrimSpace(req.Model), "/")
	if model == "" {
		return nil, &providers.Error{Provider: name, Body: "model is required"}
	}
	body := predictionRequest{Input: input{
		Prompt:            req.Prompt,
		Image:             req.SourceURL,
		Guidance:          req.Params.Guidance,
		NumInferenceSteps: req.Params.Steps,
		Seed:              req.Params.Seed,
	}}
	if !req.IsVideo() {
		body.Input.PromptStrength = req.Params.Strength
	}
	endpoint := c.baseURL + "/v1/models/" + model + "/predictions"
	if _, version, ok := strings.Cut(model, ":"); ok {
		body.Version = version
		endpoint = c.baseURL + "/v1/predictions"
	} else if !strings.Contains(model, "/") {
		body.Version = model
		endpoint = c.baseURL + "/v1/predictions"
	}
	httpReq, err := c.request(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Prefer", fmt.Sprintf("wait=%d", c.waitSeconds))
	var p prediction
	if _, err := providers.DoJSON(c.httpClient, name, httpReq, &p); err != nil {
		return nil, err
	}
	return toOutput(p)
}

// Poll fetches the prediction behind its urls.get handle.
func (c *Client) Poll(ctx context.Context, handle string) (*providers.Output, error) {
	httpReq, err := c.request(ctx, http.MethodGet, handle, nil)
	if err != nil {
		return nil, err
	}
	var p prediction
	if _, err := providers.DoJSON(c.httpClient, name, httpReq, &p); err != nil {
		return nil, err
	}
	if p.URLs.Get == "" {
		p.URLs.Get = handle
	}
	return toOutput(p)
}

func toOutput(p prediction) (*providers.Output, error) {
	switch p.Status {
	case "succeeded":
		urls, err := outputURLs(p.Output)
		if err != nil {
			return nil, &providers.Error{Provider: name, Body: "malformed output: " + err.Error()}
		}
		out := providers.URLOutput(urls...)
		if err := out.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return out, nil
	case "failed", "canceled":
		return nil, &providers.Error{Provider: name, Body: fmt.Sprintf("prediction %s %s: %v", p.ID, p.Status, p.Error)}
	}
	if p.URLs.Get == "" {
		return nil, fmt.Errorf("%s: %w: prediction %s has no poll url", name, providers.ErrEmptyOutput, p.ID)
	}
	return providers.PendingOutput(p.URLs.Get), nil
}

// outputURLs accepts the two shapes Replicate models return: a single URL
// string or an array of URL strings.
func outputURLs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, err
	}
	return many, nil
}

func (c *Client) request(ctx context.Context, method, endpoint string, payload any) (*http.Request, error) {
	httpReq, err := providers.NewJSONRequest(ctx, method, endpoint, payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	return httpReq, nil
}
