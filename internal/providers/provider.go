// Package providers defines the contract shared by the external generation
// APIs and the normalized output they produce.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lumenframe/backend/internal/models"
)

var (
	// ErrEmptyOutput means a provider answered successfully but with nothing usable.
	ErrEmptyOutput     = errors.New("provider returned no output")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrMissingAPIKey   = errors.New("provider api key is not configured")
)

// Request is the provider-neutral generation input.
type Request struct {
	RequestID string
	MediaKind string
	Model     string
	Prompt    string
	SourceURL string
	Params    models.GenerationParams
}

// IsVideo reports whether the request targets a video model.
func (r Request) IsVideo() bool {
	return r.MediaKind == models.MediaKindVideo
}

type OutputKind int

const (
	OutputURL OutputKind = iota + 1
	OutputInline
	OutputPending
)

func (k OutputKind) String() string {
	switch k {
	case OutputURL:
		return "url"
	case OutputInline:
		return "inline"
	case OutputPending:
		return "pending"
	default:
		return "unknown"
	}
}

// Output is one of: remote URLs, an inline payload, or a pending handle that
// must be polled.
type Output struct {
	Kind   OutputKind
	URLs   []string
	Data   []byte
	MIME   string
	Handle string
}

func URLOutput(urls ...string) *Output {
	var clean []string
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			clean = append(clean, u)
		}
	}
	return &Output{Kind: OutputURL, URLs: clean}
}

func InlineOutput(data []byte, mime string) *Output {
	return &Output{Kind: OutputInline, Data: data, MIME: mime}
}

func PendingOutput(handle string) *Output {
	return &Output{Kind: OutputPending, Handle: handle}
}

// URL returns the first URL of a URL output.
func (o *Output) URL() string {
	if o == nil || len(o.URLs) == 0 {
		return ""
	}
	return o.URLs[0]
}

// Validate rejects outputs that carry nothing usable for their kind.
func (o *Output) Validate() error {
	if o == nil {
		return ErrEmptyOutput
	}
	switch o.Kind {
	case OutputURL:
		if o.URL() == "" {
			return ErrEmptyOutput
		}
	case OutputInline:
		if len(o.Data) == 0 {
			return ErrEmptyOutput
		}
	case OutputPending:
		if strings.TrimSpace(o.Handle) == "" {
			return fmt.Errorf("%w: pending output without handle", ErrEmptyOutput)
		}
	default:
		return fmt.Errorf("%w: kind %d", ErrEmptyOutput, o.Kind)
	}
	return nil
}

// Provider submits one generation attempt.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Output, error)
}

// Poller resolves pending handles. Poll returns a pending output while the
// remote job is still running.
type Poller interface {
	Poll(ctx context.Context, handle string) (*Output, error)
}

// Error is a non-2xx or otherwise failed provider response. Body is kept for
// diagnostics only.
type Error struct {
	Provider string
	Status   int
	Body     string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Body)
}

// Registry looks providers up by name.
type Registry struct {
	byName map[string]Provider
}

func NewRegistry(list ...Provider) *Registry {
	r := &Registry{byName: make(map[string]Provider, len(list))}
	for _, p := range list {
		if p != nil {
			r.byName[strings.ToLower(p.Name())] = p
		}
	}
	return r
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names lists registered providers in lexical order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
