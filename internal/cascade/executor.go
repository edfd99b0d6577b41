// Package cascade runs one generation through an ordered list of providers,
// stopping at the first attempt that yields a durable output.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lumenframe/backend/internal/providers"
	"github.com/lumenframe/backend/internal/storage"
)

// ErrCascadeExhausted matches every *ExhaustedError via errors.Is.
var ErrCascadeExhausted = errors.New("provider cascade exhausted")

var errNoPoller = errors.New("provider returned a pending handle but cannot be polled")

// Step is one provider attempt. A zero Timeout uses the executor default.
type Step struct {
	Provider string
	Model    string
	Timeout  time.Duration
}

// AttemptError records why one step failed.
type AttemptError struct {
	Provider string
	Model    string
	Err      error
}

func (e AttemptError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Provider, e.Model, e.Err)
}

// ExhaustedError is returned when every step failed. It unwraps to the last
// attempt's cause.
type ExhaustedError struct {
	Attempts []AttemptError
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrCascadeExhausted.Error() + ": no providers configured"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return fmt.Sprintf("%s after %d attempts: %s", ErrCascadeExhausted, len(e.Attempts), strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrCascadeExhausted
}

// Result is the durable output of a successful cascade.
type Result struct {
	URL       string
	StorageID string
	Provider  string
	Model     string
	Attempts  int
}

// ProviderSource resolves provider names; *providers.Registry implements it.
type ProviderSource interface {
	Get(name string) (providers.Provider, error)
}

type Options struct {
	DefaultTimeout time.Duration
	PollInterval   time.Duration
	Logger         *slog.Logger
}

type Executor struct {
	providers      ProviderSource
	store          storage.Store
	defaultTimeout time.Duration
	pollInterval   time.Duration
	log            *slog.Logger
}

func NewExecutor(src ProviderSource, store storage.Store, opts Options) *Executor {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		providers:      src,
		store:          store,
		defaultTimeout: opts.DefaultTimeout,
		pollInterval:   opts.PollInterval,
		log:            opts.Logger,
	}
}

// Execute tries each step in order. Every attempt gets its own timeout and
// counts as failed on provider errors, empty output, timeouts or a failed
// re-host. req.RequestID is used as the storage key suffix.
func (e *Executor) Execute(ctx context.Context, req providers.Request, steps []Step) (*Result, error) {
	var attempts []AttemptError
	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, AttemptError{Provider: step.Provider, Model: step.Model, Err: err})
			break
		}
		res, err := e.attempt(ctx, req, step)
		if err == nil {
			res.Attempts = i + 1
			e.log.Info("cascade attempt succeeded", "request_id", req.RequestID, "provider", step.Provider,
				"model", step.Model, "attempt", i+1)
			return res, nil
		}
		e.log.Warn("cascade attempt failed", "request_id", req.RequestID, "provider", step.Provider,
			"model", step.Model, "attempt", i+1, "error", err)
		attempts = append(attempts, AttemptError{Provider: step.Provider, Model: step.Model, Err: err})
	}
	return nil, &ExhaustedError{Attempts: attempts}
}

func (e *Executor) attempt(ctx context.Context, req providers.Request, step Step) (*Result, error) {
	p, err := e.providers.Get(step.Provider)
	if err != nil {
		return nil, err
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req.Model = step.Model
	out, err := p.Generate(actx, req)
	if err == nil {
		out, err = e.resolve(actx, p, out)
	}
	if err == nil {
		var src storage.Source
		if src, err = sourceOf(out); err == nil {
			var obj *storage.Object
			key := strings.Trim(req.MediaKind+"/"+req.RequestID, "/")
			if obj, err = e.store.Rehost(actx, key, src); err == nil {
				return &Result{URL: obj.URL, StorageID: obj.ID, Provider: p.Name(), Model: step.Model}, nil
			}
			err = fmt.Errorf("rehost: %w", err)
		}
	}
	if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("attempt timed out after %s: %w", timeout, err)
	}
	return nil, err
}

// resolve polls pending outputs until they settle or ctx expires.
func (e *Executor) resolve(ctx context.Context, p providers.Provider, out *providers.Output) (*providers.Output, error) {
	if err := out.Validate(); err != nil {
		return nil, err
	}
	if out.Kind != providers.OutputPending {
		return out, nil
	}
	poller, ok := p.(providers.Poller)
	if !ok {
		return nil, errNoPoller
	}
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		next, err := poller.Poll(ctx, out.Handle)
		if err != nil {
			return nil, err
		}
		if err := next.Validate(); err != nil {
			return nil, err
		}
		if next.Kind != providers.OutputPending {
			return next, nil
		}
		out = next
	}
}

// sourceOf turns a settled output into something storage can re-host. URL
// outputs that are data URIs are decoded into inline payloads.
func sourceOf(out *providers.Output) (storage.Source, error) {
	switch out.Kind {
	case providers.OutputInline:
		return storage.Source{Data: out.Data, ContentType: out.MIME}, nil
	case providers.OutputURL:
		u := out.URL()
		data, mime, isData, err := providers.DecodeDataURI(u)
		if err != nil {
			return storage.Source{}, err
		}
		if isData {
			if len(data) == 0 {
				return storage.Source{}, providers.ErrEmptyOutput
			}
			return storage.Source{Data: data, ContentType: mime}, nil
		}
		return storage.Source{URL: u}, nil
	}
	return storage.Source{}, fmt.Errorf("%w: unsettled output %s", providers.ErrEmptyOutput, out.Kind)
}
