package services

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/text/unicode/norm"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrValidation can be used with errors.Is to detect rejected requests.
var ErrValidation = errors.New("validation failed")

// Validator checks generation requests against the JSON schema of their
// media kind. Schemas are compiled once from the embedded schemas/ directory.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	schemas := make(map[string]*jsonschema.Schema, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		kind := strings.TrimSuffix(e.Name(), ".json")
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %q: %w", e.Name(), err)
		}
		schemas[kind], err = jsonschema.CompileString("https://lumenframe.dev/schemas/"+kind+".request", string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", kind, err)
		}
	}
	return &Validator{schemas: schemas}, nil
}

// requestDocument is the client-visible request shape the schemas describe.
type requestDocument struct {
	Prompt    string   `json:"prompt"`
	RunID     string   `json:"run_id"`
	SourceURL string   `json:"source_url,omitempty"`
	Strength  *float64 `json:"strength,omitempty"`
	Guidance  *float64 `json:"guidance,omitempty"`
	Steps     *int     `json:"steps,omitempty"`
	Seed      *int64   `json:"seed,omitempty"`
}

// Validate normalizes in (trimmed, NFC prompt; lower-case kind) and rejects it
// when it does not match its kind's schema.
func (v *Validator) Validate(in *SubmitInput) error {
	in.MediaKind = strings.ToLower(strings.TrimSpace(in.MediaKind))
	in.Prompt = NormalizePrompt(in.Prompt)
	in.RunID = strings.TrimSpace(in.RunID)
	in.SourceURL = strings.TrimSpace(in.SourceURL)

	schema, ok := v.schemas[in.MediaKind]
	if !ok {
		return fmt.Errorf("%w: unsupported media kind %q", ErrValidation, in.MediaKind)
	}
	raw, err := json.Marshal(requestDocument{
		Prompt:    in.Prompt,
		RunID:     in.RunID,
		SourceURL: in.SourceURL,
		Strength:  in.Params.Strength,
		Guidance:  in.Params.Guidance,
		Steps:     in.Params.Steps,
		Seed:      in.Params.Seed,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// NormalizePrompt trims the prompt and converts it to Unicode NFC so that
// visually identical prompts compare equal.
func NormalizePrompt(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
