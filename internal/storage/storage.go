// Package storage re-hosts provider outputs so job results never point at
// short-lived provider URLs.
package storage

import (
	"context"
	"errors"
	"mime"
	"strings"
)

var ErrEmptySource = errors.New("storage: source has neither url nor data")

// Source is either a remote URL or an inline payload.
type Source struct {
	URL         string
	Data        []byte
	ContentType string
}

// Object is a durable copy of a generation output.
type Object struct {
	URL string
	ID  string
}

type Store interface {
	Rehost(ctx context.Context, key string, src Source) (*Object, error)
}

func (s Source) validate() error {
	if strings.TrimSpace(s.URL) == "" && len(s.Data) == 0 {
		return ErrEmptySource
	}
	return nil
}

// extension picks a file extension for a content type, preferring the
// common short forms.
func extension(contentType string) string {
	ct, _, _ := mime.ParseMediaType(contentType)
	switch ct {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "":
		return ""
	}
	if exts, err := mime.ExtensionsByType(ct); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
