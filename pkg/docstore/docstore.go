// Package docstore is the document-database boundary: JSON documents addressed
// by slash-separated paths, grouped into collections, with versioned writes,
// simple filtered queries and change subscriptions.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no document exists at the requested path.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrConflict is returned when a write precondition no longer holds.
	ErrConflict = errors.New("docstore: version precondition failed")
	// ErrInvalidPath is returned for paths that do not name a document.
	ErrInvalidPath = errors.New("docstore: invalid document path")
)

// Document is a stored JSON document together with its bookkeeping.
type Document struct {
	Path       string
	Collection string
	ID         string
	Version    int64
	Data       json.RawMessage
	CreateTime time.Time
	UpdateTime time.Time
}

// Exists reports whether d was loaded from the store.
func (d Document) Exists() bool { return d.Version > 0 }

// DataTo decodes the document body into v.
func (d Document) DataTo(v any) error {
	if len(d.Data) == 0 {
		return fmt.Errorf("decode %s: empty document", d.Path)
	}
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", d.Path, err)
	}
	return nil
}

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// Store is the capability set the application needs from a document database.
type Store interface {
	Get(ctx context.Context, path string) (Document, error)
	Set(ctx context.Context, path string, data any, opts ...SetOption) (Document, error)
	Add(ctx context.Context, collection string, data any) (Document, error)
	// Delete removes the document at path. IfVersion guards it like a write;
	// a missing document is ErrNotFound.
	Delete(ctx context.Context, path string, opts ...SetOption) error
	Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error)
	Subscribe(ctx context.Context, collection string, filters []Filter, fn func([]Document)) (Unsubscribe, error)
}

// Transactor is implemented by stores able to apply several writes atomically.
// Either every write (and its precondition) succeeds or none is applied.
type Transactor interface {
	Commit(ctx context.Context, writes []Write) error
}

// Write is one element of an atomic Commit.
type Write struct {
	Path    string
	Data    any
	Options []SetOption
}

type setConfig struct {
	merge     bool
	ifVersion *int64
}

// SetOption customises a Set call.
type SetOption func(*setConfig)

// Merge overlays the top-level fields of data onto the existing document
// instead of replacing it.
func Merge() SetOption {
	return func(c *setConfig) { c.merge = true }
}

// IfVersion makes the write conditional on the stored version. Version 0 means
// the document must not exist yet.
func IfVersion(v int64) SetOption {
	return func(c *setConfig) {
		version := v
		c.ifVersion = &version
	}
}

func applyOptions(opts []SetOption) setConfig {
	var cfg setConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// Join builds a path from alternating collection and id segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the collection path and id of a document path.
func Split(path string) (collection, id string, err error) {
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if path == "" || len(parts)%2 != 0 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return strings.Join(parts[:len(parts)-1], "/"), parts[len(parts)-1], nil
}

func encode(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if len(raw) == 0 || raw[0] != '{' {
		return nil, errors.New("encode document: data must encode to a JSON object")
	}
	return raw, nil
}

func mergeJSON(base, overlay json.RawMessage) (json.RawMessage, error) {
	var dst map[string]json.RawMessage
	if len(base) > 0 {
		if err := json.Unmarshal(base, &dst); err != nil {
			return nil, err
		}
	}
	if dst == nil {
		dst = map[string]json.RawMessage{}
	}
	var src map[string]json.RawMessage
	if err := json.Unmarshal(overlay, &src); err != nil {
		return nil, err
	}
	for k, v := range src {
		dst[k] = v
	}
	return json.Marshal(dst)
}

func collectionOf(path string) string {
	collection, _, err := Split(path)
	if err != nil {
		return ""
	}
	return collection
}
