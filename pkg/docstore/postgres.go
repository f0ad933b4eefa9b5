package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sitecrew/pkg/db"
)

// ChangeSubjectPrefix prefixes the core NATS subject announcing writes to a collection.
const ChangeSubjectPrefix = "sitecrew.docs."

// ChangeFeed carries best-effort "collection changed" notifications between
// API replicas. *bus.Bus satisfies it.
type ChangeFeed interface {
	Notify(subj string, v any) error
	Watch(ctx context.Context, subj string, fn func(subject string, data []byte)) (io.Closer, error)
}

// Change is the payload announced on the change feed.
type Change struct {
	Collection string `json:"collection"`
	Path       string `json:"path"`
	Version    int64  `json:"version"`
}

// ChangeSubject returns the subject used for writes to collection.
func ChangeSubject(collection string) string {
	return ChangeSubjectPrefix + strings.ReplaceAll(strings.Trim(collection, "/"), "/", ".")
}

// Postgres stores documents in the documents table created by pkg/db migrations.
type Postgres struct {
	pool *pgxpool.Pool
	feed ChangeFeed

	pollInterval time.Duration
	newID        func() string
}

// PostgresOption configures a Postgres store.
type PostgresOption func(*Postgres)

// WithChangeFeed announces writes on feed and drives subscriptions from it.
func WithChangeFeed(feed ChangeFeed) PostgresOption {
	return func(p *Postgres) { p.feed = feed }
}

// WithPollInterval sets how often subscriptions re-query when no change feed is configured.
func WithPollInterval(d time.Duration) PostgresOption {
	return func(p *Postgres) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

var (
	_ Store      = (*Postgres)(nil)
	_ Transactor = (*Postgres)(nil)
)

// NewPostgres returns a Store backed by pool.
func NewPostgres(pool *pgxpool.Pool, opts ...PostgresOption) *Postgres {
	p := &Postgres{
		pool:         pool,
		pollInterval: 2 * time.Second,
		newID:        func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type documentRow struct {
	Path       string    `db:"path"`
	Collection string    `db:"collection"`
	DocID      string    `db:"doc_id"`
	Data       []byte    `db:"data"`
	Version    int64     `db:"version"`
	CreatedAt  time.Time `db:"created_at"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r documentRow) toDocument() Document {
	return Document{
		Path:       r.Path,
		Collection: r.Collection,
		ID:         r.DocID,
		Version:    r.Version,
		Data:       json.RawMessage(r.Data),
		CreateTime: r.CreatedAt,
		UpdateTime: r.UpdatedAt,
	}
}

const documentColumns = `path, collection, doc_id, data, version, created_at, updated_at`

func (p *Postgres) Get(ctx context.Context, path string) (Document, error) {
	collection, id, err := Split(path)
	if err != nil {
		return Document{}, err
	}

	var row documentRow
	err = db.Get(ctx, p.pool, &row, `SELECT `+documentColumns+` FROM documents WHERE path = $1`, Join(collection, id))
	if db.IsNoRows(err) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get %s: %w", path, err)
	}
	return row.toDocument(), nil
}

func (p *Postgres) Set(ctx context.Context, path string, data any, opts ...SetOption) (Document, error) {
	doc, err := p.write(ctx, p.pool, Write{Path: path, Data: data, Options: opts})
	if err != nil {
		return Document{}, err
	}
	p.announce(doc)
	return doc, nil
}

func (p *Postgres) Add(ctx context.Context, collection string, data any) (Document, error) {
	return p.Set(ctx, Join(strings.Trim(collection, "/"), p.newID()), data, IfVersion(0))
}

func (p *Postgres) Delete(ctx context.Context, path string, opts ...SetOption) error {
	collection, id, err := Split(path)
	if err != nil {
		return err
	}
	path = Join(collection, id)
	cfg := applyOptions(opts)

	query := `DELETE FROM documents WHERE path = $1 RETURNING version`
	args := []any{path}
	if cfg.ifVersion != nil {
		query = `DELETE FROM documents WHERE path = $1 AND version = $2 RETURNING version`
		args = append(args, *cfg.ifVersion)
	}
	var version int64
	err = db.Get(ctx, p.pool, &version, query, args...)
	if db.IsNoRows(err) {
		if _, getErr := p.Get(ctx, path); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	p.announce(Document{Collection: collection, Path: path, Version: version})
	return nil
}

// Query pushes equality and array-contains filters down as jsonb containment
// and re-checks every filter in Go.
func (p *Postgres) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	collection = strings.Trim(collection, "/")

	query := `SELECT ` + documentColumns + ` FROM documents WHERE collection = $1`
	args := []any{collection}
	for _, f := range filters {
		contained := f.containment()
		if contained == nil {
			continue
		}
		raw, err := json.Marshal(contained)
		if err != nil {
			return nil, fmt.Errorf("query %s: encode filter %s: %w", collection, f.Field, err)
		}
		args = append(args, string(raw))
		query += fmt.Sprintf(` AND data @> $%d::jsonb`, len(args))
	}
	query += ` ORDER BY created_at, path`

	var rows []documentRow
	if err := db.Select(ctx, p.pool, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}

	out := make([]Document, 0, len(rows))
	for _, row := range rows {
		doc := row.toDocument()
		if matchAll(doc.Data, filters) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Commit applies every write inside one transaction. A failed precondition
// rolls back the whole batch and returns ErrConflict.
func (p *Postgres) Commit(ctx context.Context, writes []Write) error {
	var written []Document
	err := db.InTx(ctx, p.pool, func(tx pgx.Tx) error {
		written = written[:0]
		for _, w := range writes {
			doc, err := p.write(ctx, tx, w)
			if err != nil {
				return err
			}
			written = append(written, doc)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, doc := range written {
		p.announce(doc)
	}
	return nil
}

func (p *Postgres) write(ctx context.Context, q db.Querier, w Write) (Document, error) {
	collection, id, err := Split(w.Path)
	if err != nil {
		return Document{}, err
	}
	raw, err := encode(w.Data)
	if err != nil {
		return Document{}, err
	}
	path := Join(collection, id)
	cfg := applyOptions(w.Options)

	newData := `EXCLUDED.data`
	if cfg.merge {
		newData = `documents.data || EXCLUDED.data`
	}

	var (
		query string
		args  = []any{path, collection, id, string(raw)}
	)
	switch {
	case cfg.ifVersion != nil && *cfg.ifVersion == 0:
		query = `INSERT INTO documents (path, collection, doc_id, data, version)
			VALUES ($1, $2, $3, $4::jsonb, 1)
			ON CONFLICT (path) DO NOTHING
			RETURNING ` + documentColumns
	case cfg.ifVersion != nil:
		updated := `$4::jsonb`
		if cfg.merge {
			updated = `data || $4::jsonb`
		}
		query = `UPDATE documents SET data = ` + updated + `, version = version + 1, updated_at = now()
			WHERE path = $1 AND collection = $2 AND doc_id = $3 AND version = $5
			RETURNING ` + documentColumns
		args = append(args, *cfg.ifVersion)
	default:
		query = `INSERT INTO documents (path, collection, doc_id, data, version)
			VALUES ($1, $2, $3, $4::jsonb, 1)
			ON CONFLICT (path) DO UPDATE SET data = ` + newData + `,
				version = documents.version + 1, updated_at = now()
			RETURNING ` + documentColumns
	}

	var row documentRow
	err = db.Get(ctx, q, &row, query, args...)
	if db.IsNoRows(err) {
		return Document{}, ErrConflict
	}
	if err != nil {
		return Document{}, fmt.Errorf("write %s: %w", path, err)
	}
	return row.toDocument(), nil
}

func (p *Postgres) announce(doc Document) {
	if p.feed == nil {
		return
	}
	_ = p.feed.Notify(ChangeSubject(doc.Collection), Change{
		Collection: doc.Collection,
		Path:       doc.Path,
		Version:    doc.Version,
	})
}

// Subscribe delivers the current result set, then re-queries whenever the
// change feed reports a write to the collection (or every poll interval when
// there is no feed). Delivery stops when ctx ends or Unsubscribe is called.
func (p *Postgres) Subscribe(ctx context.Context, collection string, filters []Filter, fn func([]Document)) (Unsubscribe, error) {
	if fn == nil {
		return nil, errors.New("docstore: nil subscriber")
	}
	collection = strings.Trim(collection, "/")

	initial, err := p.Query(ctx, collection, filters...)
	if err != nil {
		return nil, err
	}
	fn(initial)

	ctx, cancel := context.WithCancel(ctx)
	wake := make(chan struct{}, 1)

	var closer io.Closer
	if p.feed != nil {
		closer, err = p.feed.Watch(ctx, ChangeSubject(collection), func(string, []byte) {
			select {
			case wake <- struct{}{}:
			default:
			}
		})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("watch %s: %w", collection, err)
		}
	}

	go func() {
		var tick <-chan time.Time
		if closer == nil {
			ticker := time.NewTicker(p.pollInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-tick:
			}
			docs, err := p.Query(ctx, collection, filters...)
			if err != nil {
				continue
			}
			fn(docs)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if closer != nil {
				_ = closer.Close()
			}
		})
	}, nil
}
