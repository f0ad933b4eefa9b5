package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store used by tests and by the API in dev mode.
// It supports atomic commits, so it also satisfies Transactor.
type Memory struct {
	mu     sync.Mutex
	docs   map[string]Document
	subs   map[int]*memorySub
	nextID int
	// seq numbers snapshots in the order the writes were applied.
	seq uint64

	now   func() time.Time
	newID func() string
}

type memorySub struct {
	collection string
	filters    []Filter
	fn         func([]Document)

	mu        sync.Mutex
	delivered uint64
}

// deliver hands docs to the subscriber unless a newer snapshot already went
// out, so callbacks never observe the collection moving backwards.
func (s *memorySub) deliver(seq uint64, docs []Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.delivered {
		return
	}
	s.delivered = seq
	s.fn(docs)
}

var (
	_ Store      = (*Memory)(nil)
	_ Transactor = (*Memory)(nil)
)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs:  make(map[string]Document),
		subs:  make(map[int]*memorySub),
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.NewString() },
	}
}

func (m *Memory) Get(ctx context.Context, path string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if _, _, err := Split(path); err != nil {
		return Document{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.docs[strings.Trim(path, "/")]
	if !ok {
		return Document{}, ErrNotFound
	}
	return clone(doc), nil
}

func (m *Memory) Set(ctx context.Context, path string, data any, opts ...SetOption) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	m.mu.Lock()
	w := Write{Path: path, Data: data, Options: opts}
	var doc Document
	err := m.checkLocked(w, nil)
	if err == nil {
		doc, err = m.applyLocked(w)
	}
	m.mu.Unlock()
	if err != nil {
		return Document{}, err
	}

	m.notify(doc.Collection)
	return clone(doc), nil
}

func (m *Memory) Add(ctx context.Context, collection string, data any) (Document, error) {
	collection = strings.Trim(collection, "/")
	return m.Set(ctx, Join(collection, m.newID()), data, IfVersion(0))
}

func (m *Memory) Delete(ctx context.Context, path string, opts ...SetOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	collection, id, err := Split(path)
	if err != nil {
		return err
	}
	key := Join(collection, id)
	cfg := applyOptions(opts)

	m.mu.Lock()
	existing, found := m.docs[key]
	switch {
	case !found:
		err = ErrNotFound
	case cfg.ifVersion != nil && existing.Version != *cfg.ifVersion:
		err = ErrConflict
	default:
		delete(m.docs, key)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.notify(collection)
	return nil
}

func (m *Memory) Query(ctx context.Context, collection string, filters ...Filter) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryLocked(strings.Trim(collection, "/"), filters), nil
}

// Subscribe delivers the current result set synchronously, then again after
// every write to the collection until ctx ends or the subscription is dropped.
func (m *Memory) Subscribe(ctx context.Context, collection string, filters []Filter, fn func([]Document)) (Unsubscribe, error) {
	if fn == nil {
		return nil, errors.New("docstore: nil subscriber")
	}
	collection = strings.Trim(collection, "/")

	sub := &memorySub{collection: collection, filters: filters, fn: fn}

	// held until the initial snapshot is out; writers queue behind it.
	sub.mu.Lock()
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = sub
	sub.delivered = m.seq
	initial := m.queryLocked(collection, filters)
	m.mu.Unlock()
	fn(initial)
	sub.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}

	go func() {
		<-ctx.Done()
		stop()
	}()

	return stop, nil
}

// Commit validates every precondition before applying any write.
func (m *Memory) Commit(ctx context.Context, writes []Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	// later writes in the batch see the versions produced by earlier ones.
	pending := make(map[string]int64, len(writes))
	for _, w := range writes {
		if err := m.checkLocked(w, pending); err != nil {
			m.mu.Unlock()
			return err
		}
		key := strings.Trim(w.Path, "/")
		pending[key] = m.versionLocked(key, pending) + 1
	}

	touched := make(map[string]struct{}, len(writes))
	for _, w := range writes {
		doc, err := m.applyLocked(w)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		touched[doc.Collection] = struct{}{}
	}
	m.mu.Unlock()

	for collection := range touched {
		m.notify(collection)
	}
	return nil
}

func (m *Memory) versionLocked(key string, pending map[string]int64) int64 {
	if v, ok := pending[key]; ok {
		return v
	}
	return m.docs[key].Version
}

func (m *Memory) checkLocked(w Write, pending map[string]int64) error {
	if _, _, err := Split(w.Path); err != nil {
		return err
	}
	if _, err := encode(w.Data); err != nil {
		return err
	}
	cfg := applyOptions(w.Options)
	if cfg.ifVersion == nil {
		return nil
	}
	if m.versionLocked(strings.Trim(w.Path, "/"), pending) != *cfg.ifVersion {
		return ErrConflict
	}
	return nil
}

func (m *Memory) applyLocked(w Write) (Document, error) {
	collection, id, err := Split(w.Path)
	if err != nil {
		return Document{}, err
	}
	raw, err := encode(w.Data)
	if err != nil {
		return Document{}, err
	}

	key := Join(collection, id)
	cfg := applyOptions(w.Options)
	now := m.now()

	existing, found := m.docs[key]
	if found && cfg.merge {
		raw, err = mergeJSON(existing.Data, raw)
		if err != nil {
			return Document{}, err
		}
	}

	doc := Document{
		Path:       key,
		Collection: collection,
		ID:         id,
		Version:    existing.Version + 1,
		Data:       append(json.RawMessage(nil), raw...),
		CreateTime: now,
		UpdateTime: now,
	}
	if found {
		doc.CreateTime = existing.CreateTime
	}
	m.docs[key] = doc
	return doc, nil
}

func (m *Memory) queryLocked(collection string, filters []Filter) []Document {
	out := make([]Document, 0)
	for _, doc := range m.docs {
		if doc.Collection != collection {
			continue
		}
		if !matchAll(doc.Data, filters) {
			continue
		}
		out = append(out, clone(doc))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreateTime.Equal(out[j].CreateTime) {
			return out[i].Path < out[j].Path
		}
		return out[i].CreateTime.Before(out[j].CreateTime)
	})
	return out
}

// notify snapshots every subscription of collection under the store lock and
// delivers outside it, so callbacks may use the store.
func (m *Memory) notify(collection string) {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	type delivery struct {
		sub  *memorySub
		docs []Document
	}
	var pending []delivery
	for _, sub := range m.subs {
		if sub.collection != collection {
			continue
		}
		pending = append(pending, delivery{sub: sub, docs: m.queryLocked(collection, sub.filters)})
	}
	m.mu.Unlock()

	for _, d := range pending {
		d.sub.deliver(seq, d.docs)
	}
}

func clone(doc Document) Document {
	doc.Data = append(json.RawMessage(nil), doc.Data...)
	return doc
}
