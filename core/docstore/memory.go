package docstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Memory is an in-process Store
type Memory struct {
	collection string
	mutex      sync.RWMutex
	docs       map[string]Document
	revision   int64
}

// NewMemory returns an empty in-memory collection
func NewMemory(collection string) *Memory {
	return &Memory{collection: collection, docs: map[string]Document{}}
}

// NewMemoryFactory returns a Factory for in-memory collections. Asking twice
// for the same name returns the same collection.
func NewMemoryFactory() Factory {
	var mutex sync.Mutex
	stores := map[string]*Memory{}
	return func(collection string) (Store, error) {
		if !collectionName.MatchString(collection) {
			return nil, fmt.Errorf("invalid collection name '%s'", collection)
		}
		mutex.Lock()
		defer mutex.Unlock()
		s, ok := stores[collection]
		if !ok {
			s = NewMemory(collection)
			stores[collection] = s
		}
		return s, nil
	}
}

// Collection implements Store
func (m *Memory) Collection() string { return m.collection }

// Get implements Store
func (m *Memory) Get(ctx context.Context, id string) (Document, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return doc, fmt.Errorf("%s/%s: %w", m.collection, id, ErrNotFound)
	}
	return doc, nil
}

// Create implements Store
func (m *Memory) Create(ctx context.Context, doc Document) (Document, error) {
	if !json.Valid(doc.Body) {
		return doc, fmt.Errorf("%s/%s: invalid json body", m.collection, doc.ID)
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.docs[doc.ID]; ok {
		return doc, fmt.Errorf("%s/%s: %w", m.collection, doc.ID, ErrDuplicate)
	}
	return m.store(doc), nil
}

// Save implements Store
func (m *Memory) Save(ctx context.Context, doc Document) (Document, error) {
	if !json.Valid(doc.Body) {
		return doc, fmt.Errorf("%s/%s: invalid json body", m.collection, doc.ID)
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if doc.ETag != "" {
		current, ok := m.docs[doc.ID]
		if !ok {
			return doc, fmt.Errorf("%s/%s: %w", m.collection, doc.ID, ErrNotFound)
		}
		if current.ETag != doc.ETag {
			return doc, fmt.Errorf("%s/%s: %w", m.collection, doc.ID, ErrConflict)
		}
	}
	return m.store(doc), nil
}

func (m *Memory) store(doc Document) Document {
	m.revision++
	doc.ETag = strconv.FormatInt(m.revision, 10)
	doc.Timestamp = time.Now().UTC()
	doc.Body = append([]byte(nil), doc.Body...)
	m.docs[doc.ID] = doc
	return doc
}

// Delete implements Store
func (m *Memory) Delete(ctx context.Context, id, etag string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	current, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", m.collection, id, ErrNotFound)
	}
	if etag != "" && etag != current.ETag {
		return fmt.Errorf("%s/%s: %w", m.collection, id, ErrConflict)
	}
	delete(m.docs, id)
	return nil
}

type decoded struct {
	doc  Document
	body map[string]interface{}
}

// Query implements Store
func (m *Memory) Query(ctx context.Context, query Query) (Result, error) {
	if err := query.Validate(); err != nil {
		return Result{}, err
	}
	m.mutex.RLock()
	candidates := make([]decoded, 0, len(m.docs))
	for _, doc := range m.docs {
		var body map[string]interface{}
		if err := json.Unmarshal(doc.Body, &body); err != nil {
			continue
		}
		candidates = append(candidates, decoded{doc: doc, body: body})
	}
	m.mutex.RUnlock()

	matches := candidates[:0]
	for _, c := range candidates {
		ok := matchSearch(c.body, query.Search, query.SearchPaths)
		for _, clause := range query.Clauses {
			ok = ok && matchClause(c.body, clause)
		}
		if ok {
			matches = append(matches, c)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if query.OrderBy != "" {
			a, aok := Lookup(matches[i].body, query.OrderBy)
			b, bok := Lookup(matches[j].body, query.OrderBy)
			cmp := compareValues(a, aok, b, bok)
			if query.Descending {
				cmp = -cmp
			}
			if cmp != 0 {
				return cmp < 0
			}
		}
		return matches[i].doc.ID < matches[j].doc.ID
	})

	result := Result{Total: len(matches), Documents: []Document{}}
	if query.Skip >= len(matches) {
		return result, nil
	}
	matches = matches[query.Skip:]
	if query.Take > 0 && query.Take < len(matches) {
		matches = matches[:query.Take]
	}
	for _, c := range matches {
		result.Documents = append(result.Documents, c.doc)
	}
	return result, nil
}
