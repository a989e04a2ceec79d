// Package memory is an in-process document store used for dry runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"example.com/fitsync/internal/domain"
	"example.com/fitsync/internal/persistence"
)

var _ persistence.Store = (*Store)(nil)

// Store keeps collections in memory. Documents are normalised through JSON so that
// values compare the way they would after a round trip through a real store.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*Collection
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{collections: make(map[string]*Collection)}
}

// Collection returns the named collection, creating it on first use.
func (s *Store) Collection(name string) persistence.Collection {
	return s.collection(name)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Documents returns copies of every document stored in the named collection.
func (s *Store) Documents(name string) []domain.Document {
	c := s.collection(name)
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Document, 0, len(c.docs))
	for _, doc := range c.docs {
		out = append(out, copyDocument(doc))
	}
	return out
}

func (s *Store) collection(name string) *Collection {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		c = &Collection{name: name, keyField: persistence.KeyFields[name]}
		s.collections[name] = c
	}
	return c
}

// Collection is one in-memory document collection.
type Collection struct {
	mu       sync.RWMutex
	name     string
	keyField string
	docs     []map[string]any
}

// FindOne returns the first document matching filter.
func (c *Collection) FindOne(_ context.Context, filter domain.Filter) (domain.Document, error) {
	normalized, err := normalize(filter)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if idx := c.indexOf(normalized); idx >= 0 {
		return copyDocument(c.docs[idx]), nil
	}
	return nil, nil
}

// InsertOne stores doc, rejecting a taken identity key.
func (c *Collection) InsertOne(_ context.Context, doc domain.Document) error {
	normalized, err := normalize(doc)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keyField != "" {
		if _, ok := normalized[c.keyField]; !ok {
			return fmt.Errorf("%s: document missing key field %q", c.name, c.keyField)
		}
		if c.indexOf(map[string]any{c.keyField: normalized[c.keyField]}) >= 0 {
			return fmt.Errorf("%s: %w", c.name, persistence.ErrDuplicateKey)
		}
	}
	c.docs = append(c.docs, normalized)
	return nil
}

// UpdateOne replaces the patched top-level fields of the first matching document.
func (c *Collection) UpdateOne(_ context.Context, filter domain.Filter, patch domain.Document) error {
	normalizedFilter, err := normalize(filter)
	if err != nil {
		return err
	}
	normalizedPatch, err := normalize(patch)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.indexOf(normalizedFilter)
	if idx < 0 {
		return fmt.Errorf("%s: %w", c.name, persistence.ErrNotFound)
	}
	for k, v := range normalizedPatch {
		c.docs[idx][k] = v
	}
	return nil
}

func (c *Collection) indexOf(filter map[string]any) int {
	for i, doc := range c.docs {
		if matches(doc, filter) {
			return i
		}
	}
	return -1
}

func matches(doc, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func normalize(doc domain.Document) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func copyDocument(doc map[string]any) domain.Document {
	// Values were produced by json.Unmarshal, so a second pass cannot fail.
	raw, _ := json.Marshal(doc)
	var out domain.Document
	_ = json.Unmarshal(raw, &out)
	return out
}
