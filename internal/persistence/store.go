// Package persistence declares the document-store contracts shared by the storage
// backends.
package persistence

import (
	"context"
	"errors"

	"example.com/fitsync/internal/domain"
)

var (
	// ErrNotFound is returned by UpdateOne when no document matches the filter.
	ErrNotFound = errors.New("document not found")
	// ErrDuplicateKey is returned by InsertOne when the identity key is taken.
	ErrDuplicateKey = errors.New("duplicate document key")
	// ErrUnknownCollection is returned for collections without a schema.
	ErrUnknownCollection = errors.New("unknown collection")
)

// Collection is a keyed document collection. FindOne returns a nil document when
// nothing matches. Filters match on equality of every listed top-level field;
// patches replace the listed top-level fields.
type Collection interface {
	FindOne(ctx context.Context, filter domain.Filter) (domain.Document, error)
	InsertOne(ctx context.Context, doc domain.Document) error
	UpdateOne(ctx context.Context, filter domain.Filter, patch domain.Document) error
}

// Store resolves named collections and reports reachability.
type Store interface {
	Collection(name string) Collection
	Ping(ctx context.Context) error
}

// KeyFields maps each known collection to the field that identifies its documents.
var KeyFields = map[string]string{
	"activities": "id",
	"steps":      "date",
}
