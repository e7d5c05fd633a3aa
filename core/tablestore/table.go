// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package tablestore provides entity tables addressed by partition key and row key.

Every stored entity carries an ETag which changes with every write. Replace and
delete operations must present the current ETag (or "*") and fail with
ErrConflict otherwise. DoInsertOrReplace and DoDelete wrap these primitives
into the retrieve-then-write pattern used by the repositories and report the
outcome as a Response instead of an error.
*/
package tablestore

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/goccy/go-json"
)

// AnyETag matches every stored entity
const AnyETag = "*"

var (
	// ErrNotFound is returned when an entity does not exist
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is returned when the presented ETag does not match the stored entity
	ErrConflict = errors.New("etag mismatch")
	// ErrDuplicate is returned when an inserted entity already exists
	ErrDuplicate = errors.New("entity already exists")
)

var tableName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Entity is a row in a table
type Entity struct {
	PartitionKey string          `json:"partitionKey"`
	RowKey       string          `json:"rowKey"`
	ETag         string          `json:"etag,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Properties   json.RawMessage `json:"properties"`
}

// NewEntity creates an entity with the JSON encoding of v as properties
func NewEntity(partitionKey, rowKey string, v interface{}) (Entity, error) {
	properties, err := json.Marshal(v)
	if err != nil {
		return Entity{}, err
	}
	return Entity{PartitionKey: partitionKey, RowKey: rowKey, Properties: properties}, nil
}

// Decode unmarshals the entity's properties into v
func (e Entity) Decode(v interface{}) error {
	if len(e.Properties) == 0 {
		return nil
	}
	return json.Unmarshal(e.Properties, v)
}

// Table is a single entity table
type Table interface {
	// Name returns the table's name
	Name() string
	// Get returns one entity or ErrNotFound
	Get(ctx context.Context, partitionKey, rowKey string) (Entity, error)
	// Query returns all entities of a partition ordered by row key. An empty
	// partition key returns the entire table ordered by partition and row key.
	Query(ctx context.Context, partitionKey string) ([]Entity, error)
	// Insert stores a new entity or returns ErrDuplicate
	Insert(ctx context.Context, entity Entity) (Entity, error)
	// Replace overwrites an existing entity if the ETag matches
	Replace(ctx context.Context, entity Entity) (Entity, error)
	// Delete removes an entity if the ETag matches
	Delete(ctx context.Context, partitionKey, rowKey, etag string) error
}

// Status is the outcome of a table operation
type Status int

// The possible operation outcomes
const (
	Successful Status = iota
	ConflictError
	DuplicateInsert
	NotFound
	UnknownError
)

func (s Status) String() string {
	switch s {
	case Successful:
		return "Successful"
	case ConflictError:
		return "ConflictError"
	case DuplicateInsert:
		return "DuplicateInsert"
	case NotFound:
		return "NotFound"
	default:
		return "UnknownError"
	}
}

// Response is the outcome of DoInsertOrReplace or DoDelete. For successful writes
// Entity is the stored entity with its new ETag. For conflicts and duplicates it is
// the currently stored entity, so the caller can show it to the user.
type Response struct {
	Status Status
	Entity *Entity
	Err    error
}

// DoInsertOrReplace retrieves the entity with the same keys. If there is none, the
// entity gets inserted. Otherwise it replaces the stored one, provided the
// entity's ETag matches. An empty ETag never matches an existing entity.
func DoInsertOrReplace(ctx context.Context, table Table, entity Entity) Response {
	_, err := table.Get(ctx, entity.PartitionKey, entity.RowKey)
	switch {
	case errors.Is(err, ErrNotFound):
		stored, err := table.Insert(ctx, entity)
		if errors.Is(err, ErrDuplicate) {
			return currentEntity(ctx, table, entity, DuplicateInsert, err)
		}
		if err != nil {
			return Response{Status: UnknownError, Err: err}
		}
		return Response{Status: Successful, Entity: &stored}
	case err != nil:
		return Response{Status: UnknownError, Err: err}
	}

	if entity.ETag == "" {
		return currentEntity(ctx, table, entity, ConflictError, ErrConflict)
	}
	stored, err := table.Replace(ctx, entity)
	switch {
	case errors.Is(err, ErrConflict):
		return currentEntity(ctx, table, entity, ConflictError, err)
	case errors.Is(err, ErrNotFound):
		// deleted between retrieve and replace
		return Response{Status: NotFound, Err: err}
	case err != nil:
		return Response{Status: UnknownError, Err: err}
	}
	return Response{Status: Successful, Entity: &stored}
}

// DoDelete deletes the entity if its ETag matches the stored one.
func DoDelete(ctx context.Context, table Table, entity Entity) Response {
	etag := entity.ETag
	if etag == "" {
		etag = AnyETag
	}
	err := table.Delete(ctx, entity.PartitionKey, entity.RowKey, etag)
	switch {
	case err == nil:
		return Response{Status: Successful}
	case errors.Is(err, ErrNotFound):
		return Response{Status: NotFound, Err: err}
	case errors.Is(err, ErrConflict):
		return currentEntity(ctx, table, entity, ConflictError, err)
	}
	return Response{Status: UnknownError, Err: err}
}

func currentEntity(ctx context.Context, table Table, entity Entity, status Status, cause error) Response {
	current, err := table.Get(ctx, entity.PartitionKey, entity.RowKey)
	if err != nil {
		return Response{Status: status, Err: cause}
	}
	return Response{Status: status, Entity: &current, Err: cause}
}
