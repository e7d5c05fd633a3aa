// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package docstore provides collections of JSON documents with query support.

Documents are addressed by id and carry an ETag that changes with every write.
Queries filter on dotted JSON paths into the document body, for example
"twin.tags.building" or "deviceProperties.deviceState".
*/
package docstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")
	// ErrConflict is returned when the presented ETag does not match the stored document
	ErrConflict = errors.New("document etag mismatch")
	// ErrDuplicate is returned by Create when the document already exists
	ErrDuplicate = errors.New("document already exists")
	// ErrInvalidQuery is returned for malformed queries
	ErrInvalidQuery = errors.New("invalid query")
)

var (
	collectionName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
	pathExpression = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-]+)*$`)
)

// Document is a stored JSON document
type Document struct {
	ID        string          `json:"id"`
	ETag      string          `json:"etag,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Body      json.RawMessage `json:"body"`
}

// NewDocument creates a document with the JSON encoding of v as body
func NewDocument(id string, v interface{}) (Document, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, Body: body}, nil
}

// Decode unmarshals the document body into v
func (d Document) Decode(v interface{}) error {
	return json.Unmarshal(d.Body, v)
}

// Operator is a comparison operator of a clause
type Operator string

// The supported operators
const (
	Eq         Operator = "eq"
	Ne         Operator = "ne"
	Lt         Operator = "lt"
	Gt         Operator = "gt"
	Le         Operator = "le"
	Ge         Operator = "ge"
	In         Operator = "in"
	StartsWith Operator = "startswith"
	EndsWith   Operator = "endswith"
	Contains   Operator = "contains"
	Exists     Operator = "exists"
)

// Clause is a single filter condition on a JSON path. For In the value is a
// list of strings, for Exists the value is ignored.
type Clause struct {
	Path     string      `json:"path"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

// Query selects documents. All clauses must match. Search is a case insensitive
// substring that must occur in at least one of SearchPaths.
type Query struct {
	Clauses     []Clause
	Search      string
	SearchPaths []string
	OrderBy     string
	Descending  bool
	Skip        int
	// Take limits the number of returned documents, 0 means no limit
	Take int
}

// Result is the outcome of a query. Total is the number of matching documents
// before Skip and Take were applied.
type Result struct {
	Documents []Document
	Total     int
}

// Store is a collection of documents
type Store interface {
	// Collection returns the name of the collection
	Collection() string
	// Get returns a document or ErrNotFound
	Get(ctx context.Context, id string) (Document, error)
	// Create stores a new document or returns ErrDuplicate
	Create(ctx context.Context, doc Document) (Document, error)
	// Save stores a document. With an empty ETag the document is created or overwritten.
	// Otherwise the stored document must exist and have the same ETag.
	Save(ctx context.Context, doc Document) (Document, error)
	// Delete removes a document. An empty ETag deletes unconditionally.
	Delete(ctx context.Context, id, etag string) error
	// Query returns the matching documents
	Query(ctx context.Context, query Query) (Result, error)
}

// Factory creates stores by collection name
type Factory func(collection string) (Store, error)

// Validate checks paths and operators of a query
func (q Query) Validate() error {
	for _, c := range q.Clauses {
		if !pathExpression.MatchString(c.Path) {
			return fmt.Errorf("%w: path '%s'", ErrInvalidQuery, c.Path)
		}
		switch c.Operator {
		case Eq, Ne, Lt, Gt, Le, Ge, StartsWith, EndsWith, Contains, Exists:
		case In:
			if _, ok := stringList(c.Value); !ok {
				return fmt.Errorf("%w: operator in on '%s' needs a list of values", ErrInvalidQuery, c.Path)
			}
		default:
			return fmt.Errorf("%w: operator '%s'", ErrInvalidQuery, c.Operator)
		}
	}
	for _, p := range q.SearchPaths {
		if !pathExpression.MatchString(p) {
			return fmt.Errorf("%w: search path '%s'", ErrInvalidQuery, p)
		}
	}
	if q.OrderBy != "" && !pathExpression.MatchString(q.OrderBy) {
		return fmt.Errorf("%w: order by '%s'", ErrInvalidQuery, q.OrderBy)
	}
	if q.Skip < 0 || q.Take < 0 {
		return fmt.Errorf("%w: negative paging", ErrInvalidQuery)
	}
	return nil
}

func stringList(v interface{}) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []interface{}:
		result := make([]string, 0, len(list))
		for _, item := range list {
			result = append(result, fmt.Sprint(item))
		}
		return result, true
	}
	return nil, false
}

// numeric returns v as float64 if it is a number or a string holding a number
func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// parseNumber converts clause values which came in as text, as they do from
// the portal's filter editor
func parseNumber(v interface{}) (float64, bool) {
	if f, ok := numeric(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}
