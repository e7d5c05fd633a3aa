package filters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/devicemanager/core/tablestore"
)

// Table names of the filter store
const (
	NamesTableName       = "namecache"
	SuggestionsTableName = "clausesuggestions"
)

// The kinds of names in the name cache
const (
	NameKindTag      = "tag"
	NameKindDesired  = "desired"
	NameKindReported = "reported"
	NameKindMethod   = "method"
)

var namePrefixes = map[string]string{
	NameKindTag:      "tags.",
	NameKindDesired:  "desired.",
	NameKindReported: "reported.",
	NameKindMethod:   "",
}

// ValidNameKind returns true for the known name kinds
func ValidNameKind(kind string) bool {
	_, ok := namePrefixes[kind]
	return ok
}

// Name is an entry of the name cache
type Name struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Column returns the column name the filter editor uses for the name
func (n Name) Column() string {
	return namePrefixes[n.Kind] + n.Name
}

// AddName adds a name to the name cache
func (s *Store) AddName(ctx context.Context, kind, name string) error {
	return s.AddNames(ctx, kind, name)
}

// AddNames adds names to the name cache. Names which are cached already are left alone.
func (s *Store) AddNames(ctx context.Context, kind string, names ...string) error {
	if !ValidNameKind(kind) {
		return fmt.Errorf("%w: unknown name kind '%s'", ErrInvalid, kind)
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := s.names.Get(ctx, kind, name); err == nil {
			continue
		} else if !errors.Is(err, tablestore.ErrNotFound) {
			return err
		}
		entity, err := tablestore.NewEntity(kind, name, Name{Name: name, Kind: kind, UpdatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		if _, err := s.names.Insert(ctx, entity); err != nil && !errors.Is(err, tablestore.ErrDuplicate) {
			return err
		}
	}
	return nil
}

// ListNames returns the cached names of a kind ordered by name
func (s *Store) ListNames(ctx context.Context, kind string) ([]Name, error) {
	if !ValidNameKind(kind) {
		return nil, fmt.Errorf("%w: unknown name kind '%s'", ErrInvalid, kind)
	}
	entities, err := s.names.Query(ctx, kind)
	if err != nil {
		return nil, err
	}
	names := make([]Name, 0, len(entities))
	for _, e := range entities {
		var n Name
		if err := e.Decode(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, nil
}

// DeleteName removes a name from the name cache
func (s *Store) DeleteName(ctx context.Context, kind, name string) error {
	err := s.names.Delete(ctx, kind, name, tablestore.AnyETag)
	if errors.Is(err, tablestore.ErrNotFound) {
		return fmt.Errorf("%w: name %s/%s", ErrNotFound, kind, name)
	}
	return err
}
