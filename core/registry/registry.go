/*Package registry provides a persistent registry of objects in a table

The package uses JSON to serialize the data. Keys live in partitions, one per
accessor prefix. The portal keeps its settings, the JWT account roles and the
rule export bookkeeping here.
*/
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relabs-tech/devicemanager/core/tablestore"
)

// TableName is the name of the registry's table
const TableName = "registry"

// New creates a new registry on top of the given table
func New(table tablestore.Table) Registry {
	return Registry{table: table}
}

// Registry provides a persistent registry of objects
type Registry struct {
	table tablestore.Table
}

// Accessor is an accessor with optional prefix
type Accessor struct {
	Prefix   string
	Registry Registry
}

// Accessor returns a registry accessor with prefix
func (r Registry) Accessor(prefix string) Accessor {
	return Accessor{
		Prefix:   prefix,
		Registry: r,
	}
}

// Read reads a value from the registry. It returns the
// time when the value was written, or a zero timestamp
// if there is no value.
func (r Accessor) Read(ctx context.Context, key string, value interface{}) (time.Time, error) {
	e, err := r.Registry.table.Get(ctx, r.Prefix, key)
	if errors.Is(err, tablestore.ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot read key '%s:%s': %w", r.Prefix, key, err)
	}
	return e.Timestamp, e.Decode(value)
}

// Write writes a value into the registry, overwriting any previous value.
func (r Accessor) Write(ctx context.Context, key string, value interface{}) error {
	e, err := tablestore.NewEntity(r.Prefix, key, value)
	if err != nil {
		return err
	}
	e.ETag = tablestore.AnyETag
	res := tablestore.DoInsertOrReplace(ctx, r.Registry.table, e)
	if res.Status != tablestore.Successful {
		return fmt.Errorf("could not write key %s:%s: %s %v", r.Prefix, key, res.Status, res.Err)
	}
	return nil
}

// Delete deletes a value from the registry. Deleting a missing key is not an error.
func (r Accessor) Delete(ctx context.Context, key string) error {
	err := r.Registry.table.Delete(ctx, r.Prefix, key, tablestore.AnyETag)
	if errors.Is(err, tablestore.ErrNotFound) {
		return nil
	}
	return err
}

// Keys returns all keys of the accessor's prefix
func (r Accessor) Keys(ctx context.Context) ([]string, error) {
	entities, err := r.Registry.table.Query(ctx, r.Prefix)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entities))
	for _, e := range entities {
		keys = append(keys, e.RowKey)
	}
	return keys, nil
}
