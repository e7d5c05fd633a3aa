package tablestore

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Table. It is used in tests and by the command line
// tools when no database is configured.
type Memory struct {
	name     string
	mutex    sync.RWMutex
	rows     map[string]map[string]Entity
	revision int64
}

// NewMemory returns an empty in-memory table
func NewMemory(name string) *Memory {
	return &Memory{name: name, rows: map[string]map[string]Entity{}}
}

// Name implements Table
func (m *Memory) Name() string { return m.name }

// Get implements Table
func (m *Memory) Get(ctx context.Context, partitionKey, rowKey string) (Entity, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	e, ok := m.rows[partitionKey][rowKey]
	if !ok {
		return Entity{}, fmt.Errorf("%s/%s/%s: %w", m.name, partitionKey, rowKey, ErrNotFound)
	}
	return e, nil
}

// Query implements Table
func (m *Memory) Query(ctx context.Context, partitionKey string) ([]Entity, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	result := []Entity{}
	for pk, partition := range m.rows {
		if partitionKey != "" && pk != partitionKey {
			continue
		}
		for _, e := range partition {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].PartitionKey != result[j].PartitionKey {
			return result[i].PartitionKey < result[j].PartitionKey
		}
		return result[i].RowKey < result[j].RowKey
	})
	return result, nil
}

// Insert implements Table
func (m *Memory) Insert(ctx context.Context, entity Entity) (Entity, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	partition, ok := m.rows[entity.PartitionKey]
	if !ok {
		partition = map[string]Entity{}
		m.rows[entity.PartitionKey] = partition
	}
	if _, ok := partition[entity.RowKey]; ok {
		return Entity{}, fmt.Errorf("%s/%s/%s: %w", m.name, entity.PartitionKey, entity.RowKey, ErrDuplicate)
	}
	entity = m.stamp(entity)
	partition[entity.RowKey] = entity
	return entity, nil
}

// Replace implements Table
func (m *Memory) Replace(ctx context.Context, entity Entity) (Entity, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	current, ok := m.rows[entity.PartitionKey][entity.RowKey]
	if !ok {
		return Entity{}, fmt.Errorf("%s/%s/%s: %w", m.name, entity.PartitionKey, entity.RowKey, ErrNotFound)
	}
	if entity.ETag != AnyETag && entity.ETag != current.ETag {
		return Entity{}, fmt.Errorf("%s/%s/%s: %w", m.name, entity.PartitionKey, entity.RowKey, ErrConflict)
	}
	entity = m.stamp(entity)
	m.rows[entity.PartitionKey][entity.RowKey] = entity
	return entity, nil
}

// Delete implements Table
func (m *Memory) Delete(ctx context.Context, partitionKey, rowKey, etag string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	current, ok := m.rows[partitionKey][rowKey]
	if !ok {
		return fmt.Errorf("%s/%s/%s: %w", m.name, partitionKey, rowKey, ErrNotFound)
	}
	if etag != AnyETag && etag != current.ETag {
		return fmt.Errorf("%s/%s/%s: %w", m.name, partitionKey, rowKey, ErrConflict)
	}
	delete(m.rows[partitionKey], rowKey)
	if len(m.rows[partitionKey]) == 0 {
		delete(m.rows, partitionKey)
	}
	return nil
}

func (m *Memory) stamp(entity Entity) Entity {
	m.revision++
	entity.ETag = strconv.FormatInt(m.revision, 10)
	entity.Timestamp = time.Now().UTC()
	entity.Properties = append([]byte(nil), entity.Properties...)
	return entity
}

// NewMemoryFactory returns a Factory for in-memory tables. Asking twice for the
// same name returns the same table.
func NewMemoryFactory() Factory {
	var mutex sync.Mutex
	tables := map[string]*Memory{}
	return func(name string) (Table, error) {
		if !tableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name '%s'", name)
		}
		mutex.Lock()
		defer mutex.Unlock()
		t, ok := tables[name]
		if !ok {
			t = NewMemory(name)
			tables[name] = t
		}
		return t, nil
	}
}
