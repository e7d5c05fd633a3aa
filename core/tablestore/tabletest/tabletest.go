// Package tabletest holds the behavioural tests every tablestore.Table implementation must pass.
package tabletest

import (
	"context"
	"errors"
	"testing"

	"github.com/relabs-tech/devicemanager/core/tablestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Run executes all table tests against an empty table
func Run(t *testing.T, table tablestore.Table) {
	t.Run("InsertGet", func(t *testing.T) { testInsertGet(t, table) })
	t.Run("InsertOrReplace", func(t *testing.T) { testInsertOrReplace(t, table) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, table) })
	t.Run("Query", func(t *testing.T) { testQuery(t, table) })
}

func testInsertGet(t *testing.T, table tablestore.Table) {
	ctx := context.Background()
	e, err := tablestore.NewEntity("p1", "r1", sample{Value: "a", Count: 1})
	require.NoError(t, err)

	stored, err := table.Insert(ctx, e)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ETag)

	_, err = table.Insert(ctx, e)
	assert.True(t, errors.Is(err, tablestore.ErrDuplicate), err)

	got, err := table.Get(ctx, "p1", "r1")
	require.NoError(t, err)
	var s sample
	require.NoError(t, got.Decode(&s))
	assert.Equal(t, sample{Value: "a", Count: 1}, s)
	assert.Equal(t, stored.ETag, got.ETag)

	_, err = table.Get(ctx, "p1", "missing")
	assert.True(t, errors.Is(err, tablestore.ErrNotFound), err)
}

func testInsertOrReplace(t *testing.T, table tablestore.Table) {
	ctx := context.Background()
	e, _ := tablestore.NewEntity("p2", "r1", sample{Value: "first"})

	res := tablestore.DoInsertOrReplace(ctx, table, e)
	require.Equal(t, tablestore.Successful, res.Status, res.Err)
	firstETag := res.Entity.ETag

	// without etag an existing entity is a conflict, and we get the stored one back
	e2, _ := tablestore.NewEntity("p2", "r1", sample{Value: "second"})
	res = tablestore.DoInsertOrReplace(ctx, table, e2)
	require.Equal(t, tablestore.ConflictError, res.Status)
	require.NotNil(t, res.Entity)
	var s sample
	require.NoError(t, res.Entity.Decode(&s))
	assert.Equal(t, "first", s.Value)

	e2.ETag = firstETag
	res = tablestore.DoInsertOrReplace(ctx, table, e2)
	require.Equal(t, tablestore.Successful, res.Status, res.Err)
	assert.NotEqual(t, firstETag, res.Entity.ETag)

	// the old etag is stale now
	res = tablestore.DoInsertOrReplace(ctx, table, e2)
	require.Equal(t, tablestore.ConflictError, res.Status)
	require.NoError(t, res.Entity.Decode(&s))
	assert.Equal(t, "second", s.Value)

	e2.ETag = tablestore.AnyETag
	res = tablestore.DoInsertOrReplace(ctx, table, e2)
	assert.Equal(t, tablestore.Successful, res.Status)
}

func testDelete(t *testing.T, table tablestore.Table) {
	ctx := context.Background()
	e, _ := tablestore.NewEntity("p3", "r1", sample{Value: "x"})
	stored, err := table.Insert(ctx, e)
	require.NoError(t, err)

	stale := stored
	stale.ETag = "stale"
	res := tablestore.DoDelete(ctx, table, stale)
	assert.Equal(t, tablestore.ConflictError, res.Status)

	res = tablestore.DoDelete(ctx, table, stored)
	assert.Equal(t, tablestore.Successful, res.Status)

	res = tablestore.DoDelete(ctx, table, stored)
	assert.Equal(t, tablestore.NotFound, res.Status)
}

func testQuery(t *testing.T, table tablestore.Table) {
	ctx := context.Background()
	for _, rk := range []string{"c", "a", "b"} {
		e, _ := tablestore.NewEntity("p4", rk, sample{Value: rk})
		_, err := table.Insert(ctx, e)
		require.NoError(t, err)
	}
	entities, err := table.Query(ctx, "p4")
	require.NoError(t, err)
	require.Len(t, entities, 3)
	assert.Equal(t, "a", entities[0].RowKey)
	assert.Equal(t, "c", entities[2].RowKey)

	all, err := table.Query(ctx, "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(all), 3)

	none, err := table.Query(ctx, "nothing-here")
	require.NoError(t, err)
	assert.Empty(t, none)
}
