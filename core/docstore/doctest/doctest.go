// Package doctest holds the behavioural tests every docstore.Store implementation must pass.
package doctest

import (
	"context"
	"errors"
	"testing"

	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type device struct {
	Name        string            `json:"name"`
	Temperature float64           `json:"temperature"`
	Enabled     bool              `json:"enabled"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Run executes all document store tests against an empty store
func Run(t *testing.T, store docstore.Store) {
	t.Run("CRUD", func(t *testing.T) { testCRUD(t, store) })
	t.Run("Query", func(t *testing.T) { testQuery(t, store) })
}

func testCRUD(t *testing.T, store docstore.Store) {
	ctx := context.Background()
	doc, err := docstore.NewDocument("crud", device{Name: "one"})
	require.NoError(t, err)

	created, err := store.Create(ctx, doc)
	require.NoError(t, err)
	_, err = store.Create(ctx, doc)
	assert.True(t, errors.Is(err, docstore.ErrDuplicate), err)

	doc, _ = docstore.NewDocument("crud", device{Name: "two"})
	doc.ETag = created.ETag
	saved, err := store.Save(ctx, doc)
	require.NoError(t, err)
	assert.NotEqual(t, created.ETag, saved.ETag)

	// stale etag
	_, err = store.Save(ctx, doc)
	assert.True(t, errors.Is(err, docstore.ErrConflict), err)

	got, err := store.Get(ctx, "crud")
	require.NoError(t, err)
	var d device
	require.NoError(t, got.Decode(&d))
	assert.Equal(t, "two", d.Name)

	err = store.Delete(ctx, "crud", created.ETag)
	assert.True(t, errors.Is(err, docstore.ErrConflict), err)
	require.NoError(t, store.Delete(ctx, "crud", saved.ETag))
	_, err = store.Get(ctx, "crud")
	assert.True(t, errors.Is(err, docstore.ErrNotFound), err)
	err = store.Delete(ctx, "crud", "")
	assert.True(t, errors.Is(err, docstore.ErrNotFound), err)
}

func ids(result docstore.Result) []string {
	var ids []string
	for _, d := range result.Documents {
		ids = append(ids, d.ID)
	}
	return ids
}

func testQuery(t *testing.T, store docstore.Store) {
	ctx := context.Background()
	devices := map[string]device{
		"q-a": {Name: "Alpha", Temperature: 20, Enabled: true, Tags: map[string]string{"building": "43"}},
		"q-b": {Name: "Beta", Temperature: 35.5, Enabled: false, Tags: map[string]string{"building": "44"}},
		"q-c": {Name: "Gamma", Temperature: 41, Enabled: true},
	}
	for id, d := range devices {
		doc, err := docstore.NewDocument(id, d)
		require.NoError(t, err)
		_, err = store.Save(ctx, doc)
		require.NoError(t, err)
	}

	result, err := store.Query(ctx, docstore.Query{OrderBy: "temperature", Descending: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-c", "q-b", "q-a"}, ids(result))
	assert.Equal(t, 3, result.Total)

	result, err = store.Query(ctx, docstore.Query{Clauses: []docstore.Clause{{Path: "temperature", Operator: docstore.Gt, Value: "30"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-b", "q-c"}, ids(result))

	result, err = store.Query(ctx, docstore.Query{Clauses: []docstore.Clause{{Path: "tags.building", Operator: docstore.Eq, Value: "43"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-a"}, ids(result))

	result, err = store.Query(ctx, docstore.Query{Clauses: []docstore.Clause{{Path: "tags.building", Operator: docstore.Ne, Value: "43"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-b"}, ids(result), "documents without the path never match")

	result, err = store.Query(ctx, docstore.Query{Clauses: []docstore.Clause{{Path: "enabled", Operator: docstore.Eq, Value: "true"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-a", "q-c"}, ids(result))

	result, err = store.Query(ctx, docstore.Query{Clauses: []docstore.Clause{{Path: "name", Operator: docstore.In, Value: []string{"Alpha", "Gamma"}}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-a", "q-c"}, ids(result))

	result, err = store.Query(ctx, docstore.Query{Search: "ET", SearchPaths: []string{"name", "tags.building"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-b"}, ids(result))

	result, err = store.Query(ctx, docstore.Query{Clauses: []docstore.Clause{{Path: "name", Operator: docstore.StartsWith, Value: "Ga"}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-c"}, ids(result))

	result, err = store.Query(ctx, docstore.Query{Clauses: []docstore.Clause{{Path: "tags", Operator: docstore.Exists}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-a", "q-b"}, ids(result))

	result, err = store.Query(ctx, docstore.Query{OrderBy: "name", Skip: 1, Take: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"q-b"}, ids(result))
	assert.Equal(t, 3, result.Total)

	result, err = store.Query(ctx, docstore.Query{Skip: 10})
	require.NoError(t, err)
	assert.Empty(t, result.Documents)
	assert.Equal(t, 3, result.Total)

	_, err = store.Query(ctx, docstore.Query{OrderBy: "name; DROP TABLE x"})
	assert.True(t, errors.Is(err, docstore.ErrInvalidQuery), err)
}
