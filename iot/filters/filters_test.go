package filters

import (
	"context"
	"errors"
	"testing"

	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/relabs-tech/devicemanager/core/tablestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore() *Store {
	return New(&Builder{
		Documents:   docstore.NewMemory(Collection),
		Names:       tablestore.NewMemory(NamesTableName),
		Suggestions: tablestore.NewMemory(SuggestionsTableName),
	})
}

func TestColumnPath(t *testing.T) {
	cases := map[string]string{
		"deviceId":                   DeviceIDPath,
		"status":                     StatusPath,
		"tags.building":              "twin.tags.building",
		"desired.config.interval":    "twin.desired.config.interval",
		"properties.reported.System": "twin.reported.System",
		"reported.firmware":          "twin.reported.firmware",
		"manufacturer":               "deviceProperties.manufacturer",
		"deviceProperties.platform":  "deviceProperties.platform",
	}
	for column, expected := range cases {
		path, err := ColumnPath(column)
		require.NoError(t, err, column)
		assert.Equal(t, expected, path, column)
	}
	_, err := ColumnPath("unknown.prefix.x")
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestCompile(t *testing.T) {
	query, err := Compile(Filter{Clauses: []Clause{
		{ColumnName: "tags.floor", ClauseType: "GT", ClauseValue: "2"},
		{ColumnName: "tags.building", ClauseType: "eq", ClauseValue: "'43'"},
		{ColumnName: "status", ClauseType: "EQ", ClauseValue: "Disabled"},
		{ColumnName: "deviceId", ClauseType: "IN", ClauseValue: "['a', 'b']"},
	}})
	require.NoError(t, err)
	require.Len(t, query.Clauses, 4)
	assert.Equal(t, docstore.Clause{Path: "twin.tags.floor", Operator: docstore.Gt, Value: 2.0}, query.Clauses[0])
	assert.Equal(t, "43", query.Clauses[1].Value, "quoted numbers stay strings")
	assert.Equal(t, false, query.Clauses[2].Value)
	assert.Equal(t, []string{"a", "b"}, query.Clauses[3].Value)

	_, err = Compile(Filter{Clauses: []Clause{{ColumnName: "tags.x", ClauseType: "LIKE", ClauseValue: "1"}}})
	assert.True(t, errors.Is(err, ErrInvalid))
	_, err = Compile(Filter{Clauses: []Clause{{ColumnName: "status", ClauseType: "EQ", ClauseValue: "maybe"}}})
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestAdvancedClause(t *testing.T) {
	clauses, err := ParseAdvancedClause("WHERE tags.building = '43' AND reported.temperature >= 20.5 and deviceId startswith 'Cooling'")
	require.NoError(t, err)
	assert.Equal(t, []Clause{
		{ColumnName: "tags.building", ClauseType: ClauseEQ, ClauseValue: "'43'"},
		{ColumnName: "reported.temperature", ClauseType: ClauseGE, ClauseValue: "20.5"},
		{ColumnName: "deviceId", ClauseType: ClauseStartsWith, ClauseValue: "'Cooling'"},
	}, clauses)

	_, err = ParseAdvancedClause("tags.a = 1 OR tags.b = 2")
	assert.True(t, errors.Is(err, ErrInvalid))
	_, err = ParseAdvancedClause("tags.a ~ 1")
	assert.True(t, errors.Is(err, ErrInvalid))

	query, err := Compile(Filter{IsAdvanced: true, AdvancedClause: "tags.floor IN (1, 2)"})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, query.Clauses[0].Value)
}

func TestFilterStore(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	filters, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, filters, 1)
	assert.Equal(t, DefaultFilterID, filters[0].ID)

	clauses := []Clause{{ColumnName: "tags.building", ClauseType: ClauseEQ, ClauseValue: "43"}}
	saved, err := s.Save(ctx, Filter{Name: "Building 43", Clauses: clauses})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.False(t, saved.SaveTime.IsZero())

	_, err = s.Save(ctx, Filter{Name: "Building 43", Clauses: clauses})
	assert.True(t, errors.Is(err, ErrDuplicateName))
	_, err = s.Save(ctx, Filter{Name: DefaultFilterName})
	assert.True(t, errors.Is(err, ErrDuplicateName))

	// saving the same filter again keeps its name
	saved.Clauses = append(saved.Clauses, Clause{ColumnName: "tags.floor", ClauseType: ClauseGT, ClauseValue: "1"})
	_, err = s.Save(ctx, *saved)
	require.NoError(t, err)

	temporary, err := s.Save(ctx, Filter{Clauses: clauses})
	require.NoError(t, err)
	assert.True(t, temporary.IsTemporary)

	filters, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, filters, 2, "temporary filters are not listed")

	got, err := s.Get(ctx, temporary.ID)
	require.NoError(t, err)
	assert.Equal(t, clauses, got.Clauses)

	query, err := s.Query(ctx, saved.ID)
	require.NoError(t, err)
	assert.Len(t, query.Clauses, 2)

	suggestions, err := s.GetSuggestedClauses(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, suggestions, 2)
	assert.Equal(t, clauses[0], suggestions[0].Clause)
	assert.Equal(t, 3, suggestions[0].Count)
	require.NoError(t, s.DeleteSuggestedClauses(ctx, clauses))
	suggestions, err = s.GetSuggestedClauses(ctx, 0, 0)
	require.NoError(t, err)
	assert.Len(t, suggestions, 1)

	assert.True(t, errors.Is(s.Delete(ctx, DefaultFilterID), ErrReadOnly))
	require.NoError(t, s.Delete(ctx, saved.ID))
	assert.True(t, errors.Is(s.Delete(ctx, saved.ID), ErrNotFound))
	_, err = s.Get(ctx, saved.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestNameCache(t *testing.T) {
	ctx := context.Background()
	s := newStore()

	require.NoError(t, s.AddNames(ctx, NameKindTag, "floor", "building", "floor"))
	require.NoError(t, s.AddName(ctx, NameKindMethod, "Reboot"))
	assert.True(t, errors.Is(s.AddName(ctx, "bogus", "x"), ErrInvalid))

	names, err := s.ListNames(ctx, NameKindTag)
	require.NoError(t, err)
	require.Len(t, names, 2)
	assert.Equal(t, "building", names[0].Name)
	assert.Equal(t, "tags.building", names[0].Column())

	methods, err := s.ListNames(ctx, NameKindMethod)
	require.NoError(t, err)
	require.Len(t, methods, 1)
	assert.Equal(t, "Reboot", methods[0].Column())

	require.NoError(t, s.DeleteName(ctx, NameKindTag, "floor"))
	assert.True(t, errors.Is(s.DeleteName(ctx, NameKindTag, "floor"), ErrNotFound))
}
