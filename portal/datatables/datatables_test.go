// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package datatables

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paths(column string) (string, error) {
	if column == "secret" {
		return "", fmt.Errorf("unknown column %s", column)
	}
	return "deviceProperties." + column, nil
}

func TestToQuery(t *testing.T) {
	req := &Request{
		Draw:   3,
		Start:  20,
		Length: 10,
		Search: Search{Value: " abc "},
		Order:  []Order{{Column: 1, Dir: "desc"}},
		Columns: []Column{
			{Data: "deviceID", Orderable: true},
			{Data: "manufacturer", Orderable: true},
		},
	}
	base := docstore.Query{Clauses: []docstore.Clause{{Path: "a", Operator: docstore.Exists}}}
	query, err := req.ToQuery(base, paths)
	require.NoError(t, err)
	assert.Equal(t, 20, query.Skip)
	assert.Equal(t, 10, query.Take)
	assert.Equal(t, "abc", query.Search)
	assert.Equal(t, "deviceProperties.manufacturer", query.OrderBy)
	assert.True(t, query.Descending)
	assert.Len(t, query.Clauses, 1)

	req.Length = -1
	query, err = req.ToQuery(base, paths)
	require.NoError(t, err)
	assert.Zero(t, query.Take, "-1 means all")

	for _, length := range []int{0, -2, MaxLength + 1} {
		req.Length = length
		_, err = req.ToQuery(base, paths)
		assert.True(t, errors.Is(err, ErrInvalid), length)
	}

	req.Length = 10
	req.Columns[1].Name = "secret"
	_, err = req.ToQuery(base, paths)
	assert.True(t, errors.Is(err, ErrInvalid))

	req.Columns[1].Orderable = false
	query, err = req.ToQuery(base, paths)
	require.NoError(t, err)
	assert.Empty(t, query.OrderBy, "columns which are not orderable are ignored")
}

func TestWindowAndSort(t *testing.T) {
	req := &Request{Start: 2, Length: 2, Order: []Order{{Column: 0, Dir: "desc"}}, Columns: []Column{{Data: "name", Orderable: true}}}
	rows := []string{"b", "d", "a", "c", "e"}
	req.Sort(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] }, func(column string, i, j int) bool {
		assert.Equal(t, "name", column)
		return rows[i] < rows[j]
	})
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, rows)
	from, to := req.Window(len(rows))
	assert.Equal(t, []string{"c", "b"}, rows[from:to])

	req.Start = 10
	from, to = req.Window(len(rows))
	assert.Empty(t, rows[from:to])

	req.Start, req.Length = 0, -1
	from, to = req.Window(len(rows))
	assert.Len(t, rows[from:to], 5)
}

func TestParseFormRequest(t *testing.T) {
	form := url.Values{}
	form.Set("draw", "7")
	form.Set("start", "0")
	form.Set("length", "25")
	form.Set("search[value]", "building")
	form.Set("order[0][column]", "1")
	form.Set("order[0][dir]", "asc")
	form.Set("columns[0][data]", "deviceId")
	form.Set("columns[1][data]", "status")
	form.Set("columns[1][orderable]", "true")
	form.Set("columns[1][search][value]", "x")
	form.Set("filterId", "f1")
	r := httptest.NewRequest(http.MethodPost, "/devices/list", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	req, err := ParseRequest(r)
	require.NoError(t, err)
	assert.Equal(t, 7, req.Draw)
	assert.Equal(t, 25, req.Length)
	assert.Equal(t, "building", req.Search.Value)
	assert.Equal(t, "f1", req.FilterID)
	require.Len(t, req.Columns, 2)
	assert.True(t, req.Columns[1].Orderable)
	assert.Equal(t, "x", req.Columns[1].Search.Value)
	column, descending, ok := req.OrderColumn()
	assert.True(t, ok)
	assert.False(t, descending)
	assert.Equal(t, "status", column)

	r = httptest.NewRequest(http.MethodPost, "/devices/list", strings.NewReader("columns[1000][data]=x"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_, err = ParseRequest(r)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestParseJSONRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/devices/list",
		strings.NewReader(`{"draw":2,"start":10,"length":-1,"clauses":[{"columnName":"tags.building"}]}`))
	r.Header.Set("Content-Type", "application/json; charset=utf-8")
	req, err := ParseRequest(r)
	require.NoError(t, err)
	assert.Equal(t, 2, req.Draw)
	assert.Equal(t, -1, req.Length)
	assert.JSONEq(t, `[{"columnName":"tags.building"}]`, string(req.Clauses))

	response := ErrorResponse(req, "boom")
	assert.Equal(t, 2, response.Draw)
	assert.Equal(t, "boom", response.Error)
}
