// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package datatables adapts server side requests of the DataTables grid to document
queries and wraps results into DataTables responses.

Requests are accepted as JSON or in the form encoding DataTables uses by default:

	draw=1&start=0&length=10&search[value]=abc&order[0][column]=2&order[0][dir]=desc
	&columns[2][data]=deviceId&columns[2][orderable]=true

A length of -1 requests all records.
*/
package datatables

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/relabs-tech/devicemanager/core/docstore"
)

// MaxLength is the maximum page size, except for -1 which requests all records
const MaxLength = 1000

// ErrInvalid is returned for invalid requests
var ErrInvalid = errors.New("invalid datatables request")

// Search is the global or a column search
type Search struct {
	Value string `json:"value"`
	Regex bool   `json:"regex"`
}

// Order is a sort instruction
type Order struct {
	Column int    `json:"column"`
	Dir    string `json:"dir"`
}

// Column describes a grid column
type Column struct {
	Data       string `json:"data"`
	Name       string `json:"name"`
	Searchable bool   `json:"searchable"`
	Orderable  bool   `json:"orderable"`
	Search     Search `json:"search"`
}

// Request is a server side processing request
type Request struct {
	Draw    int      `json:"draw"`
	Start   int      `json:"start"`
	Length  int      `json:"length"`
	Search  Search   `json:"search"`
	Order   []Order  `json:"order"`
	Columns []Column `json:"columns"`

	// FilterID selects a saved device filter
	FilterID string `json:"filterId,omitempty"`
	// Clauses are ad hoc filter clauses, raw JSON of the caller's clause type
	Clauses json.RawMessage `json:"clauses,omitempty"`
}

// Response is a server side processing response
type Response struct {
	Draw            int         `json:"draw"`
	RecordsTotal    int         `json:"recordsTotal"`
	RecordsFiltered int         `json:"recordsFiltered"`
	Data            interface{} `json:"data"`
	Error           string      `json:"error,omitempty"`
}

// NewResponse returns the response for a request
func NewResponse(req *Request, data interface{}, total, filtered int) Response {
	return Response{Draw: req.Draw, RecordsTotal: total, RecordsFiltered: filtered, Data: data}
}

// ErrorResponse returns an error response for a request. DataTables shows the message.
func ErrorResponse(req *Request, message string) Response {
	draw := 0
	if req != nil {
		draw = req.Draw
	}
	return Response{Draw: draw, Data: []interface{}{}, Error: message}
}

// Validate checks paging parameters
func (req *Request) Validate() error {
	if req.Start < 0 {
		return fmt.Errorf("%w: start must not be negative", ErrInvalid)
	}
	if req.Length != -1 && (req.Length < 1 || req.Length > MaxLength) {
		return fmt.Errorf("%w: length must be -1 or between 1 and %d", ErrInvalid, MaxLength)
	}
	for _, o := range req.Order {
		if o.Column < 0 || o.Column >= len(req.Columns) {
			return fmt.Errorf("%w: order column %d does not exist", ErrInvalid, o.Column)
		}
		if dir := strings.ToLower(o.Dir); dir != "" && dir != "asc" && dir != "desc" {
			return fmt.Errorf("%w: order direction '%s'", ErrInvalid, o.Dir)
		}
	}
	return nil
}

// ColumnName returns the name of a column, which is its name or its data attribute
func (c Column) ColumnName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Data
}

// OrderColumn returns the column and direction the grid is sorted by. ok is false if
// the grid is unsorted or sorted by a column which is not orderable.
func (req *Request) OrderColumn() (column string, descending bool, ok bool) {
	if len(req.Order) == 0 {
		return "", false, false
	}
	o := req.Order[0]
	if o.Column < 0 || o.Column >= len(req.Columns) || !req.Columns[o.Column].Orderable {
		return "", false, false
	}
	return req.Columns[o.Column].ColumnName(), strings.EqualFold(o.Dir, "desc"), true
}

// ToQuery applies paging, search and sorting of the request to a base query. paths
// maps column names to document paths.
func (req *Request) ToQuery(base docstore.Query, paths func(column string) (string, error)) (docstore.Query, error) {
	if err := req.Validate(); err != nil {
		return docstore.Query{}, err
	}
	query := base
	query.Skip = req.Start
	query.Take = req.Length
	if req.Length == -1 {
		query.Take = 0
	}
	query.Search = strings.TrimSpace(req.Search.Value)
	if column, descending, ok := req.OrderColumn(); ok {
		path, err := paths(column)
		if err != nil {
			return docstore.Query{}, fmt.Errorf("%w: %s", ErrInvalid, err.Error())
		}
		query.OrderBy = path
		query.Descending = descending
	}
	return query, nil
}

// Window returns the slice bounds of the requested page for n records
func (req *Request) Window(n int) (from, to int) {
	from = req.Start
	if from > n {
		from = n
	}
	to = n
	if req.Length > 0 && from+req.Length < n {
		to = from + req.Length
	}
	return from, to
}

// Sort sorts n rows by the requested column. less compares rows i and j by a column.
func (req *Request) Sort(n int, swap func(i, j int), less func(column string, i, j int) bool) {
	column, descending, ok := req.OrderColumn()
	if !ok {
		return
	}
	sort.Stable(sorter{n: n, swap: swap, less: func(i, j int) bool {
		if descending {
			return less(column, j, i)
		}
		return less(column, i, j)
	}})
}

type sorter struct {
	n    int
	swap func(i, j int)
	less func(i, j int) bool
}

func (s sorter) Len() int           { return s.n }
func (s sorter) Swap(i, j int)      { s.swap(i, j) }
func (s sorter) Less(i, j int) bool { return s.less(i, j) }

var formKey = regexp.MustCompile(`^(columns|order)\[(\d+)\]\[(\w+)\](?:\[(\w+)\])?$`)

// maxFormIndex limits the column and order indices accepted from forms
const maxFormIndex = 100

// ParseRequest reads a request from a JSON or form encoded body, or from the query
// string of a GET request
func ParseRequest(r *http.Request) (*Request, error) {
	req := &Request{}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if r.Method != http.MethodGet && mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(req); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalid, err.Error())
		}
		return req, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalid, err.Error())
	}
	atoi := func(key string, value string) (int, error) {
		i, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("%w: %s is not a number", ErrInvalid, key)
		}
		return i, nil
	}
	var err error
	for key, values := range r.Form {
		value := values[0]
		switch key {
		case "draw":
			req.Draw, err = atoi(key, value)
		case "start":
			req.Start, err = atoi(key, value)
		case "length":
			req.Length, err = atoi(key, value)
		case "search[value]":
			req.Search.Value = value
		case "search[regex]":
			req.Search.Regex = value == "true"
		case "filterId":
			req.FilterID = value
		case "clauses":
			req.Clauses = json.RawMessage(value)
		default:
			err = parseIndexedKey(req, key, value)
		}
		if err != nil {
			return nil, err
		}
	}
	return req, nil
}

func parseIndexedKey(req *Request, key, value string) error {
	m := formKey.FindStringSubmatch(key)
	if m == nil {
		return nil
	}
	index, _ := strconv.Atoi(m[2])
	if index > maxFormIndex {
		return fmt.Errorf("%w: index of %s too large", ErrInvalid, key)
	}
	if m[1] == "order" {
		for len(req.Order) <= index {
			req.Order = append(req.Order, Order{})
		}
		switch m[3] {
		case "column":
			column, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("%w: %s is not a number", ErrInvalid, key)
			}
			req.Order[index].Column = column
		case "dir":
			req.Order[index].Dir = value
		}
		return nil
	}
	for len(req.Columns) <= index {
		req.Columns = append(req.Columns, Column{})
	}
	c := &req.Columns[index]
	switch m[3] {
	case "data":
		c.Data = value
	case "name":
		c.Name = value
	case "searchable":
		c.Searchable = value == "true"
	case "orderable":
		c.Orderable = value == "true"
	case "search":
		if m[4] == "value" {
			c.Search.Value = value
		} else if m[4] == "regex" {
			c.Search.Regex = value == "true"
		}
	}
	return nil
}
