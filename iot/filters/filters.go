/*Package filters manages saved device list filters.

A filter is a list of clauses on device columns, or an advanced clause written
as "path op value AND path op value". Compile turns a filter into a document
store query on device documents. The package also keeps the name cache of twin
property and method names, which the filter editor offers as column names, and
counts how often clauses are saved to suggest them again.
*/
package filters

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/relabs-tech/devicemanager/core/docstore"
	"github.com/relabs-tech/devicemanager/core/logger"
	"github.com/relabs-tech/devicemanager/core/tablestore"
)

// Collection is the name of the filter document collection
const Collection = "filters"

// DefaultFilterID is the id of the built-in filter matching all devices
const DefaultFilterID = "00000000-0000-0000-0000-000000000000"

// DefaultFilterName is the name of the built-in filter
const DefaultFilterName = "All Devices"

var (
	// ErrNotFound is returned for unknown filters
	ErrNotFound = errors.New("filter not found")
	// ErrInvalid is returned for filters which cannot be compiled
	ErrInvalid = errors.New("invalid filter")
	// ErrDuplicateName is returned when a saved filter with the same name exists
	ErrDuplicateName = errors.New("filter name already in use")
	// ErrReadOnly is returned when modifying the built-in filter
	ErrReadOnly = errors.New("the default filter cannot be modified")
)

// Clause is a single condition of a filter
type Clause struct {
	ColumnName  string `json:"columnName" validate:"required,max=256"`
	ClauseType  string `json:"clauseType" validate:"required"`
	ClauseValue string `json:"clauseValue" validate:"max=1024"`
}

// Filter is a saved device filter
type Filter struct {
	ID             string    `json:"id"`
	Name           string    `json:"name" validate:"max=256"`
	Clauses        []Clause  `json:"clauses" validate:"dive"`
	AdvancedClause string    `json:"advancedClause,omitempty" validate:"max=4096"`
	IsAdvanced     bool      `json:"isAdvanced"`
	IsTemporary    bool      `json:"isTemporary"`
	SaveTime       time.Time `json:"saveTime"`
}

// DefaultFilter returns the built-in filter matching all devices
func DefaultFilter() Filter {
	return Filter{ID: DefaultFilterID, Name: DefaultFilterName, Clauses: []Clause{}}
}

// Builder is a builder helper for the filter store
type Builder struct {
	// Documents holds the filters. This is mandatory.
	Documents docstore.Store
	// Names is the name cache table. This is mandatory.
	Names tablestore.Table
	// Suggestions is the clause frequency table. This is mandatory.
	Suggestions tablestore.Table
}

// Store manages filters, the name cache and clause suggestions
type Store struct {
	documents   docstore.Store
	names       tablestore.Table
	suggestions tablestore.Table
}

// New creates the filter store
func New(b *Builder) *Store {
	if b.Documents == nil {
		panic("Documents is missing")
	}
	if b.Names == nil {
		panic("Names is missing")
	}
	if b.Suggestions == nil {
		panic("Suggestions is missing")
	}
	return &Store{documents: b.Documents, names: b.Names, suggestions: b.Suggestions}
}

// Get returns a filter. The default filter always exists.
func (s *Store) Get(ctx context.Context, filterID string) (*Filter, error) {
	if filterID == "" || filterID == DefaultFilterID {
		f := DefaultFilter()
		return &f, nil
	}
	doc, err := s.documents.Get(ctx, filterID)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filterID)
	}
	if err != nil {
		return nil, err
	}
	filter := &Filter{}
	if err := doc.Decode(filter); err != nil {
		return nil, err
	}
	return filter, nil
}

// List returns the default filter followed by all saved, non-temporary filters
// ordered by name
func (s *Store) List(ctx context.Context) ([]Filter, error) {
	result, err := s.documents.Query(ctx, docstore.Query{
		Clauses: []docstore.Clause{{Path: "isTemporary", Operator: docstore.Ne, Value: true}},
		OrderBy: "name",
	})
	if err != nil {
		return nil, err
	}
	filters := []Filter{DefaultFilter()}
	for _, doc := range result.Documents {
		var f Filter
		if err := doc.Decode(&f); err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	return filters, nil
}

// Save validates and stores a filter. A filter without id gets a new one. Saved
// filter names are unique among non-temporary filters.
func (s *Store) Save(ctx context.Context, filter Filter) (*Filter, error) {
	if filter.ID == DefaultFilterID {
		return nil, ErrReadOnly
	}
	if err := validate.Struct(filter); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := Compile(filter); err != nil {
		return nil, err
	}
	if filter.ID == "" {
		filter.ID = uuid.New().String()
	}
	filter.Name = strings.TrimSpace(filter.Name)
	if filter.Name == "" {
		filter.IsTemporary = true
	}
	if !filter.IsTemporary {
		if strings.EqualFold(filter.Name, DefaultFilterName) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, filter.Name)
		}
		existing, err := s.documents.Query(ctx, docstore.Query{
			Clauses: []docstore.Clause{
				{Path: "name", Operator: docstore.Eq, Value: filter.Name},
				{Path: "isTemporary", Operator: docstore.Ne, Value: true},
				{Path: "id", Operator: docstore.Ne, Value: filter.ID},
			},
			Take: 1,
		})
		if err != nil {
			return nil, err
		}
		if existing.Total > 0 {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateName, filter.Name)
		}
	}
	filter.SaveTime = time.Now().UTC()

	doc, err := docstore.NewDocument(filter.ID, filter)
	if err != nil {
		return nil, err
	}
	if _, err := s.documents.Save(ctx, doc); err != nil {
		return nil, err
	}
	if !filter.IsAdvanced {
		if err := s.countClauses(ctx, filter.Clauses); err != nil {
			logger.FromContext(ctx).WithError(err).Warnln("could not update clause suggestions")
		}
	}
	logger.FromContext(ctx).Infoln("saved filter", filter.ID, filter.Name)
	return &filter, nil
}

// Delete removes a filter
func (s *Store) Delete(ctx context.Context, filterID string) error {
	if filterID == DefaultFilterID {
		return ErrReadOnly
	}
	err := s.documents.Delete(ctx, filterID, "")
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, filterID)
	}
	return err
}

// Query returns the document query selecting the devices of a filter
func (s *Store) Query(ctx context.Context, filterID string) (docstore.Query, error) {
	filter, err := s.Get(ctx, filterID)
	if err != nil {
		return docstore.Query{}, err
	}
	return Compile(*filter)
}

// Suggestion is a clause together with the number of times it was saved
type Suggestion struct {
	Clause
	Count    int       `json:"count"`
	LastUsed time.Time `json:"lastUsed"`
}

const suggestionPartition = "clauses"

func suggestionKey(c Clause) string {
	return strings.Join([]string{c.ColumnName, c.ClauseType, c.ClauseValue}, "\x1f")
}

func (s *Store) countClauses(ctx context.Context, clauses []Clause) error {
	for _, c := range clauses {
		key := suggestionKey(c)
		for attempt := 0; attempt < 3; attempt++ {
			suggestion := Suggestion{Clause: c}
			entity, err := s.suggestions.Get(ctx, suggestionPartition, key)
			if err == nil {
				if err := entity.Decode(&suggestion); err != nil {
					return err
				}
			} else if !errors.Is(err, tablestore.ErrNotFound) {
				return err
			}
			suggestion.Count++
			suggestion.LastUsed = time.Now().UTC()
			updated, err := tablestore.NewEntity(suggestionPartition, key, suggestion)
			if err != nil {
				return err
			}
			updated.ETag = entity.ETag
			response := tablestore.DoInsertOrReplace(ctx, s.suggestions, updated)
			if response.Status == tablestore.Successful {
				break
			}
			if response.Status != tablestore.ConflictError && response.Status != tablestore.DuplicateInsert {
				return response.Err
			}
		}
	}
	return nil
}

// GetSuggestedClauses returns the most frequently saved clauses, most frequent first
func (s *Store) GetSuggestedClauses(ctx context.Context, skip, take int) ([]Suggestion, error) {
	entities, err := s.suggestions.Query(ctx, suggestionPartition)
	if err != nil {
		return nil, err
	}
	suggestions := make([]Suggestion, 0, len(entities))
	for _, e := range entities {
		var suggestion Suggestion
		if err := e.Decode(&suggestion); err != nil {
			return nil, err
		}
		suggestions = append(suggestions, suggestion)
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		if suggestions[i].Count != suggestions[j].Count {
			return suggestions[i].Count > suggestions[j].Count
		}
		return suggestions[i].LastUsed.After(suggestions[j].LastUsed)
	})
	if skip >= len(suggestions) {
		return []Suggestion{}, nil
	}
	suggestions = suggestions[skip:]
	if take > 0 && take < len(suggestions) {
		suggestions = suggestions[:take]
	}
	return suggestions, nil
}

// DeleteSuggestedClauses removes clauses from the suggestions
func (s *Store) DeleteSuggestedClauses(ctx context.Context, clauses []Clause) error {
	for _, c := range clauses {
		err := s.suggestions.Delete(ctx, suggestionPartition, suggestionKey(c), tablestore.AnyETag)
		if err != nil && !errors.Is(err, tablestore.ErrNotFound) {
			return err
		}
	}
	return nil
}
