package filters

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/relabs-tech/devicemanager/core/docstore"
)

var validate = validator.New()

// The clause types of the filter editor
const (
	ClauseEQ          = "EQ"
	ClauseNE          = "NE"
	ClauseLT          = "LT"
	ClauseGT          = "GT"
	ClauseLE          = "LE"
	ClauseGE          = "GE"
	ClauseIN          = "IN"
	ClauseContainsAny = "ContainsAny"
	ClauseStartsWith  = "StartsWith"
	ClauseEndsWith    = "EndsWith"
	ClauseContains    = "Contains"
)

var clauseOperators = map[string]docstore.Operator{
	strings.ToLower(ClauseEQ):          docstore.Eq,
	strings.ToLower(ClauseNE):          docstore.Ne,
	strings.ToLower(ClauseLT):          docstore.Lt,
	strings.ToLower(ClauseGT):          docstore.Gt,
	strings.ToLower(ClauseLE):          docstore.Le,
	strings.ToLower(ClauseGE):          docstore.Ge,
	strings.ToLower(ClauseIN):          docstore.In,
	strings.ToLower(ClauseContainsAny): docstore.In,
	strings.ToLower(ClauseStartsWith):  docstore.StartsWith,
	strings.ToLower(ClauseEndsWith):    docstore.EndsWith,
	strings.ToLower(ClauseContains):    docstore.Contains,
}

// The device document paths of the special columns
const (
	DeviceIDPath = "deviceProperties.deviceID"
	StatusPath   = "deviceProperties.hubEnabledState"
)

// ColumnPath maps a column name of the device list to its path in the device document
func ColumnPath(column string) (string, error) {
	column = strings.TrimSpace(column)
	lower := strings.ToLower(column)
	var path string
	switch {
	case lower == "deviceid" || lower == "id":
		path = DeviceIDPath
	case lower == "status":
		path = StatusPath
	case strings.HasPrefix(lower, "tags."):
		path = "twin.tags." + column[len("tags."):]
	case strings.HasPrefix(lower, "properties.desired."):
		path = "twin.desired." + column[len("properties.desired."):]
	case strings.HasPrefix(lower, "desired."):
		path = "twin.desired." + column[len("desired."):]
	case strings.HasPrefix(lower, "properties.reported."):
		path = "twin.reported." + column[len("properties.reported."):]
	case strings.HasPrefix(lower, "reported."):
		path = "twin.reported." + column[len("reported."):]
	case strings.HasPrefix(lower, "twin."):
		path = column
	case strings.HasPrefix(lower, "deviceproperties."):
		path = "deviceProperties." + column[len("deviceProperties."):]
	case column != "" && !strings.Contains(column, "."):
		path = "deviceProperties." + column
	}
	if path == "" || !pathExpression.MatchString(path) {
		return "", fmt.Errorf("%w: unknown column '%s'", ErrInvalid, column)
	}
	return path, nil
}

var pathExpression = regexp.MustCompile(`^[A-Za-z0-9_\-]+(\.[A-Za-z0-9_\-]+)*$`)

func unquote(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], true
	}
	return s, false
}

// clauseValue converts the textual value of a clause. Unquoted numbers become
// numbers, the status column takes enabled/disabled.
func clauseValue(path, value string) (interface{}, error) {
	text, quoted := unquote(value)
	if path == StatusPath {
		switch strings.ToLower(text) {
		case "enabled", "running", "true":
			return true, nil
		case "disabled", "false":
			return false, nil
		}
		return nil, fmt.Errorf("%w: status must be enabled or disabled", ErrInvalid)
	}
	if !quoted {
		if n, err := strconv.ParseFloat(text, 64); err == nil {
			return n, nil
		}
	}
	return text, nil
}

func listValue(value string) []string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(strings.TrimPrefix(value, "["), "(")
	value = strings.TrimSuffix(strings.TrimSuffix(value, "]"), ")")
	var list []string
	for _, item := range strings.Split(value, ",") {
		text, _ := unquote(item)
		if text != "" {
			list = append(list, text)
		}
	}
	return list
}

func compileClause(column, clauseType, value string) (docstore.Clause, error) {
	path, err := ColumnPath(column)
	if err != nil {
		return docstore.Clause{}, err
	}
	operator, ok := clauseOperators[strings.ToLower(strings.TrimSpace(clauseType))]
	if !ok {
		return docstore.Clause{}, fmt.Errorf("%w: unknown clause type '%s'", ErrInvalid, clauseType)
	}
	if operator == docstore.In {
		list := listValue(value)
		if len(list) == 0 {
			return docstore.Clause{}, fmt.Errorf("%w: %s on '%s' needs a list of values", ErrInvalid, clauseType, column)
		}
		return docstore.Clause{Path: path, Operator: operator, Value: list}, nil
	}
	v, err := clauseValue(path, value)
	if err != nil {
		return docstore.Clause{}, err
	}
	return docstore.Clause{Path: path, Operator: operator, Value: v}, nil
}

var (
	andExpression        = regexp.MustCompile(`(?i)\s+and\s+`)
	orExpression         = regexp.MustCompile(`(?i)\s+or\s+`)
	symbolicExpression   = regexp.MustCompile(`^([A-Za-z0-9_.\-]+)\s*(!=|<>|<=|>=|=|<|>)\s*(.+)$`)
	functionalExpression = regexp.MustCompile(`(?i)^([A-Za-z0-9_.\-]+)\s+(startswith|endswith|contains|in)\s+(.+)$`)
	whereExpression      = regexp.MustCompile(`(?i)^(select\s+\*\s+from\s+devices\s+)?where\s+`)
)

var symbolicClauses = map[string]string{
	"=":  ClauseEQ,
	"!=": ClauseNE,
	"<>": ClauseNE,
	"<":  ClauseLT,
	">":  ClauseGT,
	"<=": ClauseLE,
	">=": ClauseGE,
}

// ParseAdvancedClause parses conditions of the form "path op value" joined with AND.
// The operators are = != <> < > <= >= startswith endswith contains in.
func ParseAdvancedClause(advanced string) ([]Clause, error) {
	advanced = strings.TrimSpace(whereExpression.ReplaceAllString(strings.TrimSpace(advanced), ""))
	if advanced == "" {
		return nil, nil
	}
	if orExpression.MatchString(advanced) {
		return nil, fmt.Errorf("%w: OR is not supported", ErrInvalid)
	}
	var clauses []Clause
	for _, part := range andExpression.Split(advanced, -1) {
		part = strings.TrimSpace(part)
		if m := functionalExpression.FindStringSubmatch(part); m != nil {
			clauseType := map[string]string{
				"startswith": ClauseStartsWith,
				"endswith":   ClauseEndsWith,
				"contains":   ClauseContains,
				"in":         ClauseIN,
			}[strings.ToLower(m[2])]
			clauses = append(clauses, Clause{ColumnName: m[1], ClauseType: clauseType, ClauseValue: m[3]})
			continue
		}
		if m := symbolicExpression.FindStringSubmatch(part); m != nil {
			clauses = append(clauses, Clause{ColumnName: m[1], ClauseType: symbolicClauses[m[2]], ClauseValue: m[3]})
			continue
		}
		return nil, fmt.Errorf("%w: cannot parse '%s'", ErrInvalid, part)
	}
	return clauses, nil
}

// Compile returns the document query selecting the devices matching filter
func Compile(filter Filter) (docstore.Query, error) {
	clauses := filter.Clauses
	if filter.IsAdvanced {
		var err error
		clauses, err = ParseAdvancedClause(filter.AdvancedClause)
		if err != nil {
			return docstore.Query{}, err
		}
	}
	query := docstore.Query{}
	for _, c := range clauses {
		compiled, err := compileClause(c.ColumnName, c.ClauseType, c.ClauseValue)
		if err != nil {
			return docstore.Query{}, err
		}
		query.Clauses = append(query.Clauses, compiled)
	}
	if err := query.Validate(); err != nil {
		return docstore.Query{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return query, nil
}
