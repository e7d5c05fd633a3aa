// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package docstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Lookup returns the value at a dotted path of a decoded JSON document
func Lookup(body map[string]interface{}, path string) (interface{}, bool) {
	var current interface{} = body
	for _, segment := range splitPath(path) {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// text returns the textual representation postgres' #>> operator yields
func text(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}

func matchClause(body map[string]interface{}, c Clause) bool {
	v, ok := Lookup(body, c.Path)
	if !ok {
		return false
	}
	if c.Operator == Exists {
		return true
	}
	docText, ok := text(v)
	if !ok {
		return false
	}
	docNumber, docIsNumber := v.(float64)
	clauseNumber, clauseIsNumber := parseNumber(c.Value)
	clauseText := fmt.Sprint(c.Value)

	switch c.Operator {
	case Eq, Ne:
		var equal bool
		if docIsNumber && clauseIsNumber {
			equal = docNumber == clauseNumber
		} else {
			equal = docText == clauseText
		}
		return equal == (c.Operator == Eq)
	case Lt, Gt, Le, Ge:
		var cmp int
		if clauseIsNumber {
			if !docIsNumber {
				return false
			}
			cmp = compareFloat(docNumber, clauseNumber)
		} else {
			cmp = strings.Compare(docText, clauseText)
		}
		switch c.Operator {
		case Lt:
			return cmp < 0
		case Gt:
			return cmp > 0
		case Le:
			return cmp <= 0
		default:
			return cmp >= 0
		}
	case In:
		list, _ := stringList(c.Value)
		for _, item := range list {
			if item == docText {
				return true
			}
		}
		return false
	case StartsWith:
		return strings.HasPrefix(docText, clauseText)
	case EndsWith:
		return strings.HasSuffix(docText, clauseText)
	case Contains:
		return strings.Contains(strings.ToLower(docText), strings.ToLower(clauseText))
	}
	return false
}

func matchSearch(body map[string]interface{}, search string, paths []string) bool {
	if search == "" {
		return true
	}
	search = strings.ToLower(search)
	for _, p := range paths {
		v, ok := Lookup(body, p)
		if !ok {
			continue
		}
		if t, ok := text(v); ok && strings.Contains(strings.ToLower(t), search) {
			return true
		}
	}
	return false
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// typeRank follows the ordering of jsonb values, with missing values first
func typeRank(v interface{}, ok bool) int {
	if !ok {
		return 0
	}
	switch v.(type) {
	case nil:
		return 1
	case string:
		return 2
	case float64:
		return 3
	case bool:
		return 4
	case []interface{}:
		return 5
	}
	return 6
}

func compareValues(a interface{}, aok bool, b interface{}, bok bool) int {
	ra, rb := typeRank(a, aok), typeRank(b, bok)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case string:
		return strings.Compare(av, b.(string))
	case float64:
		return compareFloat(av, b.(float64))
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	}
	return 0
}
