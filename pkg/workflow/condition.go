package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// Conditions are disjunctions of conjunctions of comparisons:
//
//	order.total >= 100 && customer.tier == "gold" || flags.force
//
// Paths use gjson syntax over the execution context. A bare path is true when
// it exists and is not false, null, 0 or "". A leading "!" negates that.

var operators = []string{"==", "!=", ">=", "<=", ">", "<"}

type comparison struct {
	path   string
	op     string
	lit    interface{}
	negate bool
}

type condition struct {
	anyOf [][]comparison
}

func parseCondition(expr string) (*condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	c := &condition{}
	for _, orPart := range splitUnquoted(expr, "||") {
		var all []comparison
		for _, andPart := range splitUnquoted(orPart, "&&") {
			cmp, err := parseComparison(strings.TrimSpace(andPart))
			if err != nil {
				return nil, fmt.Errorf("condition %q: %w", expr, err)
			}
			all = append(all, cmp)
		}
		c.anyOf = append(c.anyOf, all)
	}
	return c, nil
}

// indexUnquoted is strings.Index that skips double-quoted literals.
func indexUnquoted(s, sub string) int {
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch {
		case inQuote && s[i] == '\\':
			i++
		case s[i] == '"':
			inQuote = !inQuote
		case !inQuote && strings.HasPrefix(s[i:], sub):
			return i
		}
	}
	return -1
}

func splitUnquoted(s, sep string) []string {
	var parts []string
	for {
		idx := indexUnquoted(s, sep)
		if idx < 0 {
			return append(parts, s)
		}
		parts = append(parts, s[:idx])
		s = s[idx+len(sep):]
	}
}

func parseComparison(s string) (comparison, error) {
	for _, op := range operators {
		idx := indexUnquoted(s, op)
		if idx < 0 {
			continue
		}
		path := strings.TrimSpace(s[:idx])
		if path == "" {
			return comparison{}, fmt.Errorf("missing path before %s", op)
		}
		raw := strings.TrimSpace(s[idx+len(op):])
		if raw == "" {
			return comparison{}, fmt.Errorf("missing value after %s", op)
		}
		var lit interface{}
		if err := json.Unmarshal([]byte(raw), &lit); err != nil {
			// Bare words compare as strings.
			lit = raw
		}
		switch lit.(type) {
		case float64, string, bool, nil:
		default:
			return comparison{}, fmt.Errorf("unsupported literal %s", raw)
		}
		return comparison{path: path, op: op, lit: lit}, nil
	}

	negate := strings.HasPrefix(s, "!")
	path := strings.TrimSpace(strings.TrimPrefix(s, "!"))
	if path == "" {
		return comparison{}, fmt.Errorf("empty expression")
	}
	return comparison{path: path, negate: negate}, nil
}

func (c *condition) eval(doc []byte) bool {
	if c == nil {
		return true
	}
	for _, all := range c.anyOf {
		ok := true
		for _, cmp := range all {
			if !cmp.eval(doc) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func truthy(r gjson.Result) bool {
	if !r.Exists() {
		return false
	}
	switch r.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.Number:
		return r.Float() != 0
	case gjson.String:
		return r.Str != ""
	}
	return true
}

func (c comparison) eval(doc []byte) bool {
	r := gjson.GetBytes(doc, c.path)
	if c.op == "" {
		return truthy(r) != c.negate
	}

	switch lit := c.lit.(type) {
	case nil:
		isNull := !r.Exists() || r.Type == gjson.Null
		switch c.op {
		case "==":
			return isNull
		case "!=":
			return !isNull
		}
		return false
	case bool:
		if !r.Exists() {
			return c.op == "!="
		}
		switch c.op {
		case "==":
			return r.Bool() == lit
		case "!=":
			return r.Bool() != lit
		}
		return false
	case float64:
		if !r.Exists() || r.Type == gjson.Null {
			return c.op == "!="
		}
		return compareOrdered(r.Float(), lit, c.op)
	case string:
		if !r.Exists() {
			return c.op == "!="
		}
		return compareOrdered(strings.Compare(r.String(), lit), 0, c.op)
	}
	return false
}

func compareOrdered[T int | float64](a, b T, op string) bool {
	switch op {
	case "==":
		return a == b
	case "!=":
		return a != b
	case ">":
		return a > b
	case ">=":
		return a >= b
	case "<":
		return a < b
	case "<=":
		return a <= b
	}
	return false
}
