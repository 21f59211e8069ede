package orm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lucidgrid/basis/internal/types"
)

// Domain is a prefix tree of (field, operator, literal) leaves combined by
// logical connectives. The wire form is the nested list convention:
// ["&", ["name", "=", "x"], ["active", "=", true]] with implicit AND between
// consecutive terms.
type Domain struct {
	op       string // "&", "|", "!" or "" for a leaf / empty domain
	children []Domain
	leaf     *Condition
}

// Condition is one (field, operator, literal) leaf.
type Condition struct {
	Field string
	Op    string
	Value interface{}
}

// EmptyDomain matches every record.
func EmptyDomain() Domain { return Domain{} }

// Cond builds a leaf domain.
func Cond(field, op string, value interface{}) Domain {
	return Domain{leaf: &Condition{Field: field, Op: op, Value: value}}
}

// Eq builds a (field = value) leaf.
func Eq(field string, value interface{}) Domain { return Cond(field, "=", value) }

// And combines domains conjunctively.
func And(ds ...Domain) Domain {
	return combine("&", ds)
}

// Or combines domains disjunctively.
func Or(ds ...Domain) Domain {
	return combine("|", ds)
}

// Not negates a domain.
func Not(d Domain) Domain {
	return Domain{op: "!", children: []Domain{d}}
}

func combine(op string, ds []Domain) Domain {
	kept := make([]Domain, 0, len(ds))
	for _, d := range ds {
		if !d.Empty() {
			kept = append(kept, d)
		}
	}
	switch len(kept) {
	case 0:
		return Domain{}
	case 1:
		return kept[0]
	}
	return Domain{op: op, children: kept}
}

// Empty reports whether the domain matches everything.
func (d Domain) Empty() bool {
	return d.op == "" && d.leaf == nil
}

// ParseDomain decodes the nested-list wire form.
func ParseDomain(raw []byte) (Domain, error) {
	if len(raw) == 0 {
		return Domain{}, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return Domain{}, types.ValidationError("malformed domain: %v", err)
	}
	terms := make([]interface{}, 0, len(list))
	for _, item := range list {
		var op string
		if err := json.Unmarshal(item, &op); err == nil {
			if op != "&" && op != "|" && op != "!" {
				return Domain{}, types.ValidationError("unknown domain connective %q", op)
			}
			terms = append(terms, op)
			continue
		}
		var leaf []interface{}
		if err := json.Unmarshal(item, &leaf); err != nil || len(leaf) != 3 {
			return Domain{}, types.ValidationError("malformed domain term %s", string(item))
		}
		field, ok1 := leaf[0].(string)
		op2, ok2 := leaf[1].(string)
		if !ok1 || !ok2 {
			return Domain{}, types.ValidationError("malformed domain term %s", string(item))
		}
		if !validLeafOps[op2] {
			return Domain{}, types.ValidationError("unknown domain operator %q", op2)
		}
		terms = append(terms, Cond(field, op2, leaf[2]))
	}
	if len(terms) == 0 {
		return Domain{}, nil
	}
	d, rest, err := parseTerms(terms)
	if err != nil {
		return Domain{}, err
	}
	// Consecutive terms AND together.
	for len(rest) > 0 {
		var next Domain
		next, rest, err = parseTerms(rest)
		if err != nil {
			return Domain{}, err
		}
		d = And(d, next)
	}
	return d, nil
}

var validLeafOps = map[string]bool{
	"=": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"in": true, "not in": true, "like": true, "ilike": true,
}

func parseTerms(terms []interface{}) (Domain, []interface{}, error) {
	if len(terms) == 0 {
		return Domain{}, nil, types.ValidationError("incomplete domain expression")
	}
	switch t := terms[0].(type) {
	case Domain:
		return t, terms[1:], nil
	case string:
		if t == "!" {
			child, rest, err := parseTerms(terms[1:])
			if err != nil {
				return Domain{}, nil, err
			}
			return Not(child), rest, nil
		}
		left, rest, err := parseTerms(terms[1:])
		if err != nil {
			return Domain{}, nil, err
		}
		right, rest, err := parseTerms(rest)
		if err != nil {
			return Domain{}, nil, err
		}
		return Domain{op: t, children: []Domain{left, right}}, rest, nil
	}
	return Domain{}, nil, types.ValidationError("malformed domain")
}

// MarshalJSON emits the nested-list wire form.
func (d Domain) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.terms())
}

func (d Domain) terms() []interface{} {
	if d.Empty() {
		return []interface{}{}
	}
	if d.leaf != nil {
		return []interface{}{[]interface{}{d.leaf.Field, d.leaf.Op, d.leaf.Value}}
	}
	out := []interface{}{d.op}
	for _, c := range d.children {
		out = append(out, c.terms()...)
	}
	return out
}

// Matches evaluates the domain against one record's values.
func (d Domain) Matches(values map[string]interface{}) bool {
	if d.Empty() {
		return true
	}
	if d.leaf != nil {
		return d.leaf.matches(values)
	}
	switch d.op {
	case "&":
		for _, c := range d.children {
			if !c.Matches(values) {
				return false
			}
		}
		return true
	case "|":
		for _, c := range d.children {
			if c.Matches(values) {
				return true
			}
		}
		return false
	case "!":
		return !d.children[0].Matches(values)
	}
	return false
}

func (c *Condition) matches(values map[string]interface{}) bool {
	have := values[c.Field]
	switch c.Op {
	case "=":
		return equalValues(have, c.Value)
	case "!=":
		return !equalValues(have, c.Value)
	case ">", ">=", "<", "<=":
		cmp, ok := compareValues(have, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case ">":
			return cmp > 0
		case ">=":
			return cmp >= 0
		case "<":
			return cmp < 0
		default:
			return cmp <= 0
		}
	case "in", "not in":
		list, ok := c.Value.([]interface{})
		if !ok {
			return false
		}
		found := false
		for _, v := range list {
			if equalValues(have, v) {
				found = true
				break
			}
		}
		if c.Op == "in" {
			return found
		}
		return !found
	case "like", "ilike":
		s, ok := have.(string)
		pat, ok2 := c.Value.(string)
		if !ok || !ok2 {
			return false
		}
		if c.Op == "ilike" {
			return strings.Contains(strings.ToLower(s), strings.ToLower(pat))
		}
		return strings.Contains(s, pat)
	}
	return false
}

func equalValues(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareValues(a, b interface{}) (int, bool) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	sa, ok1 := a.(string)
	sb, ok2 := b.(string)
	if ok1 && ok2 {
		return strings.Compare(sa, sb), true
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
