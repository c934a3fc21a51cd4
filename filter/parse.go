package filter

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Error is returned for every malformed predicate. Callers that need
// the vault's Kind taxonomy should treat any *Error from this package
// as KindInput.
type Error struct {
	Message string
}

func (e *Error) Error() string { return e.Message }

func errf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

func isPlaintextName(name string) bool {
	return strings.HasPrefix(name, "~")
}

// Parse parses the JSON surface syntax described in spec.md section
// 4.D into a predicate tree. A top-level object with no operator keys
// is the implicit shorthand: an AND of per-field equality/comparison
// clauses.
func Parse(raw []byte) (Node, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, errf("malformed filter JSON: %v", err)
	}
	return parseObject(top)
}

// parseObject interprets a JSON object as either a single operator
// clause ({"$and": [...]}) or, when it has no operator keys, the
// implicit AND-of-fields shorthand. Mixing operator and field keys in
// one object is rejected.
func parseObject(obj map[string]json.RawMessage) (Node, error) {
	if len(obj) == 0 {
		return And{}, nil
	}

	hasOp, hasField := false, false
	for k := range obj {
		if strings.HasPrefix(k, "$") {
			hasOp = true
		} else {
			hasField = true
		}
	}
	if hasOp && hasField {
		return nil, errf("cannot mix operator keys and field keys in one object")
	}

	if hasField {
		var clauses []Node
		for name, rawVal := range obj {
			clause, err := parseFieldClause(name, rawVal)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, clause)
		}
		return simplifyAnd(clauses), nil
	}

	// All keys are operators. A single-operator object is the common
	// case ({"$and": [...]}); more than one operator key at the same
	// level is implicitly AND-ed together.
	var clauses []Node
	for op, rawVal := range obj {
		clause, err := parseOperator(op, rawVal)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
	}
	return simplifyAnd(clauses), nil
}

func simplifyAnd(clauses []Node) Node {
	if len(clauses) == 1 {
		return clauses[0]
	}
	return And{Children: clauses}
}

// parseFieldClause interprets {name: value} (equality) or
// {name: {"$op": value}} (a single comparison on name).
func parseFieldClause(name string, rawVal json.RawMessage) (Node, error) {
	var asObj map[string]json.RawMessage
	if err := json.Unmarshal(rawVal, &asObj); err == nil && looksLikeOperatorObject(asObj) {
		if len(asObj) != 1 {
			return nil, errf("field %q: expected exactly one operator", name)
		}
		for op, v := range asObj {
			return parseNamedOperator(name, op, v)
		}
	}

	str, err := decodeString(rawVal)
	if err != nil {
		return nil, errf("field %q: %v", name, err)
	}
	return Eq{Name: name, Value: str}, nil
}

func looksLikeOperatorObject(obj map[string]json.RawMessage) bool {
	if len(obj) == 0 {
		return false
	}
	for k := range obj {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

// parseOperator interprets a top-level "$op": value clause.
func parseOperator(op string, rawVal json.RawMessage) (Node, error) {
	switch op {
	case "$and":
		return parseChildren(rawVal, func(cs []Node) Node { return And{Children: cs} })
	case "$or":
		return parseChildren(rawVal, func(cs []Node) Node { return Or{Children: cs} })
	case "$not":
		var childRaw map[string]json.RawMessage
		if err := json.Unmarshal(rawVal, &childRaw); err != nil {
			return nil, errf("$not requires an object")
		}
		child, err := parseObject(childRaw)
		if err != nil {
			return nil, err
		}
		return negate(child), nil
	case "$exist":
		names, err := decodeStringList(rawVal)
		if err != nil {
			return nil, errf("$exist: %v", err)
		}
		return Exist{Names: names}, nil
	default:
		return nil, errf("unsupported top-level operator %q", op)
	}
}

func parseChildren(rawVal json.RawMessage, build func([]Node) Node) (Node, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(rawVal, &items); err != nil {
		return nil, errf("expected an array of clauses")
	}
	children := make([]Node, 0, len(items))
	for _, item := range items {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, errf("expected an object clause")
		}
		child, err := parseObject(obj)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return build(children), nil
}

// negate collapses each of Exist/NotExist, In/NotIn and Eq/Neq into
// its opposite, so the compiler sees those without a Not wrapper; any
// other child is wrapped as a plain Not.
func negate(child Node) Node {
	switch c := child.(type) {
	case Exist:
		return NotExist{Names: c.Names}
	case NotExist:
		return Exist{Names: c.Names}
	case In:
		return NotIn{Name: c.Name, Values: c.Values}
	case NotIn:
		return In{Name: c.Name, Values: c.Values}
	case Eq:
		return Neq{Name: c.Name, Value: c.Value}
	case Neq:
		return Eq{Name: c.Name, Value: c.Value}
	default:
		return Not{Child: child}
	}
}

// parseNamedOperator interprets {name: {"$op": value}}.
func parseNamedOperator(name, op string, rawVal json.RawMessage) (Node, error) {
	switch op {
	case "$eq":
		v, err := decodeString(rawVal)
		if err != nil {
			return nil, errf("field %q $eq: %v", name, err)
		}
		return Eq{Name: name, Value: v}, nil
	case "$neq":
		v, err := decodeString(rawVal)
		if err != nil {
			return nil, errf("field %q $neq: %v", name, err)
		}
		return Neq{Name: name, Value: v}, nil
	case "$gt", "$gte", "$lt", "$lte", "$like":
		if !isPlaintextName(name) {
			return nil, errf("comparison operator %q is only valid on plaintext tags (field %q)", op, name)
		}
		v, err := decodeString(rawVal)
		if err != nil {
			return nil, errf("field %q %s: %v", name, op, err)
		}
		switch op {
		case "$gt":
			return Gt{Name: name, Value: v}, nil
		case "$gte":
			return Gte{Name: name, Value: v}, nil
		case "$lt":
			return Lt{Name: name, Value: v}, nil
		case "$lte":
			return Lte{Name: name, Value: v}, nil
		default:
			return Like{Name: name, Pattern: v}, nil
		}
	case "$in", "$nin":
		values, err := decodeStringList(rawVal)
		if err != nil {
			return nil, errf("field %q %s: %v", name, op, err)
		}
		if len(values) == 0 {
			return nil, errf("field %q %s: values must not be empty", name, op)
		}
		if op == "$in" {
			return In{Name: name, Values: values}, nil
		}
		return NotIn{Name: name, Values: values}, nil
	default:
		return nil, errf("unsupported operator %q for field %q", op, name)
	}
}

func decodeString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("value must be a string")
	}
	return s, nil
}

func decodeStringList(raw json.RawMessage) ([]string, error) {
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("value must be an array of strings")
	}
	return items, nil
}
