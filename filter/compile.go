package filter

import (
	"fmt"
	"strings"
)

// TagHasher computes the same deterministic digests the record codec
// uses to index encrypted tags, so the compiler can substitute HMACs
// for encrypted-tag names/values without ever decrypting a row.
type TagHasher interface {
	HashTagName(name string) []byte
	HashTagValue(name, value string) []byte
}

// QueryFragment is a backend-agnostic SQL fragment plus its bound
// parameters, in positional "?" placeholder order.
type QueryFragment struct {
	SQL    string
	Params []any
}

// itemsAlias is the alias the compiled fragment assumes for the
// parent items row; backends wrap the fragment as
// "... WHERE <itemsAlias>.profile_id = ? AND <itemsAlias>.category = ? AND (<fragment>)".
const itemsAlias = "items"

// Compile walks a predicate tree and emits a QueryFragment of EXISTS
// clauses against items_tags, correlated to itemsAlias.id. Every
// boolean combinator is parenthesized unconditionally so operator
// precedence never depends on caller assumptions.
func Compile(n Node, hasher TagHasher) (QueryFragment, error) {
	var sb strings.Builder
	var params []any
	if err := compileNode(&sb, &params, n, hasher); err != nil {
		return QueryFragment{}, err
	}
	return QueryFragment{SQL: sb.String(), Params: params}, nil
}

func compileNode(sb *strings.Builder, params *[]any, n Node, hasher TagHasher) error {
	switch v := n.(type) {
	case And:
		return compileBool(sb, params, v.Children, "AND", hasher)
	case Or:
		return compileBool(sb, params, v.Children, "OR", hasher)
	case Not:
		sb.WriteString("NOT (")
		if err := compileNode(sb, params, v.Child, hasher); err != nil {
			return err
		}
		sb.WriteString(")")
		return nil
	case Eq:
		return compileEq(sb, params, v.Name, v.Value, hasher, false)
	case Neq:
		return compileEq(sb, params, v.Name, v.Value, hasher, true)
	case Gt:
		return compilePlaintextCompare(sb, params, v.Name, ">", v.Value)
	case Gte:
		return compilePlaintextCompare(sb, params, v.Name, ">=", v.Value)
	case Lt:
		return compilePlaintextCompare(sb, params, v.Name, "<", v.Value)
	case Lte:
		return compilePlaintextCompare(sb, params, v.Name, "<=", v.Value)
	case Like:
		if !isPlaintextName(v.Name) {
			return errf("$like is only valid on plaintext tags (field %q)", v.Name)
		}
		name, _ := strings.CutPrefix(v.Name, "~")
		sb.WriteString(existsPrefix())
		sb.WriteString("plaintext = 1 AND it.name = ? AND it.value LIKE ?)")
		*params = append(*params, name, v.Pattern)
		return nil
	case In:
		return compileIn(sb, params, v.Name, v.Values, hasher, false)
	case NotIn:
		return compileIn(sb, params, v.Name, v.Values, hasher, true)
	case Exist:
		return compileExist(sb, params, v.Names, hasher, false)
	case NotExist:
		return compileExist(sb, params, v.Names, hasher, true)
	default:
		return errf("unsupported predicate node %T", n)
	}
}

func compileBool(sb *strings.Builder, params *[]any, children []Node, op string, hasher TagHasher) error {
	if len(children) == 0 {
		// An empty And/Or is vacuously true/false respectively; model
		// both as a trivially satisfied clause since no row needs to
		// be excluded by an empty conjunction.
		sb.WriteString("(1=1)")
		return nil
	}
	sb.WriteString("(")
	for i, c := range children {
		if i > 0 {
			sb.WriteString(" " + op + " ")
		}
		if err := compileNode(sb, params, c, hasher); err != nil {
			return err
		}
	}
	sb.WriteString(")")
	return nil
}

func existsPrefix() string {
	return fmt.Sprintf("EXISTS (SELECT 1 FROM items_tags it WHERE it.item_id = %s.id AND it.", itemsAlias)
}

func compileEq(sb *strings.Builder, params *[]any, name, value string, hasher TagHasher, negate bool) error {
	sb.WriteString(existsPrefix())
	if isPlaintextName(name) {
		raw, _ := strings.CutPrefix(name, "~")
		sb.WriteString("plaintext = 1 AND it.name = ? AND it.value ")
		sb.WriteString(cmpOp(negate))
		sb.WriteString(" ?)")
		*params = append(*params, raw, value)
		return nil
	}
	nameDigest := hasher.HashTagName(name)
	if !negate {
		valueDigest := hasher.HashTagValue(name, value)
		sb.WriteString("plaintext = 0 AND it.name = ? AND it.value = ?)")
		*params = append(*params, nameDigest, valueDigest)
		return nil
	}
	// Neq on an encrypted tag: the name must still match (the tag must
	// exist) but the value digest must differ — equality on encrypted
	// fields only ever compares HMACs, never plaintext.
	valueDigest := hasher.HashTagValue(name, value)
	sb.WriteString("plaintext = 0 AND it.name = ? AND it.value != ?)")
	*params = append(*params, nameDigest, valueDigest)
	return nil
}

func cmpOp(negate bool) string {
	if negate {
		return "!="
	}
	return "="
}

func compilePlaintextCompare(sb *strings.Builder, params *[]any, name, op, value string) error {
	if !isPlaintextName(name) {
		return errf("comparison operator %q is only valid on plaintext tags (field %q)", op, name)
	}
	raw, _ := strings.CutPrefix(name, "~")
	sb.WriteString(existsPrefix())
	sb.WriteString("plaintext = 1 AND it.name = ? AND it.value ")
	sb.WriteString(op)
	sb.WriteString(" ?)")
	*params = append(*params, raw, value)
	return nil
}

func compileIn(sb *strings.Builder, params *[]any, name string, values []string, hasher TagHasher, negate bool) error {
	if len(values) == 0 {
		return errf("$in/$nin values must not be empty (field %q)", name)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	sb.WriteString(existsPrefix())
	if isPlaintextName(name) {
		raw, _ := strings.CutPrefix(name, "~")
		if negate {
			sb.WriteString("plaintext = 1 AND it.name = ? AND it.value NOT IN (" + placeholders + "))")
		} else {
			sb.WriteString("plaintext = 1 AND it.name = ? AND it.value IN (" + placeholders + "))")
		}
		*params = append(*params, raw)
		for _, v := range values {
			*params = append(*params, v)
		}
		return nil
	}
	nameDigest := hasher.HashTagName(name)
	if negate {
		sb.WriteString("plaintext = 0 AND it.name = ? AND it.value NOT IN (" + placeholders + "))")
	} else {
		sb.WriteString("plaintext = 0 AND it.name = ? AND it.value IN (" + placeholders + "))")
	}
	*params = append(*params, nameDigest)
	for _, v := range values {
		*params = append(*params, hasher.HashTagValue(name, v))
	}
	return nil
}

func compileExist(sb *strings.Builder, params *[]any, names []string, hasher TagHasher, negate bool) error {
	clauses := make([]string, 0, len(names))
	for _, name := range names {
		if isPlaintextName(name) {
			raw, _ := strings.CutPrefix(name, "~")
			clauses = append(clauses, existsPrefix()+"plaintext = 1 AND it.name = ?)")
			*params = append(*params, raw)
		} else {
			clauses = append(clauses, existsPrefix()+"plaintext = 0 AND it.name = ?)")
			*params = append(*params, hasher.HashTagName(name))
		}
	}
	if len(clauses) == 0 {
		sb.WriteString("(1=1)")
		return nil
	}
	joined := strings.Join(clauses, " AND ")
	if negate {
		sb.WriteString("NOT (" + joined + ")")
		return nil
	}
	sb.WriteString("(" + joined + ")")
	return nil
}
