package postgres

import (
	"strconv"
	"strings"
)

// rewritePlaceholders converts the "?"-positional SQL the filter
// package and query.go emit (shared across backends so the compiler
// itself stays driver-agnostic) into Postgres's "$1, $2, ..." form.
// pgx's native query path, unlike database/sql, never rewrites
// placeholders itself, so every query built for this backend passes
// through here exactly once, right before it is sent.
func rewritePlaceholders(query string) string {
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
