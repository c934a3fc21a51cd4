package postgres

import (
	"fmt"

	"github.com/sealedkv/vault"
)

// buildWhereClause mirrors sqlite/query.go's helper of the same name;
// see there for the excludeExpired rationale. The "?" placeholders
// produced here are rewritten to "$N" once, by the caller, immediately
// before the query reaches pgx.
func buildWhereClause(profileID int64, encCategory []byte, filter *vault.QueryFragment, excludeExpired bool) (string, []any) {
	clause := "items.profile_id = ? AND items.category = ? AND items.kind = ?"
	params := []any{profileID, encCategory, itemKind}
	if excludeExpired {
		clause += " AND (items.expiry IS NULL OR items.expiry > ?)"
		params = append(params, nowMs())
	}
	if filter != nil && filter.SQL != "" {
		clause += " AND (" + filter.SQL + ")"
		params = append(params, filter.Params...)
	}
	return clause, params
}

// buildSelectQuery builds the row-fetching query Scan and FetchAll
// share. Unlike sqlite, Postgres rejects a negative LIMIT, so an
// unbounded scan uses "LIMIT ALL" literally instead of binding -1.
func buildSelectQuery(profileID int64, encCategory []byte, filter *vault.QueryFragment, offset, limit int64) (string, []any) {
	where, params := buildWhereClause(profileID, encCategory, filter, true)
	query := fmt.Sprintf("SELECT id, category, name, value, expiry FROM items WHERE %s ORDER BY id", where)
	if limit < 0 {
		query += " LIMIT ALL OFFSET ?"
	} else {
		query += " LIMIT ? OFFSET ?"
		params = append(params, limit)
	}
	params = append(params, offset)
	return rewritePlaceholders(query), params
}

func buildCountQuery(profileID int64, encCategory []byte, filter *vault.QueryFragment) (string, []any) {
	where, params := buildWhereClause(profileID, encCategory, filter, true)
	return rewritePlaceholders(fmt.Sprintf("SELECT COUNT(*) FROM items WHERE %s", where)), params
}

// buildDeleteQuery does not exclude expired rows, matching sqlite's contract.
func buildDeleteQuery(profileID int64, encCategory []byte, filter *vault.QueryFragment) (string, []any) {
	where, params := buildWhereClause(profileID, encCategory, filter, false)
	return rewritePlaceholders(fmt.Sprintf("DELETE FROM items WHERE %s", where)), params
}
