package sqlite

import (
	"fmt"

	"github.com/sealedkv/vault"
)

// buildWhereClause assembles the shared predicate every Count/Fetch/
// FetchAll/Scan query uses: scoped to one profile and category, ANDed
// with the compiled tag filter when present. excludeExpired applies
// backend.go's read-path contract ("exclude expired rows as if they
// did not exist"); buildDeleteQuery passes false, since remove_all is
// documented to still see expired rows.
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

// buildSelectQuery builds the row-fetching query used by Scan and
// FetchAll, ordered by insertion id (spec.md section 8 scenario 6:
// "order defined by insertion id").
func buildSelectQuery(profileID int64, encCategory []byte, filter *vault.QueryFragment, offset, limit int64) (string, []any) {
	where, params := buildWhereClause(profileID, encCategory, filter, true)
	query := fmt.Sprintf("SELECT id, category, name, value, expiry FROM items WHERE %s ORDER BY id", where)
	limitVal := limit
	if limitVal < 0 {
		limitVal = -1
	}
	query += " LIMIT ? OFFSET ?"
	params = append(params, limitVal, offset)
	return query, params
}

func buildCountQuery(profileID int64, encCategory []byte, filter *vault.QueryFragment) (string, []any) {
	where, params := buildWhereClause(profileID, encCategory, filter, true)
	return fmt.Sprintf("SELECT COUNT(*) FROM items WHERE %s", where), params
}

// buildDeleteQuery does not exclude expired rows: remove_all is meant
// to also sweep rows the read path already hides.
func buildDeleteQuery(profileID int64, encCategory []byte, filter *vault.QueryFragment) (string, []any) {
	where, params := buildWhereClause(profileID, encCategory, filter, false)
	return fmt.Sprintf("DELETE FROM items WHERE %s", where), params
}
