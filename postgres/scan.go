package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sealedkv/vault"
)

// scanCursor implements vault.BackendScan over a single forward-only
// pgx.Rows opened by Backend.Scan. Pagination is entirely SQL-side
// (query.go's buildSelectQuery); Next only walks the already-scoped
// result set page by page, mirroring sqlite/scan.go.
type scanCursor struct {
	pool *pgxpool.Pool
	rows pgx.Rows
	done bool
}

// Next implements vault.BackendScan.
func (c *scanCursor) Next(ctx context.Context, pageSize int) ([]vault.EncryptedRow, error) {
	if c.done {
		return nil, nil
	}
	if pageSize <= 0 {
		pageSize = 1
	}

	var out []vault.EncryptedRow
	for len(out) < pageSize {
		if !c.rows.Next() {
			c.done = true
			break
		}
		var id int64
		var cat, name, value []byte
		var expiry *int64
		if err := c.rows.Scan(&id, &cat, &name, &value, &expiry); err != nil {
			return nil, vault.WrapError(vault.KindBackend, err, "scan cursor row")
		}
		tags, err := fetchTagRows(ctx, c.pool, id)
		if err != nil {
			return nil, err
		}
		out = append(out, vault.EncryptedRow{EncCategory: cat, EncName: name, EncValue: value, ExpiryMs: expiry, Tags: tags})
	}
	if c.done {
		if err := c.rows.Err(); err != nil {
			return out, vault.WrapError(vault.KindBackend, err, "iterate cursor")
		}
	}
	return out, nil
}

// Close implements vault.BackendScan. Idempotent.
func (c *scanCursor) Close(context.Context) error {
	c.rows.Close()
	return nil
}
