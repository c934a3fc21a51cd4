package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sealedkv/vault"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// session's helpers stay agnostic to whether they run autocommit or
// under an explicit transaction, mirroring sqlite/session.go's execer.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// session implements vault.BackendSession. A read session runs every
// statement directly against the pool (tx nil); a write session
// buffers its statements under tx until the caller commits or rolls
// back.
type session struct {
	pool      *pgxpool.Pool
	tx        pgx.Tx
	profileID int64
}

func (s *session) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.pool
}

// Count implements vault.BackendSession.
func (s *session) Count(ctx context.Context, encCategory []byte, filter *vault.QueryFragment) (int64, error) {
	query, params := buildCountQuery(s.profileID, encCategory, filter)
	var n int64
	if err := s.q().QueryRow(ctx, query, params...).Scan(&n); err != nil {
		return 0, vault.WrapError(vault.KindBackend, err, "count items")
	}
	return n, nil
}

// Fetch implements vault.BackendSession. forUpdate appends FOR UPDATE,
// taking a row lock for the life of the enclosing transaction; unlike
// sqlite's single-writer model, Postgres allows genuinely concurrent
// writers so this lock matters here.
func (s *session) Fetch(ctx context.Context, encCategory, encName []byte, forUpdate bool) (vault.EncryptedRow, error) {
	query := `SELECT id, category, name, value, expiry FROM items
		WHERE profile_id = $1 AND kind = $2 AND category = $3 AND name = $4
		AND (expiry IS NULL OR expiry > $5)`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var id int64
	var cat, name, value []byte
	var expiry *int64
	err := s.q().QueryRow(ctx, query, s.profileID, itemKind, encCategory, encName, nowMs()).
		Scan(&id, &cat, &name, &value, &expiry)
	if errors.Is(err, pgx.ErrNoRows) {
		return vault.EncryptedRow{}, vault.NewError(vault.KindNotFound, "entry not found")
	}
	if err != nil {
		return vault.EncryptedRow{}, vault.WrapError(vault.KindBackend, err, "fetch item")
	}

	tags, err := fetchTagRows(ctx, s.q(), id)
	if err != nil {
		return vault.EncryptedRow{}, err
	}
	return vault.EncryptedRow{EncCategory: cat, EncName: name, EncValue: value, ExpiryMs: expiry, Tags: tags}, nil
}

// FetchAll implements vault.BackendSession.
func (s *session) FetchAll(ctx context.Context, encCategory []byte, filter *vault.QueryFragment, limit int, forUpdate bool) ([]vault.EncryptedRow, error) {
	query, params := buildSelectQuery(s.profileID, encCategory, filter, 0, int64(limit))
	if forUpdate {
		query += " FOR UPDATE"
	}
	rows, err := s.q().Query(ctx, query, params...)
	if err != nil {
		return nil, vault.WrapError(vault.KindBackend, err, "fetch all items")
	}
	defer rows.Close()

	var out []vault.EncryptedRow
	for rows.Next() {
		var id int64
		var cat, name, value []byte
		var expiry *int64
		if err := rows.Scan(&id, &cat, &name, &value, &expiry); err != nil {
			return nil, vault.WrapError(vault.KindBackend, err, "scan item row")
		}
		tags, err := fetchTagRows(ctx, s.q(), id)
		if err != nil {
			return nil, err
		}
		out = append(out, vault.EncryptedRow{EncCategory: cat, EncName: name, EncValue: value, ExpiryMs: expiry, Tags: tags})
	}
	if err := rows.Err(); err != nil {
		return nil, vault.WrapError(vault.KindBackend, err, "iterate items")
	}
	return out, nil
}

// Update implements vault.BackendSession.
func (s *session) Update(ctx context.Context, op vault.EntryOperation, encCategory, encName []byte, row vault.EncryptedRow) error {
	switch op {
	case vault.OpInsert:
		return s.insert(ctx, encCategory, encName, row)
	case vault.OpReplace:
		id, ok, err := s.findItemID(ctx, encCategory, encName)
		if err != nil {
			return err
		}
		if ok {
			return s.updateExisting(ctx, id, row)
		}
		return s.insert(ctx, encCategory, encName, row)
	case vault.OpRemove:
		id, ok, err := s.findItemID(ctx, encCategory, encName)
		if err != nil {
			return err
		}
		if !ok {
			return vault.NewError(vault.KindNotFound, "entry not found")
		}
		return s.deleteItem(ctx, id)
	default:
		return vault.NewError(vault.KindInput, "unknown entry operation %v", op)
	}
}

// RemoveAll implements vault.BackendSession.
func (s *session) RemoveAll(ctx context.Context, encCategory []byte, filter *vault.QueryFragment) (int64, error) {
	query, params := buildDeleteQuery(s.profileID, encCategory, filter)
	tag, err := s.q().Exec(ctx, query, params...)
	if err != nil {
		return 0, vault.WrapError(vault.KindBackend, err, "remove all items")
	}
	return tag.RowsAffected(), nil
}

// Commit implements vault.BackendSession. A no-op on a read session.
func (s *session) Commit(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(ctx); err != nil {
		return vault.WrapError(vault.KindBackend, err, "commit session")
	}
	return nil
}

// Rollback implements vault.BackendSession. Always safe, including
// after Commit: pgx.Tx.Rollback on a finished transaction returns
// pgx.ErrTxClosed, which this treats as success.
func (s *session) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return vault.WrapError(vault.KindBackend, err, "rollback session")
	}
	return nil
}

// Close implements vault.BackendSession. Read sessions hold no
// per-session resources beyond the shared pool.
func (s *session) Close(context.Context) error {
	return nil
}

func (s *session) findItemID(ctx context.Context, encCategory, encName []byte) (int64, bool, error) {
	var id int64
	err := s.q().QueryRow(ctx,
		`SELECT id FROM items WHERE profile_id = $1 AND kind = $2 AND category = $3 AND name = $4`,
		s.profileID, itemKind, encCategory, encName,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, vault.WrapError(vault.KindBackend, err, "look up item")
	}
	return id, true, nil
}

func (s *session) insert(ctx context.Context, encCategory, encName []byte, row vault.EncryptedRow) error {
	var id int64
	err := s.q().QueryRow(ctx,
		`INSERT INTO items(profile_id, kind, category, name, value, expiry) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		s.profileID, itemKind, encCategory, encName, row.EncValue, row.ExpiryMs,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return vault.NewError(vault.KindDuplicate, "entry already exists")
		}
		return vault.WrapError(vault.KindBackend, err, "insert item")
	}
	return s.insertTags(ctx, id, row.Tags)
}

func (s *session) updateExisting(ctx context.Context, id int64, row vault.EncryptedRow) error {
	if _, err := s.q().Exec(ctx, `UPDATE items SET value = $1, expiry = $2 WHERE id = $3`, row.EncValue, row.ExpiryMs, id); err != nil {
		return vault.WrapError(vault.KindBackend, err, "update item")
	}
	if _, err := s.q().Exec(ctx, `DELETE FROM items_tags WHERE item_id = $1`, id); err != nil {
		return vault.WrapError(vault.KindBackend, err, "clear old tags")
	}
	return s.insertTags(ctx, id, row.Tags)
}

func (s *session) deleteItem(ctx context.Context, id int64) error {
	if _, err := s.q().Exec(ctx, `DELETE FROM items WHERE id = $1`, id); err != nil {
		return vault.WrapError(vault.KindBackend, err, "delete item")
	}
	return nil
}

func (s *session) insertTags(ctx context.Context, itemID int64, tags []vault.EncryptedTagRow) error {
	for _, t := range tags {
		if t.Plaintext {
			if _, err := s.q().Exec(ctx,
				`INSERT INTO items_tags(item_id, plaintext, name, value) VALUES ($1, true, $2, $3)`,
				itemID, []byte(t.Name), []byte(t.Value),
			); err != nil {
				return vault.WrapError(vault.KindBackend, err, "insert plaintext tag")
			}
			continue
		}
		if _, err := s.q().Exec(ctx,
			`INSERT INTO items_tags(item_id, plaintext, name, value, enc_name, enc_value) VALUES ($1, false, $2, $3, $4, $5)`,
			itemID, []byte(t.Name), []byte(t.Value), t.EncName, t.EncValue,
		); err != nil {
			return vault.WrapError(vault.KindBackend, err, "insert encrypted tag")
		}
	}
	return nil
}

// fetchTagRows loads every items_tags row for itemID, in the shape
// codec.go's DecryptEntry expects.
func fetchTagRows(ctx context.Context, q querier, itemID int64) ([]vault.EncryptedTagRow, error) {
	rows, err := q.Query(ctx, `SELECT plaintext, name, value, enc_name, enc_value FROM items_tags WHERE item_id = $1`, itemID)
	if err != nil {
		return nil, vault.WrapError(vault.KindBackend, err, "fetch tags")
	}
	defer rows.Close()

	var out []vault.EncryptedTagRow
	for rows.Next() {
		var plaintext bool
		var name, value, encName, encValue []byte
		if err := rows.Scan(&plaintext, &name, &value, &encName, &encValue); err != nil {
			return nil, vault.WrapError(vault.KindBackend, err, "scan tag row")
		}
		out = append(out, vault.EncryptedTagRow{
			Plaintext: plaintext,
			Name:      string(name),
			Value:     string(value),
			EncName:   encName,
			EncValue:  encValue,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, vault.WrapError(vault.KindBackend, err, "iterate tags")
	}
	return out, nil
}
