package sqlite

import (
	"context"
	"database/sql"

	"github.com/sealedkv/vault"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting session's
// query helpers stay agnostic to whether they run autocommit or under
// an explicit transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// session implements vault.BackendSession. A read session runs every
// statement directly against the pool (db set, tx nil); a write
// session buffers its statements under tx until the caller commits or
// rolls back.
type session struct {
	db        *sql.DB
	tx        *sql.Tx
	profileID int64
}

func (s *session) exec() execer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Count implements vault.BackendSession.
func (s *session) Count(ctx context.Context, encCategory []byte, filter *vault.QueryFragment) (int64, error) {
	query, params := buildCountQuery(s.profileID, encCategory, filter)
	var n int64
	if err := s.exec().QueryRowContext(ctx, query, params...).Scan(&n); err != nil {
		return 0, vault.WrapError(vault.KindBackend, err, "count items")
	}
	return n, nil
}

// Fetch implements vault.BackendSession. forUpdate is accepted but has
// no effect: SQLite serializes every writer behind one connection, so
// there is no separate row lock to take within that.
func (s *session) Fetch(ctx context.Context, encCategory, encName []byte, forUpdate bool) (vault.EncryptedRow, error) {
	const query = `SELECT id, category, name, value, expiry FROM items
		WHERE profile_id = ? AND kind = ? AND category = ? AND name = ?
		AND (expiry IS NULL OR expiry > ?)`

	var id int64
	var cat, name, value []byte
	var expiry sql.NullInt64
	err := s.exec().QueryRowContext(ctx, query, s.profileID, itemKind, encCategory, encName, nowMs()).
		Scan(&id, &cat, &name, &value, &expiry)
	if err == sql.ErrNoRows {
		return vault.EncryptedRow{}, vault.NewError(vault.KindNotFound, "entry not found")
	}
	if err != nil {
		return vault.EncryptedRow{}, vault.WrapError(vault.KindBackend, err, "fetch item")
	}

	tags, err := fetchTagRows(ctx, s.exec(), id)
	if err != nil {
		return vault.EncryptedRow{}, err
	}
	return rowFromColumns(cat, name, value, expiry, tags), nil
}

// FetchAll implements vault.BackendSession.
func (s *session) FetchAll(ctx context.Context, encCategory []byte, filter *vault.QueryFragment, limit int, forUpdate bool) ([]vault.EncryptedRow, error) {
	query, params := buildSelectQuery(s.profileID, encCategory, filter, 0, int64(limit))
	rows, err := s.exec().QueryContext(ctx, query, params...)
	if err != nil {
		return nil, vault.WrapError(vault.KindBackend, err, "fetch all items")
	}
	defer rows.Close()

	var out []vault.EncryptedRow
	for rows.Next() {
		var id int64
		var cat, name, value []byte
		var expiry sql.NullInt64
		if err := rows.Scan(&id, &cat, &name, &value, &expiry); err != nil {
			return nil, vault.WrapError(vault.KindBackend, err, "scan item row")
		}
		tags, err := fetchTagRows(ctx, s.exec(), id)
		if err != nil {
			return nil, err
		}
		out = append(out, rowFromColumns(cat, name, value, expiry, tags))
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
	res, err := s.exec().ExecContext(ctx, query, params...)
	if err != nil {
		return 0, vault.WrapError(vault.KindBackend, err, "remove all items")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, vault.WrapError(vault.KindBackend, err, "count removed items")
	}
	return n, nil
}

// Commit implements vault.BackendSession. A no-op on a read session.
func (s *session) Commit(context.Context) error {
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Commit(); err != nil {
		return vault.WrapError(vault.KindBackend, err, "commit session")
	}
	return nil
}

// Rollback implements vault.BackendSession. Always safe, including
// after Commit: sql.Tx.Rollback on a finished transaction returns
// sql.ErrTxDone, which this treats as success.
func (s *session) Rollback(context.Context) error {
	if s.tx == nil {
		return nil
	}
	if err := s.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return vault.WrapError(vault.KindBackend, err, "rollback session")
	}
	return nil
}

// Close implements vault.BackendSession. Read sessions hold no
// per-session resources beyond the shared pool connection.
func (s *session) Close(context.Context) error {
	return nil
}

func (s *session) findItemID(ctx context.Context, encCategory, encName []byte) (int64, bool, error) {
	var id int64
	err := s.exec().QueryRowContext(ctx,
		`SELECT id FROM items WHERE profile_id = ? AND kind = ? AND category = ? AND name = ?`,
		s.profileID, itemKind, encCategory, encName,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, vault.WrapError(vault.KindBackend, err, "look up item")
	}
	return id, true, nil
}

func (s *session) insert(ctx context.Context, encCategory, encName []byte, row vault.EncryptedRow) error {
	res, err := s.exec().ExecContext(ctx,
		`INSERT INTO items(profile_id, kind, category, name, value, expiry) VALUES (?, ?, ?, ?, ?, ?)`,
		s.profileID, itemKind, encCategory, encName, row.EncValue, row.ExpiryMs,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return vault.NewError(vault.KindDuplicate, "entry already exists")
		}
		return vault.WrapError(vault.KindBackend, err, "insert item")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return vault.WrapError(vault.KindBackend, err, "read new item id")
	}
	return s.insertTags(ctx, id, row.Tags)
}

func (s *session) updateExisting(ctx context.Context, id int64, row vault.EncryptedRow) error {
	if _, err := s.exec().ExecContext(ctx, `UPDATE items SET value = ?, expiry = ? WHERE id = ?`, row.EncValue, row.ExpiryMs, id); err != nil {
		return vault.WrapError(vault.KindBackend, err, "update item")
	}
	if _, err := s.exec().ExecContext(ctx, `DELETE FROM items_tags WHERE item_id = ?`, id); err != nil {
		return vault.WrapError(vault.KindBackend, err, "clear old tags")
	}
	return s.insertTags(ctx, id, row.Tags)
}

func (s *session) deleteItem(ctx context.Context, id int64) error {
	if _, err := s.exec().ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id); err != nil {
		return vault.WrapError(vault.KindBackend, err, "delete item")
	}
	return nil
}

func (s *session) insertTags(ctx context.Context, itemID int64, tags []vault.EncryptedTagRow) error {
	for _, t := range tags {
		if t.Plaintext {
			// Stored as TEXT so they compare equal to the string
			// parameters the filter compiler binds for plaintext tags.
			if _, err := s.exec().ExecContext(ctx,
				`INSERT INTO items_tags(item_id, plaintext, name, value) VALUES (?, 1, ?, ?)`,
				itemID, t.Name, t.Value,
			); err != nil {
				return vault.WrapError(vault.KindBackend, err, "insert plaintext tag")
			}
			continue
		}
		if _, err := s.exec().ExecContext(ctx,
			`INSERT INTO items_tags(item_id, plaintext, name, value, enc_name, enc_value) VALUES (?, 0, ?, ?, ?, ?)`,
			itemID, []byte(t.Name), []byte(t.Value), t.EncName, t.EncValue,
		); err != nil {
			return vault.WrapError(vault.KindBackend, err, "insert encrypted tag")
		}
	}
	return nil
}

// fetchTagRows loads every items_tags row for itemID, in the shape
// codec.go's DecryptEntry expects.
func fetchTagRows(ctx context.Context, exec execer, itemID int64) ([]vault.EncryptedTagRow, error) {
	rows, err := exec.QueryContext(ctx, `SELECT plaintext, name, value, enc_name, enc_value FROM items_tags WHERE item_id = ?`, itemID)
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

func rowFromColumns(cat, name, value []byte, expiry sql.NullInt64, tags []vault.EncryptedTagRow) vault.EncryptedRow {
	row := vault.EncryptedRow{EncCategory: cat, EncName: name, EncValue: value, Tags: tags}
	if expiry.Valid {
		ms := expiry.Int64
		row.ExpiryMs = &ms
	}
	return row
}
