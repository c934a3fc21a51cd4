// Package sqlite implements vault.Backend against a local, embedded,
// single-writer SQLite database (spec.md section 4.E "local
// embedded file-based engine"), via database/sql and
// github.com/mattn/go-sqlite3. It registers itself for the "sqlite"
// spec_uri scheme so the vault core never imports this package
// directly.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/sealedkv/vault"
)

// Backend is a vault.Backend over one SQLite file (or ":memory:").
// SQLite permits only one writer at a time; every connection in the
// pool shares that constraint, so Backend keeps its pool at size 1
// and relies on WAL mode for concurrent readers.
type Backend struct {
	db  *sql.DB
	dsn string
}

// Open connects to dsn (a file path or ":memory:"), applying
// cache_size from query if present, and puts the connection in WAL
// journal mode for reader/writer concurrency.
func Open(ctx context.Context, dsn string, query url.Values) (*Backend, error) {
	dataSource := dsn
	if dataSource == "" {
		dataSource = ":memory:"
	}
	db, err := sql.Open("sqlite3", dataSource)
	if err != nil {
		return nil, vault.WrapError(vault.KindBackend, err, "open sqlite database %q", dataSource)
	}
	// SQLite allows exactly one writer; a single pooled connection
	// avoids SQLITE_BUSY from the database/sql pool itself.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, vault.WrapError(vault.KindBackend, err, "set WAL journal mode")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, vault.WrapError(vault.KindBackend, err, "enable foreign keys")
	}
	if raw := query.Get("cache_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			db.Close()
			return nil, vault.WrapError(vault.KindInput, err, "malformed cache_size %q", raw)
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA cache_size=%d;", n)); err != nil {
			db.Close()
			return nil, vault.WrapError(vault.KindBackend, err, "set cache_size")
		}
	}

	return &Backend{db: db, dsn: dataSource}, nil
}

func (b *Backend) ensureSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, schemaDDL); err != nil {
		return vault.WrapError(vault.KindBackend, err, "create schema")
	}
	return nil
}

// Provision implements vault.Backend.
func (b *Backend) Provision(ctx context.Context, config vault.StoreConfig, storeKeyEnc []byte, recreate bool) error {
	if recreate {
		if _, err := b.db.ExecContext(ctx, dropDDL); err != nil {
			return vault.WrapError(vault.KindBackend, err, "drop existing schema")
		}
	}
	if err := b.ensureSchema(ctx); err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return vault.WrapError(vault.KindBackend, err, "begin provision transaction")
	}
	defer tx.Rollback()

	var existingVersion sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT value FROM config WHERE name = 'version'`).Scan(&existingVersion)
	switch {
	case err == sql.ErrNoRows:
		// Fresh store: fall through to insert config + default profile.
	case err != nil:
		return vault.WrapError(vault.KindBackend, err, "check existing store version")
	default:
		// Already provisioned. Idempotent open only if the version
		// persisted matches what the caller is asking to provision.
		if existingVersion.String == strconv.Itoa(config.Version) {
			return nil
		}
		return vault.NewError(vault.KindDuplicate, "store already provisioned at a different schema version")
	}

	for _, row := range [][2]string{
		{"version", strconv.Itoa(config.Version)},
		{"default_profile", config.DefaultProfile},
		{"wrap_key_ref", config.WrapKeyRef},
	} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO config(name, value) VALUES (?, ?)`, row[0], row[1]); err != nil {
			return vault.WrapError(vault.KindBackend, err, "insert config %q", row[0])
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO profiles(name, store_key) VALUES (?, ?)`, config.DefaultProfile, storeKeyEnc); err != nil {
		return vault.WrapError(vault.KindBackend, err, "insert default profile")
	}

	if err := tx.Commit(); err != nil {
		return vault.WrapError(vault.KindBackend, err, "commit provision transaction")
	}
	return nil
}

// Open implements vault.Backend.
func (b *Backend) Open(ctx context.Context) (vault.StoreConfig, error) {
	if err := b.ensureSchema(ctx); err != nil {
		return vault.StoreConfig{}, err
	}
	rows, err := b.db.QueryContext(ctx, `SELECT name, value FROM config`)
	if err != nil {
		return vault.StoreConfig{}, vault.WrapError(vault.KindBackend, err, "load config")
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return vault.StoreConfig{}, vault.WrapError(vault.KindBackend, err, "scan config row")
		}
		values[name] = value
	}
	if err := rows.Err(); err != nil {
		return vault.StoreConfig{}, vault.WrapError(vault.KindBackend, err, "iterate config rows")
	}
	if len(values) == 0 {
		return vault.StoreConfig{}, vault.NewError(vault.KindNotFound, "no store provisioned at %q", b.dsn)
	}

	version, err := strconv.Atoi(values["version"])
	if err != nil {
		return vault.StoreConfig{}, vault.WrapError(vault.KindUnexpected, err, "malformed persisted version")
	}
	return vault.StoreConfig{
		Version:        version,
		DefaultProfile: values["default_profile"],
		WrapKeyRef:     values["wrap_key_ref"],
	}, nil
}

// Close implements vault.Backend.
func (b *Backend) Close(context.Context) error {
	return b.db.Close()
}

// Remove implements vault.Backend.
func (b *Backend) Remove(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, dropDDL); err != nil {
		return vault.WrapError(vault.KindBackend, err, "drop schema on remove")
	}
	if b.dsn == ":memory:" {
		return nil
	}
	if err := b.db.Close(); err != nil {
		return vault.WrapError(vault.KindBackend, err, "close before remove")
	}
	if err := os.Remove(b.dsn); err != nil && !os.IsNotExist(err) {
		return vault.WrapError(vault.KindBackend, err, "remove store file %q", b.dsn)
	}
	return nil
}

// CreateProfile implements vault.Backend.
func (b *Backend) CreateProfile(ctx context.Context, name string, storeKeyEnc []byte) (int64, error) {
	res, err := b.db.ExecContext(ctx, `INSERT INTO profiles(name, store_key) VALUES (?, ?)`, name, storeKeyEnc)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, vault.NewError(vault.KindDuplicate, "profile %q already exists", name)
		}
		return 0, vault.WrapError(vault.KindBackend, err, "insert profile %q", name)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, vault.WrapError(vault.KindBackend, err, "read new profile id")
	}
	return id, nil
}

// RemoveProfile implements vault.Backend.
func (b *Backend) RemoveProfile(ctx context.Context, name string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM profiles WHERE name = ?`, name)
	if err != nil {
		return vault.WrapError(vault.KindBackend, err, "delete profile %q", name)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return vault.WrapError(vault.KindBackend, err, "count deleted profiles")
	}
	if n == 0 {
		return vault.NewError(vault.KindNotFound, "profile %q not found", name)
	}
	return nil
}

// LoadProfileKey implements vault.Backend.
func (b *Backend) LoadProfileKey(ctx context.Context, name string) (int64, []byte, error) {
	var id int64
	var storeKey []byte
	err := b.db.QueryRowContext(ctx, `SELECT id, store_key FROM profiles WHERE name = ?`, name).Scan(&id, &storeKey)
	if err == sql.ErrNoRows {
		return 0, nil, vault.NewError(vault.KindNotFound, "profile %q not found", name)
	}
	if err != nil {
		return 0, nil, vault.WrapError(vault.KindBackend, err, "load profile %q", name)
	}
	return id, storeKey, nil
}

// AllProfileKeys implements vault.Backend.
func (b *Backend) AllProfileKeys(ctx context.Context) (map[string]vault.ProfileKey, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name, id, store_key FROM profiles`)
	if err != nil {
		return nil, vault.WrapError(vault.KindBackend, err, "enumerate profiles")
	}
	defer rows.Close()

	out := make(map[string]vault.ProfileKey)
	for rows.Next() {
		var name string
		var pk vault.ProfileKey
		if err := rows.Scan(&name, &pk.ID, &pk.EncKey); err != nil {
			return nil, vault.WrapError(vault.KindBackend, err, "scan profile row")
		}
		out[name] = pk
	}
	if err := rows.Err(); err != nil {
		return nil, vault.WrapError(vault.KindBackend, err, "iterate profile rows")
	}
	return out, nil
}

// Rekey implements vault.Backend.
func (b *Backend) Rekey(ctx context.Context, newConfig vault.StoreConfig, rewrapped map[string][]byte) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return vault.WrapError(vault.KindBackend, err, "begin rekey transaction")
	}
	defer tx.Rollback()

	for name, enc := range rewrapped {
		res, err := tx.ExecContext(ctx, `UPDATE profiles SET store_key = ? WHERE name = ?`, enc, name)
		if err != nil {
			return vault.WrapError(vault.KindBackend, err, "rewrap profile %q", name)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return vault.NewError(vault.KindNotFound, "profile %q not found during rekey", name)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE config SET value = ? WHERE name = 'wrap_key_ref'`, newConfig.WrapKeyRef); err != nil {
		return vault.WrapError(vault.KindBackend, err, "persist new wrap_key_ref")
	}
	if err := tx.Commit(); err != nil {
		return vault.WrapError(vault.KindBackend, err, "commit rekey transaction")
	}
	return nil
}

// Session implements vault.Backend. write selects whether the session
// buffers mutations under an explicit transaction (committed or
// rolled back by the caller) or auto-commits each statement directly
// against the pool.
func (b *Backend) Session(ctx context.Context, profileID int64, write bool) (vault.BackendSession, error) {
	if !write {
		return &session{db: b.db, profileID: profileID}, nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, vault.WrapError(vault.KindBackend, err, "begin session transaction")
	}
	return &session{db: b.db, tx: tx, profileID: profileID}, nil
}

// Scan implements vault.Backend.
func (b *Backend) Scan(ctx context.Context, profileID int64, encCategory []byte, filter *vault.QueryFragment, offset, limit int64) (vault.BackendScan, error) {
	query, params := buildSelectQuery(profileID, encCategory, filter, offset, limit)
	rows, err := b.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, vault.WrapError(vault.KindBackend, err, "open scan cursor")
	}
	return &scanCursor{db: b.db, rows: rows}, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if ok := asSqliteErr(err, &sqliteErr); ok {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func asSqliteErr(err error, target *sqlite3.Error) bool {
	if e, ok := err.(sqlite3.Error); ok {
		*target = e
		return true
	}
	return false
}

// nowMs is the backend's own clock reading for expiry comparisons
// (backend.go: "each backend reads its own clock at query time").
func nowMs() int64 {
	return time.Now().UnixMilli()
}
