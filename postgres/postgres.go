// Package postgres implements vault.Backend against a networked
// Postgres database (spec.md section 4.E "networked relational
// engine"), via github.com/jackc/pgx/v5's pool interface. It registers
// itself for the "postgres" spec_uri scheme so the vault core never
// imports this package directly.
package postgres

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sealedkv/vault"
)

// Backend is a vault.Backend over a pgxpool.Pool. Unlike sqlite, many
// writers may proceed concurrently; per-profile serialization is left
// to Postgres's own row locking (Fetch's forUpdate uses SELECT ... FOR
// UPDATE here, unlike sqlite where it is a no-op).
type Backend struct {
	pool *pgxpool.Pool
	dsn  string
}

// Open connects to dsn (a Postgres connection string), applying
// max_connections/min_connections/connect_timeout from query when
// present (spec.md section 6's backend-specific query parameters).
func Open(ctx context.Context, dsn string, query url.Values) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, vault.WrapError(vault.KindInput, err, "parse postgres dsn")
	}
	if raw := query.Get("max_connections"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, vault.WrapError(vault.KindInput, err, "malformed max_connections %q", raw)
		}
		cfg.MaxConns = int32(n)
	}
	if raw := query.Get("min_connections"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, vault.WrapError(vault.KindInput, err, "malformed min_connections %q", raw)
		}
		cfg.MinConns = int32(n)
	}
	if raw := query.Get("connect_timeout"); raw != "" {
		d, err := time.ParseDuration(raw + "s")
		if err != nil {
			return nil, vault.WrapError(vault.KindInput, err, "malformed connect_timeout %q", raw)
		}
		cfg.ConnConfig.ConnectTimeout = d
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, vault.WrapError(vault.KindBackend, err, "open postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, vault.WrapError(vault.KindBackend, err, "ping postgres")
	}
	return &Backend{pool: pool, dsn: dsn}, nil
}

func (b *Backend) ensureSchema(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, schemaDDL); err != nil {
		return vault.WrapError(vault.KindBackend, err, "create schema")
	}
	return nil
}

// Provision implements vault.Backend.
func (b *Backend) Provision(ctx context.Context, config vault.StoreConfig, storeKeyEnc []byte, recreate bool) error {
	if recreate {
		if _, err := b.pool.Exec(ctx, dropDDL); err != nil {
			return vault.WrapError(vault.KindBackend, err, "drop existing schema")
		}
	}
	if err := b.ensureSchema(ctx); err != nil {
		return err
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return vault.WrapError(vault.KindBackend, err, "begin provision transaction")
	}
	defer tx.Rollback(ctx)

	var existingVersion string
	err = tx.QueryRow(ctx, `SELECT value FROM config WHERE name = 'version'`).Scan(&existingVersion)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Fresh store: fall through to insert config + default profile.
	case err != nil:
		return vault.WrapError(vault.KindBackend, err, "check existing store version")
	default:
		if existingVersion == strconv.Itoa(config.Version) {
			return nil
		}
		return vault.NewError(vault.KindDuplicate, "store already provisioned at a different schema version")
	}

	for _, row := range [][2]string{
		{"version", strconv.Itoa(config.Version)},
		{"default_profile", config.DefaultProfile},
		{"wrap_key_ref", config.WrapKeyRef},
	} {
		if _, err := tx.Exec(ctx, `INSERT INTO config(name, value) VALUES ($1, $2)`, row[0], row[1]); err != nil {
			return vault.WrapError(vault.KindBackend, err, "insert config %q", row[0])
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO profiles(name, store_key) VALUES ($1, $2)`, config.DefaultProfile, storeKeyEnc); err != nil {
		return vault.WrapError(vault.KindBackend, err, "insert default profile")
	}

	if err := tx.Commit(ctx); err != nil {
		return vault.WrapError(vault.KindBackend, err, "commit provision transaction")
	}
	return nil
}

// Open implements vault.Backend.
func (b *Backend) Open(ctx context.Context) (vault.StoreConfig, error) {
	if err := b.ensureSchema(ctx); err != nil {
		return vault.StoreConfig{}, err
	}
	rows, err := b.pool.Query(ctx, `SELECT name, value FROM config`)
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
	b.pool.Close()
	return nil
}

// Remove implements vault.Backend.
func (b *Backend) Remove(ctx context.Context) error {
	if _, err := b.pool.Exec(ctx, dropDDL); err != nil {
		return vault.WrapError(vault.KindBackend, err, "drop schema on remove")
	}
	return nil
}

// CreateProfile implements vault.Backend.
func (b *Backend) CreateProfile(ctx context.Context, name string, storeKeyEnc []byte) (int64, error) {
	var id int64
	err := b.pool.QueryRow(ctx, `INSERT INTO profiles(name, store_key) VALUES ($1, $2) RETURNING id`, name, storeKeyEnc).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, vault.NewError(vault.KindDuplicate, "profile %q already exists", name)
		}
		return 0, vault.WrapError(vault.KindBackend, err, "insert profile %q", name)
	}
	return id, nil
}

// RemoveProfile implements vault.Backend.
func (b *Backend) RemoveProfile(ctx context.Context, name string) error {
	tag, err := b.pool.Exec(ctx, `DELETE FROM profiles WHERE name = $1`, name)
	if err != nil {
		return vault.WrapError(vault.KindBackend, err, "delete profile %q", name)
	}
	if tag.RowsAffected() == 0 {
		return vault.NewError(vault.KindNotFound, "profile %q not found", name)
	}
	return nil
}

// LoadProfileKey implements vault.Backend.
func (b *Backend) LoadProfileKey(ctx context.Context, name string) (int64, []byte, error) {
	var id int64
	var storeKey []byte
	err := b.pool.QueryRow(ctx, `SELECT id, store_key FROM profiles WHERE name = $1`, name).Scan(&id, &storeKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, vault.NewError(vault.KindNotFound, "profile %q not found", name)
	}
	if err != nil {
		return 0, nil, vault.WrapError(vault.KindBackend, err, "load profile %q", name)
	}
	return id, storeKey, nil
}

// AllProfileKeys implements vault.Backend.
func (b *Backend) AllProfileKeys(ctx context.Context) (map[string]vault.ProfileKey, error) {
	rows, err := b.pool.Query(ctx, `SELECT name, id, store_key FROM profiles`)
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
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return vault.WrapError(vault.KindBackend, err, "begin rekey transaction")
	}
	defer tx.Rollback(ctx)

	for name, enc := range rewrapped {
		tag, err := tx.Exec(ctx, `UPDATE profiles SET store_key = $1 WHERE name = $2`, enc, name)
		if err != nil {
			return vault.WrapError(vault.KindBackend, err, "rewrap profile %q", name)
		}
		if tag.RowsAffected() == 0 {
			return vault.NewError(vault.KindNotFound, "profile %q not found during rekey", name)
		}
	}
	if _, err := tx.Exec(ctx, `UPDATE config SET value = $1 WHERE name = 'wrap_key_ref'`, newConfig.WrapKeyRef); err != nil {
		return vault.WrapError(vault.KindBackend, err, "persist new wrap_key_ref")
	}
	if err := tx.Commit(ctx); err != nil {
		return vault.WrapError(vault.KindBackend, err, "commit rekey transaction")
	}
	return nil
}

// Session implements vault.Backend. A read session runs each
// statement directly against the pool; a write session buffers its
// statements under an explicit pgx.Tx.
func (b *Backend) Session(ctx context.Context, profileID int64, write bool) (vault.BackendSession, error) {
	if !write {
		return &session{pool: b.pool, profileID: profileID}, nil
	}
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, vault.WrapError(vault.KindBackend, err, "begin session transaction")
	}
	return &session{pool: b.pool, tx: tx, profileID: profileID}, nil
}

// Scan implements vault.Backend.
func (b *Backend) Scan(ctx context.Context, profileID int64, encCategory []byte, filter *vault.QueryFragment, offset, limit int64) (vault.BackendScan, error) {
	query, params := buildSelectQuery(profileID, encCategory, filter, offset, limit)
	rows, err := b.pool.Query(ctx, query, params...)
	if err != nil {
		return nil, vault.WrapError(vault.KindBackend, err, "open scan cursor")
	}
	return &scanCursor{pool: b.pool, rows: rows}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// nowMs is the backend's own clock reading for expiry comparisons
// (backend.go: "each backend reads its own clock at query time").
func nowMs() int64 {
	return time.Now().UnixMilli()
}
