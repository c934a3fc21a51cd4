// Package testing provides shared fixtures for exercising the vault
// against a real backend: an in-memory sqlite store for ordinary
// tests, and a Postgres advisory-lock helper for the tests that opt
// into a live POSTGRES_URL.
package testing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sealedkv/vault"
	_ "github.com/sealedkv/vault/sqlite"
)

// RandomProfileName returns a short random profile name, grounded on
// original_source's db_utils::random_profile_name: tests that create
// more than one profile need names that won't collide across runs.
func RandomProfileName() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return "profile-" + hex.EncodeToString(buf)
}

// GenerateTestPassKey returns a fresh base58 raw wrap key, the form
// "raw" wrap-key method tests supply as pass-key input.
func GenerateTestPassKey(t *testing.T) vault.PassKey {
	t.Helper()
	raw, err := vault.GenerateRawWrapKey()
	if err != nil {
		t.Fatalf("GenerateRawWrapKey() error: %v", err)
	}
	return vault.NewPassKey(raw)
}

// ProvisionMemoryStore provisions a fresh sqlite ":memory:" store
// under the "raw" wrap-key method, registering a cleanup that closes
// it. Every memory store gets its own randomly named default profile
// so tests that run in parallel never collide on a shared handle.
func ProvisionMemoryStore(t *testing.T) *vault.Store {
	t.Helper()
	ctx := context.Background()
	passKey := GenerateTestPassKey(t)

	store, err := vault.Provision(ctx, "sqlite://:memory:", "raw", passKey, RandomProfileName(), false)
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(ctx); err != nil {
			t.Errorf("Store.Close() error: %v", err)
		}
	})
	return store
}

// NewEntry builds a vault.Entry from its three required fields plus
// any tags, for tests that don't need to vary expiry.
func NewEntry(category, name string, value []byte, tags ...vault.Tag) vault.Entry {
	return vault.Entry{Category: category, Name: name, Value: value, Tags: tags}
}

// postgresAdvisoryLockID is an arbitrary fixed lock key, the same role
// original_source/src/postgres/test_db.rs's "99999" plays: every test
// process contends for the same key, so only one gets to hold the
// shared test database at a time.
const postgresAdvisoryLockID = 99999

// AcquirePostgresTestLock blocks until it holds a session-scoped
// Postgres advisory lock that serializes access to a shared test
// database, then returns a release func. Grounded directly on
// original_source/src/postgres/test_db.rs's TestDB::provision, which
// loops acquiring a fresh connection, opening a transaction, and
// trying pg_try_advisory_xact_lock until it succeeds; this is the Go
// mirror of that loop, using a session-level lock (pg_advisory_lock/
// pg_advisory_unlock) instead of a transaction-scoped one since the
// caller, not this helper, controls the test's own transaction.
func AcquirePostgresTestLock(ctx context.Context, pool *pgxpool.Pool) (release func(context.Context) error, err error) {
	for {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		var acquired bool
		err = conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", postgresAdvisoryLockID).Scan(&acquired)
		if err != nil {
			conn.Release()
			return nil, err
		}
		if acquired {
			return func(ctx context.Context) error {
				defer conn.Release()
				_, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", postgresAdvisoryLockID)
				return err
			}, nil
		}
		conn.Release()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}
