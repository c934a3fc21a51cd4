// Package integration exercises the vault end to end against every
// registered backend: sqlite always, and postgres when POSTGRES_URL
// names a live database.
package integration

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sealedkv/vault"
	_ "github.com/sealedkv/vault/postgres"
	_ "github.com/sealedkv/vault/sqlite"
	vaulttest "github.com/sealedkv/vault/testing"
)

// backendFixture opens a fresh, empty store and returns its spec URI
// plus a cleanup that removes it.
type backendFixture struct {
	name    string
	specURI func(t *testing.T) string
}

func backendFixtures(t *testing.T) []backendFixture {
	t.Helper()
	fixtures := []backendFixture{
		{name: "sqlite", specURI: func(t *testing.T) string { return "sqlite://:memory:" }},
	}

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		return fixtures
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool.New() error: %v", err)
	}
	release, err := vaulttest.AcquirePostgresTestLock(context.Background(), pool)
	if err != nil {
		pool.Close()
		t.Fatalf("AcquirePostgresTestLock() error: %v", err)
	}
	t.Cleanup(func() {
		release(context.Background())
		pool.Close()
	})

	fixtures = append(fixtures, backendFixture{
		name: "postgres",
		specURI: func(t *testing.T) string {
			u, err := url.Parse(dsn)
			if err != nil {
				t.Fatalf("url.Parse(POSTGRES_URL) error: %v", err)
			}
			u.Scheme = "postgres"
			return u.String()
		},
	})
	return fixtures
}

// provision opens a fresh store at uri under a random default profile,
// registering cleanup that removes the store entirely.
func provision(t *testing.T, uri string) *vault.Store {
	t.Helper()
	ctx := context.Background()
	passKey := vaulttest.GenerateTestPassKey(t)
	store, err := vault.Provision(ctx, uri, "raw", passKey, vaulttest.RandomProfileName(), true)
	if err != nil {
		t.Fatalf("Provision(%q) error: %v", uri, err)
	}
	t.Cleanup(func() {
		vault.Remove(ctx, uri)
	})
	return store
}

func TestProvisionAndFetchRoundTrip(t *testing.T) {
	for _, fx := range backendFixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			store := provision(t, fx.specURI(t))
			defer store.Close(ctx)

			sess, err := store.SessionStart(ctx, "", false)
			if err != nil {
				t.Fatalf("SessionStart() error: %v", err)
			}
			defer sess.Close(ctx, true)

			entry := vaulttest.NewEntry("secret", "api-key", []byte("s3cr3t"), vault.PlaintextTag("env", "prod"))
			if err := sess.Update(ctx, vault.OpInsert, entry); err != nil {
				t.Fatalf("Update(OpInsert) error: %v", err)
			}

			got, err := sess.Fetch(ctx, "secret", "api-key", false)
			if err != nil {
				t.Fatalf("Fetch() error: %v", err)
			}
			if string(got.Value) != "s3cr3t" {
				t.Fatalf("Fetch() value = %q, want %q", got.Value, "s3cr3t")
			}
			if len(got.Tags) != 1 || got.Tags[0].Value != "prod" {
				t.Fatalf("Fetch() tags = %+v, want one tag env=prod", got.Tags)
			}
		})
	}
}

func TestDuplicateInsertFails(t *testing.T) {
	for _, fx := range backendFixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			store := provision(t, fx.specURI(t))
			defer store.Close(ctx)

			sess, err := store.SessionStart(ctx, "", false)
			if err != nil {
				t.Fatalf("SessionStart() error: %v", err)
			}
			defer sess.Close(ctx, true)

			entry := vaulttest.NewEntry("secret", "dup", []byte("v1"))
			if err := sess.Update(ctx, vault.OpInsert, entry); err != nil {
				t.Fatalf("first Update(OpInsert) error: %v", err)
			}
			if err := sess.Update(ctx, vault.OpInsert, entry); !vault.IsKind(err, vault.KindDuplicate) {
				t.Fatalf("second Update(OpInsert) error = %v, want KindDuplicate", err)
			}
		})
	}
}

func TestFilterMatchesTaggedEntries(t *testing.T) {
	for _, fx := range backendFixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			store := provision(t, fx.specURI(t))
			defer store.Close(ctx)

			sess, err := store.SessionStart(ctx, "", false)
			if err != nil {
				t.Fatalf("SessionStart() error: %v", err)
			}
			defer sess.Close(ctx, true)

			for i, env := range []string{"prod", "prod", "staging"} {
				entry := vaulttest.NewEntry("secret", fmt.Sprintf("key-%d", i), []byte("v"), vault.PlaintextTag("env", env))
				if err := sess.Update(ctx, vault.OpInsert, entry); err != nil {
					t.Fatalf("Update(OpInsert) error: %v", err)
				}
			}

			count, err := sess.Count(ctx, "secret", []byte(`{"~env": "prod"}`))
			if err != nil {
				t.Fatalf("Count() error: %v", err)
			}
			if count != 2 {
				t.Fatalf("Count() = %d, want 2", count)
			}
		})
	}
}

func TestRemoveRequiresExisting(t *testing.T) {
	for _, fx := range backendFixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			store := provision(t, fx.specURI(t))
			defer store.Close(ctx)

			sess, err := store.SessionStart(ctx, "", false)
			if err != nil {
				t.Fatalf("SessionStart() error: %v", err)
			}
			defer sess.Close(ctx, true)

			entry := vaulttest.NewEntry("secret", "gone", []byte("v"))
			if err := sess.Update(ctx, vault.OpRemove, entry); !vault.IsKind(err, vault.KindNotFound) {
				t.Fatalf("Update(OpRemove) on missing entry = %v, want KindNotFound", err)
			}

			if err := sess.Update(ctx, vault.OpInsert, entry); err != nil {
				t.Fatalf("Update(OpInsert) error: %v", err)
			}
			if err := sess.Update(ctx, vault.OpRemove, entry); err != nil {
				t.Fatalf("Update(OpRemove) error: %v", err)
			}
			if _, err := sess.Fetch(ctx, "secret", "gone", false); !vault.IsKind(err, vault.KindNotFound) {
				t.Fatalf("Fetch() after remove = %v, want KindNotFound", err)
			}
		})
	}
}

func TestTransactionRollbackDiscardsChanges(t *testing.T) {
	for _, fx := range backendFixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			store := provision(t, fx.specURI(t))
			defer store.Close(ctx)

			sess, err := store.SessionStart(ctx, "", true)
			if err != nil {
				t.Fatalf("SessionStart(txn) error: %v", err)
			}
			entry := vaulttest.NewEntry("secret", "rolled-back", []byte("v"))
			if err := sess.Update(ctx, vault.OpInsert, entry); err != nil {
				t.Fatalf("Update(OpInsert) error: %v", err)
			}
			if err := sess.Close(ctx, false); err != nil {
				t.Fatalf("Close(commit=false) error: %v", err)
			}

			verify, err := store.SessionStart(ctx, "", false)
			if err != nil {
				t.Fatalf("SessionStart() error: %v", err)
			}
			defer verify.Close(ctx, true)
			if _, err := verify.Fetch(ctx, "secret", "rolled-back", false); !vault.IsKind(err, vault.KindNotFound) {
				t.Fatalf("Fetch() after rollback = %v, want KindNotFound", err)
			}
		})
	}
}

func TestRekeyPreservesData(t *testing.T) {
	for _, fx := range backendFixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			store := provision(t, fx.specURI(t))
			defer store.Close(ctx)

			sess, err := store.SessionStart(ctx, "", false)
			if err != nil {
				t.Fatalf("SessionStart() error: %v", err)
			}
			entry := vaulttest.NewEntry("secret", "before-rekey", []byte("v"))
			if err := sess.Update(ctx, vault.OpInsert, entry); err != nil {
				t.Fatalf("Update(OpInsert) error: %v", err)
			}
			if err := sess.Close(ctx, true); err != nil {
				t.Fatalf("Close() error: %v", err)
			}

			newPassKey := vaulttest.GenerateTestPassKey(t)
			if err := store.Rekey(ctx, "raw", newPassKey); err != nil {
				t.Fatalf("Rekey() error: %v", err)
			}

			verify, err := store.SessionStart(ctx, "", false)
			if err != nil {
				t.Fatalf("SessionStart() after rekey error: %v", err)
			}
			defer verify.Close(ctx, true)
			got, err := verify.Fetch(ctx, "secret", "before-rekey", false)
			if err != nil {
				t.Fatalf("Fetch() after rekey error: %v", err)
			}
			if string(got.Value) != "v" {
				t.Fatalf("Fetch() after rekey value = %q, want %q", got.Value, "v")
			}
		})
	}
}

func TestScanPaginatesAllMatchingEntries(t *testing.T) {
	for _, fx := range backendFixtures(t) {
		t.Run(fx.name, func(t *testing.T) {
			ctx := context.Background()
			store := provision(t, fx.specURI(t))
			defer store.Close(ctx)

			sess, err := store.SessionStart(ctx, "", false)
			if err != nil {
				t.Fatalf("SessionStart() error: %v", err)
			}
			const total = 150
			for i := 0; i < total; i++ {
				entry := vaulttest.NewEntry("secret", fmt.Sprintf("item-%03d", i), []byte("v"))
				if err := sess.Update(ctx, vault.OpInsert, entry); err != nil {
					t.Fatalf("Update(OpInsert) error: %v", err)
				}
			}
			if err := sess.Close(ctx, true); err != nil {
				t.Fatalf("Close() error: %v", err)
			}

			scan, err := store.ScanStart(ctx, "", "secret", nil, 0, -1)
			if err != nil {
				t.Fatalf("ScanStart() error: %v", err)
			}
			if err := scan.Borrow(ctx); err != nil {
				t.Fatalf("Borrow() error: %v", err)
			}
			defer scan.Remove(ctx)

			seen := 0
			for {
				_, ok, err := scan.Next(ctx)
				if err != nil {
					t.Fatalf("Next() error: %v", err)
				}
				if !ok {
					break
				}
				seen++
			}
			if seen != total {
				t.Fatalf("scan yielded %d entries, want %d", seen, total)
			}
		})
	}
}
