package vault

import (
	"context"

	"github.com/sealedkv/vault/filter"
)

// StoreConfig is the persisted, unencrypted row describing a store's
// schema version, default profile, and how its wrap key is
// reconstructed (spec.md section 4.B/4.H).
type StoreConfig struct {
	Version        int
	DefaultProfile string
	WrapKeyRef     string
}

// Backend is the pluggable storage driver a Store delegates to. A
// driver package (sqlite, postgres) implements Backend over its own
// connection pool; the vault package never issues SQL directly.
//
// Every method that touches the database takes a context so a caller
// can bound provisioning, scans, and transactions the same way it
// bounds any other I/O.
// Every Backend implementation must exclude expired rows (expiry not
// null and <= the backend's current time in epoch milliseconds) from
// Count, Fetch, FetchAll, and Scan as if they did not exist; update
// and removeAll still see them, since eviction of expired rows is the
// backend's own lazy-deletion prerogative (spec.md section 3
// "Lifecycle"). The core never computes or passes "now" across the
// interface: each backend reads its own clock at query time.
type Backend interface {
	// Provision initializes a fresh store at the backend's DSN,
	// persisting config and the first profile's encrypted store key.
	// If a store already exists there and recreate is false, it returns
	// nil without writing anything when the persisted version equals
	// config.Version, and fails with KindDuplicate otherwise.
	Provision(ctx context.Context, config StoreConfig, storeKeyEnc []byte, recreate bool) error

	// Open loads the persisted StoreConfig from an existing store.
	// Fails with KindNotFound if none exists.
	Open(ctx context.Context) (StoreConfig, error)

	// Close releases the backend's connection pool. Idempotent.
	Close(ctx context.Context) error

	// Remove deletes the store entirely (spec.md "remove" operation).
	Remove(ctx context.Context) error

	// CreateProfile inserts a new profile row with its encrypted store
	// key, returning the assigned profile id. Fails with KindDuplicate
	// on a name collision.
	CreateProfile(ctx context.Context, name string, storeKeyEnc []byte) (int64, error)

	// RemoveProfile deletes a profile and every entry scoped to it.
	// Fails with KindNotFound if the profile does not exist. The
	// backend does not guard the default profile; Store.RemoveProfile
	// rejects that case before calling here.
	RemoveProfile(ctx context.Context, name string) error

	// LoadProfileKey fetches a profile's id and encrypted store key by
	// name, for KeyCache.Resolve. Fails with KindNotFound if absent.
	LoadProfileKey(ctx context.Context, name string) (id int64, storeKeyEnc []byte, err error)

	// AllProfileKeys enumerates every profile's id and encrypted store
	// key directly from storage, independent of what a KeyCache happens
	// to have resolved so far. Rekey uses this so a profile nobody has
	// opened a session against yet still gets rewrapped.
	AllProfileKeys(ctx context.Context) (map[string]ProfileKey, error)

	// Rekey re-wraps every profile's store key under a new wrap key and
	// persists the new StoreConfig.WrapKeyRef atomically. rewrapped must
	// cover every profile AllProfileKeys reported; a backend fails with
	// KindNotFound if it sees a name in rewrapped that no longer exists.
	Rekey(ctx context.Context, newConfig StoreConfig, rewrapped map[string][]byte) error

	// Session opens a connection-scoped unit of work. write selects
	// the transaction mode: a write session runs its statements under
	// one backend transaction until Commit or Rollback; otherwise each
	// statement, mutations included, auto-commits on its own.
	Session(ctx context.Context, profileID int64, write bool) (BackendSession, error)

	// Scan opens a forward-only cursor over entries matching category
	// and the optional tag filter, honoring offset and limit (limit < 0
	// is unbounded). Pagination happens inside the backend; the core
	// only calls Next repeatedly.
	Scan(ctx context.Context, profileID int64, encCategory []byte, filter *QueryFragment, offset, limit int64) (BackendScan, error)
}

// ProfileKey is one profile's identity and wrapped store key, as
// AllProfileKeys reads it back from storage.
type ProfileKey struct {
	ID     int64
	EncKey []byte
}

// BackendScan is a paginated cursor a backend hands back from Scan.
type BackendScan interface {
	// Next returns up to pageSize more rows. An empty, non-error result
	// signals exhaustion; the caller must not call Next again after that.
	Next(ctx context.Context, pageSize int) ([]EncryptedRow, error)

	// Close releases the cursor's resources. Idempotent.
	Close(ctx context.Context) error
}

// BackendSession is a single backend connection bound to one profile,
// used both in autocommit mode and under an explicit transaction. Session
// (vault/session.go) wraps one of these behind the public handle API.
type BackendSession interface {
	// Count returns the number of entries matching category and an
	// optional compiled tag filter (nil fragment means "no filter").
	Count(ctx context.Context, encCategory []byte, filter *QueryFragment) (int64, error)

	// Fetch returns a single entry by its deterministically encrypted
	// category and name, or KindNotFound.
	Fetch(ctx context.Context, encCategory, encName []byte, forUpdate bool) (EncryptedRow, error)

	// FetchAll returns every entry matching category and the optional
	// tag filter, up to limit rows (limit < 0 means unbounded; limit 0
	// yields no rows).
	FetchAll(ctx context.Context, encCategory []byte, filter *QueryFragment, limit int, forUpdate bool) ([]EncryptedRow, error)

	// Update inserts, replaces, or removes a single row per op.
	// Replace/Remove target the row by (encCategory, encName).
	Update(ctx context.Context, op EntryOperation, encCategory, encName []byte, row EncryptedRow) error

	// RemoveAll deletes every entry matching category and the optional
	// tag filter, returning the number of rows removed.
	RemoveAll(ctx context.Context, encCategory []byte, filter *QueryFragment) (int64, error)

	// Commit finalizes a write session's changes. A no-op on a
	// non-write session.
	Commit(ctx context.Context) error

	// Rollback discards a write session's changes. Always safe to call,
	// including after Commit or on a non-write session.
	Rollback(ctx context.Context) error

	// Close releases the underlying connection back to the pool
	// without committing or rolling back explicitly (used for non-write
	// sessions, whose statements have already auto-committed).
	Close(ctx context.Context) error
}

// QueryFragment re-exports filter.QueryFragment so Backend
// implementations only need to import this package, not filter
// directly, to satisfy BackendSession's signatures.
type QueryFragment = filter.QueryFragment
