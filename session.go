package vault

import (
	"context"
	"sync"

	"github.com/sealedkv/vault/filter"
)

var sessionRegistry = newRegistry[Session]()

// Session is a connection-scoped unit of work bound to one profile
// (spec.md section 4.F). Sessions are not re-entrant: every method
// takes the session's exclusive lock, so concurrent callers on the
// same *Session serialize rather than race.
type Session struct {
	h         handle
	store     *Store
	profileID int64
	codec     *recordCodec
	backend   BackendSession
	txn       bool

	mu     sync.Mutex
	closed bool
}

// SessionStart opens a session against profile (the store's default
// profile if ""). txn selects transaction mode: mutations buffer under
// a backend transaction and only take effect on Close(ctx, true).
func (s *Store) SessionStart(ctx context.Context, profile string, txn bool) (*Session, error) {
	profileID, storeKey, err := s.resolveProfile(ctx, profile)
	if err != nil {
		return nil, err
	}
	backendSession, err := s.backend.Session(ctx, profileID, txn)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		store:     s,
		profileID: profileID,
		codec:     newRecordCodec(storeKey),
		backend:   backendSession,
		txn:       txn,
	}
	sess.h = sessionRegistry.create(sess)
	emitSessionStart(ctx, uint64(sess.h), profile, txn)
	return sess, nil
}

func (sess *Session) compileFilter(tagFilterJSON []byte) (*filter.QueryFragment, error) {
	return compileTagFilter(sess.codec, tagFilterJSON)
}

// compileTagFilter parses and compiles a JSON tag filter against
// codec's HMAC scheme, shared by Session and Scan so neither needs the
// other to build a query fragment.
func compileTagFilter(codec *recordCodec, tagFilterJSON []byte) (*filter.QueryFragment, error) {
	if len(tagFilterJSON) == 0 {
		return nil, nil
	}
	node, err := filter.Parse(tagFilterJSON)
	if err != nil {
		return nil, wrapErr(KindInput, err, "parse tag filter")
	}
	frag, err := filter.Compile(node, codec)
	if err != nil {
		return nil, wrapErr(KindInput, err, "compile tag filter")
	}
	return &frag, nil
}

func (sess *Session) checkOpen() error {
	if sess.closed {
		return ErrInvalidHandle
	}
	return nil
}

// Count returns the number of entries in category matching the
// optional JSON tag filter.
func (sess *Session) Count(ctx context.Context, category string, tagFilterJSON []byte) (int64, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.checkOpen(); err != nil {
		return 0, err
	}
	encCategory, err := sess.codec.EncryptCategoryLookup(category)
	if err != nil {
		return 0, err
	}
	frag, err := sess.compileFilter(tagFilterJSON)
	if err != nil {
		return 0, err
	}
	return sess.backend.Count(ctx, encCategory, frag)
}

// Fetch returns a single entry by (category, name), or KindNotFound.
// forUpdate takes a row lock in a transactional session.
func (sess *Session) Fetch(ctx context.Context, category, name string, forUpdate bool) (Entry, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.checkOpen(); err != nil {
		return Entry{}, err
	}
	encCategory, err := sess.codec.EncryptCategoryLookup(category)
	if err != nil {
		return Entry{}, err
	}
	encName, err := sess.codec.EncryptNameLookup(name)
	if err != nil {
		return Entry{}, err
	}
	row, err := sess.backend.Fetch(ctx, encCategory, encName, forUpdate)
	if err != nil {
		return Entry{}, err
	}
	return sess.codec.DecryptEntry(row)
}

// FetchAll returns every entry in category matching the optional tag
// filter, up to limit rows (limit < 0 means unbounded; limit 0 yields
// no rows).
func (sess *Session) FetchAll(ctx context.Context, category string, tagFilterJSON []byte, limit int, forUpdate bool) ([]Entry, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.checkOpen(); err != nil {
		return nil, err
	}
	encCategory, err := sess.codec.EncryptCategoryLookup(category)
	if err != nil {
		return nil, err
	}
	frag, err := sess.compileFilter(tagFilterJSON)
	if err != nil {
		return nil, err
	}
	rows, err := sess.backend.FetchAll(ctx, encCategory, frag, limit, forUpdate)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(rows))
	for i, row := range rows {
		e, err := sess.codec.DecryptEntry(row)
		if err != nil {
			return nil, err
		}
		entries[i] = e
	}
	return entries, nil
}

// Update inserts, replaces, or removes a single entry, per op.
func (sess *Session) Update(ctx context.Context, op EntryOperation, e Entry) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.checkOpen(); err != nil {
		return err
	}
	row, err := sess.codec.EncryptEntry(e)
	if err != nil {
		return err
	}
	return sess.backend.Update(ctx, op, row.EncCategory, row.EncName, row)
}

// RemoveAll deletes every entry in category matching the optional tag
// filter, returning the number of rows removed.
func (sess *Session) RemoveAll(ctx context.Context, category string, tagFilterJSON []byte) (int64, error) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := sess.checkOpen(); err != nil {
		return 0, err
	}
	encCategory, err := sess.codec.EncryptCategoryLookup(category)
	if err != nil {
		return 0, err
	}
	frag, err := sess.compileFilter(tagFilterJSON)
	if err != nil {
		return 0, err
	}
	return sess.backend.RemoveAll(ctx, encCategory, frag)
}

// Close ends the session, committing (if txn and commit) or rolling
// back (if txn and !commit) its buffered mutations. Non-transaction
// sessions ignore commit; each mutation already auto-committed.
// Close never blocks waiting for an in-flight operation: if another
// goroutine currently holds the session lock, Close fails with Busy
// rather than forcing the close (spec.md section 4.F).
func (sess *Session) Close(ctx context.Context, commit bool) error {
	if !sess.mu.TryLock() {
		return ErrSessionBusy
	}
	defer sess.mu.Unlock()
	if sess.closed {
		return nil
	}
	sess.closed = true
	sessionRegistry.remove(sess.h)

	var err error
	if sess.txn {
		if commit {
			err = sess.backend.Commit(ctx)
		} else {
			err = sess.backend.Rollback(ctx)
		}
	} else {
		err = sess.backend.Close(ctx)
	}
	emitSessionClose(ctx, uint64(sess.h), commit, err)
	return err
}
