package vault

import (
	"context"
	"net/url"
	"sync"
)

// fakeBackendRegistry keys the shared pool of fakeBackend instances by
// dsn, so that Provision/Open/Remove calls against the same "fake://"
// spec_uri within one test observe the same in-memory state, while
// distinct tests (using distinct dsns, e.g. t.Name()) never collide.
var (
	fakeBackendMu       sync.Mutex
	fakeBackendRegistry = make(map[string]*fakeBackend)
)

func init() {
	RegisterBackend("fake", func(ctx context.Context, dsn string, query url.Values) (Backend, error) {
		fakeBackendMu.Lock()
		defer fakeBackendMu.Unlock()
		b, ok := fakeBackendRegistry[dsn]
		if !ok {
			b = newFakeBackend()
			fakeBackendRegistry[dsn] = b
		}
		return b, nil
	})
}

// fakeBackend is an in-memory Backend used only by this package's own
// tests. vault cannot import its sqlite/postgres driver submodules
// (they import vault, so the reverse import would cycle), so
// session/store/scan/key-level tests exercise the public API against
// this fixture instead. It does not evaluate tag filters (every Count/
// FetchAll/Scan call here treats a non-nil filter as "match all"); full
// filter semantics are covered by the filter package's own tests and
// by the sqlite-backed integration suite.
type fakeBackend struct {
	mu sync.Mutex

	provisioned bool
	config      StoreConfig

	nextProfileID int64
	profiles      map[string]*fakeProfile

	nextItemID int64
	items      map[int64][]*fakeItem // keyed by profileID
}

type fakeProfile struct {
	id     int64
	encKey []byte
}

type fakeItem struct {
	id          int64
	encCategory []byte
	encName     []byte
	encValue    []byte
	expiryMs    *int64
	tags        []EncryptedTagRow
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		profiles: make(map[string]*fakeProfile),
		items:    make(map[int64][]*fakeItem),
	}
}

func (b *fakeBackend) Provision(ctx context.Context, config StoreConfig, storeKeyEnc []byte, recreate bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.provisioned && !recreate {
		if config.Version != b.config.Version {
			return newErr(KindDuplicate, "store already provisioned at a different version")
		}
		return nil
	}
	b.provisioned = true
	b.config = config
	b.nextProfileID = 1
	b.profiles = map[string]*fakeProfile{
		config.DefaultProfile: {id: b.nextProfileID, encKey: storeKeyEnc},
	}
	b.items = make(map[int64][]*fakeItem)
	return nil
}

func (b *fakeBackend) Open(ctx context.Context) (StoreConfig, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.provisioned {
		return StoreConfig{}, newErr(KindNotFound, "store not provisioned")
	}
	return b.config, nil
}

func (b *fakeBackend) Close(ctx context.Context) error { return nil }

func (b *fakeBackend) Remove(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.provisioned = false
	b.profiles = make(map[string]*fakeProfile)
	b.items = make(map[int64][]*fakeItem)
	return nil
}

func (b *fakeBackend) CreateProfile(ctx context.Context, name string, storeKeyEnc []byte) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.profiles[name]; exists {
		return 0, newErr(KindDuplicate, "profile %q already exists", name)
	}
	b.nextProfileID++
	id := b.nextProfileID
	b.profiles[name] = &fakeProfile{id: id, encKey: storeKeyEnc}
	return id, nil
}

func (b *fakeBackend) RemoveProfile(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[name]
	if !ok {
		return newErr(KindNotFound, "profile %q not found", name)
	}
	delete(b.profiles, name)
	delete(b.items, p.id)
	return nil
}

func (b *fakeBackend) LoadProfileKey(ctx context.Context, name string) (int64, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[name]
	if !ok {
		return 0, nil, newErr(KindNotFound, "profile %q not found", name)
	}
	return p.id, p.encKey, nil
}

func (b *fakeBackend) AllProfileKeys(ctx context.Context) (map[string]ProfileKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]ProfileKey, len(b.profiles))
	for name, p := range b.profiles {
		out[name] = ProfileKey{ID: p.id, EncKey: p.encKey}
	}
	return out, nil
}

func (b *fakeBackend) Rekey(ctx context.Context, newConfig StoreConfig, rewrapped map[string][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, enc := range rewrapped {
		p, ok := b.profiles[name]
		if !ok {
			return newErr(KindNotFound, "profile %q not found", name)
		}
		p.encKey = enc
	}
	b.config = newConfig
	return nil
}

func (b *fakeBackend) Session(ctx context.Context, profileID int64, write bool) (BackendSession, error) {
	return &fakeSession{backend: b, profileID: profileID}, nil
}

func (b *fakeBackend) Scan(ctx context.Context, profileID int64, encCategory []byte, filter *QueryFragment, offset, limit int64) (BackendScan, error) {
	b.mu.Lock()
	var matched []EncryptedRow
	for _, it := range b.items[profileID] {
		if string(it.encCategory) != string(encCategory) {
			continue
		}
		matched = append(matched, rowFromItem(it))
	}
	b.mu.Unlock()

	if offset > 0 {
		if int(offset) >= len(matched) {
			matched = nil
		} else {
			matched = matched[offset:]
		}
	}
	if limit >= 0 && int64(len(matched)) > limit {
		matched = matched[:limit]
	}
	return &fakeScan{rows: matched}, nil
}

func rowFromItem(it *fakeItem) EncryptedRow {
	return EncryptedRow{
		EncCategory: it.encCategory,
		EncName:     it.encName,
		EncValue:    it.encValue,
		ExpiryMs:    it.expiryMs,
		Tags:        it.tags,
	}
}

// fakeSession is the fakeBackend's BackendSession. It has no separate
// transaction buffer: writes apply immediately and Rollback is a no-op,
// which is enough for the session-level tests that exercise it (tests
// that need to observe real rollback semantics belong to the
// sqlite-backed integration suite, which has a real transaction).
type fakeSession struct {
	backend   *fakeBackend
	profileID int64
}

func (s *fakeSession) Count(ctx context.Context, encCategory []byte, filter *QueryFragment) (int64, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	var n int64
	for _, it := range s.backend.items[s.profileID] {
		if string(it.encCategory) == string(encCategory) {
			n++
		}
	}
	return n, nil
}

func (s *fakeSession) Fetch(ctx context.Context, encCategory, encName []byte, forUpdate bool) (EncryptedRow, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	for _, it := range s.backend.items[s.profileID] {
		if string(it.encCategory) == string(encCategory) && string(it.encName) == string(encName) {
			return rowFromItem(it), nil
		}
	}
	return EncryptedRow{}, newErr(KindNotFound, "entry not found")
}

func (s *fakeSession) FetchAll(ctx context.Context, encCategory []byte, filter *QueryFragment, limit int, forUpdate bool) ([]EncryptedRow, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	var out []EncryptedRow
	for _, it := range s.backend.items[s.profileID] {
		if string(it.encCategory) != string(encCategory) {
			continue
		}
		if limit >= 0 && len(out) >= limit {
			break
		}
		out = append(out, rowFromItem(it))
	}
	return out, nil
}

func (s *fakeSession) Update(ctx context.Context, op EntryOperation, encCategory, encName []byte, row EncryptedRow) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	items := s.backend.items[s.profileID]

	idx := -1
	for i, it := range items {
		if string(it.encCategory) == string(encCategory) && string(it.encName) == string(encName) {
			idx = i
			break
		}
	}

	switch op {
	case OpInsert:
		if idx >= 0 {
			return newErr(KindDuplicate, "entry already exists")
		}
		s.backend.nextItemID++
		items = append(items, &fakeItem{
			id: s.backend.nextItemID, encCategory: encCategory, encName: encName,
			encValue: row.EncValue, expiryMs: row.ExpiryMs, tags: row.Tags,
		})
	case OpReplace:
		if idx >= 0 {
			items[idx].encValue = row.EncValue
			items[idx].expiryMs = row.ExpiryMs
			items[idx].tags = row.Tags
		} else {
			s.backend.nextItemID++
			items = append(items, &fakeItem{
				id: s.backend.nextItemID, encCategory: encCategory, encName: encName,
				encValue: row.EncValue, expiryMs: row.ExpiryMs, tags: row.Tags,
			})
		}
	case OpRemove:
		if idx < 0 {
			return newErr(KindNotFound, "entry not found")
		}
		items = append(items[:idx], items[idx+1:]...)
	}
	s.backend.items[s.profileID] = items
	return nil
}

func (s *fakeSession) RemoveAll(ctx context.Context, encCategory []byte, filter *QueryFragment) (int64, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	items := s.backend.items[s.profileID]
	var kept []*fakeItem
	var removed int64
	for _, it := range items {
		if string(it.encCategory) == string(encCategory) {
			removed++
			continue
		}
		kept = append(kept, it)
	}
	s.backend.items[s.profileID] = kept
	return removed, nil
}

func (s *fakeSession) Commit(ctx context.Context) error   { return nil }
func (s *fakeSession) Rollback(ctx context.Context) error { return nil }
func (s *fakeSession) Close(ctx context.Context) error    { return nil }

type fakeScan struct {
	rows []EncryptedRow
	pos  int
}

func (s *fakeScan) Next(ctx context.Context, pageSize int) ([]EncryptedRow, error) {
	if s.pos >= len(s.rows) {
		return nil, nil
	}
	end := s.pos + pageSize
	if end > len(s.rows) {
		end = len(s.rows)
	}
	page := s.rows[s.pos:end]
	s.pos = end
	return page, nil
}

func (s *fakeScan) Close(ctx context.Context) error { return nil }
