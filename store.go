package vault

import (
	"context"
	"sync/atomic"
	"time"
)

const storeSchemaVersion = 1

var storeRegistry = newRegistry[Store]()

// Store is a process-wide, shareable handle onto one provisioned or
// opened vault. Multiple callers may hold the same *Store concurrently
// (spec.md section 5: "a store handle is shared... and
// reference-counted"); Close drops one reference and only tears down
// the backend when the last reference is released. Remove works on the
// persisted store at a spec URI and leaves open handles alone.
type Store struct {
	h       handle
	backend Backend
	keys    *KeyCache
	config  StoreConfig
	refs    atomic.Int32
}

// Provision creates a fresh store at specURI, deriving its wrap key
// from wrapMethodURI and passKey, and persists the encrypted store key
// for its default profile (spec.md section 4.H). If recreate is true
// any existing store at specURI is dropped first; otherwise a
// pre-existing store of the same schema version opens idempotently
// instead of failing: the result is what Open returns for specURI and
// passKey, and wrapMethodURI is not used. A pre-existing store of
// another version fails with KindDuplicate.
func Provision(ctx context.Context, specURI, wrapMethodURI string, passKey PassKey, defaultProfile string, recreate bool) (*Store, error) {
	if defaultProfile == "" {
		defaultProfile = "default"
	}
	method, err := ParseWrapKeyMethodURI(wrapMethodURI)
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(ctx, specURI)
	if err != nil {
		return nil, err
	}
	if !recreate {
		if existing, oerr := backend.Open(ctx); oerr == nil {
			backend.Close(ctx)
			if existing.Version != storeSchemaVersion {
				return nil, newErr(KindDuplicate, "store already provisioned at a different schema version")
			}
			return Open(ctx, specURI, passKey)
		}
	}

	wrapKey, ref, err := method.Resolve(passKey)
	if err != nil {
		backend.Close(ctx)
		return nil, err
	}

	storeKey, err := NewStoreKeyBundle()
	if err != nil {
		wrapKey.Zeroize()
		backend.Close(ctx)
		return nil, err
	}
	encStoreKey, err := encryptStoreKey(storeKey, wrapKey)
	if err != nil {
		wrapKey.Zeroize()
		storeKey.Zeroize()
		backend.Close(ctx)
		return nil, err
	}

	config := StoreConfig{Version: storeSchemaVersion, DefaultProfile: defaultProfile, WrapKeyRef: ref.encode()}
	if err := backend.Provision(ctx, config, encStoreKey, recreate); err != nil {
		wrapKey.Zeroize()
		storeKey.Zeroize()
		backend.Close(ctx)
		return nil, err
	}

	cache := NewKeyCache(wrapKey)
	cache.AddProfile(defaultProfile, 1, storeKey)

	s := &Store{backend: backend, keys: cache, config: config}
	s.refs.Store(1)
	s.h = storeRegistry.create(s)
	emitStoreProvisioned(ctx, specURI, defaultProfile)
	return s, nil
}

// Open loads a previously provisioned store's config and reconstructs
// its wrap key from the persisted wrap_key_ref and passKey.
func Open(ctx context.Context, specURI string, passKey PassKey) (*Store, error) {
	backend, err := openBackend(ctx, specURI)
	if err != nil {
		return nil, err
	}
	config, err := backend.Open(ctx)
	if err != nil {
		backend.Close(ctx)
		return nil, err
	}
	ref, err := decodeWrapKeyRef(config.WrapKeyRef)
	if err != nil {
		backend.Close(ctx)
		return nil, err
	}
	wrapKey, err := ref.resolveKey(passKey)
	if err != nil {
		backend.Close(ctx)
		return nil, err
	}

	s := &Store{backend: backend, keys: NewKeyCache(wrapKey), config: config}
	s.refs.Store(1)
	s.h = storeRegistry.create(s)
	emitStoreOpened(ctx, specURI, uint64(s.h))
	return s, nil
}

// Ref increments the store's reference count and returns the same
// *Store, mirroring the reference-implementation's shared-handle
// semantics for callers that hand the store to more than one owner.
func (s *Store) Ref() *Store {
	s.refs.Add(1)
	return s
}

// Close drops one reference; the backend is closed only when the
// count reaches zero.
func (s *Store) Close(ctx context.Context) error {
	if s.refs.Add(-1) > 0 {
		return nil
	}
	storeRegistry.remove(s.h)
	s.keys.Clear()
	err := s.backend.Close(ctx)
	emitStoreClosed(ctx, uint64(s.h), err)
	return err
}

// Remove deletes the persisted data of the store at specURI through a
// freshly opened backend. It does not touch the handle registry: a
// *Store a caller already holds keeps its own backend until Close.
func Remove(ctx context.Context, specURI string) error {
	backend, err := openBackend(ctx, specURI)
	if err != nil {
		return err
	}
	defer backend.Close(ctx)
	return backend.Remove(ctx)
}

// CreateProfile adds a new profile with a freshly generated store key.
func (s *Store) CreateProfile(ctx context.Context, name string) error {
	storeKey, err := NewStoreKeyBundle()
	if err != nil {
		return err
	}
	enc, err := encryptStoreKey(storeKey, s.keys.WrapKey())
	if err != nil {
		storeKey.Zeroize()
		return err
	}
	id, err := s.backend.CreateProfile(ctx, name, enc)
	if err != nil {
		storeKey.Zeroize()
		return err
	}
	s.keys.AddProfile(name, id, storeKey)
	return nil
}

// RemoveProfile deletes a profile and its entries. Removing the
// store's default profile fails with KindInput.
func (s *Store) RemoveProfile(ctx context.Context, name string) error {
	if name == s.config.DefaultProfile {
		return newErr(KindInput, "cannot remove the default profile %q", name)
	}
	return s.backend.RemoveProfile(ctx, name)
}

// ProfileName returns the store's default profile name.
func (s *Store) ProfileName() string {
	return s.config.DefaultProfile
}

// resolveProfile returns the profile id and store key for name,
// defaulting to the store's default profile when name is "".
func (s *Store) resolveProfile(ctx context.Context, name string) (int64, *StoreKeyBundle, error) {
	if name == "" {
		name = s.config.DefaultProfile
	}
	return s.keys.Resolve(name, func(n string) (int64, []byte, error) {
		return s.backend.LoadProfileKey(ctx, n)
	})
}

// Rekey derives a new wrap key from newWrapMethodURI/newPassKey,
// re-wraps every profile's store key under it — every profile the
// backend holds, not only ones this handle has resolved a session
// against — and persists the new ref in a single backend call. It
// requires sole ownership of the store handle (refs == 1); a shared
// store fails with Busy (spec.md section 4.H/5).
func (s *Store) Rekey(ctx context.Context, newWrapMethodURI string, newPassKey PassKey) error {
	start := time.Now()
	if s.refs.Load() != 1 {
		return ErrStoreBusy
	}
	method, err := ParseWrapKeyMethodURI(newWrapMethodURI)
	if err != nil {
		return err
	}
	newWrapKey, ref, err := method.Resolve(newPassKey)
	if err != nil {
		return err
	}

	all, err := s.backend.AllProfileKeys(ctx)
	if err != nil {
		newWrapKey.Zeroize()
		emitStoreRekeyed(ctx, uint64(s.h), time.Since(start), err)
		return err
	}

	rewrapped, nextCache, err := s.keys.RekeyAll(all, newWrapKey)
	if err != nil {
		newWrapKey.Zeroize()
		emitStoreRekeyed(ctx, uint64(s.h), time.Since(start), err)
		return err
	}

	newConfig := s.config
	newConfig.WrapKeyRef = ref.encode()
	if err := s.backend.Rekey(ctx, newConfig, rewrapped); err != nil {
		nextCache.Clear()
		emitStoreRekeyed(ctx, uint64(s.h), time.Since(start), err)
		return err
	}

	s.config = newConfig
	oldCache := s.keys
	s.keys = nextCache
	oldCache.Clear()
	emitStoreRekeyed(ctx, uint64(s.h), time.Since(start), nil)
	return nil
}
