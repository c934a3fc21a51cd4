package vault

import (
	"crypto/rand"
	"encoding/json"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// StoreKeyBundle is the per-profile set of independent AEAD keys and
// the HMAC key that together derive every persisted field's
// protection (spec.md section 4.B).
type StoreKeyBundle struct {
	Category *Secret
	Name     *Secret
	Value    *Secret
	TagName  *Secret
	TagValue *Secret
	TagsHMAC *Secret
}

// NewStoreKeyBundle generates a fresh, random bundle for a new profile.
func NewStoreKeyBundle() (*StoreKeyBundle, error) {
	gen := func() (*Secret, error) {
		b := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(b); err != nil {
			return nil, wrapErr(KindBackend, err, "generate store key material")
		}
		return NewSecret(b), nil
	}
	var bundle StoreKeyBundle
	for _, slot := range []**Secret{&bundle.Category, &bundle.Name, &bundle.Value, &bundle.TagName, &bundle.TagValue, &bundle.TagsHMAC} {
		s, err := gen()
		if err != nil {
			return nil, err
		}
		*slot = s
	}
	return &bundle, nil
}

// Zeroize scrubs every key in the bundle.
func (b *StoreKeyBundle) Zeroize() {
	if b == nil {
		return
	}
	for _, s := range []*Secret{b.Category, b.Name, b.Value, b.TagName, b.TagValue, b.TagsHMAC} {
		s.Zeroize()
	}
}

// storeKeyWire is the serialized form persisted (encrypted) by the backend.
type storeKeyWire struct {
	Category []byte `json:"category"`
	Name     []byte `json:"name"`
	Value    []byte `json:"value"`
	TagName  []byte `json:"tag_name"`
	TagValue []byte `json:"tag_value"`
	TagsHMAC []byte `json:"tags_hmac"`
}

func (b *StoreKeyBundle) serialize() ([]byte, error) {
	wire := storeKeyWire{
		Category: b.Category.Bytes(),
		Name:     b.Name.Bytes(),
		Value:    b.Value.Bytes(),
		TagName:  b.TagName.Bytes(),
		TagValue: b.TagValue.Bytes(),
		TagsHMAC: b.TagsHMAC.Bytes(),
	}
	out, err := json.Marshal(wire)
	if err != nil {
		return nil, wrapErr(KindUnexpected, err, "marshal store key")
	}
	return out, nil
}

func deserializeStoreKey(raw []byte) (*StoreKeyBundle, error) {
	var wire storeKeyWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, wrapErr(KindEncryption, err, "unmarshal store key")
	}
	return &StoreKeyBundle{
		Category: CloneSecret(wire.Category),
		Name:     CloneSecret(wire.Name),
		Value:    CloneSecret(wire.Value),
		TagName:  CloneSecret(wire.TagName),
		TagValue: CloneSecret(wire.TagValue),
		TagsHMAC: CloneSecret(wire.TagsHMAC),
	}, nil
}

// encryptStoreKey wraps a serialized store key under the wrap key.
func encryptStoreKey(bundle *StoreKeyBundle, wrapKey *Secret) ([]byte, error) {
	plain, err := bundle.serialize()
	if err != nil {
		return nil, err
	}
	defer zeroizeBytes(plain)
	aead, err := chacha20poly1305.New(wrapKey.Bytes())
	if err != nil {
		return nil, wrapErr(KindUnexpected, err, "construct wrap key aead")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, wrapErr(KindBackend, err, "generate store key nonce")
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

// decryptStoreKey unwraps a persisted store key under the wrap key.
func decryptStoreKey(enc []byte, wrapKey *Secret) (*StoreKeyBundle, error) {
	aead, err := chacha20poly1305.New(wrapKey.Bytes())
	if err != nil {
		return nil, wrapErr(KindUnexpected, err, "construct wrap key aead")
	}
	if len(enc) < aead.NonceSize() {
		return nil, newErr(KindEncryption, "encrypted store key too short")
	}
	nonce, ct := enc[:aead.NonceSize()], enc[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, wrapErr(KindEncryption, err, "decrypt store key: wrong wrap key or corrupt data")
	}
	defer zeroizeBytes(plain)
	return deserializeStoreKey(plain)
}

func zeroizeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// cachedProfile is a KeyCache entry.
type cachedProfile struct {
	id        int64
	storeKey  *StoreKeyBundle
}

// KeyCache holds the decrypted wrap key and a lazily populated
// profile_name -> (profile_id, store_key) map. Population is
// read-mostly: a cache hit only takes the read lock; a miss promotes
// to the write lock, re-checks (another goroutine may have raced
// ahead), and decrypts exactly once. This is the same double-checked
// locking discipline the teacher's registry.go uses for its
// reflect.Type field-plan cache, generalized from "build once" to
// "decrypt once per profile."
type KeyCache struct {
	mu       sync.RWMutex
	wrapKey  *Secret
	profiles map[string]cachedProfile
}

// NewKeyCache creates a cache around an already-resolved wrap key. The
// cache takes ownership of wrapKey and zeroizes it on Clear.
func NewKeyCache(wrapKey *Secret) *KeyCache {
	return &KeyCache{wrapKey: wrapKey, profiles: make(map[string]cachedProfile)}
}

// WrapKey returns the cache's wrap key.
func (c *KeyCache) WrapKey() *Secret {
	return c.wrapKey
}

// SetWrapKey replaces the cache's wrap key and zeroizes the old one.
// Existing profile entries are left untouched, so a caller that has
// not also re-encrypted them under wrapKey will leave the cache
// inconsistent with the backend; Rekey instead builds a fresh KeyCache
// via RekeyAll rather than calling this.
func (c *KeyCache) SetWrapKey(wrapKey *Secret) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.wrapKey.Zeroize()
	c.wrapKey = wrapKey
}

// AddProfile populates the cache for a profile directly, bypassing
// lazy decryption (used at provision time, when the store key is
// freshly generated rather than read from the backend).
func (c *KeyCache) AddProfile(name string, id int64, storeKey *StoreKeyBundle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[name] = cachedProfile{id: id, storeKey: storeKey}
}

// Lookup returns the cached (profileID, storeKey) for name, or ok=false.
func (c *KeyCache) Lookup(name string) (id int64, key *StoreKeyBundle, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, found := c.profiles[name]
	return p.id, p.storeKey, found
}

// ProfileLoader fetches a profile's id and encrypted store key from
// the backend; it is called at most once per profile per cache, even
// under concurrent Resolve callers for the same profile.
type ProfileLoader func(name string) (id int64, encStoreKey []byte, err error)

// Resolve returns the cached entry for name, loading and decrypting it
// on first use via load. Concurrent misses for the same profile
// collapse to a single decrypt.
func (c *KeyCache) Resolve(name string, load ProfileLoader) (int64, *StoreKeyBundle, error) {
	if id, key, ok := c.Lookup(name); ok {
		return id, key, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.profiles[name]; ok {
		return p.id, p.storeKey, nil
	}

	id, enc, err := load(name)
	if err != nil {
		return 0, nil, err
	}
	key, err := decryptStoreKey(enc, c.wrapKey)
	if err != nil {
		return 0, nil, err
	}
	c.profiles[name] = cachedProfile{id: id, storeKey: key}
	return id, key, nil
}

// RekeyAll decrypts every profile backend reports via all (not just
// ones this cache has already resolved) under the cache's current wrap
// key and re-encrypts each under newWrapKey. It returns the ciphertexts
// for the backend to persist and a replacement cache already populated
// under newWrapKey, so a profile nobody opened a session against before
// Rekey was called still survives it. The receiver is left untouched;
// the caller discards it once the backend has durably persisted the
// new ref.
func (c *KeyCache) RekeyAll(all map[string]ProfileKey, newWrapKey *Secret) (rewrapped map[string][]byte, next *KeyCache, err error) {
	c.mu.RLock()
	wrapKey := c.wrapKey
	c.mu.RUnlock()

	rewrapped = make(map[string][]byte, len(all))
	bundles := make(map[string]cachedProfile, len(all))
	abort := func(failed *StoreKeyBundle) {
		failed.Zeroize()
		for _, p := range bundles {
			p.storeKey.Zeroize()
		}
	}

	for name, pk := range all {
		bundle, err := decryptStoreKey(pk.EncKey, wrapKey)
		if err != nil {
			abort(nil)
			return nil, nil, err
		}
		enc, err := encryptStoreKey(bundle, newWrapKey)
		if err != nil {
			abort(bundle)
			return nil, nil, err
		}
		rewrapped[name] = enc
		bundles[name] = cachedProfile{id: pk.ID, storeKey: bundle}
	}

	next = &KeyCache{wrapKey: newWrapKey, profiles: bundles}
	return rewrapped, next, nil
}

// Clear zeroizes every cached key and the wrap key, and empties the
// cache. Called on store close.
func (c *KeyCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.profiles {
		p.storeKey.Zeroize()
	}
	c.profiles = make(map[string]cachedProfile)
	c.wrapKey.Zeroize()
}
