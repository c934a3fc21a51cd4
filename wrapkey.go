package vault

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/argon2"
)

const wrapKeySize = 32 // chacha20poly1305.KeySize

// argon2 cost profiles, named after the original askar wrap-key
// scheme's "interactive"/"moderate" Argon2i tuning.
const (
	argon2TimeInteractive   = 4
	argon2TimeModerate      = 10
	argon2MemoryKiB         = 32 * 1024
	argon2Threads           = 1
	argon2SaltLen           = 16
)

// WrapKeyMethod derives and reconstructs the symmetric key that
// protects every profile's store key. It is parsed from a URI-like
// string (spec.md section 4.B): "none", "raw", "kdf:argon2i",
// "kdf:argon2i:mod".
type WrapKeyMethod struct {
	kind WrapKeyMethodKind
	cost Argon2Cost // only meaningful when kind == WrapKeyMethodKDF
}

// ParseWrapKeyMethodURI parses a wrap-key method URI. Unrecognized
// methods fail with KindInput.
func ParseWrapKeyMethodURI(uri string) (WrapKeyMethod, error) {
	parts := strings.Split(uri, ":")
	switch parts[0] {
	case string(WrapKeyMethodNone):
		if len(parts) != 1 {
			return WrapKeyMethod{}, newErr(KindInput, "unrecognized wrap key method %q", uri)
		}
		return WrapKeyMethod{kind: WrapKeyMethodNone}, nil
	case string(WrapKeyMethodRaw):
		if len(parts) != 1 {
			return WrapKeyMethod{}, newErr(KindInput, "unrecognized wrap key method %q", uri)
		}
		return WrapKeyMethod{kind: WrapKeyMethodRaw}, nil
	case "kdf":
		if len(parts) < 2 || parts[1] != "argon2i" {
			return WrapKeyMethod{}, newErr(KindInput, "unrecognized wrap key method %q", uri)
		}
		cost := Argon2CostInteractive
		switch len(parts) {
		case 2:
			// default cost
		case 3:
			switch Argon2Cost(parts[2]) {
			case Argon2CostInteractive, Argon2CostModerate:
				cost = Argon2Cost(parts[2])
			default:
				return WrapKeyMethod{}, newErr(KindInput, "unrecognized argon2i cost %q", parts[2])
			}
		default:
			return WrapKeyMethod{}, newErr(KindInput, "unrecognized wrap key method %q", uri)
		}
		return WrapKeyMethod{kind: WrapKeyMethodKDF, cost: cost}, nil
	default:
		return WrapKeyMethod{}, newErr(KindInput, "unrecognized wrap key method %q", uri)
	}
}

// Kind reports the method's kind.
func (m WrapKeyMethod) Kind() WrapKeyMethodKind { return m.kind }

// URI renders the method back to its canonical string form.
func (m WrapKeyMethod) URI() string {
	switch m.kind {
	case WrapKeyMethodKDF:
		if m.cost == Argon2CostInteractive {
			return string(WrapKeyMethodKDF)
		}
		return fmt.Sprintf("%s:%s", WrapKeyMethodKDF, m.cost)
	default:
		return string(m.kind)
	}
}

// wrapKeyRef is the persisted, opaque descriptor that lets a store
// reconstruct its wrap key from pass-key input alone.
type wrapKeyRef struct {
	Method WrapKeyMethod
	Salt   []byte // only for kdf:argon2i[:mod]
}

// encode renders the ref to the string persisted as StoreConfig.wrap_key_ref.
func (r wrapKeyRef) encode() string {
	if r.Method.kind != WrapKeyMethodKDF {
		return r.Method.URI()
	}
	return fmt.Sprintf("%s?salt=%s", r.Method.URI(), base64.RawURLEncoding.EncodeToString(r.Salt))
}

// decodeWrapKeyRef parses a persisted wrap_key_ref string.
func decodeWrapKeyRef(raw string) (wrapKeyRef, error) {
	uri, query, _ := strings.Cut(raw, "?")
	method, err := ParseWrapKeyMethodURI(uri)
	if err != nil {
		return wrapKeyRef{}, err
	}
	ref := wrapKeyRef{Method: method}
	if method.kind != WrapKeyMethodKDF {
		return ref, nil
	}
	const prefix = "salt="
	if !strings.HasPrefix(query, prefix) {
		return wrapKeyRef{}, newErr(KindInput, "malformed wrap_key_ref %q: missing salt", raw)
	}
	salt, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(query, prefix))
	if err != nil {
		return wrapKeyRef{}, wrapErr(KindInput, err, "malformed wrap_key_ref salt")
	}
	ref.Salt = salt
	return ref, nil
}

// Resolve derives the wrap key and the ref that must be persisted
// alongside it, for use at provision time. passKey is consulted
// according to the method: none ignores it, raw requires a 32-byte
// base58-encoded key, kdf:argon2i derives from it with a fresh salt.
func (m WrapKeyMethod) Resolve(passKey PassKey) (*Secret, wrapKeyRef, error) {
	switch m.kind {
	case WrapKeyMethodNone:
		return NewSecret(make([]byte, wrapKeySize)), wrapKeyRef{Method: m}, nil
	case WrapKeyMethodRaw:
		key, err := decodeRawWrapKey(passKey)
		if err != nil {
			return nil, wrapKeyRef{}, err
		}
		return key, wrapKeyRef{Method: m}, nil
	case WrapKeyMethodKDF:
		if passKey.IsNone() {
			return nil, wrapKeyRef{}, newErr(KindInput, "kdf:argon2i requires a pass key")
		}
		salt := make([]byte, argon2SaltLen)
		if _, err := rand.Read(salt); err != nil {
			return nil, wrapKeyRef{}, wrapErr(KindBackend, err, "generate wrap key salt")
		}
		key := m.deriveArgon2(passKey, salt)
		return key, wrapKeyRef{Method: m, Salt: salt}, nil
	default:
		return nil, wrapKeyRef{}, newErr(KindInput, "unrecognized wrap key method")
	}
}

// resolveKey reconstructs the wrap key given a previously persisted ref
// and fresh pass-key input, for use at open/rekey time.
func (r wrapKeyRef) resolveKey(passKey PassKey) (*Secret, error) {
	switch r.Method.kind {
	case WrapKeyMethodNone:
		return NewSecret(make([]byte, wrapKeySize)), nil
	case WrapKeyMethodRaw:
		return decodeRawWrapKey(passKey)
	case WrapKeyMethodKDF:
		if passKey.IsNone() {
			return nil, newErr(KindInput, "kdf:argon2i requires a pass key")
		}
		return r.Method.deriveArgon2(passKey, r.Salt), nil
	default:
		return nil, newErr(KindInput, "unrecognized wrap key method")
	}
}

func decodeRawWrapKey(passKey PassKey) (*Secret, error) {
	if passKey.IsNone() {
		return nil, newErr(KindInput, "raw wrap key method requires a pass key")
	}
	raw, err := base58.Decode(passKey.Value())
	if err != nil {
		return nil, wrapErr(KindInput, err, "raw wrap key must be base58")
	}
	if len(raw) != wrapKeySize {
		return nil, newErr(KindInput, "raw wrap key must decode to %d bytes, got %d", wrapKeySize, len(raw))
	}
	return NewSecret(raw), nil
}

func (m WrapKeyMethod) deriveArgon2(passKey PassKey, salt []byte) *Secret {
	t := uint32(argon2TimeInteractive)
	if m.cost == Argon2CostModerate {
		t = argon2TimeModerate
	}
	key := argon2.Key([]byte(passKey.Value()), salt, t, argon2MemoryKiB, argon2Threads, wrapKeySize)
	return NewSecret(key)
}

// GenerateRawWrapKey returns a random 32-byte key, base58-encoded, the
// form a caller supplies back in as a raw-method pass key.
func GenerateRawWrapKey() (string, error) {
	buf := make([]byte, wrapKeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", wrapErr(KindBackend, err, "generate raw wrap key")
	}
	return base58.Encode(buf), nil
}
