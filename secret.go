package vault

// Secret is an owned, confidential byte container. It scrubs its
// backing memory on Zeroize and never prints its contents.
//
// Every mutable secret in the vault (pass keys, wrap keys, store keys,
// private key material, decrypted values) is carried as a Secret so
// that release is a single, explicit, auditable operation rather than
// something each call site has to remember to do.
type Secret struct {
	b []byte
}

// NewSecret takes ownership of b. Callers must not retain or mutate b
// after passing it in.
func NewSecret(b []byte) *Secret {
	return &Secret{b: b}
}

// CloneSecret copies b into a new Secret, leaving the caller's slice
// untouched (and therefore the caller's responsibility to zeroize).
func CloneSecret(b []byte) *Secret {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Secret{b: cp}
}

// Bytes returns a read-only view of the secret. The returned slice
// aliases the Secret's backing array; it is invalidated by Zeroize.
func (s *Secret) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Len reports the length of the secret, 0 for a nil Secret.
func (s *Secret) Len() int {
	if s == nil {
		return 0
	}
	return len(s.b)
}

// Zeroize overwrites every byte of the secret with 0 and releases the
// backing array. Safe to call multiple times and on a nil Secret.
func (s *Secret) Zeroize() {
	if s == nil {
		return
	}
	for i := range s.b {
		s.b[i] = 0
	}
	s.b = nil
}

// String never reveals the secret's contents.
func (s *Secret) String() string {
	return "<secret>"
}

// GoString never reveals the secret's contents, even under %#v.
func (s *Secret) GoString() string {
	return "vault.Secret(<secret>)"
}

// PassKey is a possibly-absent confidential string. Absence (nil) and
// an empty pass key ("") are distinct states: WrapKeyMethodNone treats
// both the same, but raw/kdf methods reject an absent pass key while
// accepting an empty one as a (weak, caller's-choice) input.
type PassKey struct {
	s *string
}

// NewPassKey wraps a present pass key, even if it is "".
func NewPassKey(s string) PassKey {
	return PassKey{s: &s}
}

// NoPassKey represents an absent pass key.
func NoPassKey() PassKey {
	return PassKey{}
}

// IsNone reports whether the pass key is absent.
func (p PassKey) IsNone() bool {
	return p.s == nil
}

// Value returns the pass key's string content, or "" if absent.
func (p PassKey) Value() string {
	if p.s == nil {
		return ""
	}
	return *p.s
}

// Zeroize scrubs the pass key's backing string by replacing it with a
// zeroed byte buffer. Go strings are immutable, so this only prevents
// the original string header from being retained by the PassKey
// itself; true in-place scrubbing requires holding the secret as
// []byte (see Secret) rather than string from the start.
func (p *PassKey) Zeroize() {
	if p.s == nil {
		return
	}
	b := []byte(*p.s)
	for i := range b {
		b[i] = 0
	}
	p.s = nil
}

func (p PassKey) String() string {
	if p.IsNone() {
		return "PassKey(<none>)"
	}
	return "PassKey(<secret>)"
}
