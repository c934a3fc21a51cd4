package vault

import (
	"encoding/json"
	"strings"
)

// Tag is an indexable attribute on an Entry. Name never carries the
// canonical leading "~" discriminator; Plaintext records how the tag
// is stored, and CanonicalName renders the "~"-prefixed form.
type Tag struct {
	Name      string
	Value     string
	Plaintext bool
}

// PlaintextTag builds a plaintext ("~name=value") tag.
func PlaintextTag(name, value string) Tag {
	return Tag{Name: name, Value: value, Plaintext: true}
}

// EncryptedTag builds an encrypted ("name=value") tag.
func EncryptedTag(name, value string) Tag {
	return Tag{Name: name, Value: value, Plaintext: false}
}

// ParseTagName strips the canonical "~" discriminator, reporting
// whether the name denoted a plaintext tag.
func ParseTagName(raw string) (name string, plaintext bool) {
	if strings.HasPrefix(raw, "~") {
		return raw[1:], true
	}
	return raw, false
}

// CanonicalName renders a tag's name with its discriminator, the form
// used by the surface tag-filter syntax.
func (t Tag) CanonicalName() string {
	if t.Plaintext {
		return "~" + t.Name
	}
	return t.Name
}

// Entry is a plaintext record as seen by a caller. (profile, category,
// name) is unique within the store; value and tag values are
// confidential until the caller reads them back.
type Entry struct {
	Category  string
	Name      string
	Value     []byte
	Tags      []Tag
	ExpiryMs  *int64
}

// EntryOperation selects the mutation Update performs.
type EntryOperation int

const (
	// OpInsert fails with KindDuplicate if (profile, category, name) exists.
	OpInsert EntryOperation = iota
	// OpReplace inserts or updates, never failing on conflict.
	OpReplace
	// OpRemove deletes exactly one row, failing with KindNotFound if absent.
	OpRemove
)

// KeyParams is the JSON-encoded value of a KeyEntry (spec.md section 3).
type KeyParams struct {
	Alg       KeyAlg  `json:"alg"`
	Metadata  *string `json:"meta,omitempty"`
	Reference *string `json:"ref,omitempty"`
	PubKey    []byte  `json:"pub,omitempty"`
	PrvKey    *Secret `json:"-"`
}

// keyParamsWire is the JSON wire shape for KeyParams; PrvKey is
// base64-encoded by encoding/json's default []byte handling once
// extracted from its Secret wrapper, and is never left in memory
// longer than the single marshal/unmarshal call needs it.
type keyParamsWire struct {
	Alg       KeyAlg  `json:"alg"`
	Metadata  *string `json:"meta,omitempty"`
	Reference *string `json:"ref,omitempty"`
	PubKey    []byte  `json:"pub,omitempty"`
	PrvKey    []byte  `json:"prv,omitempty"`
}

// MarshalJSON implements json.Marshaler, exposing prv_key only for the
// duration of the encode.
func (p KeyParams) MarshalJSON() ([]byte, error) {
	wire := keyParamsWire{
		Alg:       p.Alg,
		Metadata:  p.Metadata,
		Reference: p.Reference,
		PubKey:    p.PubKey,
	}
	if p.PrvKey != nil {
		wire.PrvKey = p.PrvKey.Bytes()
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler, wrapping prv_key in a
// Secret immediately so it is zeroizable from that point forward.
func (p *KeyParams) UnmarshalJSON(data []byte) error {
	var wire keyParamsWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	p.Alg = wire.Alg
	p.Metadata = wire.Metadata
	p.Reference = wire.Reference
	p.PubKey = wire.PubKey
	if wire.PrvKey != nil {
		p.PrvKey = NewSecret(wire.PrvKey)
	}
	return nil
}

// Zeroize scrubs the private key material. Safe on a zero-value KeyParams.
func (p *KeyParams) Zeroize() {
	if p.PrvKey != nil {
		p.PrvKey.Zeroize()
		p.PrvKey = nil
	}
}

// KeyEntry specializes Entry: its Value is a JSON-encoded KeyParams,
// Category is always "public" or "keypair", and Ident equals the
// underlying entry's Name.
type KeyEntry struct {
	Category KeyCategory
	Ident    string
	Params   KeyParams
	Tags     []Tag
}

// IsLocal reports whether the key is managed directly (no external
// HSM/KMS reference). Sign/create operations on a non-local key fail
// with KindUnsupported: no external key-management backend exists in
// this core (spec.md section 1, "cryptographic primitive library
// treated as a black box").
func (k KeyEntry) IsLocal() bool {
	return k.Params.Reference == nil
}

// toEntry renders a KeyEntry as the Entry the backend persists.
func (k KeyEntry) toEntry() (Entry, error) {
	val, err := json.Marshal(k.Params)
	if err != nil {
		return Entry{}, wrapErr(KindUnexpected, err, "marshal key params")
	}
	return Entry{
		Category: string(k.Category),
		Name:     k.Ident,
		Value:    val,
		Tags:     k.Tags,
	}, nil
}

// keyEntryFromEntry parses a persisted Entry back into a KeyEntry.
func keyEntryFromEntry(e Entry) (KeyEntry, error) {
	var params KeyParams
	if err := json.Unmarshal(e.Value, &params); err != nil {
		return KeyEntry{}, wrapErr(KindUnexpected, err, "unmarshal key params")
	}
	return KeyEntry{
		Category: KeyCategory(e.Category),
		Ident:    e.Name,
		Params:   params,
		Tags:     e.Tags,
	}, nil
}
