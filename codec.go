package vault

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sealedkv/vault/filter"
)

var _ filter.TagHasher = (*recordCodec)(nil)

// recordCodec encrypts and decrypts entries under a single profile's
// store key (spec.md section 4.C). Category and name are encrypted
// with deterministic nonces (derived from the plaintext) so that
// equality lookups can compare ciphertext without decrypting every
// row; values use random nonces because they are never searched.
//
// Deprecated: the deterministic-nonce construction for category/name
// should be reviewed against modern AEAD misuse-resistance guidance
// (spec.md section 9). Kept as-is for this store-format version; a
// change requires a version bump and migration path, out of scope
// here.
type recordCodec struct {
	keys *StoreKeyBundle
}

func newRecordCodec(keys *StoreKeyBundle) *recordCodec {
	return &recordCodec{keys: keys}
}

// deterministicNonce derives an AEAD nonce from plaintext via HMAC
// under key, truncated to size. Equal plaintexts under the same key
// always produce equal nonces, which is exactly what lets the codec
// support equality search on enc_category/enc_name without decrypting.
func deterministicNonce(key *Secret, context, plaintext string, size int) []byte {
	mac := hmac.New(sha256.New, key.Bytes())
	mac.Write([]byte(context))
	mac.Write([]byte{0})
	mac.Write([]byte(plaintext))
	sum := mac.Sum(nil)
	return sum[:size]
}

func aeadSeal(key *Secret, nonce []byte, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, wrapErr(KindUnexpected, err, "construct field aead")
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func aeadOpen(key *Secret, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, wrapErr(KindUnexpected, err, "construct field aead")
	}
	out, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, wrapErr(KindEncryption, err, "decrypt field: authentication failed")
	}
	return out, nil
}

// encryptDeterministic encrypts plaintext with a nonce derived from
// itself, prefixing the ciphertext with the nonce for storage.
func encryptDeterministic(key *Secret, context, plaintext string) ([]byte, error) {
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, wrapErr(KindUnexpected, err, "construct field aead")
	}
	nonce := deterministicNonce(key, context, plaintext, aead.NonceSize())
	ct, err := aeadSeal(key, nonce, []byte(plaintext))
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

func decryptDeterministic(key *Secret, enc []byte) (string, error) {
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return "", wrapErr(KindUnexpected, err, "construct field aead")
	}
	if len(enc) < aead.NonceSize() {
		return "", newErr(KindEncryption, "encrypted field too short")
	}
	nonce, ct := enc[:aead.NonceSize()], enc[aead.NonceSize():]
	plain, err := aeadOpen(key, nonce, ct)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// encryptRandom encrypts plaintext with a fresh random nonce, used for
// values, which are never compared by ciphertext.
func encryptRandom(key *Secret, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, wrapErr(KindUnexpected, err, "construct field aead")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, wrapErr(KindBackend, err, "generate value nonce")
	}
	ct, err := aeadSeal(key, nonce, plaintext)
	if err != nil {
		return nil, err
	}
	return append(nonce, ct...), nil
}

func decryptRandom(key *Secret, enc []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, wrapErr(KindUnexpected, err, "construct field aead")
	}
	if len(enc) < aead.NonceSize() {
		return nil, newErr(KindEncryption, "encrypted value too short")
	}
	nonce, ct := enc[:aead.NonceSize()], enc[aead.NonceSize():]
	return aeadOpen(key, nonce, ct)
}

// hmacTagName returns the searchable index value for an encrypted
// tag's name: HMAC(K_tags_hmac, name).
func hmacTagName(key *Secret, name string) []byte {
	mac := hmac.New(sha256.New, key.Bytes())
	mac.Write([]byte(name))
	return mac.Sum(nil)
}

// hmacTagValue returns the searchable index value for an encrypted
// tag's value: HMAC(K_tags_hmac, name || 0x00 || value).
func hmacTagValue(key *Secret, name, value string) []byte {
	mac := hmac.New(sha256.New, key.Bytes())
	mac.Write([]byte(name))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return mac.Sum(nil)
}

// EncryptedRow is the ciphertext-domain projection of an Entry,
// ready for a backend to persist verbatim.
type EncryptedRow struct {
	EncCategory []byte
	EncName     []byte
	EncValue    []byte
	ExpiryMs    *int64
	Tags        []EncryptedTagRow
}

// EncryptedTagRow is the ciphertext-domain projection of a Tag.
type EncryptedTagRow struct {
	Plaintext bool
	// For plaintext tags, Name/Value hold cleartext directly.
	// For encrypted tags, Name/Value hold HMAC digests and
	// EncName/EncValue hold the ciphertext payload.
	Name      string
	Value     string
	EncName   []byte
	EncValue  []byte
}

// EncryptEntry transforms a plaintext Entry into its persisted form.
// Category and name are required (spec.md boundary: empty -> KindInput).
func (c *recordCodec) EncryptEntry(e Entry) (EncryptedRow, error) {
	if e.Category == "" {
		return EncryptedRow{}, ErrEmptyCategory
	}
	if e.Name == "" {
		return EncryptedRow{}, ErrEmptyName
	}

	encCategory, err := encryptDeterministic(c.keys.Category, "category", e.Category)
	if err != nil {
		return EncryptedRow{}, err
	}
	encName, err := encryptDeterministic(c.keys.Name, "name", e.Name)
	if err != nil {
		return EncryptedRow{}, err
	}
	encValue, err := encryptRandom(c.keys.Value, e.Value)
	if err != nil {
		return EncryptedRow{}, err
	}

	rows := make([]EncryptedTagRow, 0, len(e.Tags))
	for _, t := range e.Tags {
		if t.Plaintext {
			rows = append(rows, EncryptedTagRow{Plaintext: true, Name: t.Name, Value: t.Value})
			continue
		}
		encTagName, err := encryptDeterministic(c.keys.TagName, "tag_name", t.Name)
		if err != nil {
			return EncryptedRow{}, err
		}
		encTagValue, err := encryptRandom(c.keys.TagValue, []byte(t.Value))
		if err != nil {
			return EncryptedRow{}, err
		}
		rows = append(rows, EncryptedTagRow{
			Plaintext: false,
			Name:      string(hmacTagName(c.keys.TagsHMAC, t.Name)),
			Value:     string(hmacTagValue(c.keys.TagsHMAC, t.Name, t.Value)),
			EncName:   encTagName,
			EncValue:  encTagValue,
		})
	}

	return EncryptedRow{
		EncCategory: encCategory,
		EncName:     encName,
		EncValue:    encValue,
		ExpiryMs:    e.ExpiryMs,
		Tags:        rows,
	}, nil
}

// DecryptEntry is EncryptEntry's inverse. AEAD authentication failures
// surface as KindEncryption.
func (c *recordCodec) DecryptEntry(row EncryptedRow) (Entry, error) {
	category, err := decryptDeterministic(c.keys.Category, row.EncCategory)
	if err != nil {
		return Entry{}, err
	}
	name, err := decryptDeterministic(c.keys.Name, row.EncName)
	if err != nil {
		return Entry{}, err
	}
	value, err := decryptRandom(c.keys.Value, row.EncValue)
	if err != nil {
		return Entry{}, err
	}

	tags := make([]Tag, 0, len(row.Tags))
	for _, t := range row.Tags {
		if t.Plaintext {
			tags = append(tags, Tag{Name: t.Name, Value: t.Value, Plaintext: true})
			continue
		}
		tagName, err := decryptDeterministic(c.keys.TagName, t.EncName)
		if err != nil {
			return Entry{}, err
		}
		tagValue, err := decryptRandom(c.keys.TagValue, t.EncValue)
		if err != nil {
			return Entry{}, err
		}
		tags = append(tags, Tag{Name: tagName, Value: string(tagValue), Plaintext: false})
	}

	return Entry{
		Category: category,
		Name:     name,
		Value:    value,
		Tags:     tags,
		ExpiryMs: row.ExpiryMs,
	}, nil
}

// EncryptCategoryLookup deterministically encrypts a category for use
// in an equality lookup, without needing a full Entry.
func (c *recordCodec) EncryptCategoryLookup(category string) ([]byte, error) {
	return encryptDeterministic(c.keys.Category, "category", category)
}

// EncryptNameLookup deterministically encrypts a name for equality lookup.
func (c *recordCodec) EncryptNameLookup(name string) ([]byte, error) {
	return encryptDeterministic(c.keys.Name, "name", name)
}

// HashTagName implements filter.TagHasher, letting the filter package
// compile predicates against encrypted tags without decrypting them.
func (c *recordCodec) HashTagName(name string) []byte {
	return hmacTagName(c.keys.TagsHMAC, name)
}

// HashTagValue implements filter.TagHasher.
func (c *recordCodec) HashTagValue(name, value string) []byte {
	return hmacTagValue(c.keys.TagsHMAC, name, value)
}
