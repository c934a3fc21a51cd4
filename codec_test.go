package vault

import "testing"

func newTestCodec(t *testing.T) *recordCodec {
	t.Helper()
	bundle, err := NewStoreKeyBundle()
	if err != nil {
		t.Fatalf("NewStoreKeyBundle() error: %v", err)
	}
	return newRecordCodec(bundle)
}

func TestEncryptDecryptEntryRoundTrips(t *testing.T) {
	codec := newTestCodec(t)
	entry := Entry{
		Category: "secret",
		Name:     "api-key",
		Value:    []byte("s3cr3t-value"),
		Tags: []Tag{
			PlaintextTag("env", "prod"),
			EncryptedTag("owner", "alice"),
		},
	}

	row, err := codec.EncryptEntry(entry)
	if err != nil {
		t.Fatalf("EncryptEntry() error: %v", err)
	}
	if string(row.EncValue) == string(entry.Value) {
		t.Fatal("EncryptEntry() left the value unencrypted")
	}

	decoded, err := codec.DecryptEntry(row)
	if err != nil {
		t.Fatalf("DecryptEntry() error: %v", err)
	}
	if decoded.Category != entry.Category || decoded.Name != entry.Name {
		t.Fatalf("DecryptEntry() = %+v, want category/name %q/%q", decoded, entry.Category, entry.Name)
	}
	if string(decoded.Value) != string(entry.Value) {
		t.Fatalf("DecryptEntry() value = %q, want %q", decoded.Value, entry.Value)
	}
	if len(decoded.Tags) != 2 {
		t.Fatalf("DecryptEntry() returned %d tags, want 2", len(decoded.Tags))
	}
}

func TestEncryptEntryRejectsEmptyCategoryOrName(t *testing.T) {
	codec := newTestCodec(t)
	if _, err := codec.EncryptEntry(Entry{Name: "n", Value: []byte("v")}); err != ErrEmptyCategory {
		t.Fatalf("EncryptEntry(empty category) error = %v, want ErrEmptyCategory", err)
	}
	if _, err := codec.EncryptEntry(Entry{Category: "c", Value: []byte("v")}); err != ErrEmptyName {
		t.Fatalf("EncryptEntry(empty name) error = %v, want ErrEmptyName", err)
	}
}

func TestEncryptCategoryLookupIsDeterministic(t *testing.T) {
	codec := newTestCodec(t)
	a, err := codec.EncryptCategoryLookup("secret")
	if err != nil {
		t.Fatalf("EncryptCategoryLookup() error: %v", err)
	}
	b, err := codec.EncryptCategoryLookup("secret")
	if err != nil {
		t.Fatalf("EncryptCategoryLookup() error: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("EncryptCategoryLookup() produced different ciphertext for the same plaintext twice")
	}

	entry := Entry{Category: "secret", Name: "n", Value: []byte("v")}
	row, err := codec.EncryptEntry(entry)
	if err != nil {
		t.Fatalf("EncryptEntry() error: %v", err)
	}
	if string(row.EncCategory) != string(a) {
		t.Fatal("EncryptEntry()'s category ciphertext does not match EncryptCategoryLookup()'s, breaking equality search")
	}
}

func TestEncryptValueIsNotDeterministic(t *testing.T) {
	codec := newTestCodec(t)
	e1, err := codec.EncryptEntry(Entry{Category: "c", Name: "n", Value: []byte("same-value")})
	if err != nil {
		t.Fatalf("EncryptEntry() error: %v", err)
	}
	e2, err := codec.EncryptEntry(Entry{Category: "c", Name: "n2", Value: []byte("same-value")})
	if err != nil {
		t.Fatalf("EncryptEntry() error: %v", err)
	}
	if string(e1.EncValue) == string(e2.EncValue) {
		t.Fatal("two values with identical plaintext produced identical ciphertext: random-nonce encryption is broken")
	}
}

func TestHashTagNameAndValueAreDeterministic(t *testing.T) {
	codec := newTestCodec(t)
	n1 := codec.HashTagName("env")
	n2 := codec.HashTagName("env")
	if string(n1) != string(n2) {
		t.Fatal("HashTagName() is not deterministic")
	}
	v1 := codec.HashTagValue("env", "prod")
	v2 := codec.HashTagValue("env", "prod")
	if string(v1) != string(v2) {
		t.Fatal("HashTagValue() is not deterministic")
	}

	entry := Entry{Category: "c", Name: "n", Value: []byte("v"), Tags: []Tag{EncryptedTag("env", "prod")}}
	row, err := codec.EncryptEntry(entry)
	if err != nil {
		t.Fatalf("EncryptEntry() error: %v", err)
	}
	if row.Tags[0].Name != string(n1) {
		t.Fatal("encrypted tag's searchable name digest does not match HashTagName()")
	}
	if row.Tags[0].Value != string(v1) {
		t.Fatal("encrypted tag's searchable value digest does not match HashTagValue()")
	}
}

func TestDecryptEntryFailsUnderWrongKeys(t *testing.T) {
	codec := newTestCodec(t)
	row, err := codec.EncryptEntry(Entry{Category: "c", Name: "n", Value: []byte("v")})
	if err != nil {
		t.Fatalf("EncryptEntry() error: %v", err)
	}
	other := newTestCodec(t)
	if _, err := other.DecryptEntry(row); !IsKind(err, KindEncryption) {
		t.Fatalf("DecryptEntry(wrong codec) error = %v, want KindEncryption", err)
	}
}
