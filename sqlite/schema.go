package sqlite

// itemKind is the only row kind this core persists. The column
// exists for parity with the persisted schema (spec.md section 6),
// which reserves it for the reference implementation's item-vs-key
// distinction; this vault has no such distinction; both Entry and
// KeyEntry round-trip through the same items row.
const itemKind = 1

// schemaDDL matches spec.md section 6's backend-neutral schema, with
// two additions to items_tags beyond the spec's literal four columns:
// enc_name and enc_value. An encrypted tag's name/value columns hold
// only the HMAC digests the tag-filter compiler searches against
// (codec.go's hmacTagName/hmacTagValue); without a separate ciphertext
// column there would be no way to recover the tag's plaintext on
// fetch, since an HMAC digest is one-way. enc_name/enc_value are NULL
// for plaintext tags, which store their name/value directly in the
// shared name/value columns instead.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS config (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	name      TEXT NOT NULL UNIQUE,
	store_key BLOB NOT NULL,
	reference TEXT
);

CREATE TABLE IF NOT EXISTS items (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	profile_id INTEGER NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
	kind       INTEGER NOT NULL DEFAULT 1,
	category   BLOB NOT NULL,
	name       BLOB NOT NULL,
	value      BLOB NOT NULL,
	expiry     INTEGER,
	UNIQUE(profile_id, kind, category, name)
);

CREATE TABLE IF NOT EXISTS items_tags (
	item_id   INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	plaintext INTEGER NOT NULL,
	name      BLOB NOT NULL,
	value     BLOB NOT NULL,
	enc_name  BLOB,
	enc_value BLOB
);
CREATE INDEX IF NOT EXISTS idx_items_tags_item  ON items_tags(item_id);
CREATE INDEX IF NOT EXISTS idx_items_tags_plain ON items_tags(name, value) WHERE plaintext = 1;
CREATE INDEX IF NOT EXISTS idx_items_tags_all   ON items_tags(name, value);
`

const dropDDL = `
DROP TABLE IF EXISTS items_tags;
DROP TABLE IF EXISTS items;
DROP TABLE IF EXISTS profiles;
DROP TABLE IF EXISTS config;
`
