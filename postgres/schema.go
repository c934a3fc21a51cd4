package postgres

// itemKind mirrors sqlite's reserved row-kind column: this vault has
// no item-vs-key distinction, so every row persists under the same
// kind. See sqlite/schema.go for the fuller rationale.
const itemKind = 1

// schemaDDL is the networked-backend twin of sqlite/schema.go's
// schema: same four tables and the same enc_name/enc_value extension
// to items_tags, translated to Postgres types (bigserial identities,
// bytea for ciphertext columns, bigint for epoch-millisecond expiry).
const schemaDDL = `
CREATE TABLE IF NOT EXISTS config (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
	id        BIGSERIAL PRIMARY KEY,
	name      TEXT NOT NULL UNIQUE,
	store_key BYTEA NOT NULL,
	reference TEXT
);

CREATE TABLE IF NOT EXISTS items (
	id         BIGSERIAL PRIMARY KEY,
	profile_id BIGINT NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
	kind       INTEGER NOT NULL DEFAULT 1,
	category   BYTEA NOT NULL,
	name       BYTEA NOT NULL,
	value      BYTEA NOT NULL,
	expiry     BIGINT,
	UNIQUE(profile_id, kind, category, name)
);

CREATE TABLE IF NOT EXISTS items_tags (
	item_id   BIGINT NOT NULL REFERENCES items(id) ON DELETE CASCADE,
	plaintext BOOLEAN NOT NULL,
	name      BYTEA NOT NULL,
	value     BYTEA NOT NULL,
	enc_name  BYTEA,
	enc_value BYTEA
);
CREATE INDEX IF NOT EXISTS idx_items_tags_item  ON items_tags(item_id);
CREATE INDEX IF NOT EXISTS idx_items_tags_plain ON items_tags(name, value) WHERE plaintext;
CREATE INDEX IF NOT EXISTS idx_items_tags_all   ON items_tags(name, value);
`

const dropDDL = `
DROP TABLE IF EXISTS items_tags;
DROP TABLE IF EXISTS items;
DROP TABLE IF EXISTS profiles;
DROP TABLE IF EXISTS config;
`
