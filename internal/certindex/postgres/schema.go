package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS certificate_index (
	normalized_id TEXT PRIMARY KEY,
	content_hash BYTEA NOT NULL,
	storage_id TEXT NOT NULL,
	issuer BYTEA NOT NULL,
	issued_at TIMESTAMPTZ NOT NULL,
	blob_key TEXT NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT normalized_id_nonempty CHECK (length(normalized_id) > 0),
	CONSTRAINT content_hash_len CHECK (octet_length(content_hash) = 32),
	CONSTRAINT storage_id_nonempty CHECK (length(storage_id) > 0),
	CONSTRAINT issuer_len CHECK (octet_length(issuer) = 20)
);

CREATE UNIQUE INDEX IF NOT EXISTS certificate_index_content_hash_idx
	ON certificate_index (content_hash);
`
