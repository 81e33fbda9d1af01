package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS institution_registrations (
	identity BYTEA PRIMARY KEY,
	profile JSONB NOT NULL,
	pin_cid TEXT NOT NULL DEFAULT '',
	registered_at TIMESTAMPTZ NOT NULL,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT registration_identity_len CHECK (octet_length(identity) = 20)
);

CREATE TABLE IF NOT EXISTS institution_requests (
	identity BYTEA PRIMARY KEY,
	profile JSONB NOT NULL,
	pin_cid TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	requested_at TIMESTAMPTZ NOT NULL,
	handled_at TIMESTAMPTZ,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT request_identity_len CHECK (octet_length(identity) = 20),
	CONSTRAINT request_status_known CHECK (status IN ('pending','approved','rejected')),
	CONSTRAINT request_handled_has_timestamp CHECK (status = 'pending' OR handled_at IS NOT NULL)
);
`
