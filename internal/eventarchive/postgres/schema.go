package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS harness_events (
	run_id TEXT NOT NULL,
	seq BIGINT NOT NULL,
	kind TEXT NOT NULL,
	payload JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, seq)
);

CREATE INDEX IF NOT EXISTS harness_events_run_kind_idx ON harness_events (run_id, kind, seq);
`
