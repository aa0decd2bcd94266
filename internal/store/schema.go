package store

// schemaDDL is the authoritative schema for the durable tier. Reads are
// plain SELECTs against the unique fingerprint index; writers use single-row
// upserts so readers never wait on write locks.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS subtitle_artifacts (
	video_id               TEXT        NOT NULL,
	language               TEXT        NOT NULL,
	clean_flag             BOOLEAN     NOT NULL,
	title                  TEXT,
	engine_used            TEXT        NOT NULL,
	segments               JSONB       NOT NULL,
	plain_text             TEXT,
	extraction_duration_ms BIGINT      NOT NULL DEFAULT 0,
	proxy_used             TEXT,
	integrity              TEXT        NOT NULL,
	created_at             TIMESTAMPTZ NOT NULL,
	expires_at             TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (video_id, language, clean_flag)
);

CREATE INDEX IF NOT EXISTS idx_subtitle_artifacts_created_at
	ON subtitle_artifacts (created_at);

CREATE TABLE IF NOT EXISTS subtitle_jobs (
	job_id                  TEXT        PRIMARY KEY,
	video_id                TEXT        NOT NULL,
	language                TEXT        NOT NULL,
	clean_flag              BOOLEAN     NOT NULL,
	status                  TEXT        NOT NULL,
	error_kind              TEXT,
	error_hint              TEXT,
	enqueued_at             TIMESTAMPTZ NOT NULL,
	started_at              TIMESTAMPTZ,
	ended_at                TIMESTAMPTZ,
	webhook_url             TEXT,
	webhook_delivery_status TEXT        NOT NULL DEFAULT 'none',
	attempts                INTEGER     NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_subtitle_jobs_fingerprint
	ON subtitle_jobs (video_id, language, clean_flag)
	WHERE status IN ('queued','running');

CREATE INDEX IF NOT EXISTS idx_subtitle_jobs_running_started
	ON subtitle_jobs (started_at)
	WHERE status = 'running';
`
