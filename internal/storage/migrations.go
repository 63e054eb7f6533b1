package storage

// Migrations is the ordered schema history. Append only: never edit or
// reorder a unit that has shipped.
var Migrations = []Migration{
	{
		ID: "0001_init",
		Statements: []string{
			`CREATE TABLE jobs (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				schedule_type TEXT NOT NULL CHECK (schedule_type IN ('interval', 'cron', 'one_shot')),
				schedule_expr TEXT NOT NULL DEFAULT '',
				payload_json TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL DEFAULT 'scheduled'
					CHECK (status IN ('scheduled', 'leased', 'done', 'failed', 'cancelled')),
				scheduled_for INTEGER NOT NULL,
				lock_owner TEXT,
				lock_expires_at INTEGER,
				last_run_at INTEGER,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX idx_jobs_eligible ON jobs(status, scheduled_for)`,
			`CREATE TABLE job_runs (
				id TEXT PRIMARY KEY,
				job_id TEXT NOT NULL REFERENCES jobs(id),
				scheduled_for INTEGER NOT NULL,
				started_at INTEGER NOT NULL,
				finished_at INTEGER,
				status TEXT NOT NULL CHECK (status IN ('running', 'success', 'failure')),
				error_code TEXT,
				error_message TEXT,
				result_json TEXT,
				prompt_provenance TEXT,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX idx_job_runs_job ON job_runs(job_id, started_at)`,
			`CREATE TABLE messages_out (
				id TEXT PRIMARY KEY,
				chat_id INTEGER NOT NULL,
				content TEXT NOT NULL,
				dedupe_key TEXT UNIQUE,
				status TEXT NOT NULL DEFAULT 'queued' CHECK (status IN ('queued', 'sent', 'failed')),
				priority TEXT NOT NULL DEFAULT 'normal' CHECK (priority IN ('low', 'normal', 'high')),
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX idx_messages_out_status ON messages_out(status, created_at)`,
		},
	},
	{
		ID: "0002_jobs_model_ref",
		Statements: []string{
			`ALTER TABLE jobs ADD COLUMN model_ref TEXT`,
		},
	},
	{
		ID: "0003_messages_out_delivery",
		Statements: []string{
			`ALTER TABLE messages_out ADD COLUMN attempts INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE messages_out ADD COLUMN last_error TEXT`,
			`ALTER TABLE messages_out ADD COLUMN next_attempt_at INTEGER NOT NULL DEFAULT 0`,
			`ALTER TABLE messages_out ADD COLUMN sent_at INTEGER`,
		},
	},
	{
		ID: "0004_messages_out_lease",
		Statements: []string{
			`ALTER TABLE messages_out ADD COLUMN lease_owner TEXT`,
			`ALTER TABLE messages_out ADD COLUMN lease_expires_at INTEGER`,
			`CREATE INDEX idx_messages_out_deliverable ON messages_out(status, next_attempt_at)`,
		},
	},
}
