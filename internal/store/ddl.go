package store

import "github.com/basket/go-claw/internal/config"

// The two backends' DDL differ only in autoincrement/timestamp syntax;
// kept as two small per-backend functions rather than a templating
// layer since the set of tables is small and fixed.

func resourceTableDDL(backend config.StorageType) []string {
	if backend == config.StoragePostgres {
		return []string{`
CREATE TABLE IF NOT EXISTS resources (
	id BIGSERIAL PRIMARY KEY,
	owner_id BIGINT NOT NULL DEFAULT 0,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	namespace TEXT NOT NULL DEFAULT '',
	json TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS resources_identity ON resources (owner_id, kind, name, namespace) WHERE is_active`,
			`CREATE INDEX IF NOT EXISTS resources_kind_owner ON resources (kind, owner_id)`,
		}
	}
	return []string{`
CREATE TABLE IF NOT EXISTS resources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id INTEGER NOT NULL DEFAULT 0,
	kind TEXT NOT NULL,
	name TEXT NOT NULL,
	namespace TEXT NOT NULL DEFAULT '',
	json TEXT NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS resources_identity ON resources (owner_id, kind, name, namespace) WHERE is_active = 1`,
		`CREATE INDEX IF NOT EXISTS resources_kind_owner ON resources (kind, owner_id)`,
	}
}

func taskOpsTableDDL(backend config.StorageType) []string {
	if backend == config.StoragePostgres {
		return []string{`
CREATE TABLE IF NOT EXISTS tasks (
	id BIGSERIAL PRIMARY KEY,
	owner_id BIGINT NOT NULL,
	title TEXT NOT NULL,
	team_name TEXT NOT NULL,
	team_namespace TEXT NOT NULL DEFAULT '',
	workspace_name TEXT NOT NULL DEFAULT '',
	labels JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	progress INT NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	app_data JSONB NOT NULL DEFAULT '{}',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
)`,
			`CREATE INDEX IF NOT EXISTS tasks_status ON tasks (status)`,
		}
	}
	return []string{`
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	team_name TEXT NOT NULL,
	team_namespace TEXT NOT NULL DEFAULT '',
	workspace_name TEXT NOT NULL DEFAULT '',
	labels TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	result TEXT NOT NULL DEFAULT '',
	app_data TEXT NOT NULL DEFAULT '{}',
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
)`,
		`CREATE INDEX IF NOT EXISTS tasks_status ON tasks (status)`,
	}
}

func subtaskTableDDL(backend config.StorageType) []string {
	if backend == config.StoragePostgres {
		return []string{`
CREATE TABLE IF NOT EXISTS subtasks (
	id BIGSERIAL PRIMARY KEY,
	task_id BIGINT NOT NULL,
	team_id BIGINT NOT NULL DEFAULT 0,
	role TEXT NOT NULL,
	bot_ids TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	attachments JSONB NOT NULL DEFAULT '[]',
	result JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	progress INT NOT NULL DEFAULT 0,
	message_id BIGINT NOT NULL,
	parent_id BIGINT NOT NULL DEFAULT 0,
	executor_name TEXT NOT NULL DEFAULT '',
	executor_namespace TEXT NOT NULL DEFAULT '',
	new_session BOOLEAN NOT NULL DEFAULT FALSE,
	corrections JSONB NOT NULL DEFAULT '[]',
	error_message TEXT NOT NULL DEFAULT '',
	lease_owner TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (task_id, message_id)
)`,
			`CREATE INDEX IF NOT EXISTS subtasks_task_status ON subtasks (task_id, status)`,
			`CREATE INDEX IF NOT EXISTS subtasks_ordering ON subtasks (task_id, message_id)`,
		}
	}
	return []string{`
CREATE TABLE IF NOT EXISTS subtasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id INTEGER NOT NULL,
	team_id INTEGER NOT NULL DEFAULT 0,
	role TEXT NOT NULL,
	bot_ids TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	attachments TEXT NOT NULL DEFAULT '[]',
	result TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	message_id INTEGER NOT NULL,
	parent_id INTEGER NOT NULL DEFAULT 0,
	executor_name TEXT NOT NULL DEFAULT '',
	executor_namespace TEXT NOT NULL DEFAULT '',
	new_session INTEGER NOT NULL DEFAULT 0,
	corrections TEXT NOT NULL DEFAULT '[]',
	error_message TEXT NOT NULL DEFAULT '',
	lease_owner TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE (task_id, message_id)
)`,
		`CREATE INDEX IF NOT EXISTS subtasks_task_status ON subtasks (task_id, status)`,
		`CREATE INDEX IF NOT EXISTS subtasks_ordering ON subtasks (task_id, message_id)`,
	}
}

func subscriptionOpsTableDDL(backend config.StorageType) []string {
	if backend == config.StoragePostgres {
		return []string{`
CREATE TABLE IF NOT EXISTS background_executions (
	id BIGSERIAL PRIMARY KEY,
	subscription_id BIGINT NOT NULL,
	user_id BIGINT NOT NULL,
	task_id BIGINT NOT NULL DEFAULT 0,
	trigger_type TEXT NOT NULL,
	trigger_reason TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	retry_attempt INT NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
			`CREATE INDEX IF NOT EXISTS bgexec_status ON background_executions (status)`,
			`CREATE INDEX IF NOT EXISTS bgexec_subscription ON background_executions (subscription_id)`,
		}
	}
	return []string{`
CREATE TABLE IF NOT EXISTS background_executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	subscription_id INTEGER NOT NULL,
	user_id INTEGER NOT NULL,
	task_id INTEGER NOT NULL DEFAULT 0,
	trigger_type TEXT NOT NULL,
	trigger_reason TEXT NOT NULL DEFAULT '',
	prompt TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	retry_attempt INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME,
	completed_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS bgexec_status ON background_executions (status)`,
		`CREATE INDEX IF NOT EXISTS bgexec_subscription ON background_executions (subscription_id)`,
	}
}
