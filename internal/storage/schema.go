package storage

import (
	"context"
)

// schemaStep is a single versioned DDL step. Steps run in ascending version
// order inside InitSchema; applied versions are recorded in schema_migrations
// and skipped on the next start.
type schemaStep struct {
	version int32
	ddl     []string
}

// columnStep adds a column that postdates the initial table layout. The
// column presence is checked explicitly via information_schema before the
// alter runs, so a rerun never depends on swallowing duplicate-column errors.
type columnStep struct {
	table  string
	column string
	ddl    string
}

var schemaSteps = []schemaStep{
	{
		version: 1,
		ddl: []string{
			`create table if not exists messages (
				id bigserial primary key,
				sender_user_id text not null,
				recipient_user_id text not null,
				content text not null,
				timestamp text not null,
				pending boolean not null default true
			)`,
			`create index if not exists messages_recipient_pending_idx
				on messages (recipient_user_id, timestamp) where pending`,
			`create index if not exists messages_pair_idx
				on messages (sender_user_id, recipient_user_id, timestamp)`,
			`create table if not exists registered_users (
				user_id text primary key,
				registered_at timestamptz not null
			)`,
		},
	},
	{
		version: 2,
		ddl: []string{
			`create table if not exists global_messages (
				id bigserial primary key,
				sender_user_id text not null,
				sender_name text not null default '',
				content text not null,
				timestamp text not null
			)`,
			`create index if not exists global_messages_timestamp_idx
				on global_messages (timestamp)`,
		},
	},
}

var columnSteps = []columnStep{
	{"messages", "message_type", `alter table messages add column message_type text not null default 'text'`},
	{"global_messages", "message_type", `alter table global_messages add column message_type text not null default 'text'`},
	{"registered_users", "username", `alter table registered_users add column username text not null default ''`},
	{"registered_users", "banned", `alter table registered_users add column banned boolean not null default false`},
}

// InitSchema brings the database schema up to date. It is idempotent and
// intended to run once at startup before any traffic is accepted.
func (s *Store) InitSchema(ctx context.Context) error {
	s.logger.Debug("Initializing schema")

	sql := `create table if not exists schema_migrations (
				version integer primary key,
				applied_at timestamptz not null default now()
			)`
	if _, err := s.db.Exec(ctx, sql); err != nil {
		return err
	}

	for _, step := range schemaSteps {
		var applied bool
		sql = "select exists (select 1 from schema_migrations where version = $1)"
		if err := s.db.QueryRow(ctx, sql, step.version).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}

		for _, ddl := range step.ddl {
			if _, err := s.db.Exec(ctx, ddl); err != nil {
				return err
			}
		}

		sql = "insert into schema_migrations (version) values ($1)"
		if _, err := s.db.Exec(ctx, sql, step.version); err != nil {
			return err
		}

		s.logger.Debugf("Applied schema version %d", step.version)
	}

	for _, step := range columnSteps {
		exists, err := s.columnExists(ctx, step.table, step.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		if _, err := s.db.Exec(ctx, step.ddl); err != nil {
			return err
		}

		s.logger.Debugf("Added column %s.%s", step.table, step.column)
	}

	s.logger.Debug("Schema is up to date")

	return nil
}

func (s *Store) columnExists(ctx context.Context, table, column string) (bool, error) {
	var exists bool
	sql := `select exists (
				select 1 from information_schema.columns
				 where table_name = $1 and column_name = $2
			)`
	err := s.db.QueryRow(ctx, sql, table, column).Scan(&exists)
	return exists, err
}
