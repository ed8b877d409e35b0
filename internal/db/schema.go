package db

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id             TEXT PRIMARY KEY,
		telegram_id    BIGINT UNIQUE,
		username       TEXT NOT NULL DEFAULT '',
		first_name     TEXT NOT NULL DEFAULT '',
		last_name      TEXT NOT NULL DEFAULT '',
		avatar_url     TEXT NOT NULL DEFAULT '',
		reported_count INTEGER NOT NULL DEFAULT 0,
		is_flagged     BOOLEAN NOT NULL DEFAULT FALSE,
		flagged_until  TIMESTAMPTZ,
		unread_counts  JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS users_flagged_idx ON users (flagged_until) WHERE is_flagged`,

	`CREATE TABLE IF NOT EXISTS books (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL,
		created_by TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		author     TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT 'available',
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS books_user_idx ON books (user_id, status)`,

	`CREATE TABLE IF NOT EXISTS swap_proposals (
		id             TEXT PRIMARY KEY,
		from_user      TEXT NOT NULL,
		to_user        TEXT NOT NULL,
		offered_book   TEXT NOT NULL,
		requested_book TEXT NOT NULL,
		from_accepted  BOOLEAN NOT NULL DEFAULT TRUE,
		to_accepted    BOOLEAN NOT NULL DEFAULT FALSE,
		status         TEXT NOT NULL,
		from_message   TEXT NOT NULL DEFAULT '',
		to_message     TEXT NOT NULL DEFAULT '',
		from_completed BOOLEAN NOT NULL DEFAULT FALSE,
		to_completed   BOOLEAN NOT NULL DEFAULT FALSE,
		from_archived  BOOLEAN NOT NULL DEFAULT FALSE,
		to_archived    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at     TIMESTAMPTZ NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		accepted_at    TIMESTAMPTZ,
		completed_at   TIMESTAMPTZ,
		reported_at    TIMESTAMPTZ,
		cancelled_at   TIMESTAMPTZ,
		expired_at     TIMESTAMPTZ
	)`,
	// одна активная сделка на неупорядоченную пару книг
	`CREATE UNIQUE INDEX IF NOT EXISTS swap_proposals_active_pair_idx
		ON swap_proposals (LEAST(offered_book, requested_book), GREATEST(offered_book, requested_book))
		WHERE status IN ('pending', 'accepted')`,
	`CREATE INDEX IF NOT EXISTS swap_proposals_from_idx ON swap_proposals (from_user, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS swap_proposals_to_idx ON swap_proposals (to_user, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS swap_proposals_status_idx ON swap_proposals (status, updated_at)`,

	`CREATE TABLE IF NOT EXISTS swap_messages (
		id          TEXT PRIMARY KEY,
		proposal_id TEXT NOT NULL,
		sender_id   TEXT NOT NULL,
		text        TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS swap_messages_proposal_idx ON swap_messages (proposal_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS daily_metrics (
		day               TEXT PRIMARY KEY,
		proposals_created INTEGER NOT NULL,
		by_status         JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at        TIMESTAMPTZ NOT NULL
	)`,
}
