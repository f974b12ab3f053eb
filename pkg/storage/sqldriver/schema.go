package sqldriver

// Dialect holds the SQL that differs between database engines.
type Dialect struct {
	Name string

	// Migrations run in order on open. Each must be idempotent.
	Migrations []string

	// Numbered switches "?" placeholders to "$1", "$2", ...
	Numbered bool
}

// SQLite is the dialect for github.com/mattn/go-sqlite3.
var SQLite = Dialect{
	Name: "sqlite",
	Migrations: []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			creation_key TEXT,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS chats_owner_creation_key
			ON chats(owner_id, creation_key) WHERE creation_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS chats_owner_created ON chats(owner_id, created_at_ms)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL REFERENCES chats(id),
			owner_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_chat_id ON messages(chat_id, id)`,
	},
}

// Postgres is the dialect for github.com/jackc/pgx/v5/stdlib.
var Postgres = Dialect{
	Name:     "postgres",
	Numbered: true,
	Migrations: []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			title TEXT NOT NULL,
			creation_key TEXT,
			created_at_ms BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS chats_owner_creation_key
			ON chats(owner_id, creation_key) WHERE creation_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS chats_owner_created ON chats(owner_id, created_at_ms)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			chat_id TEXT NOT NULL REFERENCES chats(id),
			owner_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_chat_id ON messages(chat_id, id)`,
	},
}
