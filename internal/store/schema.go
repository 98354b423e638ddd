package store

import (
	"database/sql"
	"fmt"
)

// schema holds the complete DDL. Applied idempotently at open; the
// receipt primary key is what makes UpsertReadReceipt a true upsert.
const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	case_id      TEXT NOT NULL,
	body         TEXT NOT NULL,
	sender_class TEXT NOT NULL,
	sender_id    TEXT,
	link_id      TEXT,
	created_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_case_created
	ON messages (case_id, created_at);

CREATE TABLE IF NOT EXISTS read_receipts (
	message_id   TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	read_at      DATETIME NOT NULL,
	PRIMARY KEY (message_id, recipient_id)
);

CREATE INDEX IF NOT EXISTS idx_receipts_recipient
	ON read_receipts (recipient_id);

CREATE TABLE IF NOT EXISTS access_links (
	id         TEXT PRIMARY KEY,
	case_id    TEXT NOT NULL,
	token_hash TEXT NOT NULL UNIQUE,
	expires_at DATETIME,
	revoked_at DATETIME,
	created_at DATETIME NOT NULL
);
`

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
