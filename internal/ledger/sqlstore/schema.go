package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is applied in order. Column types are the common subset of
// Postgres and SQLite. Amounts span the full uint64 range, which neither
// BIGINT holds, so they are stored as decimal TEXT like the nonce.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		identity       TEXT PRIMARY KEY,
		name           TEXT NOT NULL,
		balance        TEXT NOT NULL,
		reserved       TEXT NOT NULL,
		history_len    BIGINT NOT NULL,
		history_digest TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS wallet_history (
		identity   TEXT NOT NULL,
		position   BIGINT NOT NULL,
		request_id TEXT NOT NULL,
		PRIMARY KEY (identity, position)
	)`,
	`CREATE TABLE IF NOT EXISTS multisig_requests (
		id        TEXT PRIMARY KEY,
		sender    TEXT NOT NULL,
		receiver  TEXT NOT NULL,
		amount    TEXT NOT NULL,
		approvers TEXT NOT NULL,
		nonce     TEXT NOT NULL,
		status    SMALLINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS multisig_signatures (
		seq        BIGINT PRIMARY KEY,
		request_id TEXT NOT NULL,
		signer     TEXT NOT NULL,
		digest     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS multisig_signatures_request_signer
		ON multisig_signatures (request_id, signer)`,
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, db sqlx.ExecerContext) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
