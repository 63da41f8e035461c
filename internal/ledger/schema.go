package ledger

import "zombiezen.com/go/sqlite/sqlitemigration"

// replicatedTables are captured by snapshots, in dependency order.
var replicatedTables = []string{
	"vouchers",
	"unblinded_tokens",
	"lease_maintenance_spending",
	"tracked_storage_indexes",
}

var schema = sqlitemigration.Schema{
	Migrations: []string{
		`CREATE TABLE vouchers (
			number          TEXT PRIMARY KEY,
			expected_tokens INTEGER NOT NULL,
			created         TEXT NOT NULL,
			state           TEXT NOT NULL,
			counter         INTEGER NOT NULL DEFAULT 0,
			started         TEXT,
			finished        TEXT,
			token_count     INTEGER,
			details         TEXT
		);

		CREATE TABLE unblinded_tokens (
			token   TEXT PRIMARY KEY,
			voucher TEXT NOT NULL,
			status  TEXT NOT NULL DEFAULT 'available'
		);
		CREATE INDEX unblinded_tokens_status ON unblinded_tokens (status);

		CREATE TABLE lease_maintenance_spending (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			started  TEXT NOT NULL,
			count    INTEGER NOT NULL,
			finished TEXT
		);`,

		`CREATE TABLE tracked_storage_indexes (
			storage_index TEXT PRIMARY KEY,
			added         TEXT NOT NULL
		);

		CREATE TABLE replication (
			id         INTEGER PRIMARY KEY CHECK (id = 0),
			capability TEXT
		);

		CREATE TABLE event_stream (
			sequence  INTEGER PRIMARY KEY AUTOINCREMENT,
			statement TEXT NOT NULL
		);`,
	},
}
