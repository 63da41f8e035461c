package ledger

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ReplicationCapability returns the configured replica capability, or ""
// when replication has not been set up.
func (s *Store) ReplicationCapability(ctx context.Context) (string, error) {
	var capability string
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		row, err := replicationRow(conn)
		if row != nil {
			capability = *row
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("ledger: replication capability: %w", err)
	}
	return capability, nil
}

// BeginReplication snapshots the store and starts recording mutations
// into the event stream in the same transaction, so no mutation falls
// between the snapshot and the first event. A setup left incomplete by a
// crash is discarded and started over.
func (s *Store) BeginReplication(ctx context.Context) ([]string, error) {
	var statements []string
	wasReplicating := s.replicating.Load()
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		row, err := replicationRow(conn)
		if err != nil {
			return err
		}
		if row != nil && *row != "" {
			return ErrReplicationConfigured
		}
		if err := sqlitex.Execute(conn, `DELETE FROM event_stream`, nil); err != nil {
			return err
		}
		if err := sqlitex.Execute(conn,
			`INSERT OR REPLACE INTO replication (id, capability) VALUES (0, NULL)`, nil); err != nil {
			return err
		}
		if statements, err = snapshot(conn); err != nil {
			return err
		}
		s.replicating.Store(true)
		return nil
	})
	if err != nil {
		s.replicating.Store(wasReplicating)
		return nil, fmt.Errorf("ledger: begin replication: %w", err)
	}
	return statements, nil
}

// CompleteReplication stores the capability of the uploaded snapshot.
func (s *Store) CompleteReplication(ctx context.Context, capability string) error {
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `UPDATE replication SET capability = ? WHERE id = 0`,
			&sqlitex.ExecOptions{Args: []any{capability}})
	})
	if err != nil {
		return fmt.Errorf("ledger: complete replication: %w", err)
	}
	return nil
}

// AbortReplication undoes BeginReplication after a failed upload.
func (s *Store) AbortReplication(ctx context.Context) error {
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `DELETE FROM replication WHERE capability IS NULL`, nil); err != nil {
			return err
		}
		if conn.Changes() == 0 {
			return nil
		}
		s.replicating.Store(false)
		return sqlitex.Execute(conn, `DELETE FROM event_stream`, nil)
	})
	if err != nil {
		return fmt.Errorf("ledger: abort replication: %w", err)
	}
	return nil
}

// Events returns recorded mutations in sequence order.
func (s *Store) Events(ctx context.Context) ([]Event, error) {
	var events []Event
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT sequence, statement FROM event_stream ORDER BY sequence`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				events = append(events, Event{Sequence: stmt.ColumnInt64(0), Statement: stmt.ColumnText(1)})
				return nil
			}})
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: events: %w", err)
	}
	return events, nil
}

// PruneEvents deletes events up to and including sequence.
func (s *Store) PruneEvents(ctx context.Context, sequence int64) error {
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `DELETE FROM event_stream WHERE sequence <= ?`,
			&sqlitex.ExecOptions{Args: []any{sequence}})
	})
	if err != nil {
		return fmt.Errorf("ledger: prune events: %w", err)
	}
	return nil
}

// replicationRow returns nil when no row exists and a pointer to "" for
// a setup that has not completed.
func replicationRow(conn *sqlite.Conn) (*string, error) {
	var row *string
	err := sqlitex.Execute(conn, `SELECT capability FROM replication WHERE id = 0`,
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			capability := stmt.ColumnText(0)
			row = &capability
			return nil
		}})
	if err != nil {
		return nil, fmt.Errorf("read replication: %w", err)
	}
	return row, nil
}
