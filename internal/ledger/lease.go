package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/price"
)

// LeaseMaintenance is an open lease-maintenance activity window. At most
// one is open per Store.
type LeaseMaintenance struct {
	store *Store
	id    int64

	mu       sync.Mutex
	finished bool
}

// LeaseMaintenanceActivity is a finished window's spend total.
type LeaseMaintenanceActivity struct {
	Started  time.Time
	Finished time.Time
	Count    int64
}

// StartLeaseMaintenance opens a new activity window.
func (s *Store) StartLeaseMaintenance(ctx context.Context) (*LeaseMaintenance, error) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	if s.leaseOpen {
		return nil, ErrLeaseMaintenanceInProgress
	}

	var id int64
	now := s.clock.Now()
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, `SELECT coalesce(max(id), 0) + 1 FROM lease_maintenance_spending`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnInt64(0)
				return nil
			}}); err != nil {
			return err
		}
		// The id is explicit so the replayed statement targets the same row.
		return s.mutate(conn,
			`INSERT INTO lease_maintenance_spending (id, started, count) VALUES (?, ?, 0)`,
			id, formatTime(now))
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: start lease maintenance: %w", err)
	}
	s.leaseOpen = true
	return &LeaseMaintenance{store: s, id: id}, nil
}

// Observe adds the passes needed to cover the given share sizes to the window's total.
func (m *LeaseMaintenance) Observe(ctx context.Context, sizes []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return ErrLeaseMaintenanceFinished
	}
	passes, err := price.RequiredPasses(m.store.passValue, sizes)
	if err != nil {
		return fmt.Errorf("ledger: observe lease maintenance: %w", err)
	}
	if passes == 0 {
		return nil
	}
	err = m.store.write(ctx, func(conn *sqlite.Conn) error {
		return m.store.mutate(conn,
			`UPDATE lease_maintenance_spending SET count = count + ? WHERE id = ?`,
			passes, m.id)
	})
	if err != nil {
		return fmt.Errorf("ledger: observe lease maintenance: %w", err)
	}
	return nil
}

// Finish closes the window, making it the latest activity.
func (m *LeaseMaintenance) Finish(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finished {
		return ErrLeaseMaintenanceFinished
	}
	now := m.store.clock.Now()
	err := m.store.write(ctx, func(conn *sqlite.Conn) error {
		return m.store.mutate(conn,
			`UPDATE lease_maintenance_spending SET finished = ? WHERE id = ?`,
			formatTime(now), m.id)
	})
	if err != nil {
		return fmt.Errorf("ledger: finish lease maintenance: %w", err)
	}
	m.finished = true

	m.store.leaseMu.Lock()
	m.store.leaseOpen = false
	m.store.leaseMu.Unlock()
	return nil
}

// LatestLeaseMaintenance returns the most recently finished activity, or
// nil if none has finished.
func (s *Store) LatestLeaseMaintenance(ctx context.Context) (*LeaseMaintenanceActivity, error) {
	var latest *LeaseMaintenanceActivity
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT started, finished, count FROM lease_maintenance_spending
			 WHERE finished IS NOT NULL ORDER BY finished DESC, id DESC LIMIT 1`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				started, err := parseTime(stmt.ColumnText(0))
				if err != nil {
					return err
				}
				finished, err := parseTime(stmt.ColumnText(1))
				if err != nil {
					return err
				}
				latest = &LeaseMaintenanceActivity{Started: started, Finished: finished, Count: stmt.ColumnInt64(2)}
				return nil
			}})
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: latest lease maintenance: %w", err)
	}
	return latest, nil
}

// TrackStorageIndex records a storage index whose leases this node keeps alive.
func (s *Store) TrackStorageIndex(ctx context.Context, storageIndex string) error {
	now := s.clock.Now()
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		return s.mutate(conn,
			`INSERT OR IGNORE INTO tracked_storage_indexes (storage_index, added) VALUES (?, ?)`,
			storageIndex, formatTime(now))
	})
	if err != nil {
		return fmt.Errorf("ledger: track %s: %w", storageIndex, err)
	}
	return nil
}

// TrackedStorageIndexes lists tracked storage indexes in insertion order.
func (s *Store) TrackedStorageIndexes(ctx context.Context) ([]string, error) {
	var out []string
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT storage_index FROM tracked_storage_indexes ORDER BY rowid`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, stmt.ColumnText(0))
				return nil
			}})
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: tracked storage indexes: %w", err)
	}
	return out, nil
}
