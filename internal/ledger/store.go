// Package ledger is the local transactional store behind voucher
// redemption and pass spending.
//
// The store is a single SQLite database accessed through a
// zombiezen sqlitex pool. Every mutation runs inside an IMMEDIATE
// transaction, so SQLite's single-writer lock linearizes token
// reservation, spending and voucher state transitions.
//
// Once replication is enabled every mutation of a replicated table is
// also recorded, as a fully bound SQL statement, in the event_stream
// table. Replaying a snapshot followed by those statements reproduces
// the database.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitemigration"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/clock"
)

var (
	ErrNotFound                   = errors.New("voucher not found")
	ErrNotRedeeming               = errors.New("voucher is not being redeemed")
	ErrAlreadyRedeemed            = errors.New("voucher already redeemed")
	ErrNotEmpty                   = errors.New("there is existing local state")
	ErrLeaseMaintenanceInProgress = errors.New("lease maintenance activity already in progress")
	ErrLeaseMaintenanceFinished   = errors.New("lease maintenance activity already finished")
	ErrReplicationConfigured      = errors.New("replication already configured")
)

// Config holds the parameters for opening a Store.
type Config struct {
	// Path is the SQLite database file. The parent directory must exist.
	Path string

	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int

	// PassValue is the number of share bytes one pass pays for. It is
	// used to total lease-maintenance spending.
	PassValue int64

	Clock  clock.Clock
	Logger *zap.Logger
}

// Store is the pass ledger and voucher store.
type Store struct {
	pool      *sqlitex.Pool
	path      string
	passValue int64
	clock     clock.Clock
	log       *zap.Logger

	// replicating is read inside write transactions to decide whether a
	// mutation is appended to the event stream.
	replicating atomic.Bool

	leaseMu   sync.Mutex
	leaseOpen bool

	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if needed) the database at cfg.Path, applies
// pragmas and migrations, and returns any reserved tokens left by a
// previous process to the available pool.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("ledger: Path is required")
	}
	if cfg.PassValue < 1 {
		return nil, fmt.Errorf("ledger: pass value must be positive, got %d", cfg.PassValue)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: opening %s: %w", cfg.Path, err)
	}
	s := &Store{
		pool:      pool,
		path:      cfg.Path,
		passValue: cfg.PassValue,
		clock:     cfg.Clock,
		log:       cfg.Logger,
	}

	if err := s.init(ctx); err != nil {
		pool.Close() //nolint:errcheck
		return nil, err
	}
	s.log.Info("ledger opened", zap.String("path", cfg.Path), zap.Int("pool_size", poolSize))
	return s, nil
}

func (s *Store) init(ctx context.Context) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: take: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitemigration.Migrate(ctx, conn, schema); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer endFn(&err)

	configured, err := replicationRow(conn)
	if err != nil {
		return err
	}
	s.replicating.Store(configured != nil)

	if err := sqlitex.Execute(conn,
		`UPDATE unblinded_tokens SET status = 'available' WHERE status = 'reserved'`, nil); err != nil {
		return fmt.Errorf("ledger: release reservations: %w", err)
	}
	if n := conn.Changes(); n > 0 {
		s.log.Info("released tokens reserved by a previous process", zap.Int("count", n))
	}
	return nil
}

// Close closes all connections. Blocks until borrowed connections are returned.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		if err := s.pool.Close(); err != nil {
			s.closeErr = fmt.Errorf("ledger: closing %s: %w", s.path, err)
		}
	})
	return s.closeErr
}

// PassValue is the configured bytes-per-pass.
func (s *Store) PassValue() int64 { return s.passValue }

// Now reads the store's clock.
func (s *Store) Now() time.Time { return s.clock.Now() }

// write runs fn inside an IMMEDIATE transaction.
func (s *Store) write(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: take: %w", err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer endFn(&err)
	return fn(conn)
}

// read runs fn on a pooled connection inside a read transaction.
func (s *Store) read(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("ledger: take: %w", err)
	}
	defer s.pool.Put(conn)

	endFn := sqlitex.Transaction(conn)
	defer endFn(&err)
	return fn(conn)
}

// mutate executes a statement against a replicated table and, when
// replication is enabled, appends its bound form to the event stream.
// Callers must hold a write transaction.
func (s *Store) mutate(conn *sqlite.Conn, query string, args ...any) error {
	if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args}); err != nil {
		return err
	}
	if !s.replicating.Load() {
		return nil
	}
	return s.recordEvent(conn, query, args...)
}

func (s *Store) recordEvent(conn *sqlite.Conn, query string, args ...any) error {
	bound, err := BindArguments(query, args)
	if err != nil {
		return fmt.Errorf("ledger: bind statement: %w", err)
	}
	return sqlitex.Execute(conn, `INSERT INTO event_stream (statement) VALUES (?)`,
		&sqlitex.ExecOptions{Args: []any{bound}})
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=OFF",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("ledger: %s: %w", pragma, err)
		}
	}
	return nil
}

// timeFormat has a fixed-width fraction so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
