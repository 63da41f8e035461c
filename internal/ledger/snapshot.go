package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Event is one recorded mutation of a replicated table.
type Event struct {
	Sequence  int64
	Statement string
}

// Snapshot returns INSERT statements that rebuild every replicated
// table, in table order and then row order.
func (s *Store) Snapshot(ctx context.Context) ([]string, error) {
	var statements []string
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		statements, err = snapshot(conn)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: snapshot: %w", err)
	}
	return statements, nil
}

func snapshot(conn *sqlite.Conn) ([]string, error) {
	var statements []string
	for _, table := range replicatedTables {
		err := sqlitex.Execute(conn, `SELECT * FROM `+table+` ORDER BY rowid`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				n := stmt.ColumnCount()
				columns := make([]string, n)
				values := make([]string, n)
				for i := range n {
					columns[i] = stmt.ColumnName(i)
					values[i] = columnLiteral(stmt, i)
				}
				statements = append(statements, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
					table, strings.Join(columns, ", "), strings.Join(values, ", ")))
				return nil
			}})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", table, err)
		}
	}
	return statements, nil
}

func columnLiteral(stmt *sqlite.Stmt, col int) string {
	switch stmt.ColumnType(col) {
	case sqlite.TypeNull:
		return "NULL"
	case sqlite.TypeInteger:
		return strconv.FormatInt(stmt.ColumnInt64(col), 10)
	case sqlite.TypeFloat:
		return strconv.FormatFloat(stmt.ColumnFloat(col), 'g', -1, 64)
	case sqlite.TypeBlob:
		buf := make([]byte, stmt.ColumnLen(col))
		stmt.ColumnBytes(col, buf)
		return quoteBlob(buf)
	default:
		return quoteText(stmt.ColumnText(col))
	}
}

// IsEmpty reports whether the store holds no vouchers and no tokens.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var empty bool
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		empty, err = isEmpty(conn)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("ledger: is empty: %w", err)
	}
	return empty, nil
}

func isEmpty(conn *sqlite.Conn) (bool, error) {
	var rows int
	err := sqlitex.Execute(conn,
		`SELECT (SELECT count(*) FROM vouchers) + (SELECT count(*) FROM unblinded_tokens)`,
		&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = stmt.ColumnInt(0)
			return nil
		}})
	return rows == 0, err
}

// Restore replays a snapshot and then each event stream in order, all in
// one transaction. It refuses with ErrNotEmpty if the store already holds
// vouchers or tokens, replaces any local lease bookkeeping, and leaves the store untouched on any failure,
// including cancellation.
func (s *Store) Restore(ctx context.Context, statements []string, eventStreams ...[]string) error {
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		empty, err := isEmpty(conn)
		if err != nil {
			return err
		}
		if !empty {
			return ErrNotEmpty
		}
		// Lease bookkeeping without vouchers or tokens is local-only and
		// would collide with the replica's rows.
		for _, table := range []string{"lease_maintenance_spending", "tracked_storage_indexes"} {
			if err := sqlitex.Execute(conn, `DELETE FROM `+table, nil); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		replay := func(stmts []string) error {
			for i, stmt := range stmts {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := sqlitex.ExecuteTransient(conn, stmt, nil); err != nil {
					return fmt.Errorf("statement %d: %w", i, err)
				}
			}
			return nil
		}
		if err := replay(statements); err != nil {
			return fmt.Errorf("snapshot %w", err)
		}
		for i, events := range eventStreams {
			if err := replay(events); err != nil {
				return fmt.Errorf("event stream %d %w", i, err)
			}
		}
		// Reservations belonged to the source process.
		return sqlitex.Execute(conn,
			`UPDATE unblinded_tokens SET status = 'available' WHERE status = 'reserved'`, nil)
	})
	if errors.Is(err, ErrNotEmpty) {
		return ErrNotEmpty
	}
	if err != nil {
		return fmt.Errorf("ledger: restore: %w", err)
	}
	s.log.Info("ledger restored")
	return nil
}

// BindArguments substitutes each ? placeholder outside string literals
// with the SQL literal for the matching argument, and collapses runs of
// whitespace, producing a statement that can be replayed without
// arguments.
func BindArguments(query string, args []any) (string, error) {
	var (
		b       strings.Builder
		next    int
		inQuote bool
		inSpace bool
	)
	for _, r := range query {
		if inQuote {
			b.WriteRune(r)
			if r == '\'' {
				inQuote = false
			}
			continue
		}
		switch {
		case r == '\'':
			inQuote = true
			b.WriteRune(r)
		case r == '?':
			if next >= len(args) {
				return "", fmt.Errorf("too few arguments for %q", query)
			}
			lit, err := Quote(args[next])
			if err != nil {
				return "", err
			}
			next++
			b.WriteString(lit)
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !inSpace {
				b.WriteByte(' ')
			}
			inSpace = true
			continue
		default:
			b.WriteRune(r)
		}
		inSpace = false
	}
	if next != len(args) {
		return "", fmt.Errorf("%d arguments for %d placeholders in %q", len(args), next, query)
	}
	return strings.TrimSpace(b.String()), nil
}

// Quote renders v as a SQLite literal, the same way SQLite's quote()
// function does.
func Quote(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "NULL", nil
	case string:
		return quoteText(v), nil
	case []byte:
		return quoteBlob(v), nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case int:
		return strconv.Itoa(v), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	default:
		return "", fmt.Errorf("cannot quote %T", v)
	}
}

func quoteText(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteBlob(b []byte) string {
	return "X'" + strings.ToUpper(hex.EncodeToString(b)) + "'"
}
