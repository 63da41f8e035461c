package ledger

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/pass"
)

// Token statuses. Only available tokens are handed out or counted.
const (
	tokenAvailable = "available"
	tokenReserved  = "reserved"
	tokenSpent     = "spent"
	tokenInvalid   = "invalid"
)

// GetTokens reserves up to count available tokens, oldest first. The
// caller must eventually Spend, Reset or Invalidate every returned token.
func (s *Store) GetTokens(ctx context.Context, count int) ([]pass.UnblindedToken, error) {
	if count <= 0 {
		return nil, nil
	}
	var tokens []pass.UnblindedToken
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			`SELECT token FROM unblinded_tokens WHERE status = ? ORDER BY rowid LIMIT ?`,
			&sqlitex.ExecOptions{
				Args: []any{tokenAvailable, count},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					tokens = append(tokens, pass.UnblindedToken(stmt.ColumnText(0)))
					return nil
				},
			})
		if err != nil {
			return err
		}
		for _, t := range tokens {
			if err := s.mutate(conn,
				`UPDATE unblinded_tokens SET status = ? WHERE token = ?`,
				tokenReserved, string(t)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: get %d tokens: %w", count, err)
	}
	return tokens, nil
}

// Spend permanently retires tokens. Spending a spent token is a no-op.
func (s *Store) Spend(ctx context.Context, tokens []pass.UnblindedToken) error {
	return s.setStatus(ctx, "spend", tokens,
		`UPDATE unblinded_tokens SET status = 'spent' WHERE token = ? AND status IN ('available', 'reserved')`)
}

// Reset returns reserved tokens to the available pool.
func (s *Store) Reset(ctx context.Context, tokens []pass.UnblindedToken) error {
	return s.setStatus(ctx, "reset", tokens,
		`UPDATE unblinded_tokens SET status = 'available' WHERE token = ? AND status = 'reserved'`)
}

// Invalidate retires reserved tokens the server refused as invalid.
// They are kept for inspection but never handed out again.
func (s *Store) Invalidate(ctx context.Context, tokens []pass.UnblindedToken) error {
	return s.setStatus(ctx, "invalidate", tokens,
		`UPDATE unblinded_tokens SET status = 'invalid' WHERE token = ? AND status = 'reserved'`)
}

func (s *Store) setStatus(ctx context.Context, op string, tokens []pass.UnblindedToken, query string) error {
	if len(tokens) == 0 {
		return nil
	}
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		for _, t := range tokens {
			// Unchanged rows are not recorded; replaying a no-op is harmless
			// but bloats the event stream.
			if err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: []any{string(t)}}); err != nil {
				return err
			}
			if conn.Changes() == 0 || !s.replicating.Load() {
				continue
			}
			if err := s.recordEvent(conn, query, string(t)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("ledger: %s %d tokens: %w", op, len(tokens), err)
	}
	return nil
}

// Count is the number of tokens available for spending.
func (s *Store) Count(ctx context.Context) (int, error) {
	return s.countTokens(ctx, tokenAvailable)
}

// CountSpent is the number of permanently spent tokens.
func (s *Store) CountSpent(ctx context.Context) (int, error) {
	return s.countTokens(ctx, tokenSpent)
}

func (s *Store) countTokens(ctx context.Context, status string) (int, error) {
	var n int
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT count(*) FROM unblinded_tokens WHERE status = ?`,
			&sqlitex.ExecOptions{
				Args: []any{status},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					n = stmt.ColumnInt(0)
					return nil
				},
			})
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: count %s tokens: %w", status, err)
	}
	return n, nil
}
