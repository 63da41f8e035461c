package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/pass"
)

const voucherColumns = `number, expected_tokens, created, state, counter, started, finished, token_count, details`

// BeginRedemption claims the right to call the redeemer for a voucher.
//
// An unknown voucher is created in the redeeming state with counter 0.
// An unpaid or errored voucher moves back to redeeming with its counter
// incremented. In both cases proceed is true and the caller must finish
// the attempt with AddTokens or one of the Mark methods.
//
// A voucher that is already redeeming, redeemed or double-spent is
// returned unchanged with proceed false.
func (s *Store) BeginRedemption(ctx context.Context, number string, expectedTokens int) (v Voucher, proceed bool, err error) {
	now := s.clock.Now()
	err = s.write(ctx, func(conn *sqlite.Conn) error {
		existing, err := getVoucher(conn, number)
		switch {
		case errors.Is(err, ErrNotFound):
			v = Voucher{
				Number:         number,
				ExpectedTokens: expectedTokens,
				Created:        now,
				State:          State{Kind: StateRedeeming, Started: now},
			}
			proceed = true
			return s.mutate(conn,
				`INSERT INTO vouchers (number, expected_tokens, created, state, counter, started)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				number, expectedTokens, formatTime(now), string(StateRedeeming), 0, formatTime(now))
		case err != nil:
			return err
		}

		v = existing
		if !existing.State.Retryable() {
			return nil
		}
		counter := existing.State.Counter + 1
		v.State = State{Kind: StateRedeeming, Started: now, Counter: counter}
		proceed = true
		return s.mutate(conn,
			`UPDATE vouchers SET state = ?, counter = ?, started = ?, finished = NULL, token_count = NULL, details = NULL
			 WHERE number = ?`,
			string(StateRedeeming), counter, formatTime(now), number)
	})
	if err != nil {
		return Voucher{}, false, fmt.Errorf("ledger: begin redemption of %s: %w", number, err)
	}
	return v, proceed, nil
}

// AddTokens stores the tokens minted for a redeeming voucher and moves
// the voucher to redeemed, in one transaction.
func (s *Store) AddTokens(ctx context.Context, number string, tokens []pass.UnblindedToken) error {
	now := s.clock.Now()
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		v, err := getVoucher(conn, number)
		if err != nil {
			return err
		}
		switch v.State.Kind {
		case StateRedeeming:
		case StateRedeemed:
			return ErrAlreadyRedeemed
		default:
			return fmt.Errorf("%w (state %s)", ErrNotRedeeming, v.State.Kind)
		}
		for _, token := range tokens {
			if err := s.mutate(conn,
				`INSERT INTO unblinded_tokens (token, voucher, status) VALUES (?, ?, 'available')`,
				string(token), number); err != nil {
				return fmt.Errorf("insert token: %w", err)
			}
		}
		return s.mutate(conn,
			`UPDATE vouchers SET state = ?, finished = ?, token_count = ?, started = NULL, details = NULL
			 WHERE number = ?`,
			string(StateRedeemed), formatTime(now), len(tokens), number)
	})
	if err != nil {
		return fmt.Errorf("ledger: add tokens for %s: %w", number, err)
	}
	return nil
}

// MarkDoubleSpend records that the redeemer refused the voucher as already redeemed.
func (s *Store) MarkDoubleSpend(ctx context.Context, number string) error {
	return s.finishAttempt(ctx, number, StateDoubleSpend, "")
}

// MarkUnpaid records that the voucher has not been paid for yet.
func (s *Store) MarkUnpaid(ctx context.Context, number string) error {
	return s.finishAttempt(ctx, number, StateUnpaid, "")
}

// MarkError records a transient redemption failure.
func (s *Store) MarkError(ctx context.Context, number, details string) error {
	return s.finishAttempt(ctx, number, StateError, details)
}

func (s *Store) finishAttempt(ctx context.Context, number string, kind StateKind, details string) error {
	now := s.clock.Now()
	err := s.write(ctx, func(conn *sqlite.Conn) error {
		v, err := getVoucher(conn, number)
		if err != nil {
			return err
		}
		if v.State.Kind != StateRedeeming {
			return fmt.Errorf("%w (state %s)", ErrNotRedeeming, v.State.Kind)
		}
		var detailsArg any
		if kind == StateError {
			detailsArg = details
		}
		return s.mutate(conn,
			`UPDATE vouchers SET state = ?, finished = ?, details = ?, started = NULL, token_count = NULL
			 WHERE number = ?`,
			string(kind), formatTime(now), detailsArg, number)
	})
	if err != nil {
		return fmt.Errorf("ledger: mark %s %s: %w", number, kind, err)
	}
	return nil
}

// Get returns one voucher or ErrNotFound.
func (s *Store) Get(ctx context.Context, number string) (Voucher, error) {
	var v Voucher
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		var err error
		v, err = getVoucher(conn, number)
		return err
	})
	if err != nil {
		return Voucher{}, fmt.Errorf("ledger: get %s: %w", number, err)
	}
	return v, nil
}

// List returns every voucher ordered by creation time.
func (s *Store) List(ctx context.Context) ([]Voucher, error) {
	return s.listWhere(ctx, "", nil)
}

// ListByState returns the vouchers currently in one of the given states.
func (s *Store) ListByState(ctx context.Context, kinds ...StateKind) ([]Voucher, error) {
	var out []Voucher
	for _, kind := range kinds {
		vs, err := s.listWhere(ctx, "WHERE state = ?", []any{string(kind)})
		if err != nil {
			return nil, err
		}
		out = append(out, vs...)
	}
	return out, nil
}

func (s *Store) listWhere(ctx context.Context, where string, args []any) ([]Voucher, error) {
	var vouchers []Voucher
	err := s.read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT `+voucherColumns+` FROM vouchers `+where+` ORDER BY created, number`,
			&sqlitex.ExecOptions{
				Args: args,
				ResultFunc: func(stmt *sqlite.Stmt) error {
					v, err := scanVoucher(stmt)
					if err != nil {
						return err
					}
					vouchers = append(vouchers, v)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: list vouchers: %w", err)
	}
	return vouchers, nil
}

func getVoucher(conn *sqlite.Conn, number string) (Voucher, error) {
	var (
		v     Voucher
		found bool
	)
	err := sqlitex.Execute(conn,
		`SELECT `+voucherColumns+` FROM vouchers WHERE number = ?`,
		&sqlitex.ExecOptions{
			Args: []any{number},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				var err error
				v, err = scanVoucher(stmt)
				found = true
				return err
			},
		})
	if err != nil {
		return Voucher{}, err
	}
	if !found {
		return Voucher{}, ErrNotFound
	}
	return v, nil
}

func scanVoucher(stmt *sqlite.Stmt) (Voucher, error) {
	created, err := parseTime(stmt.ColumnText(2))
	if err != nil {
		return Voucher{}, fmt.Errorf("created: %w", err)
	}
	v := Voucher{
		Number:         stmt.ColumnText(0),
		ExpectedTokens: stmt.ColumnInt(1),
		Created:        created,
		State: State{
			Kind:       StateKind(stmt.ColumnText(3)),
			Counter:    stmt.ColumnInt(4),
			TokenCount: stmt.ColumnInt(7),
			Details:    stmt.ColumnText(8),
		},
	}
	if v.State.Started, err = optionalTime(stmt, 5); err != nil {
		return Voucher{}, fmt.Errorf("started: %w", err)
	}
	if v.State.Finished, err = optionalTime(stmt, 6); err != nil {
		return Voucher{}, fmt.Errorf("finished: %w", err)
	}
	return v, nil
}

func optionalTime(stmt *sqlite.Stmt, col int) (time.Time, error) {
	if stmt.ColumnIsNull(col) {
		return time.Time{}, nil
	}
	return parseTime(stmt.ColumnText(col))
}
