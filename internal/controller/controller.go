// Package controller drives vouchers through redemption.
//
// The ledger decides, transactionally, whether a redemption attempt may
// start; the controller runs admitted attempts in the background and
// records their outcome. A voucher therefore has at most one redeemer
// call in flight regardless of how many callers submit it.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/ledger"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/pass"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/redeemer"
)

// Config tunes redemption behaviour.
type Config struct {
	// DefaultTokenCount is the number of tokens requested per voucher.
	DefaultTokenCount int

	// Timeout bounds one redeemer call. Zero means no limit.
	Timeout time.Duration

	// RetryInterval is the period of the unpaid/error retry scan.
	RetryInterval time.Duration

	// MaxAttempts stops automatic retries once a voucher's counter
	// reaches it. Explicit resubmission is always allowed. Zero means
	// unlimited.
	MaxAttempts int
}

type attemptKey struct {
	number  string
	counter int
}

// Controller runs voucher redemptions.
type Controller struct {
	store    *ledger.Store
	redeemer redeemer.Redeemer
	cfg      Config
	log      *zap.Logger

	// base outlives requests; background attempts run under it.
	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[attemptKey]struct{}
	wg     sync.WaitGroup
}

func New(store *ledger.Store, r redeemer.Redeemer, cfg Config, log *zap.Logger) *Controller {
	if cfg.DefaultTokenCount <= 0 {
		cfg.DefaultTokenCount = 50000
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 3 * time.Minute
	}
	base, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:    store,
		redeemer: r,
		cfg:      cfg,
		log:      log,
		base:     base,
		cancel:   cancel,
		active:   make(map[attemptKey]struct{}),
	}
}

// Redeem submits a voucher. Unknown vouchers start redeeming at counter
// 0; unpaid or errored vouchers are retried with the next counter; any
// other voucher is left as is. The returned voucher reflects the state
// right after submission; the redeemer call itself runs in the
// background.
func (c *Controller) Redeem(ctx context.Context, number string) (ledger.Voucher, error) {
	v, proceed, err := c.store.BeginRedemption(ctx, number, c.cfg.DefaultTokenCount)
	if err != nil {
		return ledger.Voucher{}, err
	}
	if proceed {
		c.start(v)
	}
	return v, nil
}

// Get returns one voucher or ledger.ErrNotFound.
func (c *Controller) Get(ctx context.Context, number string) (ledger.Voucher, error) {
	return c.store.Get(ctx, number)
}

// List returns every known voucher.
func (c *Controller) List(ctx context.Context) ([]ledger.Voucher, error) {
	return c.store.List(ctx)
}

// ResumePending restarts vouchers left redeeming by a previous process.
// They resume at the counter they were at: the interrupted attempt and
// the resumed one share (voucher, counter), which the redeemer treats as
// the same attempt.
func (c *Controller) ResumePending(ctx context.Context) error {
	pending, err := c.store.ListByState(ctx, ledger.StateRedeeming)
	if err != nil {
		return fmt.Errorf("controller: resume: %w", err)
	}
	for _, v := range pending {
		c.log.Info("resuming redemption",
			zap.String("voucher", v.Number), zap.Int("counter", v.State.Counter))
		c.start(v)
	}
	return nil
}

// RunRetries periodically resubmits unpaid and errored vouchers until ctx
// is cancelled.
func (c *Controller) RunRetries(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RetryInterval)
	defer ticker.Stop()

	c.log.Info("redemption retry loop started", zap.Duration("interval", c.cfg.RetryInterval))

	for {
		select {
		case <-ctx.Done():
			c.log.Info("redemption retry loop stopped")
			return
		case <-ticker.C:
			c.retryOnce(ctx)
		}
	}
}

func (c *Controller) retryOnce(ctx context.Context) {
	vouchers, err := c.store.ListByState(ctx, ledger.StateUnpaid, ledger.StateError)
	if err != nil {
		c.log.Error("retry: list vouchers", zap.Error(err))
		return
	}
	for _, v := range vouchers {
		if c.cfg.MaxAttempts > 0 && v.State.Counter+1 >= c.cfg.MaxAttempts {
			continue
		}
		if _, err := c.Redeem(ctx, v.Number); err != nil {
			c.log.Error("retry: redeem", zap.String("voucher", v.Number), zap.Error(err))
		}
	}
}

// Wait blocks until every in-flight attempt has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close abandons in-flight attempts and waits for them to return. The
// vouchers stay redeeming and are picked up by ResumePending next start.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// start launches the attempt for v's current counter unless it is
// already running. A new admission always carries a new counter, so it
// is never mistaken for the attempt that is still recording its outcome.
func (c *Controller) start(v ledger.Voucher) {
	key := attemptKey{number: v.Number, counter: v.State.Counter}
	c.mu.Lock()
	if _, ok := c.active[key]; ok {
		c.mu.Unlock()
		return
	}
	c.active[key] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.active, key)
			c.mu.Unlock()
		}()
		c.attempt(v.Number, v.State.Counter, v.ExpectedTokens)
	}()
}

func (c *Controller) attempt(number string, counter, count int) {
	log := c.log.With(zap.String("voucher", number), zap.Int("counter", counter))

	ctx := c.base
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	tokens, err := c.redeemer.Redeem(ctx, number, counter, count)

	if c.base.Err() != nil {
		log.Info("redemption abandoned at shutdown")
		return
	}

	// Outcomes are recorded even if the attempt timed out.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(c.base), 30*time.Second)
	defer cancel()

	if err := c.record(rctx, number, tokens, err); err != nil {
		log.Error("record redemption outcome", zap.Error(err))
	}
}

func (c *Controller) record(ctx context.Context, number string, tokens []pass.UnblindedToken, redeemErr error) error {
	var transient *redeemer.TransientError
	switch {
	case redeemErr == nil:
		c.log.Info("voucher redeemed", zap.String("voucher", number), zap.Int("tokens", len(tokens)))
		return c.store.AddTokens(ctx, number, tokens)
	case errors.Is(redeemErr, redeemer.ErrDoubleSpend):
		c.log.Warn("voucher double-spent", zap.String("voucher", number))
		return c.store.MarkDoubleSpend(ctx, number)
	case errors.Is(redeemErr, redeemer.ErrUnpaid):
		c.log.Info("voucher unpaid", zap.String("voucher", number))
		return c.store.MarkUnpaid(ctx, number)
	case errors.As(redeemErr, &transient):
		c.log.Warn("redemption failed", zap.String("voucher", number), zap.String("details", transient.Details))
		return c.store.MarkError(ctx, number, transient.Details)
	case errors.Is(redeemErr, context.DeadlineExceeded):
		c.log.Warn("redemption timed out", zap.String("voucher", number))
		return c.store.MarkError(ctx, number, "redemption timed out")
	default:
		c.log.Error("redemption failed", zap.String("voucher", number), zap.Error(redeemErr))
		return c.store.MarkError(ctx, number, redeemErr.Error())
	}
}
