package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/clock"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/ledger"
)

// LeaseMaintainer keeps the leases of tracked storage indexes alive and
// records what renewing them cost.
type LeaseMaintainer struct {
	client *Client
	store  *ledger.Store
	clock  clock.Clock
	log    *zap.Logger

	// MinTimeRemaining renews any lease expiring sooner than this.
	MinTimeRemaining time.Duration
	// Interval is the period of Run.
	Interval time.Duration
}

func NewLeaseMaintainer(c *Client, store *ledger.Store, clk clock.Clock, minTimeRemaining, interval time.Duration, log *zap.Logger) *LeaseMaintainer {
	return &LeaseMaintainer{
		client:           c,
		store:            store,
		clock:            clk,
		log:              log,
		MinTimeRemaining: minTimeRemaining,
		Interval:         interval,
	}
}

// Run performs a maintenance pass every Interval until ctx is cancelled.
func (m *LeaseMaintainer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	m.log.Info("lease maintainer started",
		zap.Duration("interval", m.Interval),
		zap.Duration("min_time_remaining", m.MinTimeRemaining),
	)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("lease maintainer stopped")
			return
		case <-ticker.C:
			if err := m.MaintainOnce(ctx); err != nil {
				m.log.Error("lease maintenance", zap.Error(err))
			}
		}
	}
}

// MaintainOnce renews every tracked storage index that has a share whose
// lease expires within MinTimeRemaining. The spend is recorded as one
// lease-maintenance activity; nothing is recorded when no index is tracked.
func (m *LeaseMaintainer) MaintainOnce(ctx context.Context) (err error) {
	sis, err := m.store.TrackedStorageIndexes(ctx)
	if err != nil || len(sis) == 0 {
		return err
	}
	activity, err := m.store.StartLeaseMaintenance(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := activity.Finish(context.WithoutCancel(ctx)); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}()
	stats, err := m.client.remote.StatShares(ctx, sis)
	if err != nil {
		return fmt.Errorf("stat shares: %w", err)
	}
	deadline := m.clock.Now().Add(m.MinTimeRemaining).Unix()

	var renewed, failed int
	for i, si := range sis {
		if i >= len(stats) || len(stats[i]) == 0 {
			continue
		}
		needs := false
		sizes := make([]int64, 0, len(stats[i]))
		for _, st := range stats[i] {
			sizes = append(sizes, st.Size)
			if st.LeaseExpiration < deadline {
				needs = true
			}
		}
		if !needs {
			continue
		}
		if err := m.client.AddLease(ctx, si); err != nil {
			m.log.Warn("renew lease", zap.String("storage_index", si), zap.Error(err))
			failed++
			continue
		}
		if err := activity.Observe(ctx, sizes); err != nil {
			return err
		}
		renewed++
	}
	m.log.Info("lease maintenance done",
		zap.Int("tracked", len(sis)),
		zap.Int("renewed", renewed),
		zap.Int("failed", failed),
	)
	return nil
}
