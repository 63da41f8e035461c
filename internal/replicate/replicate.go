// Package replicate pushes the ledger to a replica: one snapshot at setup,
// then the recorded event stream on a timer.
package replicate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/ledger"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/replica"
)

var ErrAlreadySetup = errors.New("replication already configured")

// AlreadySetupError carries the capability established by an earlier setup.
type AlreadySetupError struct {
	Capability string
}

func (e *AlreadySetupError) Error() string {
	return fmt.Sprintf("%s: %s", ErrAlreadySetup, e.Capability)
}

func (e *AlreadySetupError) Is(target error) bool { return target == ErrAlreadySetup }

// Target is where replicas are written. *replica.Store implements it.
type Target interface {
	Capability() replica.Capability
	PutSnapshot(ctx context.Context, statements []string) error
	AppendEvents(ctx context.Context, events []replica.Event) error
}

// Ledger is the replication surface of *ledger.Store.
type Ledger interface {
	BeginReplication(ctx context.Context) ([]string, error)
	ReplicationCapability(ctx context.Context) (string, error)
	CompleteReplication(ctx context.Context, capability string) error
	AbortReplication(ctx context.Context) error
	Events(ctx context.Context) ([]ledger.Event, error)
	PruneEvents(ctx context.Context, sequence int64) error
}

type Replicator struct {
	store  Ledger
	target Target
	log    *zap.Logger

	// Interval is the period of Run.
	Interval time.Duration

	// mu keeps event uploads out of an in-progress setup.
	mu sync.Mutex
	// uploaded is the highest event sequence known to be in the replica.
	uploaded int64
}

func New(store Ledger, target Target, interval time.Duration, log *zap.Logger) *Replicator {
	return &Replicator{store: store, target: target, Interval: interval, log: log}
}

// Setup snapshots the ledger, uploads it and returns the read-only
// capability of the replica. It succeeds at most once per ledger; later
// calls fail with *AlreadySetupError.
func (r *Replicator) Setup(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	statements, err := r.store.BeginReplication(ctx)
	if errors.Is(err, ledger.ErrReplicationConfigured) {
		existing, cerr := r.store.ReplicationCapability(ctx)
		if cerr != nil {
			return "", cerr
		}
		return "", &AlreadySetupError{Capability: existing}
	}
	if err != nil {
		return "", err
	}

	if err := r.target.PutSnapshot(ctx, statements); err != nil {
		if aerr := r.store.AbortReplication(context.WithoutCancel(ctx)); aerr != nil {
			r.log.Error("abort replication", zap.Error(aerr))
		}
		return "", fmt.Errorf("upload snapshot: %w", err)
	}
	capability := r.target.Capability().ReadOnly().String()
	if err := r.store.CompleteReplication(ctx, capability); err != nil {
		return "", err
	}
	r.log.Info("replication configured",
		zap.String("capability", capability),
		zap.Int("statements", len(statements)),
	)
	return capability, nil
}

// Run uploads pending events every Interval until ctx is cancelled.
func (r *Replicator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	r.log.Info("replication uploader started", zap.Duration("interval", r.Interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("replication uploader stopped")
			return
		case <-ticker.C:
			if _, err := r.UploadOnce(ctx); err != nil {
				r.log.Error("upload events", zap.Error(err))
			}
		}
	}
}

// UploadOnce pushes recorded events as one event stream and prunes them.
// Events already uploaded are not sent again when an earlier prune failed.
// It does nothing until setup has completed. It returns the number of
// events uploaded.
func (r *Replicator) UploadOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capability, err := r.store.ReplicationCapability(ctx)
	if err != nil || capability == "" {
		return 0, err
	}
	events, err := r.store.Events(ctx)
	if err != nil || len(events) == 0 {
		return 0, err
	}
	var pending []replica.Event
	for _, e := range events {
		if e.Sequence > r.uploaded {
			pending = append(pending, replica.Event{Sequence: e.Sequence, Statement: e.Statement})
		}
	}
	if len(pending) > 0 {
		if err := r.target.AppendEvents(ctx, pending); err != nil {
			return 0, fmt.Errorf("upload %d events: %w", len(pending), err)
		}
		r.uploaded = pending[len(pending)-1].Sequence
	}
	if err := r.store.PruneEvents(ctx, r.uploaded); err != nil {
		return len(pending), fmt.Errorf("prune events through %d: %w", r.uploaded, err)
	}
	return len(pending), nil
}
