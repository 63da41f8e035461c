// Package recovery restores an empty ledger from a replica.
//
// A recovery is a session keyed by the replica capability. Every stage it
// passes through is appended to the session's log; observers read the log
// from the start, so one joining late still sees every stage in order.
package recovery

import (
	"context"
	"sync"

	"github.com/google/go-containerregistry/pkg/v1/remote"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/ledger"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/replica"
)

type Stage string

const (
	StageStarted      Stage = "started"
	StageDownloading  Stage = "downloading"
	StageImporting    Stage = "importing"
	StageSucceeded    Stage = "succeeded"
	StageImportFailed Stage = "import_failed"
)

// Terminal reports whether no stage can follow s.
func (s Stage) Terminal() bool {
	return s == StageSucceeded || s == StageImportFailed
}

// Status is one entry of a session log.
type Status struct {
	Stage         Stage   `json:"stage"`
	FailureReason *string `json:"failure-reason"`
}

// Downloader fetches the replica named by c. It may report progress
// stages before returning.
type Downloader func(ctx context.Context, c replica.Capability, report func(Stage)) (*replica.Replica, error)

// RegistryDownloader downloads replicas from their OCI registry.
func RegistryDownloader(opts ...remote.Option) Downloader {
	return func(ctx context.Context, c replica.Capability, report func(Stage)) (*replica.Replica, error) {
		report(StageDownloading)
		return replica.Download(ctx, c, opts...)
	}
}

// Importer is the ledger surface recovery writes to.
type Importer interface {
	IsEmpty(ctx context.Context) (bool, error)
	Restore(ctx context.Context, statements []string, eventStreams ...[]string) error
}

// Recoverer hands out one session per capability.
type Recoverer struct {
	store    Importer
	download Downloader
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(store Importer, download Downloader, log *zap.Logger) *Recoverer {
	return &Recoverer{store: store, download: download, log: log, sessions: make(map[string]*Session)}
}

// Join attaches an observer to the recovery for c, starting it if none is
// running. The caller must Leave when it stops observing.
func (r *Recoverer) Join(c replica.Capability) *Session {
	key := c.String()
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		s = &Session{
			recoverer: r,
			key:       key,
			cancel:    cancel,
			changed:   make(chan struct{}),
			done:      make(chan struct{}),
		}
		r.sessions[key] = s
		go s.run(ctx, c)
	}
	s.observers++
	return s
}

// Session is one recovery attempt and its stage log.
type Session struct {
	recoverer *Recoverer
	key       string
	cancel    context.CancelFunc

	// Guarded by recoverer.mu.
	observers int

	mu       sync.Mutex
	statuses []Status
	changed  chan struct{}
	finished bool
	done     chan struct{}
}

// Next returns the i'th status, waiting for it if necessary. ok is false
// once the session has finished with fewer than i+1 statuses.
func (s *Session) Next(ctx context.Context, i int) (st Status, ok bool, err error) {
	for {
		s.mu.Lock()
		if i < len(s.statuses) {
			st = s.statuses[i]
			s.mu.Unlock()
			return st, true, nil
		}
		if s.finished {
			s.mu.Unlock()
			return Status{}, false, nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Status{}, false, ctx.Err()
		case <-changed:
		}
	}
}

// Done is closed when the session reaches a terminal stage or is abandoned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Leave detaches an observer. When the last observer leaves, an
// unfinished recovery is cancelled and the session is forgotten, so the
// next Join starts over.
func (s *Session) Leave() {
	r := s.recoverer
	r.mu.Lock()
	defer r.mu.Unlock()
	s.observers--
	if s.observers > 0 {
		return
	}
	s.cancel()
	if r.sessions[s.key] == s {
		delete(r.sessions, s.key)
	}
}

func (s *Session) append(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.statuses = append(s.statuses, st)
	if st.Stage.Terminal() {
		s.finished = true
		close(s.done)
	}
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) report(stage Stage) { s.append(Status{Stage: stage}) }

func (s *Session) fail(reason string) {
	s.append(Status{Stage: StageImportFailed, FailureReason: &reason})
}

// abandon ends the log without a terminal status.
func (s *Session) abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	close(s.done)
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) run(ctx context.Context, c replica.Capability) {
	log := s.recoverer.log.With(zap.String("capability", s.key))
	store := s.recoverer.store

	empty, err := store.IsEmpty(ctx)
	if err != nil {
		log.Error("recovery: check local state", zap.Error(err))
		s.fail(err.Error())
		return
	}
	if !empty {
		log.Warn("recovery refused", zap.Error(ledger.ErrNotEmpty))
		s.fail(ledger.ErrNotEmpty.Error())
		return
	}

	s.report(StageStarted)
	rep, err := s.recoverer.download(ctx, c, s.report)
	if err != nil {
		if ctx.Err() != nil {
			log.Info("recovery abandoned during download")
			s.abandon()
			return
		}
		log.Error("recovery: download", zap.Error(err))
		s.fail(err.Error())
		return
	}

	s.report(StageImporting)
	if err := store.Restore(ctx, rep.Snapshot, rep.EventStreams...); err != nil {
		if ctx.Err() != nil {
			log.Info("recovery abandoned during import")
			s.abandon()
			return
		}
		log.Error("recovery: import", zap.Error(err))
		s.fail(err.Error())
		return
	}
	log.Info("recovery succeeded",
		zap.Int("statements", len(rep.Snapshot)),
		zap.Int("event_streams", len(rep.EventStreams)),
	)
	s.report(StageSucceeded)
}
