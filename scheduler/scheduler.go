// Package scheduler drives every fetch job through its lifecycle.
//
// A Scheduler is reconciled by periodic ticks. Each tick reaps finished
// workers into persisted state, cancels workers whose unit disappeared,
// applies the retry, error-expiry and lifetime policies, advances every
// incomplete job and starts new workers up to the pool caps, then publishes
// the job set. Workers run in the background; a tick never waits for one.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/hrz6976/fetchmate/db"
	"github.com/hrz6976/fetchmate/notify"
	"github.com/hrz6976/fetchmate/provider"
	logger "github.com/sirupsen/logrus"
)

var (
	// ErrConfiguration wraps a failed tick precondition. Nothing is changed
	// by a tick that returns it.
	ErrConfiguration = errors.New("scheduler is not configured")
	// ErrTickInProgress is returned by Tick while another tick runs.
	ErrTickInProgress = errors.New("tick already in progress")
)

// Registry is the durable job store the scheduler reads and writes.
type Registry interface {
	GetAll(ctx context.Context) ([]*db.Job, error)

	UpdateTransferStarted(ctx context.Context, unitID string, at *time.Time) error
	UpdateTransferFinished(ctx context.Context, unitID string, at time.Time, bytesDone, bytesTotal int64) error
	UpdateRemoteID(ctx context.Context, unitID, remoteID string) error
	UpdateUnitRetry(ctx context.Context, unitID string, retryCount int, errMsg string) error
	UpdateUnitFailed(ctx context.Context, unitID, errMsg string, at time.Time) error
	UpdateUnpackQueued(ctx context.Context, unitID string, at time.Time) error
	UpdateUnpackStarted(ctx context.Context, unitID string, at time.Time) error
	UpdateUnpackFinished(ctx context.Context, unitID string, at time.Time) error
	UpdateUnitCompleted(ctx context.Context, unitID string, at time.Time) error
	CreateUnits(ctx context.Context, jobID string) error

	UpdateJobRemote(ctx context.Context, job *db.Job) error
	UpdateJobCompleted(ctx context.Context, jobID string, at time.Time, errMsg string) error
	UpdateJobError(ctx context.Context, jobID, errMsg string) error
	UpdateJobRetry(ctx context.Context, jobID string, at *time.Time) error
	UpdateJobSelected(ctx context.Context, jobID string, at time.Time, files []db.File) error

	Delete(ctx context.Context, jobID string, deleteRecord, deleteFromProvider, deleteLocalFiles bool) error
	Retry(ctx context.Context, jobID string, prevRetryCount int) error
	ResolveLocator(ctx context.Context, unitID string) (string, error)
}

// Provider is the part of the provider client the scheduler polls.
type Provider interface {
	Info(ctx context.Context, ref string) (*provider.Info, error)
	SelectFiles(ctx context.Context, ref string, fileIDs []string) error
}

// TransferWorker moves one unit's data into local storage.
type TransferWorker interface {
	Start(ctx context.Context) error
	Finished() bool
	Err() error
	Cancel()
	Progress() (done, total int64)
	RemoteID() string
}

// UnpackWorker extracts one transferred unit.
type UnpackWorker interface {
	Start(ctx context.Context) error
	Finished() bool
	Err() error
	Cancel()
}

// TransferFactory returns an unstarted transfer worker writing under dir.
type TransferFactory func(job *db.Job, unit *db.Unit, dir string) (TransferWorker, error)

// UnpackFactory returns an unstarted unpack worker for a unit under dir.
type UnpackFactory func(job *db.Job, unit *db.Unit, dir string) (UnpackWorker, error)

// Settings are read on every tick.
type Settings struct {
	// Credential is the provider secret. Only its presence is checked.
	Credential string
	BasePath   string
	// Kind is the configured transfer kind; symlink needs MountPath to exist.
	Kind      db.TransferKind
	MountPath string

	MaxTransfers int
	MaxUnpacks   int
	// StartDelay separates successive transfer starts within one tick.
	StartDelay time.Duration
}

// Deps are the collaborators of a Scheduler. Sink and Hook are optional.
type Deps struct {
	Registry  Registry
	Provider  Provider
	Transfers TransferFactory
	Unpacks   UnpackFactory
	Sink      notify.Sink
	Hook      notify.Hook
}

type transferEntry struct {
	worker TransferWorker
	jobID  string
	exempt bool
}

type unpackEntry struct {
	worker UnpackWorker
	jobID  string
}

type Scheduler struct {
	deps     Deps
	settings Settings

	transfers *Pool[*transferEntry]
	unpacks   *Pool[*unpackEntry]

	// workers run under workerCtx, which outlives individual ticks
	workerCtx     context.Context
	cancelWorkers context.CancelFunc

	ticking atomic.Bool
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(deps Deps, settings Settings) (*Scheduler, error) {
	if deps.Registry == nil || deps.Provider == nil || deps.Transfers == nil || deps.Unpacks == nil {
		return nil, errors.New("scheduler needs a registry, a provider and both worker factories")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		deps:          deps,
		settings:      settings,
		transfers:     NewPool[*transferEntry](),
		unpacks:       NewPool[*unpackEntry](),
		workerCtx:     ctx,
		cancelWorkers: cancel,
		now:           time.Now,
		sleep:         sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ActiveTransfers returns the number of transfer workers in the pool.
func (s *Scheduler) ActiveTransfers() int { return s.transfers.Len() }

// ActiveUnpacks returns the number of unpack workers in the pool.
func (s *Scheduler) ActiveUnpacks() int { return s.unpacks.Len() }

func (s *Scheduler) maxTransfers() int { return max(s.settings.MaxTransfers, 1) }
func (s *Scheduler) maxUnpacks() int   { return max(s.settings.MaxUnpacks, 1) }

func (s *Scheduler) checkPreconditions() error {
	if s.settings.Credential == "" {
		return fmt.Errorf("%w: provider credential is not set", ErrConfiguration)
	}
	if s.settings.BasePath == "" {
		return fmt.Errorf("%w: base path is not set", ErrConfiguration)
	}
	if s.settings.Kind == db.KindSymlink {
		if s.settings.MountPath == "" {
			return fmt.Errorf("%w: symlink transfers need a mount path", ErrConfiguration)
		}
		info, err := os.Stat(s.settings.MountPath)
		if err != nil {
			return fmt.Errorf("%w: mount path %s: %v", ErrConfiguration, s.settings.MountPath, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: mount path %s is not a directory", ErrConfiguration, s.settings.MountPath)
		}
	}
	return nil
}

// Tick runs one reconciliation pass. Concurrent calls do not overlap: the
// loser returns ErrTickInProgress.
func (s *Scheduler) Tick(ctx context.Context) error {
	if !s.ticking.CompareAndSwap(false, true) {
		return ErrTickInProgress
	}
	defer s.ticking.Store(false)

	if err := s.checkPreconditions(); err != nil {
		return err
	}

	t := &tick{s: s, ctx: ctx, now: s.now()}
	if err := t.load(); err != nil {
		return err
	}

	t.reapTransfers()
	t.reapUnpacks()
	t.sweepOrphans()
	t.retryJobs()
	t.expireFailed()
	t.expireLifetime()
	if t.dirty {
		if err := t.load(); err != nil {
			return err
		}
	}

	for _, job := range t.jobs {
		if job.Completed != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		t.advanceIsolated(job)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if t.dirty {
		if err := t.load(); err != nil {
			return err
		}
	}
	t.publish()
	return nil
}

// Run ticks immediately and then every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.WithField("interval", interval).Info("scheduler started")

	for {
		if err := s.Tick(ctx); err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, ErrConfiguration):
				logger.WithError(err).Error("tick skipped")
			default:
				logger.WithError(err).Warn("tick failed")
			}
		}
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Close cancels every active worker and empties both pools.
func (s *Scheduler) Close() {
	s.cancelWorkers()
	for id, e := range s.transfers.Entries() {
		e.worker.Cancel()
		s.transfers.Remove(id)
	}
	for id, e := range s.unpacks.Entries() {
		e.worker.Cancel()
		s.unpacks.Remove(id)
	}
}
