package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/hrz6976/fetchmate/db"
	logger "github.com/sirupsen/logrus"
)

// tick is the state of one reconciliation pass over a job snapshot.
type tick struct {
	s   *Scheduler
	ctx context.Context
	now time.Time

	jobs  []*db.Job
	units map[string]*db.Unit
	owner map[string]*db.Job

	// dirty is set by every registry write
	dirty bool
	// started counts transfer starts, for the inter-start delay
	started int
}

func (t *tick) load() error {
	jobs, err := t.s.deps.Registry.GetAll(t.ctx)
	if err != nil {
		return fmt.Errorf("failed to load jobs: %w", err)
	}
	t.jobs = jobs
	t.units = make(map[string]*db.Unit)
	t.owner = make(map[string]*db.Job)
	for _, job := range jobs {
		for i := range job.Units {
			u := &job.Units[i]
			t.units[u.ID] = u
			t.owner[u.ID] = job
		}
	}
	t.dirty = false
	return nil
}

// write records a registry write and logs its failure.
func (t *tick) write(err error, log *logger.Entry, what string) bool {
	t.dirty = true
	if err != nil {
		log.WithError(err).Errorf("failed to %s", what)
		return false
	}
	return true
}

func unitLog(job *db.Job, unit *db.Unit) *logger.Entry {
	return logger.WithFields(logger.Fields{"job": job.ID, "unit": unit.ID, "path": unit.Path})
}

// reapTransfers moves finished transfer workers out of the pool and records
// their outcome.
func (t *tick) reapTransfers() {
	reg := t.s.deps.Registry
	for id, e := range t.s.transfers.Entries() {
		if !e.worker.Finished() {
			continue
		}
		t.s.transfers.Remove(id)

		unit, ok := t.units[id]
		if !ok {
			logger.WithField("unit", id).Debug("dropped finished transfer of a deleted unit")
			continue
		}
		if unit.Completed != nil {
			continue
		}
		job := t.owner[id]
		log := unitLog(job, unit)

		if rid := e.worker.RemoteID(); rid != "" && rid != unit.RemoteID {
			t.write(reg.UpdateRemoteID(t.ctx, id, rid), log, "record remote id")
		}
		if err := e.worker.Err(); err != nil {
			t.failTransfer(job, unit, err)
			continue
		}
		done, total := e.worker.Progress()
		if total <= 0 {
			total = unit.BytesTotal
		}
		if !t.write(reg.UpdateTransferFinished(t.ctx, id, t.now, done, total), log, "record finished transfer") {
			continue
		}
		t.write(reg.UpdateUnpackQueued(t.ctx, id, t.now), log, "queue unpack")
		log.WithField("bytes", done).Info("transfer finished")
	}
}

// failTransfer applies the unit retry rule: the unit is queued again while
// its retry count is below the job's limit, and is terminal afterwards.
func (t *tick) failTransfer(job *db.Job, unit *db.Unit, cause error) {
	reg := t.s.deps.Registry
	log := unitLog(job, unit).WithError(cause)
	if unit.RetryCount >= job.UnitRetryAttempts {
		msg := fmt.Sprintf("transfer failed after %d retries: %v", unit.RetryCount, cause)
		if t.write(reg.UpdateUnitFailed(t.ctx, unit.ID, msg, t.now), log, "fail unit") {
			unit.Error = msg
			unit.Completed = &t.now
		}
		log.Warn("transfer failed, giving up")
		return
	}
	if t.write(reg.UpdateUnitRetry(t.ctx, unit.ID, unit.RetryCount+1, cause.Error()), log, "requeue unit") {
		unit.RetryCount++
		unit.TransferStarted = nil
		unit.Error = cause.Error()
	}
	log.WithField("retry", unit.RetryCount).Warn("transfer failed, will retry")
}

// reapUnpacks moves finished unpack workers out of the pool. Unpack errors
// are terminal.
func (t *tick) reapUnpacks() {
	reg := t.s.deps.Registry
	for id, e := range t.s.unpacks.Entries() {
		if !e.worker.Finished() {
			continue
		}
		t.s.unpacks.Remove(id)

		unit, ok := t.units[id]
		if !ok {
			logger.WithField("unit", id).Debug("dropped finished unpack of a deleted unit")
			continue
		}
		if unit.Completed != nil {
			continue
		}
		log := unitLog(t.owner[id], unit)
		if err := e.worker.Err(); err != nil {
			t.write(reg.UpdateUnitFailed(t.ctx, id, "unpack failed: "+err.Error(), t.now), log, "fail unit")
			log.WithError(err).Warn("unpack failed")
			continue
		}
		if !t.write(reg.UpdateUnpackFinished(t.ctx, id, t.now), log, "record finished unpack") {
			continue
		}
		t.write(reg.UpdateUnitCompleted(t.ctx, id, t.now), log, "complete unit")
		log.Info("unpack finished")
	}
}

// sweepOrphans cancels workers whose unit is gone or whose job already
// completed.
func (t *tick) sweepOrphans() {
	orphaned := func(id string) bool {
		if _, ok := t.units[id]; !ok {
			return true
		}
		return t.owner[id].Completed != nil
	}
	for id, e := range t.s.transfers.Entries() {
		if orphaned(id) {
			e.worker.Cancel()
			t.s.transfers.Remove(id)
			logger.WithFields(logger.Fields{"unit": id, "job": e.jobID}).Info("cancelled orphaned transfer")
		}
	}
	for id, e := range t.s.unpacks.Entries() {
		if orphaned(id) {
			e.worker.Cancel()
			t.s.unpacks.Remove(id)
			logger.WithFields(logger.Fields{"unit": id, "job": e.jobID}).Info("cancelled orphaned unpack")
		}
	}
}

// cancelJob cancels every worker of job.
func (t *tick) cancelJob(job *db.Job) {
	for _, u := range job.Units {
		if e, ok := t.s.transfers.Remove(u.ID); ok {
			e.worker.Cancel()
		}
		if e, ok := t.s.unpacks.Remove(u.ID); ok {
			e.worker.Cancel()
		}
	}
}

// retryJobs runs the pipeline retries of flagged jobs. The retry count never
// exceeds the job's limit; a flag beyond it is cleared.
func (t *tick) retryJobs() {
	reg := t.s.deps.Registry
	for _, job := range t.jobs {
		if job.Retry == nil {
			continue
		}
		log := logger.WithFields(logger.Fields{"job": job.ID, "retry": job.RetryCount})
		if job.RetryCount >= job.MaxRetryAttempts {
			t.write(reg.UpdateJobRetry(t.ctx, job.ID, nil), log, "clear retry flag")
			log.Warn("retry limit reached")
			continue
		}
		t.cancelJob(job)
		err := reg.Retry(t.ctx, job.ID, job.RetryCount)
		t.dirty = true
		if err != nil {
			log.WithError(err).Error("job retry failed")
			t.write(reg.UpdateJobRetry(t.ctx, job.ID, nil), log, "clear retry flag")
			t.write(reg.UpdateJobError(t.ctx, job.ID, "retry failed: "+err.Error()), log, "record job error")
			continue
		}
		log.Info("job resubmitted")
	}
}

// expireFailed deletes jobs that completed with an error longer ago than
// their grace period. A zero grace period keeps them.
func (t *tick) expireFailed() {
	for _, job := range t.jobs {
		if !job.Failed() || job.Retry != nil || job.DeleteOnErrorMinutes <= 0 {
			continue
		}
		grace := time.Duration(job.DeleteOnErrorMinutes) * time.Minute
		if t.now.Sub(*job.Completed) < grace {
			continue
		}
		log := logger.WithFields(logger.Fields{"job": job.ID, "name": job.Name})
		t.cancelJob(job)
		if t.write(t.s.deps.Registry.Delete(t.ctx, job.ID, true, true, true), log, "delete expired job") {
			log.Info("deleted failed job after grace period")
		}
	}
}

// expireLifetime force-completes jobs that never got units within their
// lifetime, whatever the provider reports.
func (t *tick) expireLifetime() {
	for _, job := range t.jobs {
		if job.Completed != nil || len(job.Units) > 0 || job.LifetimeMinutes <= 0 {
			continue
		}
		if t.now.Sub(job.Added) <= time.Duration(job.LifetimeMinutes)*time.Minute {
			continue
		}
		msg := fmt.Sprintf("lifetime of %d minutes exceeded", job.LifetimeMinutes)
		log := logger.WithFields(logger.Fields{"job": job.ID, "name": job.Name})
		if t.write(t.s.deps.Registry.UpdateJobCompleted(t.ctx, job.ID, t.now, msg), log, "expire job") {
			job.Completed = &t.now
			job.Error = msg
			log.Warn(msg)
		}
	}
}
