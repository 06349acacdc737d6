package scheduler

import (
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/hrz6976/fetchmate/db"
	"github.com/hrz6976/fetchmate/provider"
	"github.com/hrz6976/fetchmate/registry"
	"github.com/hrz6976/fetchmate/unpack"
	logger "github.com/sirupsen/logrus"
)

func jobLog(job *db.Job) *logger.Entry {
	return logger.WithFields(logger.Fields{"job": job.ID, "name": job.Name})
}

// advanceIsolated advances one job. A returned error or a panic completes
// that job with the fault text and leaves the other jobs alone.
func (t *tick) advanceIsolated(job *db.Job) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return t.advance(job)
	}()
	if err == nil || t.ctx.Err() != nil {
		return
	}
	log := jobLog(job).WithError(err)
	log.Error("job failed")
	t.cancelJob(job)
	if t.write(t.s.deps.Registry.UpdateJobCompleted(t.ctx, job.ID, t.now, err.Error()), log, "complete failed job") {
		job.Completed = &t.now
		job.Error = err.Error()
	}
}

func (t *tick) advance(job *db.Job) error {
	if len(job.Units) == 0 {
		ok, err := t.refreshRemote(job)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	if err := t.startTransfers(job); err != nil {
		return err
	}
	if err := t.startUnpacks(job); err != nil {
		return err
	}

	switch {
	case job.RemoteStatus == db.Error:
		return t.failRemote(job)
	case (job.RemoteStatus == db.AwaitingSelection || job.RemoteStatus == db.Finished) &&
		job.Selected == nil && len(job.Units) == 0:
		return t.selectFiles(job)
	case job.RemoteStatus == db.Finished && job.Selected != nil && len(job.Units) == 0 &&
		job.TransferPolicy != db.TransferNone:
		err := t.s.deps.Registry.CreateUnits(t.ctx, job.ID)
		t.dirty = true
		if err != nil {
			return fmt.Errorf("failed to create units: %w", err)
		}
		jobLog(job).WithField("files", len(job.SelectedFiles())).Info("units created")
		return nil
	case len(job.Units) > 0 ||
		(job.TransferPolicy == db.TransferNone && job.RemoteStatus == db.Finished && job.Selected != nil):
		return t.complete(job)
	}
	return nil
}

// refreshRemote copies the provider's view of the job and writes it only
// when a field changed. Files are taken from the provider until selection.
// It reports false when the provider could not be queried; the job is then
// left alone until the next tick.
func (t *tick) refreshRemote(job *db.Job) (bool, error) {
	info, err := t.s.deps.Provider.Info(t.ctx, job.ProviderRef)
	if err != nil {
		jobLog(job).WithError(err).Warn("failed to query provider, job skipped")
		return false, nil
	}
	next := *job
	if info.Name != "" {
		next.Name = info.Name
	}
	next.RemoteStatus = info.Status
	next.RemoteStatusRaw = info.StatusRaw
	next.RemoteProgress = info.Progress
	if job.Selected == nil {
		next.Files = info.Files
	}
	if next.Name == job.Name && next.RemoteStatus == job.RemoteStatus &&
		next.RemoteStatusRaw == job.RemoteStatusRaw && next.RemoteProgress == job.RemoteProgress &&
		slices.Equal(next.Files, job.Files) {
		return true, nil
	}
	t.dirty = true
	if err := t.s.deps.Registry.UpdateJobRemote(t.ctx, &next); err != nil {
		return false, fmt.Errorf("failed to store provider status: %w", err)
	}
	if job.RemoteStatus != next.RemoteStatus {
		jobLog(job).WithFields(logger.Fields{"from": job.RemoteStatus, "to": next.RemoteStatus}).Info("remote status changed")
	}
	job.Name = next.Name
	job.RemoteStatus = next.RemoteStatus
	job.RemoteStatusRaw = next.RemoteStatusRaw
	job.RemoteProgress = next.RemoteProgress
	job.Files = next.Files
	return true, nil
}

func transferPending(u *db.Unit) bool {
	return u.Completed == nil && u.TransferQueued != nil && u.TransferFinished == nil
}

func unpackPending(u *db.Unit) bool {
	return u.Completed == nil && u.UnpackQueued != nil && u.UnpackFinished == nil
}

func byTime(units []*db.Unit, at func(*db.Unit) *time.Time) {
	sort.SliceStable(units, func(i, j int) bool { return at(units[i]).Before(*at(units[j])) })
}

// startTransfers starts the job's queued transfers in queue order while the
// transfer cap allows. Exempt kinds ignore the cap. A unit that was started
// before but has no worker, after a restart for instance, is started again.
func (t *tick) startTransfers(job *db.Job) error {
	var queued []*db.Unit
	for i := range job.Units {
		u := &job.Units[i]
		if _, active := t.s.transfers.Get(u.ID); !active && transferPending(u) {
			queued = append(queued, u)
		}
	}
	byTime(queued, func(u *db.Unit) *time.Time { return u.TransferQueued })

	reg := t.s.deps.Registry
	exempt := job.Kind.Exempt()
	dir := registry.JobDir(t.s.settings.BasePath, job)
	for _, u := range queued {
		if !exempt && t.s.transfers.Count(countsTowardCap) >= t.s.maxTransfers() {
			break
		}
		if err := t.ctx.Err(); err != nil {
			return err
		}
		log := unitLog(job, u)

		if u.Locator == "" {
			loc, err := reg.ResolveLocator(t.ctx, u.ID)
			t.dirty = true
			if err != nil {
				t.failUnit(job, u, "failed to resolve locator: "+err.Error())
				continue
			}
			u.Locator = loc
		}

		w, err := t.s.deps.Transfers(job, u, dir)
		if err != nil {
			t.failUnit(job, u, "failed to create transfer: "+err.Error())
			continue
		}
		if !t.s.transfers.TryAdd(u.ID, &transferEntry{worker: w, jobID: job.ID, exempt: exempt}) {
			continue
		}
		if t.started > 0 {
			if err := t.s.sleep(t.ctx, t.s.settings.StartDelay); err != nil {
				t.s.transfers.Remove(u.ID)
				return err
			}
		}
		t.started++
		if err := w.Start(t.s.workerCtx); err != nil {
			t.s.transfers.Remove(u.ID)
			t.failTransfer(job, u, err)
			continue
		}
		now := t.s.now()
		if t.write(reg.UpdateTransferStarted(t.ctx, u.ID, &now), log, "record transfer start") {
			u.TransferStarted = &now
		}
		if rid := w.RemoteID(); rid != "" && rid != u.RemoteID {
			if t.write(reg.UpdateRemoteID(t.ctx, u.ID, rid), log, "record remote id") {
				u.RemoteID = rid
			}
		}
		log.WithField("attempt", u.RetryCount+1).Info("transfer started")
	}
	return nil
}

func countsTowardCap(_ string, e *transferEntry) bool { return !e.exempt }

// failUnit ends a unit with msg. Used for faults that retrying cannot fix.
func (t *tick) failUnit(job *db.Job, u *db.Unit, msg string) {
	log := unitLog(job, u)
	if t.write(t.s.deps.Registry.UpdateUnitFailed(t.ctx, u.ID, msg, t.now), log, "fail unit") {
		u.Error = msg
		u.Completed = &t.now
	}
	log.Warn(msg)
}

// needsUnpack reports whether the unit's file is extracted at all. Files
// that are not archives, continuation volumes and links are not.
func needsUnpack(job *db.Job, u *db.Unit) bool {
	if job.Kind.Exempt() {
		return false
	}
	return unpack.IsArchive(u.Path) && !unpack.IsContinuation(u.Path)
}

// volumesReady reports whether every unit belonging to the same multi-volume
// set as u has left the transfer phase.
func volumesReady(job *db.Job, u *db.Unit) bool {
	key := unpack.SetKey(u.Path)
	if key == "" {
		return true
	}
	dir := filepath.Dir(u.Path)
	for i := range job.Units {
		o := &job.Units[i]
		if o.ID == u.ID || filepath.Dir(o.Path) != dir || !strings.EqualFold(unpack.SetKey(o.Path), key) {
			continue
		}
		if o.TransferFinished == nil && o.Completed == nil {
			return false
		}
	}
	return true
}

// startUnpacks starts the job's queued unpacks in queue order while the
// unpack cap allows. Units that need no extraction complete at once.
func (t *tick) startUnpacks(job *db.Job) error {
	var queued []*db.Unit
	for i := range job.Units {
		u := &job.Units[i]
		if _, active := t.s.unpacks.Get(u.ID); !active && unpackPending(u) {
			queued = append(queued, u)
		}
	}
	byTime(queued, func(u *db.Unit) *time.Time { return u.UnpackQueued })

	reg := t.s.deps.Registry
	dir := registry.JobDir(t.s.settings.BasePath, job)
	for _, u := range queued {
		if err := t.ctx.Err(); err != nil {
			return err
		}
		log := unitLog(job, u)

		if !needsUnpack(job, u) {
			if !t.write(reg.UpdateUnpackFinished(t.ctx, u.ID, t.now), log, "record skipped unpack") {
				continue
			}
			if t.write(reg.UpdateUnitCompleted(t.ctx, u.ID, t.now), log, "complete unit") {
				u.UnpackFinished = &t.now
				u.Completed = &t.now
			}
			continue
		}
		if !volumesReady(job, u) {
			continue
		}
		if t.s.unpacks.Len() >= t.s.maxUnpacks() {
			continue
		}

		w, err := t.s.deps.Unpacks(job, u, dir)
		if err != nil {
			t.failUnit(job, u, "failed to create unpack: "+err.Error())
			continue
		}
		if !t.s.unpacks.TryAdd(u.ID, &unpackEntry{worker: w, jobID: job.ID}) {
			continue
		}
		if err := w.Start(t.s.workerCtx); err != nil {
			t.s.unpacks.Remove(u.ID)
			t.failUnit(job, u, "unpack failed: "+err.Error())
			continue
		}
		now := t.s.now()
		if t.write(reg.UpdateUnpackStarted(t.ctx, u.ID, now), log, "record unpack start") {
			u.UnpackStarted = &now
		}
		log.Info("unpack started")
	}
	return nil
}

// failRemote completes a job the provider reported as failed, and flags it
// for a pipeline retry while retries remain.
func (t *tick) failRemote(job *db.Job) error {
	msg := job.RemoteStatusRaw
	if msg == "" {
		msg = "provider reported an error"
	}
	reg := t.s.deps.Registry
	t.dirty = true
	if err := reg.UpdateJobCompleted(t.ctx, job.ID, t.now, msg); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	job.Completed = &t.now
	job.Error = msg
	log := jobLog(job).WithField("error", msg)
	if job.RetryCount < job.MaxRetryAttempts {
		if t.write(reg.UpdateJobRetry(t.ctx, job.ID, &t.now), log, "flag retry") {
			job.Retry = &t.now
		}
		log.Warn("provider error, retry scheduled")
		return nil
	}
	log.Warn("provider error")
	return nil
}

// selectFiles applies the job's selection criteria and hands the chosen
// files to the provider. An item without files yet is left for a later tick.
func (t *tick) selectFiles(job *db.Job) error {
	if len(job.Files) == 0 {
		return nil
	}
	files, err := provider.Select(job.Files, provider.CriteriaOf(job))
	if err != nil {
		return fmt.Errorf("selection failed: %w", err)
	}
	ids := provider.SelectedIDs(files)
	if err := t.s.deps.Provider.SelectFiles(t.ctx, job.ProviderRef, ids); err != nil {
		return fmt.Errorf("failed to select files on provider: %w", err)
	}
	t.dirty = true
	if err := t.s.deps.Registry.UpdateJobSelected(t.ctx, job.ID, t.now, files); err != nil {
		return fmt.Errorf("failed to store selection: %w", err)
	}
	job.Selected = &t.now
	job.Files = files
	jobLog(job).WithField("files", len(ids)).Info("files selected")
	return nil
}

// finalizeFlags maps a finalize action to the parts of a job that are
// deleted: the record, the provider item and the local files. Transferred
// files are the result of a job and no action removes them. Links point into
// the provider item, so symlink jobs never delete it.
func finalizeFlags(action db.FinalizeAction, kind db.TransferKind) (record, remote, local bool) {
	if kind.Exempt() {
		switch action {
		case db.FinalizeRemoveAll:
			action = db.FinalizeRemoveLocal
		case db.FinalizeRemoveProvider:
			action = db.FinalizeNone
		}
	}
	switch action {
	case db.FinalizeRemoveAll:
		return true, true, false
	case db.FinalizeRemoveProvider:
		return false, true, false
	case db.FinalizeRemoveLocal:
		return true, false, false
	}
	return false, false, false
}

// complete stamps a job whose units all completed, applies its finalize
// action and then runs the completion hook.
func (t *tick) complete(job *db.Job) error {
	var failed []string
	for _, u := range job.Units {
		if u.Completed == nil {
			return nil
		}
		if u.Error != "" {
			failed = append(failed, u.Path+": "+u.Error)
		}
	}

	var msg string
	if len(failed) > 0 {
		msg = fmt.Sprintf("%d of %d units failed: %s", len(failed), len(job.Units), failed[0])
	}
	reg := t.s.deps.Registry
	t.dirty = true
	if err := reg.UpdateJobCompleted(t.ctx, job.ID, t.now, msg); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	job.Completed = &t.now
	job.Error = msg
	log := jobLog(job)
	log.WithField("failed_units", len(failed)).Info("job completed")

	record, remote, local := finalizeFlags(job.FinalizeAction, job.Kind)
	if record || remote || local {
		if err := reg.Delete(t.ctx, job.ID, record, remote, local); err != nil {
			log.WithError(err).Error("finalize failed")
		}
	}
	if t.s.deps.Hook != nil {
		if err := t.s.deps.Hook.JobCompleted(t.ctx, job); err != nil {
			log.WithError(err).Warn("completion hook failed")
		}
	}
	return nil
}
