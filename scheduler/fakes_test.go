package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hrz6976/fetchmate/db"
	"github.com/hrz6976/fetchmate/notify"
	"github.com/hrz6976/fetchmate/provider"
	"github.com/stretchr/testify/require"
)

// fakeRegistry is an in-memory Registry that counts writes.
type fakeRegistry struct {
	mu     sync.Mutex
	jobs   []*db.Job
	writes int

	locateErr   error
	retryErr    error
	locateCalls int
	deletes     []deleteCall
	retries     []int
	// beforeGetAll runs at the start of every GetAll
	beforeGetAll func()
}

type deleteCall struct {
	id                    string
	record, remote, local bool
}

func cloneJob(j *db.Job) *db.Job {
	c := *j
	c.Files = append([]db.File(nil), j.Files...)
	c.Units = append([]db.Unit(nil), j.Units...)
	return &c
}

func (r *fakeRegistry) add(job *db.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range job.Units {
		job.Units[i].JobID = job.ID
	}
	r.jobs = append(r.jobs, job)
}

func (r *fakeRegistry) job(id string) *db.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		if j.ID == id {
			return cloneJob(j)
		}
	}
	return nil
}

func (r *fakeRegistry) unit(id string) *db.Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u := r.findUnit(id); u != nil {
		c := *u
		return &c
	}
	return nil
}

func (r *fakeRegistry) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

// removeUnit deletes a unit behind the scheduler's back.
func (r *fakeRegistry) removeUnit(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range r.jobs {
		for i := range j.Units {
			if j.Units[i].ID == id {
				j.Units = append(j.Units[:i], j.Units[i+1:]...)
				return
			}
		}
	}
}

func (r *fakeRegistry) findJob(id string) *db.Job {
	for _, j := range r.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (r *fakeRegistry) findUnit(id string) *db.Unit {
	for _, j := range r.jobs {
		for i := range j.Units {
			if j.Units[i].ID == id {
				return &j.Units[i]
			}
		}
	}
	return nil
}

func (r *fakeRegistry) GetAll(context.Context) ([]*db.Job, error) {
	if r.beforeGetAll != nil {
		r.beforeGetAll()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*db.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (r *fakeRegistry) updateUnit(id string, fn func(u *db.Unit)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	u := r.findUnit(id)
	if u == nil {
		return db.ErrNotFound
	}
	fn(u)
	return nil
}

func (r *fakeRegistry) updateJob(id string, fn func(j *db.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	j := r.findJob(id)
	if j == nil {
		return db.ErrNotFound
	}
	fn(j)
	return nil
}

func (r *fakeRegistry) UpdateTransferStarted(_ context.Context, id string, at *time.Time) error {
	return r.updateUnit(id, func(u *db.Unit) { u.TransferStarted = at })
}

func (r *fakeRegistry) UpdateTransferFinished(_ context.Context, id string, at time.Time, done, total int64) error {
	return r.updateUnit(id, func(u *db.Unit) {
		u.TransferFinished = &at
		u.BytesDone = done
		u.BytesTotal = total
		u.Error = ""
	})
}

func (r *fakeRegistry) UpdateRemoteID(_ context.Context, id, remoteID string) error {
	return r.updateUnit(id, func(u *db.Unit) { u.RemoteID = remoteID })
}

func (r *fakeRegistry) UpdateUnitRetry(_ context.Context, id string, retryCount int, errMsg string) error {
	return r.updateUnit(id, func(u *db.Unit) {
		if u.Completed == nil {
			u.TransferStarted = nil
			u.RetryCount = retryCount
			u.Error = errMsg
		}
	})
}

func (r *fakeRegistry) UpdateUnitFailed(_ context.Context, id, errMsg string, at time.Time) error {
	return r.updateUnit(id, func(u *db.Unit) {
		if u.Completed == nil {
			u.Error = errMsg
			u.Completed = &at
		}
	})
}

func (r *fakeRegistry) UpdateUnpackQueued(_ context.Context, id string, at time.Time) error {
	return r.updateUnit(id, func(u *db.Unit) { u.UnpackQueued = &at })
}

func (r *fakeRegistry) UpdateUnpackStarted(_ context.Context, id string, at time.Time) error {
	return r.updateUnit(id, func(u *db.Unit) { u.UnpackStarted = &at })
}

func (r *fakeRegistry) UpdateUnpackFinished(_ context.Context, id string, at time.Time) error {
	return r.updateUnit(id, func(u *db.Unit) { u.UnpackFinished = &at })
}

func (r *fakeRegistry) UpdateUnitCompleted(_ context.Context, id string, at time.Time) error {
	return r.updateUnit(id, func(u *db.Unit) {
		if u.Completed == nil {
			u.Completed = &at
		}
	})
}

func (r *fakeRegistry) CreateUnits(_ context.Context, jobID string) error {
	return r.updateJob(jobID, func(j *db.Job) {
		if len(j.Units) > 0 {
			return
		}
		base := time.Now()
		for i, f := range j.SelectedFiles() {
			queued := base.Add(time.Duration(i) * time.Millisecond)
			j.Units = append(j.Units, db.Unit{
				ID:             fmt.Sprintf("%s-u%d", jobID, i),
				JobID:          jobID,
				FileID:         f.ID,
				Path:           f.Path,
				BytesTotal:     f.Size,
				TransferQueued: &queued,
			})
		}
	})
}

func (r *fakeRegistry) UpdateJobRemote(_ context.Context, job *db.Job) error {
	return r.updateJob(job.ID, func(j *db.Job) {
		j.Name = job.Name
		j.RemoteStatus = job.RemoteStatus
		j.RemoteStatusRaw = job.RemoteStatusRaw
		j.RemoteProgress = job.RemoteProgress
		j.Files = append([]db.File(nil), job.Files...)
	})
}

func (r *fakeRegistry) UpdateJobCompleted(_ context.Context, id string, at time.Time, errMsg string) error {
	return r.updateJob(id, func(j *db.Job) {
		if j.Completed == nil {
			j.Completed = &at
			j.Error = errMsg
		}
	})
}

func (r *fakeRegistry) UpdateJobError(_ context.Context, id, errMsg string) error {
	return r.updateJob(id, func(j *db.Job) { j.Error = errMsg })
}

func (r *fakeRegistry) UpdateJobRetry(_ context.Context, id string, at *time.Time) error {
	return r.updateJob(id, func(j *db.Job) { j.Retry = at })
}

func (r *fakeRegistry) UpdateJobSelected(_ context.Context, id string, at time.Time, files []db.File) error {
	return r.updateJob(id, func(j *db.Job) {
		j.Selected = &at
		j.Files = append([]db.File(nil), files...)
	})
}

func (r *fakeRegistry) Delete(_ context.Context, id string, record, remote, local bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	r.deletes = append(r.deletes, deleteCall{id: id, record: record, remote: remote, local: local})
	if record {
		for i, j := range r.jobs {
			if j.ID == id {
				r.jobs = append(r.jobs[:i], r.jobs[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (r *fakeRegistry) Retry(_ context.Context, id string, prev int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes++
	r.retries = append(r.retries, prev)
	if r.retryErr != nil {
		return r.retryErr
	}
	j := r.findJob(id)
	if j == nil {
		return db.ErrNotFound
	}
	j.Units = nil
	j.Files = nil
	j.Selected = nil
	j.Retry = nil
	j.Completed = nil
	j.Error = ""
	j.RemoteStatus = db.Processing
	j.RemoteStatusRaw = ""
	j.RetryCount = prev + 1
	j.Added = time.Now()
	return nil
}

func (r *fakeRegistry) ResolveLocator(_ context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locateCalls++
	if r.locateErr != nil {
		return "", r.locateErr
	}
	u := r.findUnit(id)
	if u == nil {
		return "", db.ErrNotFound
	}
	r.writes++
	u.Locator = "http://files.example/" + u.Path
	return u.Locator, nil
}

// fakeProvider answers Info from a fixed table.
type fakeProvider struct {
	mu       sync.Mutex
	infos    map[string]*provider.Info
	errs     map[string]error
	selected map[string][]string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		infos:    make(map[string]*provider.Info),
		errs:     make(map[string]error),
		selected: make(map[string][]string),
	}
}

func (p *fakeProvider) set(ref string, info *provider.Info) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.infos[ref] = info
}

func (p *fakeProvider) Info(_ context.Context, ref string) (*provider.Info, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.errs[ref]; err != nil {
		return nil, err
	}
	info, ok := p.infos[ref]
	if !ok {
		return nil, errors.New("unknown item")
	}
	c := *info
	c.Files = append([]db.File(nil), info.Files...)
	return &c, nil
}

func (p *fakeProvider) SelectFiles(_ context.Context, ref string, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selected[ref] = ids
	return nil
}

// fakeWorker is a transfer or unpack worker finished by the test.
type fakeWorker struct {
	mu       sync.Mutex
	unitID   string
	started  bool
	canceled bool
	finished bool
	err      error
	done     int64
	total    int64
	startErr error
	remoteID string
}

func (w *fakeWorker) Start(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.startErr != nil {
		return w.startErr
	}
	w.started = true
	return nil
}

func (w *fakeWorker) Finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finished
}

func (w *fakeWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *fakeWorker) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.canceled = true
}

func (w *fakeWorker) Progress() (int64, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done, w.total
}

func (w *fakeWorker) RemoteID() string { return w.remoteID }

func (w *fakeWorker) finish(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.done = w.total
	}
	w.err = err
	w.finished = true
}

func (w *fakeWorker) isCanceled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.canceled
}

// workerLog records every worker a factory created.
type workerLog struct {
	mu      sync.Mutex
	all     []*fakeWorker
	byUnit  map[string][]*fakeWorker
	newErr  error
	panicOn string
}

func newWorkerLog() *workerLog {
	return &workerLog{byUnit: make(map[string][]*fakeWorker)}
}

func (l *workerLog) create(unit *db.Unit) (*fakeWorker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.panicOn != "" && unit.JobID == l.panicOn {
		panic("factory exploded")
	}
	if l.newErr != nil {
		return nil, l.newErr
	}
	w := &fakeWorker{unitID: unit.ID, total: unit.BytesTotal}
	l.all = append(l.all, w)
	l.byUnit[unit.ID] = append(l.byUnit[unit.ID], w)
	return w, nil
}

func (l *workerLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.all)
}

// started counts the workers whose Start succeeded.
func (l *workerLog) started() int {
	l.mu.Lock()
	all := append([]*fakeWorker(nil), l.all...)
	l.mu.Unlock()
	n := 0
	for _, w := range all {
		w.mu.Lock()
		if w.started {
			n++
		}
		w.mu.Unlock()
	}
	return n
}

func (l *workerLog) forUnit(id string) []*fakeWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeWorker(nil), l.byUnit[id]...)
}

func (l *workerLog) last(id string) *fakeWorker {
	ws := l.forUnit(id)
	if len(ws) == 0 {
		return nil
	}
	return ws[len(ws)-1]
}

type recordingSink struct {
	mu   sync.Mutex
	last []notify.JobProgress
	n    int
}

func (s *recordingSink) Publish(_ context.Context, jobs []notify.JobProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = jobs
	s.n++
	return nil
}

func (s *recordingSink) published() ([]notify.JobProgress, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.n
}

type recordingHook struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (h *recordingHook) JobCompleted(_ context.Context, job *db.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, job.ID)
	return h.err
}

func (h *recordingHook) calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.jobs...)
}

type harness struct {
	t         *testing.T
	reg       *fakeRegistry
	prov      *fakeProvider
	transfers *workerLog
	unpacks   *workerLog
	sink      *recordingSink
	hook      *recordingHook
	s         *Scheduler
	clock     time.Time
}

func newHarness(t *testing.T, mod func(*Settings)) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		reg:       &fakeRegistry{},
		prov:      newFakeProvider(),
		transfers: newWorkerLog(),
		unpacks:   newWorkerLog(),
		sink:      &recordingSink{},
		hook:      &recordingHook{},
		clock:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	settings := Settings{
		Credential:   "secret",
		BasePath:     t.TempDir(),
		Kind:         db.KindHTTP,
		MaxTransfers: 2,
		MaxUnpacks:   1,
	}
	if mod != nil {
		mod(&settings)
	}
	s, err := New(Deps{
		Registry: h.reg,
		Provider: h.prov,
		Transfers: func(job *db.Job, unit *db.Unit, dir string) (TransferWorker, error) {
			return h.transfers.create(unit)
		},
		Unpacks: func(job *db.Job, unit *db.Unit, dir string) (UnpackWorker, error) {
			return h.unpacks.create(unit)
		},
		Sink: h.sink,
		Hook: h.hook,
	}, settings)
	require.NoError(t, err)
	s.now = func() time.Time { return h.clock }
	t.Cleanup(s.Close)
	h.s = s
	return h
}

func (h *harness) tick() {
	h.t.Helper()
	require.NoError(h.t, h.s.Tick(context.Background()))
}

// newJob returns an incomplete http job with sane limits.
func (h *harness) newJob(id string) *db.Job {
	return &db.Job{
		ID:                id,
		Name:              "job " + id,
		ProviderRef:       "ref-" + id,
		SelectionMode:     db.SelectAll,
		TransferPolicy:    db.TransferAll,
		FinalizeAction:    db.FinalizeNone,
		Kind:              db.KindHTTP,
		MaxRetryAttempts:  1,
		UnitRetryAttempts: 2,
		Added:             h.clock,
	}
}

// withUnits makes job a selected, finished job owning units.
func (h *harness) withUnits(job *db.Job, names ...string) *db.Job {
	selected := h.clock
	job.RemoteStatus = db.Finished
	job.Selected = &selected
	job.Units = h.queuedUnits(job.ID, names...)
	return job
}

// queuedUnits returns n units queued for transfer with the given names.
func (h *harness) queuedUnits(jobID string, names ...string) []db.Unit {
	units := make([]db.Unit, 0, len(names))
	for i, name := range names {
		queued := h.clock.Add(time.Duration(i) * time.Second)
		units = append(units, db.Unit{
			ID:             fmt.Sprintf("%s-%d", jobID, i),
			JobID:          jobID,
			Path:           name,
			BytesTotal:     100,
			TransferQueued: &queued,
		})
	}
	return units
}
