package scheduler

import (
	"github.com/hrz6976/fetchmate/db"
	"github.com/hrz6976/fetchmate/notify"
	logger "github.com/sirupsen/logrus"
)

// progress computes a job's progress, reading live counters from its
// active transfer workers.
func (s *Scheduler) progress(job *db.Job) notify.JobProgress {
	p := notify.JobProgress{Job: job}
	for i := range job.Units {
		u := &job.Units[i]
		done, total := u.BytesDone, u.BytesTotal
		if e, ok := s.transfers.Get(u.ID); ok {
			p.ActiveTransfers++
			if d, tot := e.worker.Progress(); tot > 0 {
				done, total = d, tot
			} else {
				done = d
			}
		}
		if _, ok := s.unpacks.Get(u.ID); ok {
			p.ActiveUnpacks++
		}
		p.BytesDone += done
		p.BytesTotal += total
	}
	if p.BytesTotal > 0 {
		p.Percent = float64(p.BytesDone) / float64(p.BytesTotal) * 100
	}
	return p
}

// Progress returns the progress of every job in jobs.
func (s *Scheduler) Progress(jobs []*db.Job) []notify.JobProgress {
	out := make([]notify.JobProgress, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, s.progress(job))
	}
	return out
}

func (t *tick) publish() {
	if t.s.deps.Sink == nil {
		return
	}
	if err := t.s.deps.Sink.Publish(t.ctx, t.s.Progress(t.jobs)); err != nil {
		logger.WithError(err).Warn("failed to publish job state")
	}
}
