// Package notify receives the aggregate job state published after every
// scheduler tick, and runs hooks when a job completes.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hrz6976/fetchmate/db"
	logger "github.com/sirupsen/logrus"
)

// JobProgress is a job with the progress computed during a tick.
type JobProgress struct {
	Job             *db.Job
	Percent         float64
	BytesDone       int64
	BytesTotal      int64
	ActiveTransfers int
	ActiveUnpacks   int
}

// View is the serialized form of a job for the status API and the bus.
type View struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Source          string     `json:"source"`
	Category        string     `json:"category,omitempty"`
	Kind            string     `json:"kind"`
	RemoteStatus    string     `json:"remote_status"`
	RemoteStatusRaw string     `json:"remote_status_raw,omitempty"`
	RemoteProgress  float64    `json:"remote_progress"`
	Percent         float64    `json:"percent"`
	BytesDone       int64      `json:"bytes_done"`
	BytesTotal      int64      `json:"bytes_total"`
	Units           int        `json:"units"`
	UnitsCompleted  int        `json:"units_completed"`
	ActiveTransfers int        `json:"active_transfers"`
	ActiveUnpacks   int        `json:"active_unpacks"`
	RetryCount      int        `json:"retry_count"`
	Retrying        bool       `json:"retrying"`
	Added           time.Time  `json:"added"`
	Selected        *time.Time `json:"selected,omitempty"`
	Completed       *time.Time `json:"completed,omitempty"`
	Error           string     `json:"error,omitempty"`
}

func (p JobProgress) View() View {
	j := p.Job
	v := View{
		ID:              j.ID,
		Name:            j.Name,
		Source:          j.Source,
		Category:        j.Category,
		Kind:            string(j.Kind),
		RemoteStatus:    j.RemoteStatus.String(),
		RemoteStatusRaw: j.RemoteStatusRaw,
		RemoteProgress:  j.RemoteProgress,
		Percent:         p.Percent,
		BytesDone:       p.BytesDone,
		BytesTotal:      p.BytesTotal,
		Units:           len(j.Units),
		ActiveTransfers: p.ActiveTransfers,
		ActiveUnpacks:   p.ActiveUnpacks,
		RetryCount:      j.RetryCount,
		Retrying:        j.Retry != nil,
		Added:           j.Added,
		Selected:        j.Selected,
		Completed:       j.Completed,
		Error:           j.Error,
	}
	for _, u := range j.Units {
		if u.Completed != nil {
			v.UnitsCompleted++
		}
	}
	return v
}

func Views(jobs []JobProgress) []View {
	views := make([]View, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.View())
	}
	return views
}

// Sink receives the full job set after each tick.
type Sink interface {
	Publish(ctx context.Context, jobs []JobProgress) error
}

// Snapshot keeps the latest published state in memory.
type Snapshot struct {
	mu    sync.RWMutex
	views []View
	at    time.Time
}

func NewSnapshot() *Snapshot { return &Snapshot{} }

func (s *Snapshot) Publish(_ context.Context, jobs []JobProgress) error {
	views := Views(jobs)
	s.mu.Lock()
	s.views = views
	s.at = time.Now()
	s.mu.Unlock()
	return nil
}

// Jobs returns the latest views and when they were published.
func (s *Snapshot) Jobs() ([]View, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]View(nil), s.views...), s.at
}

func (s *Snapshot) Job(id string) (View, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.views {
		if v.ID == id {
			return v, true
		}
	}
	return View{}, false
}

// LogSink logs a one-line summary of each tick.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, jobs []JobProgress) error {
	var active, done, failed, transfers, unpacks int
	for _, p := range jobs {
		switch {
		case p.Job.Failed():
			failed++
		case p.Job.Completed != nil:
			done++
		default:
			active++
		}
		transfers += p.ActiveTransfers
		unpacks += p.ActiveUnpacks
	}
	logger.WithFields(logger.Fields{
		"active":    active,
		"completed": done,
		"failed":    failed,
		"transfers": transfers,
		"unpacks":   unpacks,
	}).Debug("tick published")
	return nil
}

// Fanout publishes to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, jobs []JobProgress) error {
	var errs []error
	for _, s := range f {
		if err := s.Publish(ctx, jobs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
