package notify

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/hrz6976/fetchmate/db"
	logger "github.com/sirupsen/logrus"
)

// Hook runs after a job completed and its finalize action was applied.
type Hook interface {
	JobCompleted(ctx context.Context, job *db.Job) error
}

// Hooks runs every hook and joins their errors.
type Hooks []Hook

func (h Hooks) JobCompleted(ctx context.Context, job *db.Job) error {
	var errs []error
	for _, hook := range h {
		if err := hook.JobCompleted(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExecHook runs a shell command with the job described in its environment:
// FETCHMATE_JOB_ID, FETCHMATE_JOB_NAME, FETCHMATE_JOB_CATEGORY,
// FETCHMATE_JOB_DIR, FETCHMATE_JOB_STATUS and FETCHMATE_JOB_ERROR.
type ExecHook struct {
	Command string
	// Dir returns the local directory of a job.
	Dir     func(job *db.Job) string
	Timeout time.Duration
}

func (h *ExecHook) JobCompleted(ctx context.Context, job *db.Job) error {
	if h.Command == "" {
		return nil
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status := "completed"
	if job.Failed() {
		status = "failed"
	}
	dir := ""
	if h.Dir != nil {
		dir = h.Dir(job)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", h.Command)
	cmd.Env = append(os.Environ(),
		"FETCHMATE_JOB_ID="+job.ID,
		"FETCHMATE_JOB_NAME="+job.Name,
		"FETCHMATE_JOB_CATEGORY="+job.Category,
		"FETCHMATE_JOB_DIR="+dir,
		"FETCHMATE_JOB_STATUS="+status,
		"FETCHMATE_JOB_ERROR="+job.Error,
	)
	out, err := cmd.CombinedOutput()
	log := logger.WithFields(logger.Fields{"job": job.ID, "command": h.Command})
	if err != nil {
		log.WithField("output", string(out)).Warn("completion hook failed")
		return fmt.Errorf("hook %q: %w", h.Command, err)
	}
	log.Debug("completion hook finished")
	return nil
}
