// Package registry is the durable store of jobs and units as the scheduler
// sees it: the database, plus the provider items and local files that belong
// to each job.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hrz6976/fetchmate/db"
	"github.com/hrz6976/fetchmate/provider"
	logger "github.com/sirupsen/logrus"
)

type Registry struct {
	*db.DB
	client   provider.Client
	basePath string
}

func New(store *db.DB, client provider.Client, basePath string) *Registry {
	return &Registry{DB: store, client: client, basePath: basePath}
}

// JobDir is the local directory a job's files are transferred into.
func JobDir(basePath string, job *db.Job) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(job.Name)
	if name == "" || name == "." || name == ".." {
		name = job.ID
	}
	return filepath.Join(basePath, job.Category, name)
}

// Submit adds job.Source to the provider and stores the job.
func (r *Registry) Submit(ctx context.Context, job *db.Job) error {
	ref, err := r.client.Add(ctx, job.Source)
	if err != nil {
		return err
	}
	job.ProviderRef = ref
	job.RemoteStatus = db.Processing
	if err := r.CreateJob(ctx, job); err != nil {
		if derr := r.client.Delete(ctx, ref); derr != nil {
			logger.WithError(derr).WithField("ref", ref).Warn("failed to roll back provider item")
		}
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

// FlagRetry marks a job for a pipeline retry on the next tick.
func (r *Registry) FlagRetry(ctx context.Context, jobID string) error {
	if _, err := r.GetJob(ctx, jobID); err != nil {
		return err
	}
	now := time.Now()
	return r.UpdateJobRetry(ctx, jobID, &now)
}

// Delete removes any combination of the job record, its provider item and
// its local files. Provider failures are logged and do not stop the rest.
func (r *Registry) Delete(ctx context.Context, jobID string, deleteRecord, deleteFromProvider, deleteLocalFiles bool) error {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return err
	}
	log := logger.WithFields(logger.Fields{"job": job.ID, "name": job.Name})

	if deleteFromProvider && job.ProviderRef != "" {
		if err := r.client.Delete(ctx, job.ProviderRef); err != nil {
			log.WithError(err).Warn("failed to delete provider item")
		}
	}
	if deleteLocalFiles {
		if err := r.removeLocal(job); err != nil {
			return err
		}
	}
	if deleteRecord {
		if err := r.DeleteJob(ctx, job.ID); err != nil {
			return fmt.Errorf("failed to delete job %s: %w", job.ID, err)
		}
	}
	log.WithFields(logger.Fields{
		"record":   deleteRecord,
		"provider": deleteFromProvider,
		"files":    deleteLocalFiles,
	}).Info("job deleted")
	return nil
}

func (r *Registry) removeLocal(job *db.Job) error {
	if r.basePath == "" {
		return nil
	}
	dir := JobDir(r.basePath, job)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return nil
}

// Retry resubmits the job source as a fresh provider item and resets the
// job with its retry count incremented.
func (r *Registry) Retry(ctx context.Context, jobID string, prevRetryCount int) error {
	job, err := r.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.ProviderRef != "" {
		if err := r.client.Delete(ctx, job.ProviderRef); err != nil {
			logger.WithError(err).WithField("job", job.ID).Warn("failed to delete provider item before retry")
		}
	}
	if err := r.removeLocal(job); err != nil {
		return err
	}
	ref, err := r.client.Add(ctx, job.Source)
	if err != nil {
		return fmt.Errorf("failed to resubmit: %w", err)
	}
	return r.ResetJob(ctx, job.ID, ref, prevRetryCount+1)
}

// ResolveLocator returns the locator of a unit, asking the provider the
// first time and caching the answer on the unit.
func (r *Registry) ResolveLocator(ctx context.Context, unitID string) (string, error) {
	unit, err := r.GetUnit(ctx, unitID)
	if err != nil {
		return "", err
	}
	if unit.Locator != "" {
		return unit.Locator, nil
	}
	job, err := r.GetJob(ctx, unit.JobID)
	if err != nil {
		return "", err
	}
	file := db.File{ID: unit.FileID, Path: unit.Path, Size: unit.BytesTotal}
	for _, f := range job.Files {
		if f.ID == unit.FileID {
			file = f
			break
		}
	}
	locator, err := r.client.Locate(ctx, job.ProviderRef, file)
	if err != nil {
		return "", err
	}
	if err := r.UpdateLocator(ctx, unitID, locator); err != nil {
		return "", err
	}
	return locator, nil
}
