package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("record not found")

// DBOperation defines the interface for database operations
type DBOperation interface {
	// CreateJob inserts a newly submitted job.
	CreateJob(ctx context.Context, job *Job) error
	// GetJob retrieves a job and its units.
	GetJob(ctx context.Context, id string) (*Job, error)
	// GetUnit retrieves a single unit.
	GetUnit(ctx context.Context, id string) (*Unit, error)
	// GetAll returns every job with its units.
	GetAll(ctx context.Context) ([]*Job, error)
	// DeleteJob removes a job and all of its units.
	DeleteJob(ctx context.Context, id string) error
}

// DB is the concrete implementation of DBOperation
type DB struct {
	conn *gorm.DB
}

// NewDB creates a new DB instance with the given gorm.DB connection
func NewDB(conn *gorm.DB) (*DB, error) {
	if conn == nil {
		return nil, errors.New("gorm.DB connection cannot be nil")
	}
	if err := conn.AutoMigrate(&Job{}, &Unit{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate models: %w", err)
	}
	return &DB{conn: conn}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (db *DB) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Added.IsZero() {
		job.Added = time.Now()
	}
	return db.conn.WithContext(ctx).Create(job).Error
}

func (db *DB) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := db.conn.WithContext(ctx).
		Preload("Units", orderUnits).
		Where("id = ?", id).
		First(&job).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (db *DB) GetUnit(ctx context.Context, id string) (*Unit, error) {
	var unit Unit
	if err := db.conn.WithContext(ctx).Where("id = ?", id).First(&unit).Error; err != nil {
		return nil, notFound(err)
	}
	return &unit, nil
}

func orderUnits(tx *gorm.DB) *gorm.DB {
	return tx.Order("transfer_queued ASC").Order("path ASC")
}

func (db *DB) GetAll(ctx context.Context) ([]*Job, error) {
	var jobs []*Job
	err := db.conn.WithContext(ctx).
		Preload("Units", orderUnits).
		Order("added ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (db *DB) DeleteJob(ctx context.Context, id string) error {
	return db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&Unit{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&Job{}).Error
	})
}

// --- Units ---

func (db *DB) updateUnit(ctx context.Context, id string, fields map[string]any) error {
	return db.conn.WithContext(ctx).Model(&Unit{}).Where("id = ?", id).Updates(fields).Error
}

func (db *DB) UpdateTransferStarted(ctx context.Context, unitID string, at *time.Time) error {
	return db.updateUnit(ctx, unitID, map[string]any{"transfer_started": at})
}

// UpdateTransferFinished records a successful transfer. The error left by
// earlier failed attempts is cleared.
func (db *DB) UpdateTransferFinished(ctx context.Context, unitID string, at time.Time, bytesDone, bytesTotal int64) error {
	return db.updateUnit(ctx, unitID, map[string]any{
		"transfer_finished": at,
		"bytes_done":        bytesDone,
		"bytes_total":       bytesTotal,
		"error":             "",
	})
}

func (db *DB) UpdateRemoteID(ctx context.Context, unitID, remoteID string) error {
	return db.updateUnit(ctx, unitID, map[string]any{"remote_id": remoteID})
}

// UpdateLocator stores the resolved locator. A locator is written once.
func (db *DB) UpdateLocator(ctx context.Context, unitID, locator string) error {
	return db.conn.WithContext(ctx).Model(&Unit{}).
		Where("id = ? AND (locator IS NULL OR locator = '')", unitID).
		Update("locator", locator).Error
}

// UpdateUnitRetry puts a failed unit back in the transfer queue.
func (db *DB) UpdateUnitRetry(ctx context.Context, unitID string, retryCount int, errMsg string) error {
	return db.conn.WithContext(ctx).Model(&Unit{}).
		Where("id = ? AND completed IS NULL", unitID).
		Updates(map[string]any{
			"transfer_started": nil,
			"retry_count":      retryCount,
			"error":            errMsg,
		}).Error
}

// UpdateUnitFailed marks a unit errored and completed.
func (db *DB) UpdateUnitFailed(ctx context.Context, unitID, errMsg string, at time.Time) error {
	return db.conn.WithContext(ctx).Model(&Unit{}).
		Where("id = ? AND completed IS NULL", unitID).
		Updates(map[string]any{"error": errMsg, "completed": at}).Error
}

func (db *DB) UpdateUnpackQueued(ctx context.Context, unitID string, at time.Time) error {
	return db.updateUnit(ctx, unitID, map[string]any{"unpack_queued": at})
}

func (db *DB) UpdateUnpackStarted(ctx context.Context, unitID string, at time.Time) error {
	return db.updateUnit(ctx, unitID, map[string]any{"unpack_started": at})
}

func (db *DB) UpdateUnpackFinished(ctx context.Context, unitID string, at time.Time) error {
	return db.updateUnit(ctx, unitID, map[string]any{"unpack_finished": at})
}

func (db *DB) UpdateUnitCompleted(ctx context.Context, unitID string, at time.Time) error {
	return db.conn.WithContext(ctx).Model(&Unit{}).
		Where("id = ? AND completed IS NULL", unitID).
		Update("completed", at).Error
}

// CreateUnits creates one queued unit per selected file. It does nothing if
// the job already has units.
func (db *DB) CreateUnits(ctx context.Context, jobID string) error {
	return db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job Job
		if err := tx.Where("id = ?", jobID).First(&job).Error; err != nil {
			return notFound(err)
		}
		if job.Selected == nil {
			return fmt.Errorf("job %s has no file selection", jobID)
		}
		var existing int64
		if err := tx.Model(&Unit{}).Where("job_id = ?", jobID).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		files := job.SelectedFiles()
		if len(files) == 0 {
			return nil
		}
		now := time.Now()
		units := make([]Unit, 0, len(files))
		for i, f := range files {
			// distinct queue times keep the start order stable
			queued := now.Add(time.Duration(i) * time.Millisecond)
			units = append(units, Unit{
				ID:             uuid.NewString(),
				JobID:          jobID,
				FileID:         f.ID,
				Path:           f.Path,
				BytesTotal:     f.Size,
				TransferQueued: &queued,
			})
		}
		return tx.Create(&units).Error
	})
}

// --- Jobs ---

// UpdateJobRemote persists the provider-reported fields of job.
func (db *DB) UpdateJobRemote(ctx context.Context, job *Job) error {
	return db.conn.WithContext(ctx).Model(&Job{ID: job.ID}).
		Select("Name", "ProviderRef", "RemoteStatus", "RemoteStatusRaw", "RemoteProgress", "Files").
		Updates(job).Error
}

func (db *DB) UpdateJobCompleted(ctx context.Context, jobID string, at time.Time, errMsg string) error {
	return db.conn.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND completed IS NULL", jobID).
		Updates(map[string]any{"completed": at, "error": errMsg}).Error
}

func (db *DB) UpdateJobError(ctx context.Context, jobID, errMsg string) error {
	return db.conn.WithContext(ctx).Model(&Job{}).Where("id = ?", jobID).Update("error", errMsg).Error
}

func (db *DB) UpdateJobRetry(ctx context.Context, jobID string, at *time.Time) error {
	return db.conn.WithContext(ctx).Model(&Job{}).Where("id = ?", jobID).Update("retry", at).Error
}

func (db *DB) UpdateJobSelected(ctx context.Context, jobID string, at time.Time, files []File) error {
	return db.conn.WithContext(ctx).Model(&Job{ID: jobID}).
		Select("Selected", "Files").
		Updates(&Job{Selected: &at, Files: files}).Error
}

// ResetJob puts a job back to its submitted state under a new provider
// reference, dropping its units.
func (db *DB) ResetJob(ctx context.Context, jobID, providerRef string, retryCount int) error {
	return db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", jobID).Delete(&Unit{}).Error; err != nil {
			return err
		}
		return tx.Model(&Job{ID: jobID}).
			Select("ProviderRef", "RemoteStatus", "RemoteStatusRaw", "RemoteProgress", "Files",
				"Selected", "Retry", "Completed", "Error", "RetryCount", "Added").
			Updates(&Job{
				ProviderRef:  providerRef,
				RemoteStatus: Processing,
				RetryCount:   retryCount,
				Added:        time.Now(),
			}).Error
	})
}
