package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func SetupDBInstance(t *testing.T) *DB {
	t.Helper()
	gdb, err := ConnectDB(ConnOptions{
		Driver: DriverSqlite,
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	t.Cleanup(func() { _ = CloseDB(gdb) })

	dbInstance, err := NewDB(gdb)
	if err != nil {
		t.Fatalf("Failed to create DB: %v", err)
	}
	return dbInstance
}

func newTestJob(files ...File) *Job {
	return &Job{
		Name:           "ubuntu",
		Source:         "magnet:?xt=urn:btih:abc",
		ProviderRef:    "gid-1",
		Files:          files,
		SelectionMode:  SelectAll,
		TransferPolicy: TransferAll,
		FinalizeAction: FinalizeNone,
		Kind:           KindHTTP,
	}
}

func TestCreateAndGetJob(t *testing.T) {
	dbInstance := SetupDBInstance(t)
	ctx := context.Background()

	job := newTestJob(File{ID: "1", Path: "a.mkv", Size: 10, Selected: true})
	require.NoError(t, dbInstance.CreateJob(ctx, job))
	require.NotEmpty(t, job.ID)
	require.False(t, job.Added.IsZero())

	got, err := dbInstance.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "ubuntu", got.Name)
	assert.Equal(t, Processing, got.RemoteStatus)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "a.mkv", got.Files[0].Path)

	_, err = dbInstance.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateUnits(t *testing.T) {
	dbInstance := SetupDBInstance(t)
	ctx := context.Background()

	job := newTestJob(
		File{ID: "1", Path: "b.rar", Size: 20, Selected: true},
		File{ID: "2", Path: "a.nfo", Size: 1, Selected: false},
		File{ID: "3", Path: "c.r00", Size: 30, Selected: true},
	)
	require.NoError(t, dbInstance.CreateJob(ctx, job))

	// no selection yet
	require.Error(t, dbInstance.CreateUnits(ctx, job.ID))

	require.NoError(t, dbInstance.UpdateJobSelected(ctx, job.ID, time.Now(), job.Files))
	require.NoError(t, dbInstance.CreateUnits(ctx, job.ID))
	// second call is a no-op
	require.NoError(t, dbInstance.CreateUnits(ctx, job.ID))

	got, err := dbInstance.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, got.Units, 2)
	assert.Equal(t, "b.rar", got.Units[0].Path)
	assert.Equal(t, "c.r00", got.Units[1].Path)
	assert.Equal(t, int64(20), got.Units[0].BytesTotal)
	require.NotNil(t, got.Units[0].TransferQueued)
	assert.True(t, got.Units[0].TransferQueued.Before(*got.Units[1].TransferQueued))
}

func TestCompletionIsWrittenOnce(t *testing.T) {
	dbInstance := SetupDBInstance(t)
	ctx := context.Background()

	job := newTestJob(File{ID: "1", Path: "a.mkv", Size: 10, Selected: true})
	require.NoError(t, dbInstance.CreateJob(ctx, job))
	require.NoError(t, dbInstance.UpdateJobSelected(ctx, job.ID, time.Now(), job.Files))
	require.NoError(t, dbInstance.CreateUnits(ctx, job.ID))

	got, err := dbInstance.GetJob(ctx, job.ID)
	require.NoError(t, err)
	unitID := got.Units[0].ID

	first := time.Now().Add(-time.Minute)
	require.NoError(t, dbInstance.UpdateUnitFailed(ctx, unitID, "boom", first))
	require.NoError(t, dbInstance.UpdateUnitCompleted(ctx, unitID, time.Now()))
	require.NoError(t, dbInstance.UpdateUnitRetry(ctx, unitID, 5, "again"))

	unit, err := dbInstance.GetUnit(ctx, unitID)
	require.NoError(t, err)
	assert.Equal(t, "boom", unit.Error)
	assert.Equal(t, 0, unit.RetryCount)
	require.NotNil(t, unit.Completed)
	assert.WithinDuration(t, first, *unit.Completed, time.Second)

	require.NoError(t, dbInstance.UpdateJobCompleted(ctx, job.ID, first, "lifetime"))
	require.NoError(t, dbInstance.UpdateJobCompleted(ctx, job.ID, time.Now(), ""))
	got, err = dbInstance.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "lifetime", got.Error)
	assert.True(t, got.Failed())
}

func TestUpdateLocatorOnce(t *testing.T) {
	dbInstance := SetupDBInstance(t)
	ctx := context.Background()

	job := newTestJob(File{ID: "1", Path: "a.mkv", Size: 10, Selected: true})
	require.NoError(t, dbInstance.CreateJob(ctx, job))
	require.NoError(t, dbInstance.UpdateJobSelected(ctx, job.ID, time.Now(), job.Files))
	require.NoError(t, dbInstance.CreateUnits(ctx, job.ID))
	got, err := dbInstance.GetJob(ctx, job.ID)
	require.NoError(t, err)
	unitID := got.Units[0].ID

	require.NoError(t, dbInstance.UpdateLocator(ctx, unitID, "https://example.com/a.mkv"))
	require.NoError(t, dbInstance.UpdateLocator(ctx, unitID, "https://example.com/other.mkv"))

	unit, err := dbInstance.GetUnit(ctx, unitID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/a.mkv", unit.Locator)
}

func TestResetAndDeleteJob(t *testing.T) {
	dbInstance := SetupDBInstance(t)
	ctx := context.Background()

	job := newTestJob(File{ID: "1", Path: "a.mkv", Size: 10, Selected: true})
	require.NoError(t, dbInstance.CreateJob(ctx, job))
	now := time.Now()
	require.NoError(t, dbInstance.UpdateJobSelected(ctx, job.ID, now, job.Files))
	require.NoError(t, dbInstance.CreateUnits(ctx, job.ID))
	require.NoError(t, dbInstance.UpdateJobRetry(ctx, job.ID, &now))
	require.NoError(t, dbInstance.UpdateJobCompleted(ctx, job.ID, now, "provider error"))

	require.NoError(t, dbInstance.ResetJob(ctx, job.ID, "gid-2", 1))
	got, err := dbInstance.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "gid-2", got.ProviderRef)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.Completed)
	assert.Nil(t, got.Retry)
	assert.Nil(t, got.Selected)
	assert.Empty(t, got.Error)
	assert.Empty(t, got.Units)

	require.NoError(t, dbInstance.DeleteJob(ctx, job.ID))
	_, err = dbInstance.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	jobs, err := dbInstance.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
