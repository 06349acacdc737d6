package db

import (
	"time"
)

// RemoteStatus is the provider-side state of a job, mapped from the raw
// provider status string.
type RemoteStatus int

const (
	Processing RemoteStatus = iota
	AwaitingSelection
	Transferring
	Finished
	Uploading
	Error
)

func (s RemoteStatus) String() string {
	switch s {
	case Processing:
		return "Processing"
	case AwaitingSelection:
		return "AwaitingSelection"
	case Transferring:
		return "Transferring"
	case Finished:
		return "Finished"
	case Uploading:
		return "Uploading"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// SelectionMode decides which provider files become units.
type SelectionMode string

const (
	SelectAll       SelectionMode = "all"
	SelectAvailable SelectionMode = "available"
	SelectManual    SelectionMode = "manual"
	SelectFilter    SelectionMode = "filter"
)

// TransferPolicy decides whether selected files are transferred locally.
type TransferPolicy string

const (
	TransferAll  TransferPolicy = "all"
	TransferNone TransferPolicy = "none"
)

// FinalizeAction is the cleanup applied once a job completes. remove-all
// deletes the job record and the provider item, remove-provider only the
// provider item, remove-local only the job record. Transferred files stay.
type FinalizeAction string

const (
	FinalizeNone           FinalizeAction = "none"
	FinalizeRemoveAll      FinalizeAction = "remove-all"
	FinalizeRemoveProvider FinalizeAction = "remove-provider"
	FinalizeRemoveLocal    FinalizeAction = "remove-local"
)

// TransferKind selects the engine that materializes a unit locally.
type TransferKind string

const (
	KindHTTP    TransferKind = "http"
	KindAria2   TransferKind = "aria2"
	KindRclone  TransferKind = "rclone"
	KindSymlink TransferKind = "symlink"
)

// Exempt reports whether workers of this kind bypass the transfer cap.
// Symlinks only create a filesystem link and move no data.
func (k TransferKind) Exempt() bool {
	return k == KindSymlink
}

// File is one file of a provider item.
type File struct {
	ID        string `json:"id"`
	Path      string `json:"path"`
	Size      int64  `json:"size"`
	Selected  bool   `json:"selected"`
	Available bool   `json:"available"`
}

type Job struct {
	/* ID is a random uuid assigned on submission. */
	ID string `gorm:"primaryKey;size:36"`
	/* Name is the display name reported by the provider. */
	Name string
	/* Source is the uri or magnet the job was submitted with. */
	Source string `gorm:"not null"`
	/* ProviderRef identifies the item on the provider. */
	ProviderRef string `gorm:"index"`

	RemoteStatus    RemoteStatus `gorm:"not null;default:0"`
	RemoteStatusRaw string
	RemoteProgress  float64
	Files           []File `gorm:"serializer:json"`

	SelectionMode  SelectionMode `gorm:"not null"`
	IncludeRegex   string
	ExcludeRegex   string
	MinFileSizeMB  int64
	TransferPolicy TransferPolicy `gorm:"not null"`
	/* Selected is stamped once files were selected on the provider. */
	Selected *time.Time

	/* Units are created in one batch after selection, ordered by queue time. */
	Units []Unit `gorm:"foreignKey:JobID"`

	RetryCount        int
	MaxRetryAttempts  int
	UnitRetryAttempts int
	/* Retry is non-nil while the job is flagged for a pipeline retry. */
	Retry *time.Time

	LifetimeMinutes      int
	DeleteOnErrorMinutes int
	FinalizeAction       FinalizeAction `gorm:"not null"`

	Added     time.Time `gorm:"not null"`
	Completed *time.Time
	/* Error is the human-readable failure, terminal once Completed is set. */
	Error    string `gorm:"type:text"`
	Category string
	Kind     TransferKind `gorm:"not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Failed reports whether the job completed with an error.
func (j *Job) Failed() bool {
	return j.Completed != nil && j.Error != ""
}

// SelectedFiles returns the files flagged for transfer.
func (j *Job) SelectedFiles() []File {
	var files []File
	for _, f := range j.Files {
		if f.Selected {
			files = append(files, f)
		}
	}
	return files
}

type Unit struct {
	ID    string `gorm:"primaryKey;size:36"`
	JobID string `gorm:"index;not null;size:36"`
	/* FileID is the provider id of the file this unit transfers. */
	FileID string
	/* Path is relative to the job directory. */
	Path string `gorm:"not null"`
	/* Locator is resolved lazily, at most once. */
	Locator  string `gorm:"type:text"`
	RemoteID string

	BytesTotal int64
	BytesDone  int64

	TransferQueued   *time.Time
	TransferStarted  *time.Time
	TransferFinished *time.Time
	UnpackQueued     *time.Time
	UnpackStarted    *time.Time
	UnpackFinished   *time.Time

	RetryCount int
	Error      string `gorm:"type:text"`
	Completed  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
