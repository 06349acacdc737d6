// Package provider talks to the remote content-resolution service that turns
// a submitted source into a set of files, and selects which of those files
// become units.
package provider

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/hrz6976/fetchmate/db"
)

var (
	// ErrNoFilesSelected means the selection criteria matched no file.
	ErrNoFilesSelected = errors.New("no files matched the selection criteria")
	// ErrNotReady means the provider cannot serve a file yet.
	ErrNotReady = errors.New("file is not ready on the provider")
)

// Info is the provider-side view of one item.
type Info struct {
	Name      string
	Status    db.RemoteStatus
	StatusRaw string
	Progress  float64
	Files     []db.File
}

// Client is the contract of a provider.
type Client interface {
	// Add submits source and returns the provider reference of the new item.
	Add(ctx context.Context, source string) (string, error)
	Info(ctx context.Context, ref string) (*Info, error)
	// SelectFiles restricts the item to fileIDs and lets it proceed.
	SelectFiles(ctx context.Context, ref string, fileIDs []string) error
	// Locate returns a directly retrievable address for file.
	Locate(ctx context.Context, ref string, file db.File) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Criteria decide which files of a job are selected.
type Criteria struct {
	Mode      db.SelectionMode
	Include   string
	Exclude   string
	MinSizeMB int64
}

func CriteriaOf(job *db.Job) Criteria {
	return Criteria{
		Mode:      job.SelectionMode,
		Include:   job.IncludeRegex,
		Exclude:   job.ExcludeRegex,
		MinSizeMB: job.MinFileSizeMB,
	}
}

// Select returns a copy of files with the Selected flags set per c.
// Manual mode keeps the flags already present.
func Select(files []db.File, c Criteria) ([]db.File, error) {
	var include, exclude *regexp.Regexp
	var err error
	if c.Mode == db.SelectFilter {
		if c.Include != "" {
			if include, err = regexp.Compile(c.Include); err != nil {
				return nil, fmt.Errorf("invalid include pattern: %w", err)
			}
		}
		if c.Exclude != "" {
			if exclude, err = regexp.Compile(c.Exclude); err != nil {
				return nil, fmt.Errorf("invalid exclude pattern: %w", err)
			}
		}
	}

	out := make([]db.File, len(files))
	n := 0
	for i, f := range files {
		switch c.Mode {
		case db.SelectAll, "":
			f.Selected = true
		case db.SelectAvailable:
			f.Selected = f.Available
		case db.SelectManual:
		case db.SelectFilter:
			f.Selected = (include == nil || include.MatchString(f.Path)) &&
				(exclude == nil || !exclude.MatchString(f.Path)) &&
				f.Size >= c.MinSizeMB<<20
		default:
			return nil, fmt.Errorf("unknown selection mode %q", c.Mode)
		}
		if f.Selected {
			n++
		}
		out[i] = f
	}
	if n == 0 {
		return nil, ErrNoFilesSelected
	}
	return out, nil
}

// SelectedIDs returns the ids of the selected files.
func SelectedIDs(files []db.File) []string {
	var ids []string
	for _, f := range files {
		if f.Selected {
			ids = append(ids, f.ID)
		}
	}
	return ids
}
