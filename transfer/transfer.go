// Package transfer materializes units locally. One worker is created per
// active unit; it runs in the background and is polled for completion.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hrz6976/fetchmate/aria2"
	"github.com/hrz6976/fetchmate/db"
	"github.com/hrz6976/fetchmate/rclone"
)

// ErrNoLocator is returned when a worker that needs a locator gets none.
var ErrNoLocator = errors.New("unit has no locator")

// Worker is a background transfer of one unit.
type Worker interface {
	// Start begins the transfer and returns without waiting for it.
	Start(ctx context.Context) error
	Finished() bool
	Err() error
	// Cancel stops the transfer. It is safe to call more than once.
	Cancel()
	Progress() (done, total int64)
	// RemoteID identifies the transfer on an external engine, if any.
	RemoteID() string
}

type Options struct {
	HTTP      ClientOptions
	ChunkSize int64
	// Aria2 is the local aria2 daemon used by the aria2 kind.
	Aria2        *aria2.Client
	PollInterval time.Duration
	Rclone       rclone.Options
	// MountPath exposes provider files locally for the symlink kind.
	MountPath string
}

type Factory struct {
	opts Options
	http *Client
}

func NewFactory(opts Options) *Factory {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 8 << 20
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Factory{opts: opts, http: NewClient(opts.HTTP)}
}

// New returns an unstarted worker for unit, writing under dir.
func (f *Factory) New(job *db.Job, unit *db.Unit, dir string) (Worker, error) {
	dest, err := destPath(dir, unit.Path)
	if err != nil {
		return nil, err
	}
	switch job.Kind {
	case db.KindHTTP, "":
		if unit.Locator == "" {
			return nil, ErrNoLocator
		}
		return &httpWorker{client: f.http, url: unit.Locator, dest: dest, chunk: f.opts.ChunkSize, size: unit.BytesTotal}, nil
	case db.KindAria2:
		if f.opts.Aria2 == nil {
			return nil, fmt.Errorf("aria2 transfer kind is not configured")
		}
		if unit.Locator == "" {
			return nil, ErrNoLocator
		}
		return &aria2Worker{client: f.opts.Aria2, uri: unit.Locator, dest: dest, poll: f.opts.PollInterval}, nil
	case db.KindRclone:
		if unit.Locator == "" {
			return nil, ErrNoLocator
		}
		return &rcloneWorker{opts: f.opts.Rclone, group: "unit-" + unit.ID, locator: unit.Locator, dest: dest, size: unit.BytesTotal}, nil
	case db.KindSymlink:
		if f.opts.MountPath == "" {
			return nil, fmt.Errorf("symlink transfer kind needs a mount path")
		}
		target, err := destPath(f.opts.MountPath, unit.Path)
		if err != nil {
			return nil, err
		}
		return &symlinkWorker{target: target, dest: dest}, nil
	default:
		return nil, fmt.Errorf("unknown transfer kind %q", job.Kind)
	}
}

// destPath joins a provider-relative path onto dir, refusing paths that
// would escape it.
func destPath(dir, rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if rel == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("unsafe unit path %q", rel)
	}
	return filepath.Join(dir, clean), nil
}
