package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hrz6976/fetchmate/rclone"
	"github.com/hrz6976/fetchmate/worker"
)

// rcloneWorker copies a single file with rclone. Progress is read from the
// unit's stats group.
type rcloneWorker struct {
	worker.State
	opts    rclone.Options
	group   string
	locator string
	dest    string
	size    int64
	ctx     context.Context
}

func (w *rcloneWorker) RemoteID() string { return w.group }

func (w *rcloneWorker) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(w.dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	w.ctx = ctx
	w.SetTotal(w.size)
	return w.Go(ctx, func(ctx context.Context) error {
		err := rclone.CopyFile(ctx, w.opts, w.group, w.locator, filepath.Dir(w.dest), filepath.Base(w.dest))
		if err == nil {
			w.SetDone(w.size)
		}
		return err
	})
}

func (w *rcloneWorker) Progress() (done, total int64) {
	done, total = w.State.Progress()
	if w.ctx != nil && !w.Finished() {
		done = rclone.Transferred(w.ctx, w.group)
	}
	return done, total
}
