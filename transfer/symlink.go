package transfer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hrz6976/fetchmate/worker"
)

// symlinkWorker links a file of the mounted provider into place. It moves no
// data and finishes within Start.
type symlinkWorker struct {
	worker.State
	target string
	dest   string
}

func (w *symlinkWorker) RemoteID() string { return "" }

func (w *symlinkWorker) Start(ctx context.Context) error {
	if w.Canceled() {
		w.Finish(worker.ErrCanceled)
		return nil
	}
	w.Finish(w.link())
	return nil
}

func (w *symlinkWorker) link() error {
	st, err := os.Stat(w.target)
	if err != nil {
		return fmt.Errorf("mount target: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(w.dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.Remove(w.dest); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Symlink(w.target, w.dest); err != nil {
		return err
	}
	w.SetTotal(st.Size())
	w.SetDone(st.Size())
	return nil
}
