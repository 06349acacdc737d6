// Package unpack extracts transferred archives next to where they landed.
//
// Single archives are extracted in place. A multi-volume rar set is first
// extracted into a private staging directory; the result is then extracted
// again if it is itself an archive, or moved into the destination otherwise.
// The staging directory and the source volumes are removed on success.
package unpack

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hrz6976/fetchmate/db"
	"github.com/hrz6976/fetchmate/worker"
	logger "github.com/sirupsen/logrus"
)

type Worker interface {
	Start(ctx context.Context) error
	Finished() bool
	Err() error
	Cancel()
}

type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

// New returns an unstarted worker for the unit's file under dir.
func (f *Factory) New(job *db.Job, unit *db.Unit, dir string) (Worker, error) {
	if job.Kind == db.KindSymlink {
		// links point into the provider mount and are never extracted
		return &noopWorker{}, nil
	}
	archive, err := safeJoin(dir, unit.Path)
	if err != nil {
		return nil, err
	}
	return &extractWorker{archive: archive, dest: filepath.Dir(archive), unitID: unit.ID, extract: Extract}, nil
}

type noopWorker struct{ worker.State }

func (w *noopWorker) Start(context.Context) error {
	w.Finish(nil)
	return nil
}

type extractWorker struct {
	worker.State
	archive string
	dest    string
	unitID  string
	// extract unpacks one archive; Extract when nil
	extract func(ctx context.Context, archive, dest string) error
}

func (w *extractWorker) extractTo(ctx context.Context, archive, dest string) error {
	if w.extract == nil {
		return Extract(ctx, archive, dest)
	}
	return w.extract(ctx, archive, dest)
}

func (w *extractWorker) Start(ctx context.Context) error {
	return w.Go(ctx, w.run)
}

func (w *extractWorker) run(ctx context.Context) error {
	log := logger.WithField("archive", w.archive)
	vols, err := Volumes(w.archive)
	if err != nil {
		return err
	}
	if len(vols) <= 1 {
		if err := w.extractTo(ctx, w.archive, w.dest); err != nil {
			return err
		}
		log.Info("archive extracted")
		return nil
	}

	staging := filepath.Join(w.dest, ".unpack-"+w.unitID)
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return err
	}
	if err := w.assemble(ctx, vols[0], staging); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.RemoveAll(staging); err != nil {
		log.WithError(err).Warn("failed to remove staging directory")
	}
	for _, v := range vols {
		if err := os.Remove(v); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("volume", v).Warn("failed to remove volume")
		}
	}
	log.WithField("volumes", len(vols)).Info("multi-volume archive extracted")
	return nil
}

// assemble extracts the set into staging, then places the result.
func (w *extractWorker) assemble(ctx context.Context, first, staging string) error {
	if err := w.extractTo(ctx, first, staging); err != nil {
		return err
	}
	entries, err := os.ReadDir(staging)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(staging, e.Name())
		if !e.IsDir() && IsArchive(e.Name()) {
			if err := w.extractTo(ctx, path, w.dest); err != nil {
				return fmt.Errorf("inner archive %s: %w", e.Name(), err)
			}
			continue
		}
		if e.IsDir() {
			if err := moveTree(path, filepath.Join(w.dest, e.Name())); err != nil {
				return err
			}
			continue
		}
		if err := moveFile(path, filepath.Join(w.dest, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
