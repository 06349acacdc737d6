package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/hrz6976/fetchmate/aria2"
	"github.com/hrz6976/fetchmate/worker"
	logger "github.com/sirupsen/logrus"
)

// aria2Worker hands the locator to a local aria2 daemon and polls it.
type aria2Worker struct {
	worker.State
	client *aria2.Client
	uri    string
	dest   string
	poll   time.Duration

	mu  sync.Mutex
	gid string
}

func (w *aria2Worker) RemoteID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.gid
}

func (w *aria2Worker) Start(ctx context.Context) error {
	if w.Canceled() {
		return w.Go(ctx, nil)
	}
	gid, err := w.client.AddURI(ctx, []string{w.uri}, map[string]string{
		"dir":                       filepath.Dir(w.dest),
		"out":                       filepath.Base(w.dest),
		"allow-overwrite":           "true",
		"auto-file-renaming":        "false",
		"continue":                  "true",
		"max-connection-per-server": "4",
	})
	if err != nil {
		return fmt.Errorf("failed to queue download: %w", err)
	}
	w.mu.Lock()
	w.gid = gid
	w.mu.Unlock()
	return w.Go(ctx, func(ctx context.Context) error { return w.run(ctx, gid) })
}

func (w *aria2Worker) run(ctx context.Context, gid string) error {
	log := logger.WithFields(logger.Fields{"gid": gid, "dest": w.dest})
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// the request context is gone; clean up on a fresh one
			cleanup, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := w.client.Purge(cleanup, gid); err != nil {
				log.WithError(err).Warn("failed to remove cancelled download")
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
		}

		st, err := w.client.TellStatus(ctx, gid, "status", "totalLength", "completedLength", "errorMessage")
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			var rpcErr *aria2.RPCError
			if errors.As(err, &rpcErr) {
				return fmt.Errorf("download vanished: %w", err)
			}
			log.WithError(err).Debug("poll failed")
			continue
		}
		w.SetTotal(st.Total())
		w.SetDone(st.Done())

		switch st.Status {
		case "complete":
			if err := w.client.RemoveDownloadResult(ctx, gid); err != nil {
				log.WithError(err).Debug("failed to drop download result")
			}
			return nil
		case "error", "removed":
			msg := st.ErrorMessage
			if msg == "" {
				msg = st.Status
			}
			_ = w.client.RemoveDownloadResult(ctx, gid)
			return fmt.Errorf("aria2: %s", msg)
		}
	}
}
