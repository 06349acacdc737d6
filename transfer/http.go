package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hrz6976/fetchmate/worker"
	logger "github.com/sirupsen/logrus"
)

// httpWorker downloads a locator in byte ranges into a .part file next to
// the destination, resuming from whatever a previous attempt left behind.
type httpWorker struct {
	worker.State
	client *Client
	url    string
	dest   string
	chunk  int64
	size   int64
}

func (w *httpWorker) RemoteID() string { return "" }

func (w *httpWorker) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(w.dest), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return w.Go(ctx, w.run)
}

// progressWriter counts bytes written into the worker state.
type progressWriter struct {
	w     io.Writer
	state *worker.State
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.state.AddDone(int64(n))
	return n, err
}

func (w *httpWorker) run(ctx context.Context) error {
	log := logger.WithFields(logger.Fields{"url": redact(w.url), "dest": w.dest})

	info, err := w.client.Head(ctx, w.url)
	if err != nil {
		return err
	}
	total := info.Size
	if total < 0 {
		total = w.size
	}
	w.SetTotal(total)

	part := w.dest + ".part"
	var offset int64
	if st, err := os.Stat(part); err == nil && info.AcceptsRanges && total > 0 && st.Size() <= total {
		offset = st.Size()
	}

	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	w.SetDone(offset)
	out := &progressWriter{w: f, state: &w.State}

	if offset > 0 {
		log.WithField("offset", offset).Debug("resuming download")
	}

	if total <= 0 || !info.AcceptsRanges {
		if err := w.whole(ctx, out); err != nil {
			return err
		}
	} else {
		for offset < total {
			if err := ctx.Err(); err != nil {
				return err
			}
			end := min(offset+w.chunk, total) - 1
			body, err := w.client.GetRange(ctx, w.url, offset, end)
			if errors.Is(err, ErrRangeNotSupported) && offset == 0 {
				if err := w.whole(ctx, out); err != nil {
					return err
				}
				break
			}
			if err != nil {
				return err
			}
			n, err := io.Copy(out, body)
			body.Close()
			if err != nil {
				return fmt.Errorf("read range %d-%d: %w", offset, end, err)
			}
			if n == 0 {
				return fmt.Errorf("empty range %d-%d", offset, end)
			}
			offset += n
		}
	}

	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(part, w.dest); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", part, err)
	}
	log.Debug("download finished")
	return nil
}

// whole streams the full body, for servers without range support.
func (w *httpWorker) whole(ctx context.Context, out *progressWriter) error {
	f := out.w.(*os.File)
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	w.SetDone(0)
	body, err := w.client.Get(ctx, w.url)
	if err != nil {
		return err
	}
	defer body.Close()
	n, err := io.Copy(out, body)
	if err != nil {
		return err
	}
	if done, total := w.Progress(); total <= 0 || done > total {
		w.SetTotal(n)
	}
	return nil
}
