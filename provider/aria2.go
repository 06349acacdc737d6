package provider

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/hrz6976/fetchmate/aria2"
	"github.com/hrz6976/fetchmate/db"
	logger "github.com/sirupsen/logrus"
)

const metadataPrefix = "[METADATA]"

// Aria2 is a provider backed by a remote aria2 daemon. Items are added paused
// so files can be selected before any data moves.
type Aria2 struct {
	client      *aria2.Client
	dir         string
	locatorBase string
}

func NewAria2(client *aria2.Client, dir, locatorBase string) *Aria2 {
	return &Aria2{client: client, dir: dir, locatorBase: locatorBase}
}

func (p *Aria2) Add(ctx context.Context, source string) (string, error) {
	opts := map[string]string{
		"pause":          "true",
		"pause-metadata": "true",
		"seed-time":      "0",
	}
	if p.dir != "" {
		opts["dir"] = p.dir
	}
	gid, err := p.client.AddURI(ctx, []string{source}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to add %s: %w", source, err)
	}
	return gid, nil
}

// resolve follows the followedBy chain of magnet and torrent downloads to
// the download that carries the actual files.
func (p *Aria2) resolve(ctx context.Context, ref string) (*aria2.Status, error) {
	st, err := p.client.TellStatus(ctx, ref)
	if err != nil {
		return nil, err
	}
	for hops := 0; st.Status == "complete" && len(st.FollowedBy) > 0 && hops < 4; hops++ {
		next, err := p.client.TellStatus(ctx, st.FollowedBy[0])
		if err != nil {
			return nil, err
		}
		st = next
	}
	return st, nil
}

func isMetadata(st *aria2.Status) bool {
	return len(st.Files) > 0 && strings.HasPrefix(st.Files[0].Path, metadataPrefix)
}

// MapStatus maps an aria2 download status onto a remote status.
func MapStatus(st *aria2.Status) (db.RemoteStatus, string) {
	raw := st.Status
	if st.ErrorMessage != "" {
		raw = st.ErrorMessage
	}
	if isMetadata(st) {
		if st.Status == "error" || st.Status == "removed" {
			return db.Error, raw
		}
		return db.Processing, "metadata"
	}
	switch st.Status {
	case "paused":
		return db.AwaitingSelection, raw
	case "waiting":
		return db.Transferring, raw
	case "active":
		if st.Bittorrent != nil && st.Total() > 0 && st.Done() >= st.Total() {
			return db.Uploading, "seeding"
		}
		return db.Transferring, raw
	case "complete":
		return db.Finished, raw
	case "error", "removed":
		return db.Error, raw
	default:
		return db.Processing, raw
	}
}

// relPath returns the path of f relative to the item root.
func relPath(st *aria2.Status, f aria2.File) string {
	rel := f.Path
	if st.Dir != "" {
		if r, err := filepath.Rel(st.Dir, f.Path); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	return filepath.ToSlash(rel)
}

func (p *Aria2) Info(ctx context.Context, ref string) (*Info, error) {
	st, err := p.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	status, raw := MapStatus(st)
	info := &Info{
		Name:      st.Name(),
		Status:    status,
		StatusRaw: raw,
	}
	if total := st.Total(); total > 0 {
		info.Progress = float64(st.Done()) / float64(total) * 100
	}
	if isMetadata(st) {
		return info, nil
	}
	if info.Name != "" {
		info.Name = filepath.Base(info.Name)
	}
	for _, f := range st.Files {
		info.Files = append(info.Files, db.File{
			ID:        f.Index,
			Path:      relPath(st, f),
			Size:      f.Size(),
			Selected:  f.IsSelected(),
			Available: f.Size() > 0 && f.Completed() >= f.Size(),
		})
	}
	return info, nil
}

func (p *Aria2) SelectFiles(ctx context.Context, ref string, fileIDs []string) error {
	if len(fileIDs) == 0 {
		return ErrNoFilesSelected
	}
	st, err := p.resolve(ctx, ref)
	if err != nil {
		return err
	}
	if err := p.client.ChangeOption(ctx, st.Gid, map[string]string{"select-file": strings.Join(fileIDs, ",")}); err != nil {
		return fmt.Errorf("failed to select files: %w", err)
	}
	if st.Status == "paused" {
		if err := p.client.Unpause(ctx, st.Gid); err != nil {
			return fmt.Errorf("failed to unpause %s: %w", st.Gid, err)
		}
	}
	return nil
}

func (p *Aria2) Locate(ctx context.Context, ref string, file db.File) (string, error) {
	st, err := p.resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	for _, f := range st.Files {
		if f.Index != file.ID {
			continue
		}
		if f.Size() == 0 || f.Completed() < f.Size() {
			return "", fmt.Errorf("%w: %s", ErrNotReady, file.Path)
		}
		return p.locator(relPath(st, f), f.Path)
	}
	return "", fmt.Errorf("file %s not found in %s", file.ID, ref)
}

func (p *Aria2) locator(rel, abs string) (string, error) {
	base := p.locatorBase
	switch {
	case base == "":
		return abs, nil
	case strings.HasPrefix(base, "http://") || strings.HasPrefix(base, "https://"):
		return url.JoinPath(base, strings.Split(rel, "/")...)
	case strings.HasSuffix(base, ":") || strings.HasSuffix(base, "/"):
		return base + rel, nil
	default:
		return base + "/" + rel, nil
	}
}

// Delete removes the item and any download it was followed by.
func (p *Aria2) Delete(ctx context.Context, ref string) error {
	st, err := p.client.TellStatus(ctx, ref, "gid", "status", "followedBy")
	if err != nil {
		return p.client.Purge(ctx, ref)
	}
	for _, gid := range st.FollowedBy {
		if err := p.client.Purge(ctx, gid); err != nil {
			logger.WithError(err).WithField("gid", gid).Warn("failed to remove followed download")
		}
	}
	return p.client.Purge(ctx, ref)
}
