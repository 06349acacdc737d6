package rclone

import (
	"context"
	"fmt"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/accounting"
	"github.com/rclone/rclone/fs/fspath"
	"github.com/rclone/rclone/fs/operations"
)

// Open returns the filesystem holding locator and the leaf name of the file
// within it. Locators are rclone paths such as "remote:dir/file" or plain
// local paths. Remotes defined in opts take precedence over rclone.conf.
func Open(ctx context.Context, opts Options, locator string) (fs.Fs, string, error) {
	parent, leaf, err := fspath.Split(locator)
	if err != nil {
		return nil, "", fmt.Errorf("invalid locator %q: %w", locator, err)
	}
	if leaf == "" {
		return nil, "", fmt.Errorf("locator %q does not name a file", locator)
	}

	remoteName, root, err := fspath.SplitFs(parent)
	if err == nil && remoteName != "" {
		name := remoteName[:len(remoteName)-1]
		if params, ok := opts.Remotes[name]; ok {
			f, err := NewBackend(ctx, name, params, root)
			if err != nil {
				return nil, "", err
			}
			return f, leaf, nil
		}
	}

	f, err := fs.NewFs(ctx, parent)
	if err != nil {
		return nil, "", err
	}
	return f, leaf, nil
}

// Size returns the size of leaf in f, or -1 if unknown.
func Size(ctx context.Context, f fs.Fs, leaf string) (int64, error) {
	o, err := f.NewObject(ctx, leaf)
	if err != nil {
		return -1, err
	}
	return o.Size(), nil
}

// CopyFile copies locator to dstDir/dstName with retries. Transfer stats go
// to the named stats group so callers can watch progress.
func CopyFile(ctx context.Context, opts Options, group, locator, dstDir, dstName string) error {
	ctx = InjectGlobalConfig(ctx, opts)
	ctx = accounting.WithStatsGroup(ctx, group)
	stats := accounting.StatsGroup(ctx, group)

	fsrc, leaf, err := Open(ctx, opts, locator)
	if err != nil {
		return err
	}
	fdst, err := fs.NewFs(ctx, dstDir)
	if err != nil {
		return err
	}
	return Run(ctx, stats, func() error {
		return operations.CopyFile(ctx, fdst, fsrc, dstName, leaf)
	})
}

// Transferred returns the bytes moved so far by a stats group.
func Transferred(ctx context.Context, group string) int64 {
	return accounting.StatsGroup(ctx, group).GetBytes()
}
