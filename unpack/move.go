package unpack

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	logger "github.com/sirupsen/logrus"
)

// moveTree moves every entry of src into dst, merging directories.
func moveTree(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, e := range entries {
		from := filepath.Join(src, e.Name())
		to := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := moveTree(from, to); err != nil {
				return err
			}
			continue
		}
		if err := moveFile(from, to); err != nil {
			return err
		}
	}
	return nil
}

// moveFile renames srcPath to dstPath, copying across filesystems.
func moveFile(srcPath, dstPath string) error {
	err := os.Rename(srcPath, dstPath)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return err
	}

	srcStat, err := os.Stat(srcPath)
	if err != nil {
		return fmt.Errorf("unable to get source file info: %w", err)
	}
	if !srcStat.Mode().IsRegular() {
		return fmt.Errorf("source file is not a regular file: %s", srcPath)
	}

	srcFile, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("unable to open source file for reading: %w", err)
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, srcStat.Mode())
	if err != nil {
		return fmt.Errorf("unable to open destination file for writing: %w", err)
	}
	defer dstFile.Close()

	// Apply exclusive lock to prevent other processes from accessing this file simultaneously
	if err := syscall.Flock(int(dstFile.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("unable to lock destination file: %w", err)
	}
	defer syscall.Flock(int(dstFile.Fd()), syscall.LOCK_UN)

	written, err := io.Copy(dstFile, srcFile)
	if err != nil {
		return fmt.Errorf("file copy error occurred: %w", err)
	}
	if written != srcStat.Size() {
		return fmt.Errorf("number of bytes copied does not match source file size: expected %d, got %d", srcStat.Size(), written)
	}
	logger.WithFields(logger.Fields{"src": srcPath, "dst": dstPath}).Debug("moved file across filesystems")

	if err := os.Remove(srcPath); err != nil {
		return fmt.Errorf("failed to delete source file: %w", err)
	}
	return nil
}
