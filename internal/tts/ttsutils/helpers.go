// Package ttsutils holds the small filesystem and formatting helpers shared by
// the render pipeline: per-job scratch directories, safe file names and human
// readable sizes and durations.
package ttsutils

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

const (
	defaultDirPermissions  = 0o750
	invalidCharReplacement = "_"
	jobSuffixLength        = 8
	defaultJobPrefix       = "render"
)

// Time formatting constants.
const (
	secondsInMinute = 60
	secondsInHour   = 3600
	formatSeconds   = "%.1fs"
	formatMinutes   = "%dm %.1fs"
	formatHours     = "%dh %dm"
)

const (
	errFmtFailedToCreateDir = "failed to create directory %s: %w"
	errFmtUnsafeRemoval     = "%w: %s is not inside %s"
)

// ErrUnsafePath is returned when a removal target escapes its root.
var ErrUnsafePath = errors.New("refusing to remove path")

var filenameReplacer = strings.NewReplacer(
	"<", invalidCharReplacement,
	">", invalidCharReplacement,
	":", invalidCharReplacement,
	"\"", invalidCharReplacement,
	"/", invalidCharReplacement,
	"\\", invalidCharReplacement,
	"|", invalidCharReplacement,
	"?", invalidCharReplacement,
	"*", invalidCharReplacement,
	" ", invalidCharReplacement,
)

// EnsureDir creates path and its parents if they do not exist.
func EnsureDir(path string) error {
	err := os.MkdirAll(path, defaultDirPermissions)
	if err != nil {
		return fmt.Errorf(errFmtFailedToCreateDir, path, err)
	}

	return nil
}

// NewJobDir creates a unique scratch directory under root named
// <prefix>_<unix seconds>_<8 hex chars> and returns its path.
func NewJobDir(root, prefix string) (string, error) {
	prefix = SanitizeFilename(prefix)
	if prefix == "" {
		prefix = defaultJobPrefix
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:jobSuffixLength]
	dir := filepath.Join(root, fmt.Sprintf("%s_%d_%s", prefix, time.Now().Unix(), suffix))

	err := EnsureDir(dir)
	if err != nil {
		return "", err
	}

	return dir, nil
}

// RemoveJobDir deletes dir and everything below it. The directory must live
// under root.
func RemoveJobDir(root, dir string) error {
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf(errFmtUnsafeRemoval, ErrUnsafePath, dir, root)
	}

	return os.RemoveAll(dir)
}

// MoveFile renames src to dst, creating dst's directory. When the rename
// crosses filesystems the file is copied and src removed.
func MoveFile(src, dst string) error {
	err := EnsureDir(filepath.Dir(dst))
	if err != nil {
		return err
	}

	err = os.Rename(src, dst)
	if err == nil {
		return nil
	}

	err = copyFile(src, dst)
	if err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", src, dst, err)
	}

	return os.Remove(src)
}

// CopyFile copies src to dst, creating dst's directory. src is left in place.
func CopyFile(src, dst string) error {
	err := EnsureDir(filepath.Dir(dst))
	if err != nil {
		return err
	}

	err = copyFile(src, dst)
	if err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(dst)

		return err
	}

	return out.Close()
}

// FormatDuration formats a duration in a human-readable string (e.g., "1h 15m", "5m
// 30.5s", "45.2s").
func FormatDuration(seconds float64) string {
	if seconds < secondsInMinute {
		return fmt.Sprintf(formatSeconds, seconds)
	}

	if seconds < secondsInHour {
		minutes := int(seconds / secondsInMinute)
		remainingSeconds := seconds - float64(minutes*secondsInMinute)

		return fmt.Sprintf(formatMinutes, minutes, remainingSeconds)
	}

	hours := int(seconds / secondsInHour)
	remainingSeconds := seconds - float64(hours*secondsInHour)
	remainingMinutes := int(remainingSeconds / secondsInMinute)

	return fmt.Sprintf(formatHours, hours, remainingMinutes)
}

// FormatFileSize formats a size in binary units, e.g. "1.5 MiB".
func FormatFileSize(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}

	return humanize.IBytes(uint64(bytes))
}

// SanitizeFilename replaces characters that are unsafe in file names and job
// ids with underscores.
func SanitizeFilename(filename string) string {
	return filenameReplacer.Replace(strings.TrimSpace(filename))
}
