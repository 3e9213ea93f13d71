package syncd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Pusher copies the guest-local working copy onto the mounted payload.
type Pusher interface {
	Push(ctx context.Context, src, dst string) error
}

// MirrorPusher makes dst an exact copy of src, except that Keep (relative
// to dst) is never overwritten or deleted.
type MirrorPusher struct {
	Keep string
}

// Push mirrors src onto dst.
func (p MirrorPusher) Push(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", src)
	}
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("stat destination: %w", err)
	}

	seen := make(map[string]bool)
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if p.protected(rel) {
			return nil
		}
		seen[rel] = true
		return p.copyEntry(path, filepath.Join(dst, rel), d)
	})
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}

	return p.prune(ctx, dst, seen)
}

func (p MirrorPusher) protected(rel string) bool {
	return p.Keep != "" && filepath.Clean(rel) == filepath.Clean(p.Keep)
}

func (p MirrorPusher) copyEntry(src, dst string, d fs.DirEntry) error {
	switch {
	case d.IsDir():
		if info, err := os.Lstat(dst); err == nil && !info.IsDir() {
			if err := os.RemoveAll(dst); err != nil {
				return err
			}
		}
		return os.MkdirAll(dst, 0755)

	case d.Type()&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		if existing, err := os.Readlink(dst); err == nil && existing == target {
			return nil
		}
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
		return os.Symlink(target, dst)

	case d.Type().IsRegular():
		srcInfo, err := d.Info()
		if err != nil {
			return err
		}
		if dstInfo, err := os.Lstat(dst); err == nil {
			if dstInfo.Mode().IsRegular() && dstInfo.Size() == srcInfo.Size() && dstInfo.ModTime().Equal(srcInfo.ModTime()) {
				return nil
			}
			if dstInfo.IsDir() {
				if err := os.RemoveAll(dst); err != nil {
					return err
				}
			}
		}
		return copyFile(src, dst, srcInfo)
	}
	// Sockets, devices and fifos are not payload data.
	return nil
}

func (p MirrorPusher) prune(ctx context.Context, dst string, seen map[string]bool) error {
	var stale []string
	err := filepath.WalkDir(dst, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(dst, path)
		if err != nil {
			return err
		}
		if rel == "." || p.protected(rel) {
			return nil
		}
		if !seen[rel] {
			stale = append(stale, path)
			if d.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan destination: %w", err)
	}

	for _, path := range stale {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("remove stale %s: %w", path, err)
		}
	}
	return nil
}

func copyFile(src, dst string, info fs.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".clawbox-tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
