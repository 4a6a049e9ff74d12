package installer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// LinkMode selects how a cached artifact file is placed into the target
// environment, per spec.md §4.G. Reflink and hardlink avoid a full copy
// when the cache and the target share a filesystem; copy and symlink are
// the portable fallbacks.
type LinkMode int

const (
	// LinkAuto tries reflink, then hardlink, then falls back to a copy.
	LinkAuto LinkMode = iota
	// LinkReflink requires a copy-on-write clone (falls back to hardlink,
	// then copy, if the filesystem doesn't support it).
	LinkReflink
	// LinkHardlink requires a hardlink (falls back to copy across devices).
	LinkHardlink
	// LinkCopy always performs a full byte copy.
	LinkCopy
	// LinkSymlink places a symlink to the cached file instead of copying
	// it; only sound when the cache entry will outlive the environment.
	LinkSymlink
)

func (m LinkMode) String() string {
	switch m {
	case LinkReflink:
		return "reflink"
	case LinkHardlink:
		return "hardlink"
	case LinkCopy:
		return "copy"
	case LinkSymlink:
		return "symlink"
	default:
		return "auto"
	}
}

// ErrLinkUnsupported is returned by a platform-specific link attempt when
// the requested strategy isn't available (e.g. reflink on a filesystem
// that doesn't support FICLONE).
var ErrLinkUnsupported = errors.New("link strategy unsupported")

// placeFile materializes src at dst using mode, falling back through the
// chain reflink → hardlink → copy unless mode pins a single non-auto
// strategy. Returns the strategy that actually succeeded.
func placeFile(src, dst string, mode LinkMode, logger *slog.Logger) (LinkMode, error) {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return mode, fmt.Errorf("clearing existing %s: %w", dst, err)
	}

	switch mode {
	case LinkSymlink:
		if err := os.Symlink(src, dst); err != nil {
			return mode, fmt.Errorf("symlinking %s -> %s: %w", dst, src, err)
		}

		return LinkSymlink, nil

	case LinkCopy:
		return LinkCopy, copyFile(src, dst)

	case LinkHardlink:
		if err := os.Link(src, dst); err != nil {
			if logger != nil {
				logger.Debug("hardlink failed, falling back to copy", slog.String("dst", dst), slog.String("error", err.Error()))
			}

			return LinkCopy, copyFile(src, dst)
		}

		return LinkHardlink, nil

	case LinkReflink:
		if err := tryReflink(src, dst); err == nil {
			return LinkReflink, nil
		}

		if logger != nil {
			logger.Debug("reflink unsupported, falling back to hardlink", slog.String("dst", dst))
		}

		fallthrough

	default: // LinkAuto
		if err := tryReflink(src, dst); err == nil {
			return LinkReflink, nil
		}

		if err := os.Link(src, dst); err == nil {
			return LinkHardlink, nil
		}

		return LinkCopy, copyFile(src, dst)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()

		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}

	return out.Close()
}
