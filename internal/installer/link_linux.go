//go:build linux

package installer

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// tryReflink attempts a copy-on-write clone via the FICLONE ioctl, which
// btrfs, XFS (with reflink=1), and overlayfs-on-supporting-backends honor.
// Any other filesystem returns ENOTTY/EOPNOTSUPP, which callers treat as a
// signal to fall back to a hardlink or copy.
func tryReflink(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s for reflink: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s for reflink: %w", dst, err)
	}

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)

		return fmt.Errorf("%w: %v", ErrLinkUnsupported, err)
	}

	return out.Close()
}
