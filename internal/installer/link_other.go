//go:build !linux

package installer

// tryReflink is a no-op on platforms without an exposed FICLONE-equivalent
// ioctl; placeFile falls back to hardlink/copy.
func tryReflink(src, dst string) error {
	return ErrLinkUnsupported
}
