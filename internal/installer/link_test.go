package installer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestPlaceFileCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")

	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	mode, err := placeFile(src, dst, LinkCopy, nil)
	if err != nil {
		t.Fatalf("placeFile() error: %v", err)
	}

	if mode != LinkCopy {
		t.Errorf("mode = %v, want LinkCopy", mode)
	}

	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "payload" {
		t.Errorf("dst content = %q, %v, want %q, nil", data, err, "payload")
	}
}

func TestPlaceFileHardlink(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")

	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	mode, err := placeFile(src, dst, LinkHardlink, nil)
	if err != nil {
		t.Fatalf("placeFile() error: %v", err)
	}

	if mode != LinkHardlink {
		t.Errorf("mode = %v, want LinkHardlink", mode)
	}

	srcInfo, _ := os.Stat(src)
	dstInfo, _ := os.Stat(dst)

	if !os.SameFile(srcInfo, dstInfo) {
		t.Error("expected dst to be a hardlink to src")
	}
}

func TestPlaceFileSymlink(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")

	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	mode, err := placeFile(src, dst, LinkSymlink, nil)
	if err != nil {
		t.Fatalf("placeFile() error: %v", err)
	}

	if mode != LinkSymlink {
		t.Errorf("mode = %v, want LinkSymlink", mode)
	}

	target, err := os.Readlink(dst)
	if err != nil || target != src {
		t.Errorf("Readlink() = %q, %v, want %q, nil", target, err, src)
	}
}

func TestPlaceFileAutoPlacesFileWithSomeStrategy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")

	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	mode, err := placeFile(src, dst, LinkAuto, nil)
	if err != nil {
		t.Fatalf("placeFile() error: %v", err)
	}

	if mode != LinkReflink && mode != LinkHardlink && mode != LinkCopy {
		t.Errorf("unexpected mode %v", mode)
	}

	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "payload" {
		t.Errorf("dst content = %q, %v, want %q, nil", data, err, "payload")
	}
}

func TestPlaceFileOverwritesExisting(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")

	if err := os.WriteFile(src, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(dst, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := placeFile(src, dst, LinkCopy, nil); err != nil {
		t.Fatalf("placeFile() error: %v", err)
	}

	data, err := os.ReadFile(dst)
	if err != nil || string(data) != "new" {
		t.Errorf("dst content = %q, %v, want %q, nil", data, err, "new")
	}
}
