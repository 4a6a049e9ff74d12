package distdb

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func TestArtifactCachePutAndLookup(t *testing.T) {
	root := t.TempDir()

	c, err := NewArtifactCache(root)
	if err != nil {
		t.Fatalf("NewArtifactCache() error: %v", err)
	}

	if _, ok := c.Lookup("wheels", "k1"); ok {
		t.Fatal("Lookup() on empty cache returned true")
	}

	dir, err := c.Put("wheels", "k1", func(tmp string) error {
		return os.WriteFile(filepath.Join(tmp, "payload.txt"), []byte("hi"), 0o644)
	})
	if err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, ok := c.Lookup("wheels", "k1")
	if !ok || got != dir {
		t.Fatalf("Lookup() = (%q, %v), want (%q, true)", got, ok, dir)
	}

	data, err := os.ReadFile(filepath.Join(dir, "payload.txt"))
	if err != nil || string(data) != "hi" {
		t.Errorf("payload.txt = %q, %v, want %q, nil", data, err, "hi")
	}
}

func TestArtifactCachePutIsIdempotent(t *testing.T) {
	root := t.TempDir()

	c, err := NewArtifactCache(root)
	if err != nil {
		t.Fatalf("NewArtifactCache() error: %v", err)
	}

	var calls int32

	populate := func(tmp string) error {
		atomic.AddInt32(&calls, 1)

		return os.WriteFile(filepath.Join(tmp, "f"), []byte("x"), 0o644)
	}

	var wg sync.WaitGroup

	dirs := make([]string, 10)

	for i := range dirs {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			dir, err := c.Put("builds", "shared-key", populate)
			if err != nil {
				t.Errorf("Put() error: %v", err)

				return
			}

			dirs[i] = dir
		}(i)
	}

	wg.Wait()

	for _, d := range dirs {
		if d != dirs[0] {
			t.Errorf("got differing entry dirs across concurrent Put calls: %q vs %q", d, dirs[0])
		}
	}
}

func TestPutFailurePopulateDiscardsTemp(t *testing.T) {
	root := t.TempDir()

	c, err := NewArtifactCache(root)
	if err != nil {
		t.Fatalf("NewArtifactCache() error: %v", err)
	}

	_, err = c.Put("sdists", "bad-key", func(tmp string) error {
		return os.ErrInvalid
	})
	if err == nil {
		t.Fatal("expected Put() to propagate populate error")
	}

	if _, ok := c.Lookup("sdists", "bad-key"); ok {
		t.Error("failed populate should not leave a complete entry")
	}

	entries, err := os.ReadDir(filepath.Join(root, "sdists"))
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}

	if len(entries) != 0 {
		t.Errorf("expected no leftover tmp dirs, found %d", len(entries))
	}
}

func TestLocalArtifactFromDirSkipsSentinel(t *testing.T) {
	dir := t.TempDir()

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aaa"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, sentinelFile), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	art, err := localArtifactFromDir(dir)
	if err != nil {
		t.Fatalf("localArtifactFromDir() error: %v", err)
	}

	if len(art.Files) != 1 || art.Files[0].Path != "a.txt" {
		t.Errorf("Files = %v, want exactly [a.txt]", art.Files)
	}
}
