package installer

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Uninstall removes every file a prior install recorded in distInfoDir's
// RECORD, then the dist-info directory itself. Entries are removed in the
// order RECORD lists them, and after each removal the parent directories
// left empty are pruned.
func (s *Service) Uninstall(distInfoDir string) error {
	entries, err := readRecord(distInfoDir)
	if err != nil {
		return fmt.Errorf("reading RECORD for %s: %w", distInfoDir, err)
	}

	siteDir := s.env.SitePackages

	for _, e := range entries {
		if e.Path == "" {
			continue
		}

		abs := resolveRecordPath(e.Path, siteDir, s.env.Prefix)

		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", abs, err)
		}

		pruneEmptyParents(filepath.Dir(abs), siteDir, s.env.Prefix)
	}

	if err := os.RemoveAll(distInfoDir); err != nil {
		return fmt.Errorf("removing %s: %w", distInfoDir, err)
	}

	return nil
}

// resolveRecordPath turns a RECORD path (relative to site-packages, except
// for entries that were installed under .data/{scripts,data,headers} and
// therefore recorded relative to the environment prefix) back into an
// absolute path. ppm records every entry relative to siteDir (see
// installWheel), so this is a straight join; it is kept as a named step
// since a future multi-root layout would change only this function.
func resolveRecordPath(relPath, siteDir, _ string) string {
	return filepath.Join(siteDir, relPath)
}

// pruneEmptyParents removes dir and its ancestors, stopping at the first
// non-empty directory or at either boundary root.
func pruneEmptyParents(dir, siteDir, prefix string) {
	for dir != siteDir && dir != prefix && dir != "." && dir != string(filepath.Separator) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}

		if err := os.Remove(dir); err != nil {
			return
		}

		dir = filepath.Dir(dir)
	}
}

// readRecord parses a dist-info/RECORD file into its path entries. The
// hash and size fields are not needed for uninstall and are ignored; a
// row with fewer than one field (a stray blank line) is skipped.
func readRecord(distInfoDir string) ([]RecordEntry, error) {
	f, err := os.Open(filepath.Join(distInfoDir, "RECORD"))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []RecordEntry

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		// RECORD is CSV but the only field uninstall needs is the path,
		// which never contains a comma (wheel filenames are normalized).
		idx := strings.IndexByte(line, ',')
		if idx < 0 {
			continue
		}

		entries = append(entries, RecordEntry{Path: line[:idx]})
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}
