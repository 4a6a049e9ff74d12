package python

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// InstalledDistribution is one *-dist-info directory found in an
// environment's site-packages: a name/version pair plus the RECORD paths
// that belong to it, as written by internal/installer.
type InstalledDistribution struct {
	Name      string
	Version   string
	Location  string // the *.dist-info directory itself
	Files     []string
	Installer string // contents of INSTALLER, e.g. "ppm"
}

// ScanDistributions walks env.SitePackages and returns every installed
// distribution it can parse a *.dist-info/METADATA from. Distributions
// that fail to parse (corrupt or partial installs) are skipped rather
// than aborting the whole scan, since internal/planner needs a best-effort
// picture of "what's actually there" to diff against a lockfile.
func ScanDistributions(env *Environment) ([]InstalledDistribution, error) {
	entries, err := os.ReadDir(env.SitePackages)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading site-packages %s: %w", env.SitePackages, err)
	}

	var dists []InstalledDistribution

	for _, e := range entries {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), ".dist-info") {
			continue
		}

		dir := filepath.Join(env.SitePackages, e.Name())

		dist, err := readDistInfo(dir)
		if err != nil {
			continue
		}

		dists = append(dists, dist)
	}

	return dists, nil
}

func readDistInfo(dir string) (InstalledDistribution, error) {
	name, version, err := parseMetadata(filepath.Join(dir, "METADATA"))
	if err != nil {
		return InstalledDistribution{}, err
	}

	dist := InstalledDistribution{Name: name, Version: version, Location: dir}

	if b, err := os.ReadFile(filepath.Join(dir, "INSTALLER")); err == nil {
		dist.Installer = strings.TrimSpace(string(b))
	}

	if files, err := readRecordPaths(filepath.Join(dir, "RECORD")); err == nil {
		dist.Files = files
	}

	return dist, nil
}

// parseMetadata extracts the Name and Version headers from a PEP
// 566/dist-info METADATA file. It stops at the first blank line, since
// everything after that is the long description body and may itself
// contain lines starting with "Name:" or "Version:" in prose.
func parseMetadata(path string) (name, version string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}

		switch {
		case strings.HasPrefix(line, "Name:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "Name:"))
		case strings.HasPrefix(line, "Version:"):
			version = strings.TrimSpace(strings.TrimPrefix(line, "Version:"))
		}

		if name != "" && version != "" {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return "", "", err
	}

	if name == "" || version == "" {
		return "", "", fmt.Errorf("METADATA %s missing Name or Version header", path)
	}

	return name, version, nil
}

func readRecordPaths(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var paths []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		idx := strings.IndexByte(line, ',')
		if idx < 0 {
			continue
		}

		paths = append(paths, line[:idx])
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return paths, nil
}
