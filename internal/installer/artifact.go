package installer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ppm-dev/ppm/internal/distdb"
)

// InstallArtifact places an already-unpacked distdb.LocalArtifact (a
// resolved wheel's payload, whether downloaded or built from source) into
// the target environment using the configured LinkMode, then writes
// RECORD/INSTALLER and generates console scripts exactly as installWheel
// does for a zip-sourced install. This is the path spec.md §4.G describes
// for cache-backed installs: "place files via the configured link
// strategy" rather than re-copying bytes out of a zip on every install.
func (s *Service) InstallArtifact(name string, artifact *distdb.LocalArtifact) error {
	siteDir := s.env.SitePackages
	dataSuffix := ".data" + string(filepath.Separator)

	var records []RecordEntry
	var distInfoDir string
	var usedMode LinkMode

	for _, entry := range artifact.Files {
		rel := filepath.FromSlash(entry.Path)
		destPath, category := s.resolveDestination(rel, siteDir, dataSuffix)

		if destPath == "" {
			continue
		}

		base := s.baseForCategory(category, siteDir)
		if !isInsideDir(destPath, base) {
			return fmt.Errorf("artifact entry %s resolves outside %s", entry.Path, base)
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", entry.Path, err)
		}

		srcPath := filepath.Join(artifact.Dir, rel)

		mode, err := placeFile(srcPath, destPath, s.linkMode, s.logger)
		if err != nil {
			return fmt.Errorf("placing %s: %w", entry.Path, err)
		}

		usedMode = mode

		if category == categoryScripts {
			if err := os.Chmod(destPath, 0o755); err != nil {
				return fmt.Errorf("setting executable permission on %s: %w", destPath, err)
			}
		}

		if strings.Contains(entry.Path, ".dist-info/") {
			distInfoDir = filepath.Join(siteDir, strings.SplitN(entry.Path, "/", 2)[0])
		}

		relFromSite, err := filepath.Rel(siteDir, destPath)
		if err != nil {
			relFromSite = rel
		}

		records = append(records, RecordEntry{Path: relFromSite, Hash: "sha256=" + entry.SHA256, Size: entry.Size})
	}

	if distInfoDir == "" {
		return fmt.Errorf("no .dist-info directory found for %s", name)
	}

	s.logger.Debug("placed artifact", slog.String("package", name), slog.String("strategy", usedMode.String()))

	if err := WriteInstaller(distInfoDir); err != nil {
		return fmt.Errorf("writing INSTALLER: %w", err)
	}

	installerPath := filepath.Join(distInfoDir, "INSTALLER")

	hash, size, err := HashFile(installerPath)
	if err != nil {
		return fmt.Errorf("hashing INSTALLER: %w", err)
	}

	relInstaller, _ := filepath.Rel(siteDir, installerPath)
	records = append(records, RecordEntry{Path: relInstaller, Hash: hash, Size: size})

	binDir := filepath.Join(s.env.Prefix, "bin")

	scriptRecords, err := InstallConsoleScripts(distInfoDir, binDir, s.env.PythonPath)
	if err != nil {
		return fmt.Errorf("installing console scripts: %w", err)
	}

	records = append(records, scriptRecords...)

	if err := WriteRecord(distInfoDir, records); err != nil {
		return fmt.Errorf("writing RECORD: %w", err)
	}

	return nil
}
