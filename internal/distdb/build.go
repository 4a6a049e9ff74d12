package distdb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/ppm-dev/ppm/internal/requirement"
)

// IsolationMode names how a source build's build-system requirements are
// installed relative to the target environment. subprocessBuildRunner does
// not act on it: every build runs directly in its Python interpreter.
type IsolationMode int

const (
	// Isolated builds in a throwaway environment (the default).
	Isolated IsolationMode = iota
	// Shared reuses the target environment; the caller accepts the risk of
	// build-time requirements leaking into it.
	Shared
	// SharedPackage isolates every build requirement except an explicit
	// whitelist.
	SharedPackage
)

// BuildRequest describes one build-backend invocation. subprocessBuildRunner
// reads none of Isolation, SharedEnv, SharedAllow or BuildBackend; its driver
// always imports setuptools.build_meta.
type BuildRequest struct {
	Package      string
	Version      string
	Isolation    IsolationMode
	SharedEnv    string   // site-packages path, when Isolation != Isolated
	SharedAllow  []string // whitelist, when Isolation == SharedPackage
	BuildBackend string   // PEP 517 backend import path
}

// BuildRunner is the build-backend protocol adaptor: it invokes a build
// backend as a subprocess and communicates over stdin/stdout with
// structured records, per spec.md §6's build-backend protocol. Tests can
// substitute a fake to avoid spawning a real interpreter.
type BuildRunner interface {
	PrepareMetadata(ctx context.Context, sourceDir string, req BuildRequest) (*MetadataRecord, error)
	BuildWheel(ctx context.Context, sourceDir, outDir string, req BuildRequest) (wheelPath string, err error)
}

// buildProtocolRequest is the language-neutral request record sent to the
// backend's driver script on stdin, per spec.md §6: "Inputs are passed as
// command-line arguments and a configuration mapping."
type buildProtocolRequest struct {
	Hook       string            `json:"hook"` // prepare_metadata_for_build_wheel | build_wheel | build_sdist
	SourceDir  string            `json:"source_dir"`
	OutDir     string            `json:"out_dir"`
	ConfigArgs map[string]string `json:"config_settings"`
}

// buildProtocolResponse is the structured reply on stdout: either a path to
// the produced artifact, or a structured error, per spec.md §6.
type buildProtocolResponse struct {
	ArtifactPath string   `json:"artifact_path"`
	Error        string   `json:"error"`
	Dependencies []string `json:"dependencies"`
	Extras       []string `json:"extras"`
	Requires     string   `json:"requires_python"`
}

// subprocessBuildRunner is the default BuildRunner: it shells out to a
// small Python driver (the inline driverScript) that speaks the
// buildProtocolRequest/Response JSON protocol over stdin/stdout. The request
// carries no backend name, so the driver imports setuptools.build_meta.
type subprocessBuildRunner struct {
	pythonBin string
	logger    *slog.Logger
}

const driverScript = `
import json, sys, importlib

req = json.loads(sys.stdin.read())
backend = importlib.import_module(req.get("backend") or "setuptools.build_meta")

try:
    if req["hook"] == "prepare_metadata_for_build_wheel":
        path = backend.prepare_metadata_for_build_wheel(req["out_dir"])
    elif req["hook"] == "build_wheel":
        path = backend.build_wheel(req["out_dir"])
    elif req["hook"] == "build_sdist":
        path = backend.build_sdist(req["out_dir"])
    else:
        raise ValueError("unknown hook " + req["hook"])
    print(json.dumps({"artifact_path": path}))
except Exception as e:
    print(json.dumps({"error": str(e)}))
    sys.exit(1)
`

func (r *subprocessBuildRunner) pyBin() string {
	if r.pythonBin != "" {
		return r.pythonBin
	}

	return "python3"
}

func (r *subprocessBuildRunner) invoke(ctx context.Context, sourceDir string, preq buildProtocolRequest) (*buildProtocolResponse, error) {
	payload, err := json.Marshal(preq)
	if err != nil {
		return nil, fmt.Errorf("encoding build request: %w", err)
	}

	if r.logger != nil {
		r.logger.Debug("invoking build backend", slog.String("hook", preq.Hook), slog.String("source_dir", sourceDir))
	}

	cmd := exec.CommandContext(ctx, r.pyBin(), "-c", driverScript)
	cmd.Dir = sourceDir
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()

	var resp buildProtocolResponse

	if decErr := json.Unmarshal(stdout.Bytes(), &resp); decErr != nil && err == nil {
		return nil, &BuildFailedError{Package: sourceDir, Diagnostic: "malformed build-backend response: " + decErr.Error()}
	}

	if err != nil || resp.Error != "" {
		diag := resp.Error
		if diag == "" {
			diag = stderr.String()
		}

		return nil, &BuildFailedError{Package: sourceDir, Diagnostic: diag}
	}

	return &resp, nil
}

func (r *subprocessBuildRunner) PrepareMetadata(ctx context.Context, sourceDir string, req BuildRequest) (*MetadataRecord, error) {
	outDir, err := os.MkdirTemp("", "ppm-metadata-*")
	if err != nil {
		return nil, fmt.Errorf("creating metadata output dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(outDir) }()

	resp, err := r.invoke(ctx, sourceDir, buildProtocolRequest{Hook: "prepare_metadata_for_build_wheel", SourceDir: sourceDir, OutDir: outDir})
	if err != nil {
		return nil, err
	}

	deps := make([]requirement.Requirement, 0, len(resp.Dependencies))

	for _, raw := range resp.Dependencies {
		parsed, err := requirement.Parse(raw)
		if err != nil {
			continue
		}

		deps = append(deps, parsed)
	}

	return &MetadataRecord{Dependencies: deps, RequiresPython: resp.Requires}, nil
}

func (r *subprocessBuildRunner) BuildWheel(ctx context.Context, sourceDir, outDir string, req BuildRequest) (string, error) {
	resp, err := r.invoke(ctx, sourceDir, buildProtocolRequest{Hook: "build_wheel", SourceDir: sourceDir, OutDir: outDir})
	if err != nil {
		return "", err
	}

	if resp.ArtifactPath == "" {
		return "", &BuildFailedError{Package: sourceDir, Diagnostic: "build backend returned no artifact path"}
	}

	return filepath.Join(outDir, resp.ArtifactPath), nil
}

// buildFromGit clones ref's repo at its pinned revision and builds it as a
// source tree. Grounded on AlexanderEkdahl-rope's subprocess-shim pattern
// for invoking an external tool and capturing its produced artifact.
func (d *Database) buildFromGit(ctx context.Context, ref PackageRef, partition string) (*LocalArtifact, error) {
	if ref.Source.Repo == "" || ref.Source.Revision == "" {
		return nil, fmt.Errorf("git source for %s missing repo or resolved revision", ref.Name)
	}

	var artifact *LocalArtifact

	dir, err := d.cache.Put(partition, ref.cacheKey(), func(tmpEntry string) error {
		cloneDir := filepath.Join(tmpEntry, "src")

		cmd := exec.CommandContext(ctx, "git", "clone", "--quiet", ref.Source.Repo, cloneDir)
		if out, err := cmd.CombinedOutput(); err != nil {
			return &BuildFailedError{Package: ref.Name, Diagnostic: fmt.Sprintf("git clone failed: %v: %s", err, out)}
		}

		checkout := exec.CommandContext(ctx, "git", "-C", cloneDir, "checkout", "--quiet", ref.Source.Revision)
		if out, err := checkout.CombinedOutput(); err != nil {
			return &BuildFailedError{Package: ref.Name, Diagnostic: fmt.Sprintf("git checkout failed: %v: %s", err, out)}
		}

		entries, err := d.buildSourceTree(ctx, cloneDir, tmpEntry, ref)
		if err != nil {
			return err
		}

		artifact = &LocalArtifact{Files: entries}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if artifact == nil {
		return localArtifactFromDir(dir)
	}

	artifact.Dir = dir

	return artifact, nil
}

// buildFromPath builds a local source tree (editable or not). An editable
// install's payload is the source directory itself; a non-editable one is
// built into a wheel first.
func (d *Database) buildFromPath(ctx context.Context, ref PackageRef, partition string) (*LocalArtifact, error) {
	if ref.Source.Local == "" {
		return nil, fmt.Errorf("path source for %s has no local directory", ref.Name)
	}

	if ref.Source.Editable {
		return localArtifactFromDir(ref.Source.Local)
	}

	var artifact *LocalArtifact

	dir, err := d.cache.Put(partition, ref.cacheKey(), func(tmpEntry string) error {
		entries, err := d.buildSourceTree(ctx, ref.Source.Local, tmpEntry, ref)
		if err != nil {
			return err
		}

		artifact = &LocalArtifact{Files: entries}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if artifact == nil {
		return localArtifactFromDir(dir)
	}

	artifact.Dir = dir

	return artifact, nil
}

// buildSourceTree runs the build-worker-pool-bounded build_wheel hook over
// sourceDir and unpacks the resulting wheel into destDir.
func (d *Database) buildSourceTree(ctx context.Context, sourceDir, destDir string, ref PackageRef) ([]FileEntry, error) {
	var entries []FileEntry

	err := d.sched.Builds.Do(ctx, func(ctx context.Context) error {
		outDir, err := os.MkdirTemp("", "ppm-build-*")
		if err != nil {
			return fmt.Errorf("creating build output dir: %w", err)
		}
		defer func() { _ = os.RemoveAll(outDir) }()

		wheelPath, err := d.builder.BuildWheel(ctx, sourceDir, outDir, BuildRequest{Package: ref.Name, Version: ref.Version})
		if err != nil {
			return err
		}

		unpacked, err := unzip(wheelPath, destDir)
		if err != nil {
			return fmt.Errorf("unpacking built wheel for %s: %w", ref.Name, err)
		}

		entries = unpacked

		return nil
	})

	return entries, err
}
