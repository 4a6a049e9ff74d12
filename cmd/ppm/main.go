package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppm-dev/ppm/internal/cache"
	"github.com/ppm-dev/ppm/internal/downloader"
	"github.com/ppm-dev/ppm/internal/installer"
	"github.com/ppm-dev/ppm/internal/markers"
	"github.com/ppm-dev/ppm/internal/pypi"
	"github.com/ppm-dev/ppm/internal/python"
	"github.com/ppm-dev/ppm/internal/requirement"
	"github.com/ppm-dev/ppm/internal/resolver"
)

var version = "0.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	rootCmd := &cobra.Command{
		Use:           "ppm",
		Short:         "A fast Python package manager",
		Long:          "ppm resolves, locks, and installs Python dependencies, downloading and unpacking wheels concurrently.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	installCmd := &cobra.Command{
		Use:   "install [packages...]",
		Short: "Resolve and install Python packages into the active environment",
		Args:  cobra.MinimumNArgs(0),
		RunE:  runInstall,
	}

	installCmd.Flags().StringP("requirements", "r", "", "install from requirements file")
	installCmd.Flags().IntP("jobs", "j", 0, "max concurrent downloads (default: GOMAXPROCS)")
	installCmd.Flags().String("python", "python3", "python binary to use")
	installCmd.Flags().String("target", "", "target directory (default: auto-detect site-packages)")
	installCmd.Flags().BoolP("verbose", "v", false, "verbose output")
	installCmd.Flags().Bool("dry-run", false, "show the plan without downloading or installing")
	installCmd.Flags().Bool("no-deps", false, "skip dependencies, install only specified packages")
	installCmd.Flags().Bool("pre", false, "allow pre-release versions when no stable candidate satisfies a constraint")
	installCmd.Flags().StringSlice("extra", nil, "extras to activate, e.g. --extra test --extra docs")

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(newCacheCmd())

	return rootCmd.Execute()
}

func newCacheCmd() *cobra.Command {
	cacheCmd := &cobra.Command{Use: "cache", Short: "Inspect or clear the local wheel cache"}

	dirCmd := &cobra.Command{
		Use:   "dir",
		Short: "Print the cache directory path",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := cache.New()
			if err != nil {
				return err
			}

			fmt.Println(mgr.Dir())

			return nil
		},
	}

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove all cached wheels",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := cache.New()
			if err != nil {
				return err
			}

			return mgr.Clean()
		},
	}

	cacheCmd.AddCommand(dirCmd, cleanCmd)

	return cacheCmd
}

type installFlags struct {
	reqFile   string
	jobs      int
	pythonBin string
	targetDir string
	verbose   bool
	dryRun    bool
	noDeps    bool
	pre       bool
	extras    []string
}

func parseInstallFlags(cmd *cobra.Command) installFlags {
	reqFile, _ := cmd.Flags().GetString("requirements")
	jobs, _ := cmd.Flags().GetInt("jobs")
	pythonBin, _ := cmd.Flags().GetString("python")
	targetDir, _ := cmd.Flags().GetString("target")
	verbose, _ := cmd.Flags().GetBool("verbose")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	noDeps, _ := cmd.Flags().GetBool("no-deps")
	pre, _ := cmd.Flags().GetBool("pre")
	extras, _ := cmd.Flags().GetStringSlice("extra")

	return installFlags{reqFile, jobs, pythonBin, targetDir, verbose, dryRun, noDeps, pre, extras}
}

func runInstall(cmd *cobra.Command, args []string) error {
	start := time.Now()
	flags := parseInstallFlags(cmd)

	requirements, err := collectRequirements(args, flags.reqFile)
	if err != nil {
		return err
	}

	if len(requirements) == 0 {
		return fmt.Errorf("no packages specified; use 'ppm install <pkg>' or 'ppm install -r requirements.txt'")
	}

	logger := newLogger(flags.verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	env, err := detectEnv(ctx, flags.pythonBin, flags.targetDir, logger)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	pypiClient := pypi.New(pypi.WithHTTPClient(httpClient), pypi.WithLogger(logger))

	resolved, err := resolveDeps(ctx, requirements, pypiClient, flags, env, logger)
	if err != nil {
		return err
	}

	compatTags := buildCompatTags(env)

	plans, err := selectWheels(ctx, resolved, pypiClient, compatTags, env)
	if err != nil {
		return err
	}

	if flags.dryRun {
		printDryRun(plans)

		return nil
	}

	results, tmpDir, err := downloadPackages(ctx, plans, flags.jobs, httpClient, logger)
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	printDownloadResults(results)

	fmt.Println("\nInstalling...")

	inst := installer.New(env, installer.WithLogger(logger))
	if err := inst.Install(ctx, results); err != nil {
		return fmt.Errorf("installing packages: %w", err)
	}

	fmt.Printf("  %d packages installed\n", len(results))
	fmt.Printf("\nDone in %.1fs\n", time.Since(start).Seconds())

	return nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelWarn
	if verbose {
		logLevel = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func detectEnv(ctx context.Context, pythonBin, targetDir string, logger *slog.Logger) (*python.Environment, error) {
	pyDetector := python.New(python.WithPythonBin(pythonBin))

	env, err := pyDetector.Detect(ctx)
	if err != nil {
		return nil, fmt.Errorf("detecting Python environment: %w", err)
	}

	if targetDir != "" {
		absTarget, err := filepath.Abs(targetDir)
		if err != nil {
			return nil, fmt.Errorf("resolving target directory: %w", err)
		}

		env.SitePackages = absTarget
	}

	logger.Debug("detected Python environment",
		slog.String("prefix", env.Prefix),
		slog.String("site-packages", env.SitePackages),
		slog.String("platform", env.PlatformTag),
		slog.String("version", env.PythonVersion),
		slog.Bool("venv", env.IsVirtualEnv),
	)

	return env, nil
}

func resolveDeps(ctx context.Context, requirements []string, pypiClient pypi.Client, flags installFlags, env *python.Environment, logger *slog.Logger) ([]resolver.ResolvedPackage, error) {
	fmt.Println("Resolving dependencies...")

	markerEnv := markers.EnvFromPython(env, flags.extras, nil)

	policy := resolver.IfNecessaryOrExplicit
	if flags.pre {
		policy = resolver.AllowPreReleases
	}

	resolverSvc := resolver.New(resolver.NewPyPISource(pypiClient),
		resolver.WithNoDeps(flags.noDeps),
		resolver.WithEnv(markerEnv),
		resolver.WithLogger(logger),
		resolver.WithPrereleasePolicy(policy),
	)

	graph, err := resolverSvc.Resolve(ctx, requirements)
	if err != nil {
		return nil, fmt.Errorf("resolving dependencies: %w", err)
	}

	resolved := graph.Flatten()

	resolvedMap := make(map[string]resolver.ResolvedPackage, len(resolved))
	for _, pkg := range resolved {
		resolvedMap[pkg.Name] = pkg
	}

	rootNames := make([]string, 0, len(requirements))

	for _, r := range requirements {
		req, err := requirement.Parse(r)
		if err != nil {
			continue
		}

		rootNames = append(rootNames, req.Name)
	}

	printDependencyTree(rootNames, resolvedMap)

	return resolved, nil
}

func printDryRun(plans []downloadPlan) {
	fmt.Printf("\nWould download %d packages:\n", len(plans))

	for _, p := range plans {
		fmt.Printf("  %s (%s)\n", p.wheelURL.Filename, formatSize(p.wheelURL.Size))
	}

	fmt.Println("\nDry run, no changes made.")
}

func printDownloadResults(results []downloader.Result) {
	for _, r := range results {
		suffix := ""
		if r.Cached {
			suffix = " (cached)"
		}

		fmt.Printf("  %s (%s)%s\n", filepath.Base(r.FilePath), formatSize(r.Size), suffix)
	}
}

type downloadPlan struct {
	pkg      resolver.ResolvedPackage
	wheelURL pypi.URL
}

// selectWheels finds a compatible wheel for each resolved package.
func selectWheels(ctx context.Context, resolved []resolver.ResolvedPackage, client pypi.Client, compatTags []downloader.WheelTag, env *python.Environment) ([]downloadPlan, error) {
	var plans []downloadPlan

	for _, pkg := range resolved {
		pkgInfo, err := client.GetPackageVersion(ctx, pkg.Name, pkg.Version)
		if err != nil {
			return nil, fmt.Errorf("fetching URLs for %s %s: %w", pkg.Name, pkg.Version, err)
		}

		wheel, err := downloader.SelectWheel(pkgInfo.URLs, compatTags)
		if err != nil {
			return nil, fmt.Errorf("no compatible wheel for %s %s (platform: %s, python: cp%s): %w",
				pkg.Name, pkg.Version, wheelPlatform(env.PlatformTag), env.PythonVersion, err)
		}

		plans = append(plans, downloadPlan{pkg: pkg, wheelURL: wheel})
	}

	return plans, nil
}

// downloadPackages downloads all planned packages concurrently with cache support.
// Caller is responsible for cleaning up tmpDir after installation.
func downloadPackages(ctx context.Context, plans []downloadPlan, jobs int, httpClient *http.Client, logger *slog.Logger) ([]downloader.Result, string, error) {
	tmpDir, err := os.MkdirTemp("", "ppm-downloads-*")
	if err != nil {
		return nil, "", fmt.Errorf("creating temp directory: %w", err)
	}

	requests := buildDownloadRequests(plans)

	workers := runtime.GOMAXPROCS(0)
	if jobs > 0 {
		workers = jobs
	}

	fmt.Printf("\nDownloading %d packages (%d workers)...\n", len(requests), workers)

	dlManager := newDownloader(tmpDir, jobs, httpClient, logger)

	results, err := dlManager.Download(ctx, requests)
	if err != nil {
		_ = os.RemoveAll(tmpDir)

		return nil, "", fmt.Errorf("downloading packages: %w", err)
	}

	return results, tmpDir, nil
}

func buildDownloadRequests(plans []downloadPlan) []downloader.Request {
	requests := make([]downloader.Request, len(plans))
	for i, p := range plans {
		requests[i] = downloader.Request{
			Name:     p.pkg.Name,
			Version:  p.pkg.Version,
			URL:      p.wheelURL.URL,
			SHA256:   p.wheelURL.Digests.SHA256,
			Filename: p.wheelURL.Filename,
		}
	}

	return requests
}

func newDownloader(tmpDir string, jobs int, httpClient *http.Client, logger *slog.Logger) *downloader.Manager {
	wheelCache, err := cache.New(cache.WithLogger(logger))
	if err != nil {
		logger.Debug("cache unavailable, continuing without cache", slog.String("error", err.Error()))
	}

	dlOpts := []downloader.Option{
		downloader.WithHTTPClient(httpClient),
		downloader.WithLogger(logger),
	}

	if wheelCache != nil {
		dlOpts = append(dlOpts, downloader.WithCache(wheelCache))
	}

	if jobs > 0 {
		dlOpts = append(dlOpts, downloader.WithMaxWorkers(jobs))
	}

	return downloader.New(tmpDir, dlOpts...)
}

// collectRequirements merges CLI args and requirements file entries.
func collectRequirements(args []string, reqFile string) ([]string, error) {
	var requirements []string

	requirements = append(requirements, args...)

	if reqFile != "" {
		fileReqs, err := parseRequirementsFile(reqFile)
		if err != nil {
			return nil, err
		}

		requirements = append(requirements, fileReqs...)
	}

	return requirements, nil
}

// parseRequirementsFile reads a pip-compatible requirements file.
// Skips comments, empty lines, and pip options (lines starting with -).
func parseRequirementsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening requirements file %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var reqs []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if idx := strings.Index(line, "#"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}

		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}

		reqs = append(reqs, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading requirements file %s: %w", path, err)
	}

	return reqs, nil
}

// buildCompatTags generates PEP 425 compatible wheel tags ordered by priority.
func buildCompatTags(env *python.Environment) []downloader.WheelTag {
	pyVer := env.PythonVersion
	platform := wheelPlatform(env.PlatformTag)
	cp := "cp" + pyVer
	pyMajor := "py" + pyVer[:1]

	var tags []downloader.WheelTag

	platforms := expandPlatform(platform)

	for _, plat := range platforms {
		tags = append(tags, downloader.WheelTag{Python: cp, ABI: cp, Platform: plat})
	}

	for _, plat := range platforms {
		tags = append(tags, downloader.WheelTag{Python: cp, ABI: "abi3", Platform: plat})
	}

	for _, plat := range platforms {
		tags = append(tags, downloader.WheelTag{Python: cp, ABI: "none", Platform: plat})
	}

	for _, plat := range platforms {
		tags = append(tags, downloader.WheelTag{Python: pyMajor, ABI: "none", Platform: plat})
	}

	tags = append(tags, downloader.WheelTag{Python: cp, ABI: "none", Platform: "any"})
	tags = append(tags, downloader.WheelTag{Python: pyMajor, ABI: "none", Platform: "any"})

	return tags
}

// expandPlatform expands a platform tag into a priority-ordered list including
// manylinux variants (Linux) and lower macOS version variants.
func expandPlatform(platform string) []string {
	platforms := []string{platform}

	if strings.HasPrefix(platform, "linux_") {
		arch := strings.TrimPrefix(platform, "linux_")

		for _, ml := range []string{
			"manylinux_2_35", "manylinux_2_34", "manylinux_2_31",
			"manylinux_2_28", "manylinux_2_17", "manylinux2014",
		} {
			platforms = append(platforms, ml+"_"+arch)
		}
	}

	if strings.HasPrefix(platform, "macosx_") {
		parts := strings.SplitN(platform, "_", 4)
		if len(parts) == 4 {
			arch := parts[3]
			major, _ := strconv.Atoi(parts[1])

			platforms = append(platforms,
				fmt.Sprintf("macosx_%s_%s_universal2", parts[1], parts[2]),
			)

			minMajor := 10
			if arch == "arm64" {
				minMajor = 11
			}

			for v := major - 1; v >= minMajor; v-- {
				minor := "0"
				if v == 10 {
					minor = "9"
				}

				platforms = append(platforms,
					fmt.Sprintf("macosx_%d_%s_%s", v, minor, arch),
					fmt.Sprintf("macosx_%d_%s_universal2", v, minor),
				)
			}
		}
	}

	return platforms
}

// wheelPlatform converts a sysconfig platform tag to wheel format.
// "macosx-14.0-arm64" → "macosx_14_0_arm64"
func wheelPlatform(sysTag string) string {
	s := strings.ReplaceAll(sysTag, "-", "_")

	return strings.ReplaceAll(s, ".", "_")
}

// printDependencyTree prints the resolved packages as a dependency tree.
func printDependencyTree(roots []string, resolved map[string]resolver.ResolvedPackage) {
	visited := make(map[string]bool)

	for _, root := range roots {
		pkg, ok := resolved[root]
		if !ok {
			continue
		}

		fmt.Printf("  %s %s\n", pkg.Name, pkg.Version)

		visited[root] = true

		printSubTree(pkg.Dependencies, resolved, "  ", visited)
	}
}

func printSubTree(deps []string, resolved map[string]resolver.ResolvedPackage, prefix string, visited map[string]bool) {
	for i, depName := range deps {
		pkg, ok := resolved[depName]
		if !ok {
			continue
		}

		isLast := i == len(deps)-1

		connector := "├── "
		childPrefix := "│   "

		if isLast {
			connector = "└── "
			childPrefix = "    "
		}

		fmt.Printf("%s%s%s %s\n", prefix, connector, pkg.Name, pkg.Version)

		if !visited[depName] && len(pkg.Dependencies) > 0 {
			visited[depName] = true
			printSubTree(pkg.Dependencies, resolved, prefix+childPrefix, visited)
		}
	}
}

// formatSize returns a human-readable file size.
func formatSize(bytes int64) string {
	switch {
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%d KB", bytes/(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
