package markers

import (
	"runtime"
	"strings"

	"github.com/ppm-dev/ppm/internal/python"
)

// DottedPythonVersion converts a compact version string like "312" (as
// reported by sys.version_info) into the dotted "3.12" form PEP 508
// markers compare against. Strings already containing a dot are returned
// unchanged.
func DottedPythonVersion(compact string) string {
	if strings.Contains(compact, ".") || len(compact) < 2 {
		return compact
	}

	return compact[:1] + "." + compact[1:]
}

// EnvFromPython builds a marker Env from a detected Python environment, for
// single-environment (non-universal) resolution and for installer-time
// marker evaluation. platform_release, platform_system and platform_version
// are left unbound.
func EnvFromPython(env *python.Environment, extras, groups []string) Env {
	pyVer := DottedPythonVersion(env.PythonVersion)

	values := map[string]string{
		"python_version":                  pyVer,
		"python_full_version":             pyVer,
		"implementation_version":          pyVer,
		"implementation_name":             "cpython",
		"platform_python_implementation":  "CPython",
		"sys_platform":                    sysPlatform(env.PlatformTag),
		"os_name":                         osName(env.PlatformTag),
		"platform_machine":                runtime.GOARCH,
	}

	e := Env{Values: values, Extras: map[string]bool{}, Groups: map[string]bool{}}

	for _, x := range extras {
		e.Extras[x] = true
	}

	for _, g := range groups {
		e.Groups[g] = true
	}

	return e
}

func sysPlatform(platformTag string) string {
	switch {
	case strings.HasPrefix(platformTag, "macosx"):
		return "darwin"
	case strings.HasPrefix(platformTag, "win"):
		return "win32"
	default:
		return "linux"
	}
}

func osName(platformTag string) string {
	if strings.HasPrefix(platformTag, "win") {
		return "nt"
	}

	return "posix"
}
