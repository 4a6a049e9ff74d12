package lockfile

import "testing"

func baseFile() *File {
	return &File{
		Version:        schemaVersion,
		RequiresPython: ">=3.8",
	}
}

func baseManifest() Manifest {
	return Manifest{RequiresPython: ">=3.8"}
}

func TestCheckStalenessFreshWhenNothingChanged(t *testing.T) {
	f := baseFile()
	m := baseManifest()

	reason, err := CheckStaleness(f, m, nil)
	if err != nil {
		t.Fatalf("CheckStaleness() error: %v", err)
	}

	if reason != ReasonFresh {
		t.Errorf("reason = %q, want fresh", reason)
	}
}

func TestCheckStalenessNarrowingPythonRangeStaysFresh(t *testing.T) {
	f := baseFile() // locked at >=3.8
	m := baseManifest()
	m.RequiresPython = ">=3.9" // a true subset of >=3.8

	reason, err := CheckStaleness(f, m, nil)
	if err != nil {
		t.Fatalf("CheckStaleness() error: %v", err)
	}

	if reason != ReasonFresh {
		t.Errorf("narrowing requires-python from >=3.8 to >=3.9 reported reason %q, want fresh", reason)
	}
}

func TestCheckStalenessWideningPythonRangeIsStale(t *testing.T) {
	f := baseFile() // locked at >=3.8
	m := baseManifest()
	m.RequiresPython = ">=3.7" // not a subset of >=3.8

	reason, err := CheckStaleness(f, m, nil)
	if err != nil {
		t.Fatalf("CheckStaleness() error: %v", err)
	}

	if reason != ReasonPythonRange {
		t.Errorf("reason = %q, want %q", reason, ReasonPythonRange)
	}
}

func TestPythonRangeIsSubsetHandlesBoundedRanges(t *testing.T) {
	tests := []struct {
		manifest, locked string
		want             bool
	}{
		{">=3.9", ">=3.8", true},
		{">=3.8", ">=3.8", true},
		{">=3.7", ">=3.8", false},
		{">=3.8,<3.12", ">=3.8", true},
		{">=3.8", ">=3.8,<3.12", false},
		{"", ">=3.8", false},
		{">=3.8", "", true},
	}

	for _, tt := range tests {
		got := pythonRangeIsSubset(tt.manifest, tt.locked)
		if got != tt.want {
			t.Errorf("pythonRangeIsSubset(%q, %q) = %v, want %v", tt.manifest, tt.locked, got, tt.want)
		}
	}
}
