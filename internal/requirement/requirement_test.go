package requirement

import (
	"testing"

	"github.com/ppm-dev/ppm/internal/pep440"
)

func TestParseBasic(t *testing.T) {
	r, err := Parse(`Flask[async,dotenv] >=2.0,<3.0 ; python_version >= "3.8"`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if r.Name != "flask" {
		t.Errorf("name = %q, want flask", r.Name)
	}

	if len(r.Extras) != 2 || r.Extras[0] != "async" || r.Extras[1] != "dotenv" {
		t.Errorf("extras = %v", r.Extras)
	}

	if r.Source.Kind != Registry {
		t.Errorf("expected Registry source")
	}

	v := pep440.MustParse("2.5")
	if !r.Range.Contains(v) {
		t.Errorf("expected range to contain 2.5")
	}
}

func TestParseDirectURL(t *testing.T) {
	r, err := Parse(`mypkg @ https://example.com/mypkg-1.0.tar.gz#sha256=deadbeef`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if r.Source.Kind != DirectURL {
		t.Fatalf("expected DirectURL source, got %v", r.Source.Kind)
	}

	if r.Source.ExpectedHash != "deadbeef" {
		t.Errorf("expected hash deadbeef, got %q", r.Source.ExpectedHash)
	}
}

func TestParseGitSource(t *testing.T) {
	r, err := Parse(`mypkg @ git+https://example.com/mypkg.git@abc123`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if r.Source.Kind != Git {
		t.Fatalf("expected Git source, got %v", r.Source.Kind)
	}

	if r.Source.Revision != "abc123" {
		t.Errorf("revision = %q, want abc123", r.Source.Revision)
	}
}

func TestParseEmptyRequirement(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Error("expected error on empty requirement")
	}
}

func TestNormalizeName(t *testing.T) {
	tests := map[string]string{
		"Flask":      "flask",
		"zope.interface": "zope-interface",
		"A_B--C..D":  "a-b-c-d",
	}

	for in, want := range tests {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
