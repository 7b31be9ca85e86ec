package config

import (
	"os"
	"path/filepath"
	"testing"

	"sandboxd/internal/rules"
)

func TestHardenedCategoriesInvariant(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "sandbox.config.json"))
	s.SetCategoryMode(rules.Exec, AllowAll)
	if got := s.GetCategoryMode(rules.Exec); got != ApproveEach {
		t.Fatalf("exec mode = %q, want approve-each", got)
	}
	s.SetCategoryMode(rules.Packages, DenyAll)
	if got := s.GetCategoryMode(rules.Packages); got != ApproveEach {
		t.Fatalf("packages mode = %q, want approve-each", got)
	}
}

func TestAddRuleRejectsUnparseable(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "sandbox.config.json"))
	if s.AddRule("allow", "bogus(x)") {
		t.Fatal("unparseable rule should not be added")
	}
	if !s.AddRule("allow", "network(*.example.com)") {
		t.Fatal("valid rule should be added")
	}
	if s.AddRule("allow", "network(*.example.com)") {
		t.Fatal("duplicate rule should not be added twice")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.config.json")
	s := New(path)
	s.AddRule("allow", "network(*.example.com)")
	s.AddAllowedEndpoint("internal.corp")
	if err := s.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	s2 := New(path)
	if err := s2.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got := s2.Get()
	if len(got.Rules.Allow) != 1 || got.Rules.Allow[0] != "network(*.example.com)" {
		t.Fatalf("rules did not round-trip: %+v", got.Rules)
	}
	if !s2.IsEndpointAllowed("internal.corp") {
		t.Fatal("allowed endpoint did not round-trip")
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err := s.Load(); err != nil {
		t.Fatalf("load of missing file should not error: %v", err)
	}
	if mode := s.GetCategoryMode(rules.Network); mode != ApproveEach {
		t.Fatalf("default network mode = %q", mode)
	}
}

func TestLoadPatchesMissingRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sandbox.config.json")
	if err := os.WriteFile(path, []byte(`{"allowedEndpoints":[],"categories":{}}`), 0644); err != nil {
		t.Fatal(err)
	}
	s := New(path)
	if err := s.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got := s.Get()
	if got.Rules.Allow == nil || got.Rules.Deny == nil {
		t.Fatal("missing rules should be patched to empty slices")
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]int64{
		"1h30m": 5400000,
		"4h":     14400000,
		"500":    500,
		"30s":    30000,
	}
	for in, want := range cases {
		got, ok := ParseDuration(in)
		if !ok || got != want {
			t.Fatalf("ParseDuration(%q) = %d,%v want %d", in, got, ok, want)
		}
	}
	if _, ok := ParseDuration("abc"); ok {
		t.Fatal("ParseDuration(\"abc\") should fail")
	}
}
