package main

import (
	"os"
	"path/filepath"
	"testing"
)

// writeConfig writes a TOML file and returns its path.
func writeConfig(t *testing.T, data string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "node.toml")
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return path
}

// TestParseFlagsDefaults tests the defaults without a file.
func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.HTTPAddress != ":8080" || cfg.DataPath != "./data" || cfg.CommitteeSize != 3 {
		t.Errorf("defaults: got %+v", cfg)
	}

	if err := cfg.validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

// TestFlagsOverrideFile tests that explicit flags win over file values.
func TestFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
[node]
http = ":9090"
data = "/var/lib/estatebonds"

[ledger]
cooldown_seconds = 30

[coprocessor]
committee_keys = ["aa", "bb", "cc"]
threshold = 2
`)

	cfg, err := parseFlags([]string{"-config", path, "-http", ":7070", "-threshold", "3"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.HTTPAddress != ":7070" {
		t.Errorf("http: got %q, want flag value", cfg.HTTPAddress)
	}

	if cfg.DataPath != "/var/lib/estatebonds" {
		t.Errorf("data: got %q, want file value", cfg.DataPath)
	}

	if cfg.CooldownSeconds != 30 || cfg.Threshold != 3 || len(cfg.CommitteeKeys) != 3 {
		t.Errorf("config: got %+v", cfg)
	}
}

// TestCommitteeFlagOverridesFile tests the list flag against the file list.
func TestCommitteeFlagOverridesFile(t *testing.T) {
	path := writeConfig(t, "[coprocessor]\ncommittee_keys = [\"aa\", \"bb\"]\n")

	cfg, err := parseFlags([]string{"-config", path, "-committee", "cc"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if len(cfg.CommitteeKeys) != 1 || cfg.CommitteeKeys[0] != "cc" {
		t.Errorf("committee: got %v", cfg.CommitteeKeys)
	}
}

// TestValidateRemote tests the remote coprocessor requirements.
func TestValidateRemote(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"embedded", Config{}, true},
		{"remote without key", Config{CoprocessorAddr: "x:1", CommitteeKeys: []string{"a"}, Threshold: 1}, false},
		{"remote without committee", Config{CoprocessorAddr: "x:1", CoprocessorKey: "k", Threshold: 1}, false},
		{"remote", Config{CoprocessorAddr: "x:1", CoprocessorKey: "k", CommitteeKeys: []string{"a"}, Threshold: 1}, true},
		{"threshold too high", Config{CommitteeKeys: []string{"a"}, Threshold: 2}, false},
	}

	for _, tc := range cases {
		err := tc.cfg.validate()
		if (err == nil) != tc.ok {
			t.Errorf("%s: got %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

// TestParseFlagsBadFile tests that a broken file fails parsing.
func TestParseFlagsBadFile(t *testing.T) {
	if _, err := parseFlags([]string{"-config", filepath.Join(t.TempDir(), "none.toml")}); err == nil {
		t.Error("missing config file accepted")
	}
}
