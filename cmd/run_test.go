package cmd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateProgressMode(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		wantErr bool
	}{
		{"log mode", "log", false},
		{"off mode", "off", false},
		{"unknown mode", "bars", true},
		{"empty mode", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateProgressMode(tt.mode)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateProgressMode(%q) error = %v, wantErr %v", tt.mode, err, tt.wantErr)
			}
		})
	}
}

func TestResolveRunDir(t *testing.T) {
	existing := t.TempDir()

	tests := []struct {
		name string
		arg  string
		want string
	}{
		{"bare run id joins runs root", "run1", filepath.Join("data/runs", "run1")},
		{"path with separator kept", filepath.Join("some", "dir"), filepath.Join("some", "dir")},
		{"existing directory kept", existing, existing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveRunDir("data/runs", tt.arg)
			if got != tt.want {
				t.Errorf("resolveRunDir(%q) = %q, want %q", tt.arg, got, tt.want)
			}
		})
	}
}

func TestResolveRunDirPrefersLocalDirOverRunsRoot(t *testing.T) {
	dir := t.TempDir()
	old, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(old) })

	if err := os.Mkdir("run1", 0o755); err != nil {
		t.Fatal(err)
	}
	if got := resolveRunDir("data/runs", "run1"); got != "run1" {
		t.Errorf("resolveRunDir = %q, want %q", got, "run1")
	}
}
