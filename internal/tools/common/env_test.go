package common

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEnvFileMissingIsNoop(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestLoadEnvFileLoadsAndPreservesExisting(t *testing.T) {
	t.Setenv("AUTHCTL_EXISTING_KEY", "from-env")
	file := filepath.Join(t.TempDir(), "test.env")
	content := "# comment\nAUTHCTL_EXISTING_KEY=from-file\nAUTHCTL_NEW_KEY=hello\nAUTHCTL_QUOTED=\"x\"\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Cleanup(func() {
		_ = os.Unsetenv("AUTHCTL_NEW_KEY")
		_ = os.Unsetenv("AUTHCTL_QUOTED")
	})

	if err := LoadEnvFile(file); err != nil {
		t.Fatalf("load env file: %v", err)
	}
	if got := os.Getenv("AUTHCTL_EXISTING_KEY"); got != "from-env" {
		t.Fatalf("expected existing var to be preserved, got %q", got)
	}
	if got := os.Getenv("AUTHCTL_NEW_KEY"); got != "hello" {
		t.Fatalf("unexpected AUTHCTL_NEW_KEY=%q", got)
	}
	if got := os.Getenv("AUTHCTL_QUOTED"); got != "x" {
		t.Fatalf("unexpected AUTHCTL_QUOTED=%q", got)
	}
}

func TestLoadEnvFileDirectoryFails(t *testing.T) {
	if err := LoadEnvFile(t.TempDir()); err == nil {
		t.Fatal("expected error when path is a directory")
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("AUTHCTL_SET", "v")
	if got := EnvOr("AUTHCTL_SET", "fallback"); got != "v" {
		t.Fatalf("EnvOr set=%q", got)
	}
	if got := EnvOr("AUTHCTL_UNSET_FOR_TEST", "fallback"); got != "fallback" {
		t.Fatalf("EnvOr unset=%q", got)
	}
}
