//go:build darwin

package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sx-run/sx/internal/config"
)

func Test_Load_Parses_Full_Schema(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	mustWrite(t, path, `
default_network = "localhost"
default_profiles = ["rust", "online"]
inherit_global = false
inherit_base = true
shell = "/bin/zsh"
allow_read = ["/opt/data"]
allow_write = ["/tmp/out"]
deny_read = ["~/.ssh"]
env_pass = ["PATH", "HOME"]
env_deny = ["*_TOKEN*"]
raw_rules = ["(allow mach-lookup)"]

[env_set]
EDITOR = "vim"
`)

	f, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if f.DefaultNetwork == nil || *f.DefaultNetwork != "localhost" {
		t.Errorf("DefaultNetwork = %v, want localhost", f.DefaultNetwork)
	}

	if f.InheritGlobal == nil || *f.InheritGlobal != false {
		t.Errorf("InheritGlobal = %v, want false", f.InheritGlobal)
	}

	if got, want := f.EnvSet["EDITOR"], "vim"; got != want {
		t.Errorf("env_set.EDITOR = %q, want %q", got, want)
	}

	frag := f.Fragment()
	if !frag.FS.AllowRead.Contains("/opt/data") {
		t.Error("Fragment() did not carry allow_read through")
	}
}

func Test_Load_Rejects_Unknown_Key(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	mustWrite(t, path, `not_a_real_field = true`)

	if _, err := config.Load(path); err == nil {
		t.Fatal("expected an error for an unknown top-level key")
	}
}

func Test_LoadIfExists_Returns_False_For_Missing_File(t *testing.T) {
	t.Parallel()

	_, ok, err := config.LoadIfExists(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("LoadIfExists: %v", err)
	}

	if ok {
		t.Fatal("ok = true for a missing file, want false")
	}
}

func Test_FindProjectConfig_Walks_Upward(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")

	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	mustWrite(t, filepath.Join(root, ".sandbox.toml"), `shell = "/bin/bash"`)

	path, ok := config.FindProjectConfig(nested)
	if !ok {
		t.Fatal("expected to find .sandbox.toml walking upward")
	}

	if want := filepath.Join(root, ".sandbox.toml"); path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
}

func Test_FindProjectConfig_Returns_False_When_None_Found(t *testing.T) {
	t.Parallel()

	_, ok := config.FindProjectConfig(t.TempDir())
	if ok {
		t.Fatal("expected no project config to be found in an empty temp dir tree")
	}
}

func Test_UserConfigDir_Prefers_XDG_CONFIG_HOME(t *testing.T) {
	t.Parallel()

	got := config.UserConfigDir(map[string]string{"XDG_CONFIG_HOME": "/xdg"}, "/home/u")
	if want := filepath.Join("/xdg", "sx"); got != want {
		t.Errorf("UserConfigDir = %q, want %q", got, want)
	}

	got = config.UserConfigDir(map[string]string{}, "/home/u")
	if want := filepath.Join("/home/u", ".config", "sx"); got != want {
		t.Errorf("UserConfigDir fallback = %q, want %q", got, want)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}
