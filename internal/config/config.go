//go:build darwin

// Package config implements the config loaders: reading and
// validating the global and project TOML config files into policy fragments
// plus the scalar knobs (default_network, default_profiles, inherit_global,
// inherit_base, shell) that only a config file (not a profile) may set.
//
// Grounded on cmd/agent-sandbox/config.go's LoadConfig (global-then-project
// layering, strict unknown-key rejection, explicit --config override), with
// JSON/JSONC decoding replaced by TOML decoding.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/sx-run/sx/internal/policy"
	"github.com/sx-run/sx/internal/sxerr"
)

// File is the schema of a global or project config file: the
// Fragment shape plus default_network, default_profiles, inherit_global,
// inherit_base, and shell.
type File struct {
	DefaultNetwork  *string           `toml:"default_network"`
	DefaultProfiles []string          `toml:"default_profiles"`
	InheritGlobal   *bool             `toml:"inherit_global"`
	InheritBase     *bool             `toml:"inherit_base"`
	Shell           *string           `toml:"shell"`
	AllowRead       []string          `toml:"allow_read"`
	AllowWrite      []string          `toml:"allow_write"`
	DenyRead        []string          `toml:"deny_read"`
	EnvPass         []string          `toml:"env_pass"`
	EnvDeny         []string          `toml:"env_deny"`
	EnvSet          map[string]string `toml:"env_set"`
	RawRules        []string          `toml:"raw_rules"`
}

// Fragment converts the decoded file into a policy.Fragment. default_network
// becomes the fragment's NetworkMode and inherit_base is carried over;
// default_profiles, inherit_global and shell are dropped, and the caller
// consults them separately.
func (f File) Fragment() policy.Fragment {
	frag := policy.Fragment{
		FS: policy.Filesystem{
			AllowRead:  policy.NewFileSet(),
			AllowWrite: policy.NewFileSet(),
			DenyRead:   policy.NewFileSet(),
		},
		Env:         policy.EnvRules{Pass: f.EnvPass, Deny: f.EnvDeny, Set: f.EnvSet},
		RawRules:    f.RawRules,
		InheritBase: f.InheritBase,
	}
	frag.FS.AllowRead.AddAll(f.AllowRead)
	frag.FS.AllowWrite.AddAll(f.AllowWrite)
	frag.FS.DenyRead.AddAll(f.DenyRead)

	if f.DefaultNetwork != nil {
		mode := policy.NetworkMode(*f.DefaultNetwork)
		frag.NetworkMode = &mode
	}

	return frag
}

// Load parses a single TOML config file, rejecting unknown keys
// (ConfigSchema) to prevent typos silently widening the sandbox.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, sxerr.Wrap(sxerr.ConfigSchema, fmt.Sprintf("reading config %s", path), err)
	}

	var f File

	meta, err := toml.Decode(string(data), &f)
	if err != nil {
		return File{}, sxerr.Wrap(sxerr.ConfigSchema, fmt.Sprintf("parsing config %s", path), err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return File{}, sxerr.New(sxerr.ConfigSchema, fmt.Sprintf("config %s: unknown key %q", path, undecoded[0].String()))
	}

	return f, nil
}

// LoadIfExists behaves like Load but returns ok=false (no error) when path
// does not exist.
func LoadIfExists(path string) (File, bool, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return File{}, false, nil
		}

		return File{}, false, sxerr.Wrap(sxerr.ConfigSchema, fmt.Sprintf("stat config %s", path), err)
	}

	f, err := Load(path)
	if err != nil {
		return File{}, false, err
	}

	return f, true, nil
}

// GlobalConfigPath resolves "$XDG_CONFIG_HOME/sx/config.toml", falling back
// to "~/.config/sx/config.toml".
func GlobalConfigPath(env map[string]string, homeDir string) string {
	base := UserConfigDir(env, homeDir)

	return filepath.Join(base, "config.toml")
}

// UserConfigDir resolves "$XDG_CONFIG_HOME/sx", falling back to
// "~/.config/sx".
func UserConfigDir(env map[string]string, homeDir string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "sx")
	}

	return filepath.Join(homeDir, ".config", "sx")
}

// FindProjectConfig walks upward from workingDir to the filesystem root,
// stopping at the first directory containing ".sandbox.toml".
// It returns "" with ok=false if no project config is found.
func FindProjectConfig(workingDir string) (path string, ok bool) {
	dir := workingDir

	for {
		candidate := filepath.Join(dir, ".sandbox.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}

		dir = parent
	}
}

// FindProjectRoot walks upward the same way FindProjectConfig does, but
// returns the containing directory rather than the config file path. It is
// used to anchor project-local profile files even when no .sandbox.toml
// exists (a bare ".sandbox/profiles/" directory is still honored).
func FindProjectRoot(workingDir string) (root string, ok bool) {
	if path, found := FindProjectConfig(workingDir); found {
		return filepath.Dir(path), true
	}

	dir := workingDir

	for {
		candidate := filepath.Join(dir, ".sandbox")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return dir, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}

		dir = parent
	}
}
