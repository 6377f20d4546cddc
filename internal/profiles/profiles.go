//go:build darwin

// Package profiles implements the profile library: resolution of a profile
// name to a policy.Fragment, built-in profile content, and loading of user-
// and project-defined profile files.
//
// Resolution order is fixed and first-match-wins (predictability over
// flexibility, and deterministic regardless of definition order).
package profiles

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/sx-run/sx/internal/policy"
	"github.com/sx-run/sx/internal/sxerr"
)

// Context carries the host facts profile resolution needs: the home
// directory for "~"-relative built-in rules, and the project root (if any)
// for project-local profile files.
type Context struct {
	HomeDir     string
	ProjectRoot string // empty if no project root was detected
	UserConfigDir string // "<config-home>/sx"
}

// builtins maps built-in profile names to constructors. base is intentionally
// excluded: it is never resolved by name, only composed implicitly by the
// merge engine.
var builtins = map[string]func(Context) policy.Fragment{
	"online":    onlineProfile,
	"localhost": localhostProfile,
	"rust":      rustProfile,
	"bun":       bunProfile,
	"claude":    claudeProfile,
	"gpg":       gpgProfile,
	"node":      nodeProfile,
	"git":       gitProfile,
	"lint":      lintProfile,
}

// Resolve looks up name in fixed order: built-in, project-local
// (<ProjectRoot>/.sandbox/profiles/<name>.toml), then user
// (<UserConfigDir>/profiles/<name>.toml). The first match wins.
func Resolve(name string, ctx Context) (policy.Fragment, error) {
	if ctor, ok := builtins[name]; ok {
		return ctor(ctx), nil
	}

	if ctx.ProjectRoot != "" {
		path := filepath.Join(ctx.ProjectRoot, ".sandbox", "profiles", name+".toml")
		if frag, ok, err := loadProfileFile(path); err != nil {
			return policy.Fragment{}, err
		} else if ok {
			return frag, nil
		}
	}

	if ctx.UserConfigDir != "" {
		path := filepath.Join(ctx.UserConfigDir, "profiles", name+".toml")
		if frag, ok, err := loadProfileFile(path); err != nil {
			return policy.Fragment{}, err
		} else if ok {
			return frag, nil
		}
	}

	return policy.Fragment{}, sxerr.New(sxerr.UnknownProfile, fmt.Sprintf("no such profile %q", name))
}

// fileFragment is the TOML shape of a profile file: network plus Fragment's
// filesystem, env, and raw-rule fields. The config layer's scalar knobs
// (default_profiles, inherit_global, inherit_base, shell) are not accepted.
type fileFragment struct {
	Network *string  `toml:"network"`
	AllowRead  []string `toml:"allow_read"`
	AllowWrite []string `toml:"allow_write"`
	DenyRead   []string `toml:"deny_read"`
	EnvPass []string          `toml:"env_pass"`
	EnvDeny []string          `toml:"env_deny"`
	EnvSet  map[string]string `toml:"env_set"`
	Raw     []string          `toml:"raw_rules"`
}

func loadProfileFile(path string) (policy.Fragment, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return policy.Fragment{}, false, nil
		}

		return policy.Fragment{}, false, sxerr.Wrap(sxerr.ConfigSchema, fmt.Sprintf("reading profile %s", path), err)
	}

	var raw fileFragment

	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return policy.Fragment{}, false, sxerr.Wrap(sxerr.ConfigSchema, fmt.Sprintf("parsing profile %s", path), err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return policy.Fragment{}, false, sxerr.New(sxerr.ConfigSchema, fmt.Sprintf("profile %s: unknown key %q", path, undecoded[0].String()))
	}

	frag := policy.Fragment{
		FS: policy.Filesystem{
			AllowRead:  policy.NewFileSet(),
			AllowWrite: policy.NewFileSet(),
			DenyRead:   policy.NewFileSet(),
		},
		Env: policy.EnvRules{Pass: raw.EnvPass, Deny: raw.EnvDeny, Set: raw.EnvSet},
		RawRules: raw.Raw,
	}
	frag.FS.AllowRead.AddAll(raw.AllowRead)
	frag.FS.AllowWrite.AddAll(raw.AllowWrite)
	frag.FS.DenyRead.AddAll(raw.DenyRead)

	if raw.Network != nil {
		mode := policy.NetworkMode(*raw.Network)
		frag.NetworkMode = &mode
	}

	return frag, true, nil
}

func emptyFragment() policy.Fragment {
	return policy.Fragment{
		FS: policy.Filesystem{
			AllowRead:  policy.NewFileSet(),
			AllowWrite: policy.NewFileSet(),
			DenyRead:   policy.NewFileSet(),
		},
	}
}

func networkFragment(mode policy.NetworkMode) policy.Fragment {
	f := emptyFragment()
	f.NetworkMode = &mode

	return f
}

func onlineProfile(_ Context) policy.Fragment    { return networkFragment(policy.Online) }
func localhostProfile(_ Context) policy.Fragment { return networkFragment(policy.Localhost) }

func rustProfile(ctx Context) policy.Fragment {
	f := emptyFragment()
	f.FS.AllowRead.Add(filepath.Join(ctx.HomeDir, ".cargo"))
	f.FS.AllowWrite.Add(filepath.Join(ctx.HomeDir, ".cargo"))
	f.FS.AllowRead.Add(filepath.Join(ctx.HomeDir, ".rustup"))
	f.FS.AllowWrite.Add(filepath.Join(ctx.HomeDir, ".rustup"))

	return f
}

func bunProfile(ctx Context) policy.Fragment {
	f := emptyFragment()
	f.FS.AllowRead.Add(filepath.Join(ctx.HomeDir, ".bun"))
	f.FS.AllowWrite.Add(filepath.Join(ctx.HomeDir, ".bun"))

	return f
}

func claudeProfile(ctx Context) policy.Fragment {
	f := emptyFragment()
	f.FS.AllowRead.Add(filepath.Join(ctx.HomeDir, ".claude"))
	f.FS.AllowWrite.Add(filepath.Join(ctx.HomeDir, ".claude"))
	f.FS.AllowRead.Add(filepath.Join(ctx.HomeDir, ".claude.json"))
	f.FS.AllowWrite.Add(filepath.Join(ctx.HomeDir, ".claude.json"))

	return f
}

// gpgProfile re-enables ~/.gnupg, which base leaves default-denied.
func gpgProfile(ctx Context) policy.Fragment {
	f := emptyFragment()
	gnupg := filepath.Join(ctx.HomeDir, ".gnupg")
	f.FS.AllowRead.Add(gnupg)
	f.FS.AllowWrite.Add(gnupg)
	f.UndenyRead = append(f.UndenyRead, gnupg)

	return f
}

// nodeProfile is an expansion profile, grounded on
// sandbox/presets.go's @caches preset.
func nodeProfile(ctx Context) policy.Fragment {
	f := emptyFragment()

	for _, dir := range []string{".npm", ".nvm", ".node-gyp"} {
		p := filepath.Join(ctx.HomeDir, dir)
		f.FS.AllowRead.Add(p)
		f.FS.AllowWrite.Add(p)
	}

	return f
}

// gitProfile is an expansion profile grounded on sandbox/git.go's
// gitPresetRules, simplified to denying reads of .git/hooks and .git/config
// (resolved against the working directory). It does not make them read-only
// and grants nothing on branch refs.
func gitProfile(_ Context) policy.Fragment {
	f := emptyFragment()
	f.FS.DenyRead.Add(".git/hooks")
	f.FS.DenyRead.Add(".git/config")

	return f
}

// lintProfile is an expansion profile grounded on sandbox/presets.go's
// lintTSMounts/lintGoMounts/lintPythonMounts: read-only access to common lint
// configuration files relative to the working directory.
func lintProfile(_ Context) policy.Fragment {
	f := emptyFragment()

	for _, name := range []string{
		".eslintrc", ".eslintrc.js", ".eslintrc.json", "eslint.config.js", "eslint.config.mjs",
		".prettierrc", "tsconfig.json",
		".golangci.yml", ".golangci.yaml",
		"pyproject.toml", "ruff.toml", ".ruff.toml",
	} {
		f.FS.AllowRead.Add(name)
	}

	return f
}
