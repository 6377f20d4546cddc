//go:build darwin

package profiles

import (
	"path/filepath"

	"github.com/sx-run/sx/internal/policy"
)

// HardDenyPaths returns the fixed, unoverridable hard-deny set: SSH, AWS, Docker config,
// Documents, Desktop, Downloads. These are reinforced by the merge engine
// after all layering and emitted last by the Seatbelt emitter
// so no narrower allow can re-enable them.
func HardDenyPaths(homeDir string) []string {
	return []string{
		filepath.Join(homeDir, ".ssh"),
		filepath.Join(homeDir, ".aws"),
		filepath.Join(homeDir, ".docker"),
		filepath.Join(homeDir, "Documents"),
		filepath.Join(homeDir, "Desktop"),
		filepath.Join(homeDir, "Downloads"),
	}
}

// defaultDenyEnvPatterns is the base fragment's default glob-deny set for
// environment names that look like secrets.
var defaultDenyEnvPatterns = []string{
	"AWS_*",
	"*_SECRET*",
	"*_PASSWORD*",
	"*_KEY",
	"*_TOKEN*",
}

// displayEnvPass is the base fragment's pass-through list of display-critical
// environment names.
var displayEnvPass = []string{
	"TERM", "PATH", "HOME", "USER", "SHELL", "LANG",
	"LC_ALL", "LC_CTYPE", "LC_COLLATE", "LC_MESSAGES", "LC_NUMERIC", "LC_TIME",
	"EDITOR", "PAGER", "COLORTERM",
}

// baseReadTrees are the standard read-only system trees the base fragment
// contributes.
var baseReadTrees = []string{
	"/usr", "/bin", "/sbin", "/Library", "/System", "/opt",
	"/private/etc", "/private/var/select",
}

// defaultDenyReadPaths are default-denied (overridable, unlike HardDenyPaths)
// paths contributed by base: ~/.gnupg, ~/.netrc, ~/.config/gh. A profile such
// as gpg can re-enable one via Fragment.UndenyRead.
func defaultDenyReadPaths(homeDir string) []string {
	return []string{
		filepath.Join(homeDir, ".gnupg"),
		filepath.Join(homeDir, ".netrc"),
		filepath.Join(homeDir, ".config", "gh"),
	}
}

// Base returns the implicit base fragment, composed first by
// the merge engine unless a layer sets inherit_base = false.
func Base(ctx Context) policy.Fragment {
	f := emptyFragment()

	f.FS.AllowRead.AddAll(baseReadTrees)
	f.FS.AllowWrite.Add("/tmp")
	f.FS.AllowWrite.Add("/var/folders")

	f.FS.DenyRead.AddAll(HardDenyPaths(ctx.HomeDir))
	f.FS.DenyRead.AddAll(defaultDenyReadPaths(ctx.HomeDir))

	f.Env.Pass = append(f.Env.Pass, displayEnvPass...)
	f.Env.Deny = append(f.Env.Deny, defaultDenyEnvPatterns...)

	return f
}
