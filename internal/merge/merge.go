//go:build darwin

// Package merge implements the merge engine: deterministic
// layering of defaults -> global -> project -> selected profiles ->
// command-line overrides into a single effective Policy.
//
// Grounded on cmd/agent-sandbox/config.go's mergeConfigs (array
// concatenation, "later wins" scalars, map overwrite) generalized from two
// layers to six, and on sandbox/bwrap.go's deterministic-ordering discipline
// for the final hard-deny reinforcement pass.
package merge

import (
	"fmt"
	"os"
	"strings"

	"github.com/sx-run/sx/internal/pathutil"
	"github.com/sx-run/sx/internal/policy"
	"github.com/sx-run/sx/internal/profiles"
	"github.com/sx-run/sx/internal/sxerr"
)

// CLIOverrides captures the final merge layer: command-line flags.
type CLIOverrides struct {
	NetworkMode *policy.NetworkMode
	AllowRead   []string
	AllowWrite  []string
	DenyRead    []string
}

// Input is everything the merge engine needs to produce an effective Policy.
type Input struct {
	WorkDir string
	HomeDir string
	HostEnv map[string]string

	GlobalFragment  *policy.Fragment // nil if no global config was loaded
	GlobalInheritBase *bool
	ProjectFragment *policy.Fragment // nil if no project config was loaded
	ProjectInheritGlobal *bool
	ProjectInheritBase   *bool

	ProfileNames []string // positional profile names, left-to-right (layer 5)
	ProfileCtx   profiles.Context

	CLI CLIOverrides

	// Warnf receives non-fatal diagnostics (e.g. a hard-deny override dropped
	// from an allow set). A dropped hard-deny override is always reported;
	// if Warnf is nil it falls back to writing to stderr, so no override is
	// ever silently ignored.
	Warnf func(format string, args ...any)
}

// Merge produces the effective Policy. It is pure: the same
// Input always yields an identical Policy, including path-set ordering.
func Merge(in Input) (policy.Policy, error) {
	resolver := pathutil.Resolver{HomeDir: in.HomeDir, WorkDir: in.WorkDir, Env: in.HostEnv}

	// Layer 1: hard-coded defaults.
	result := policy.Default(in.WorkDir, in.HomeDir)

	// inherit_base / inherit_global are evaluated before layering begins:
	// inherit_global is consulted only from the project config; inherit_base
	// is "last setter wins" across global then project.
	inheritGlobal := true
	if in.ProjectInheritGlobal != nil {
		inheritGlobal = *in.ProjectInheritGlobal
	}

	inheritBase := true
	if in.GlobalInheritBase != nil {
		inheritBase = *in.GlobalInheritBase
	}

	if in.ProjectInheritBase != nil {
		inheritBase = *in.ProjectInheritBase
	}

	// Layer 2: built-in base fragment, unless shed by inherit_base=false.
	if inheritBase {
		baseFrag, err := canonicalizeFragment(profiles.Base(in.ProfileCtx), resolver, false)
		if err != nil {
			return policy.Policy{}, err
		}

		result = policy.ApplyFragment(result, baseFrag)
	}

	// Layer 3: global config, unless shed by inherit_global=false.
	if inheritGlobal && in.GlobalFragment != nil {
		frag, err := canonicalizeFragment(*in.GlobalFragment, resolver, false)
		if err != nil {
			return policy.Policy{}, err
		}

		result = policy.ApplyFragment(result, frag)
	}

	// Layer 4: project config.
	if in.ProjectFragment != nil {
		frag, err := canonicalizeFragment(*in.ProjectFragment, resolver, false)
		if err != nil {
			return policy.Policy{}, err
		}

		result = policy.ApplyFragment(result, frag)
	}

	// Layer 5: profiles named on the command line, left-to-right.
	for _, name := range in.ProfileNames {
		pf, err := profiles.Resolve(name, in.ProfileCtx)
		if err != nil {
			return policy.Policy{}, err
		}

		frag, err := canonicalizeFragment(pf, resolver, false)
		if err != nil {
			return policy.Policy{}, err
		}

		result = policy.ApplyFragment(result, frag)
	}

	// Layer 6: command-line flags. Explicit allow overrides that name a
	// hard-deny path are fatal, unlike the same situation arising from a
	// profile or config layer, which is dropped with a warning.
	hardDeny := profiles.HardDenyPaths(in.HomeDir)

	cliFrag := policy.Fragment{
		FS: policy.Filesystem{AllowRead: policy.NewFileSet(), AllowWrite: policy.NewFileSet(), DenyRead: policy.NewFileSet()},
	}
	cliFrag.NetworkMode = in.CLI.NetworkMode

	for _, p := range in.CLI.AllowRead {
		canon, err := canonicalizePath(p, resolver)
		if err != nil {
			return policy.Policy{}, err
		}

		if isOrUnderAny(canon, hardDeny) {
			return policy.Policy{}, sxerr.New(sxerr.HardDenyViolation, fmt.Sprintf("--allow-read %s is inside the hard-deny set", canon))
		}

		cliFrag.FS.AllowRead.Add(canon)
	}

	for _, p := range in.CLI.AllowWrite {
		canon, err := canonicalizePath(p, resolver)
		if err != nil {
			return policy.Policy{}, err
		}

		if isOrUnderAny(canon, hardDeny) {
			return policy.Policy{}, sxerr.New(sxerr.HardDenyViolation, fmt.Sprintf("--allow-write %s is inside the hard-deny set", canon))
		}

		cliFrag.FS.AllowWrite.Add(canon)
	}

	for _, p := range in.CLI.DenyRead {
		canon, err := canonicalizePath(p, resolver)
		if err != nil {
			return policy.Policy{}, err
		}

		cliFrag.FS.DenyRead.Add(canon)
	}

	result = policy.ApplyFragment(result, cliFrag)

	// Working-directory write: the sandboxed process
	// always has full read/write/execute access to the working tree.
	result.FS.AllowWrite.Add(in.WorkDir)
	result.FS.AllowRead.Add(in.WorkDir)

	if err := validateEnvPassNames(result.Env.Pass); err != nil {
		return policy.Policy{}, err
	}

	reinforceHardDeny(&result, hardDeny, in.Warnf)

	return result, nil
}

// canonicalizeFragment returns a copy of frag with every filesystem path
// expanded ("~", "$VAR") and canonicalized against resolver. The bool
// parameter is ignored.
func canonicalizeFragment(frag policy.Fragment, resolver pathutil.Resolver, _ bool) (policy.Fragment, error) {
	out := frag.Clone()

	canonRead, err := canonicalizeAll(out.FS.AllowRead.Items(), resolver)
	if err != nil {
		return policy.Fragment{}, err
	}

	canonWrite, err := canonicalizeAll(out.FS.AllowWrite.Items(), resolver)
	if err != nil {
		return policy.Fragment{}, err
	}

	canonDeny, err := canonicalizeAll(out.FS.DenyRead.Items(), resolver)
	if err != nil {
		return policy.Fragment{}, err
	}

	canonUndeny, err := canonicalizeAll(out.UndenyRead, resolver)
	if err != nil {
		return policy.Fragment{}, err
	}

	out.FS.AllowRead = policy.NewFileSet()
	out.FS.AllowRead.AddAll(canonRead)
	out.FS.AllowWrite = policy.NewFileSet()
	out.FS.AllowWrite.AddAll(canonWrite)
	out.FS.DenyRead = policy.NewFileSet()
	out.FS.DenyRead.AddAll(canonDeny)
	out.UndenyRead = canonUndeny

	return out, nil
}

func canonicalizeAll(paths []string, resolver pathutil.Resolver) ([]string, error) {
	out := make([]string, 0, len(paths))

	for _, p := range paths {
		canon, err := canonicalizePath(p, resolver)
		if err != nil {
			return nil, err
		}

		out = append(out, canon)
	}

	return out, nil
}

func canonicalizePath(p string, resolver pathutil.Resolver) (string, error) {
	if pathutil.HasControlBytes(p) {
		return "", sxerr.New(sxerr.InvalidPath, fmt.Sprintf("path %q contains control bytes", p))
	}

	canon, err := resolver.Canonicalize(p)
	if err != nil {
		return "", sxerr.Wrap(sxerr.InvalidPath, fmt.Sprintf("expanding path %q", p), err)
	}

	return canon, nil
}

func validateEnvPassNames(names []string) error {
	for _, n := range names {
		if !pathutil.IsValidEnvName(n) {
			return sxerr.New(sxerr.ConfigSchema, fmt.Sprintf("env.pass name %q is not a valid environment-variable name", n))
		}
	}

	return nil
}

// reinforceHardDeny adds the hard-deny set to DenyRead and strips any allow
// entry that is the hard-deny path itself or a descendant of it, reporting a
// warning for each dropped entry. No override is ever dropped silently: when
// warnf is nil, defaultWarnf takes over so the diagnostic still reaches
// stderr regardless of --debug.
func reinforceHardDeny(p *policy.Policy, hardDeny []string, warnf func(string, ...any)) {
	if warnf == nil {
		warnf = defaultWarnf
	}

	p.FS.DenyRead.AddAll(hardDeny)

	for _, allowPath := range p.FS.AllowRead.Items() {
		if isOrUnderAny(allowPath, hardDeny) {
			p.FS.AllowRead.Remove(allowPath)
			warnf("HardDenyViolation: dropping allow_read %s (inside hard-deny set)", allowPath)
		}
	}

	for _, allowPath := range p.FS.AllowWrite.Items() {
		if isOrUnderAny(allowPath, hardDeny) {
			p.FS.AllowWrite.Remove(allowPath)
			warnf("HardDenyViolation: dropping allow_write %s (inside hard-deny set)", allowPath)
		}
	}
}

// defaultWarnf is used whenever Input.Warnf is nil, so a dropped hard-deny
// override is always logged rather than silently ignored.
func defaultWarnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "sx: warning: "+format+"\n", args...)
}

// isOrUnderAny reports whether path equals or is a descendant of any entry
// in roots (path-component aware, not a raw string prefix check).
func isOrUnderAny(path string, roots []string) bool {
	for _, root := range roots {
		if path == root || strings.HasPrefix(path, root+"/") {
			return true
		}
	}

	return false
}
