//go:build darwin

// Package policy is the typed, language-neutral representation of sandbox
// configuration: the Policy the merge engine hands to the Seatbelt emitter,
// and the additive Fragment contributed by profiles and config files.
//
// Types here carry no behavior beyond construction, equality, and the
// merge-append helpers the merge engine composes layers with. Deep-copy
// discipline mirrors cloneConfig/cloneEnvironment (sandbox/sandbox.go):
// every helper returns independent storage so that mutating a caller's
// slice after the call cannot retroactively change a previously built
// Policy or Fragment.
package policy

// NetworkMode selects the sandbox's network posture.
type NetworkMode string

// Network modes.
const (
	Offline   NetworkMode = "offline"
	Localhost NetworkMode = "localhost"
	Online    NetworkMode = "online"
)

// FileSet is an insertion-ordered, deduplicated set of canonicalized paths.
type FileSet struct {
	order []string
	index map[string]struct{}
}

// NewFileSet returns an empty FileSet.
func NewFileSet() FileSet {
	return FileSet{index: make(map[string]struct{})}
}

// Add inserts path if not already present, preserving insertion order.
func (s *FileSet) Add(path string) {
	if s.index == nil {
		s.index = make(map[string]struct{})
	}

	if _, ok := s.index[path]; ok {
		return
	}

	s.index[path] = struct{}{}
	s.order = append(s.order, path)
}

// AddAll inserts every path in paths, preserving relative order and skipping
// duplicates already present.
func (s *FileSet) AddAll(paths []string) {
	for _, p := range paths {
		s.Add(p)
	}
}

// Remove deletes path if present, reports whether it was removed.
func (s *FileSet) Remove(path string) bool {
	if _, ok := s.index[path]; !ok {
		return false
	}

	delete(s.index, path)

	for i, p := range s.order {
		if p == path {
			s.order = append(s.order[:i:i], s.order[i+1:]...)

			break
		}
	}

	return true
}

// Contains reports whether path is present.
func (s FileSet) Contains(path string) bool {
	_, ok := s.index[path]

	return ok
}

// Items returns the set contents in insertion order. The returned slice is a
// copy; mutating it does not affect the FileSet.
func (s FileSet) Items() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)

	return out
}

// Clone returns an independent copy of s.
func (s FileSet) Clone() FileSet {
	out := NewFileSet()
	out.AddAll(s.Items())

	return out
}

// EnvRules is the environment-variable policy: an allowlist of names to pass
// through, glob deny patterns that strip names even from the allowlist, and
// literal overrides applied last.
type EnvRules struct {
	Pass []string
	Deny []string
	Set  map[string]string
}

// Clone returns an independent copy of r.
func (r EnvRules) Clone() EnvRules {
	out := EnvRules{
		Pass: append([]string(nil), r.Pass...),
		Deny: append([]string(nil), r.Deny...),
	}

	if r.Set != nil {
		out.Set = make(map[string]string, len(r.Set))
		for k, v := range r.Set {
			out.Set[k] = v
		}
	}

	return out
}

// mergeEnvRules unions Pass/Deny (preserving order, skipping duplicates) and
// overwrites Set entries from override into base.
func mergeEnvRules(base, override EnvRules) EnvRules {
	out := base.Clone()

	out.Pass = unionStrings(out.Pass, override.Pass)
	out.Deny = unionStrings(out.Deny, override.Deny)

	if len(override.Set) > 0 {
		if out.Set == nil {
			out.Set = make(map[string]string, len(override.Set))
		}

		for k, v := range override.Set {
			out.Set[k] = v
		}
	}

	return out
}

func unionStrings(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base))

	out := make([]string, 0, len(base)+len(extra))

	for _, v := range base {
		if _, ok := seen[v]; ok {
			continue
		}

		seen[v] = struct{}{}

		out = append(out, v)
	}

	for _, v := range extra {
		if _, ok := seen[v]; ok {
			continue
		}

		seen[v] = struct{}{}

		out = append(out, v)
	}

	return out
}

// Filesystem holds the allow/deny path sets of a Policy or Fragment.
type Filesystem struct {
	AllowRead  FileSet
	AllowWrite FileSet
	DenyRead   FileSet
}

// Clone returns an independent copy of f.
func (f Filesystem) Clone() Filesystem {
	return Filesystem{
		AllowRead:  f.AllowRead.Clone(),
		AllowWrite: f.AllowWrite.Clone(),
		DenyRead:   f.DenyRead.Clone(),
	}
}

// Fragment is a partial, additive policy contributed by a profile or config
// file. Every field is optional; Fragment never carries WorkingDir. A nil
// NetworkMode/InheritBase means "not specified by this fragment".
type Fragment struct {
	FS          Filesystem
	NetworkMode *NetworkMode
	Env         EnvRules
	RawRules    []string
	InheritBase *bool

	// UndenyRead lists paths to remove from DenyRead after the union-merge of
	// this fragment's own FS.DenyRead. This is how a profile like gpg
	// re-enables a default-denied path: it has no effect on the
	// hard-deny set, which the merge engine reinforces unconditionally after
	// all layering.
	UndenyRead []string
}

// Clone returns an independent copy of f.
func (f Fragment) Clone() Fragment {
	out := Fragment{
		FS:         f.FS.Clone(),
		Env:        f.Env.Clone(),
		RawRules:   append([]string(nil), f.RawRules...),
		UndenyRead: append([]string(nil), f.UndenyRead...),
	}

	if f.NetworkMode != nil {
		m := *f.NetworkMode
		out.NetworkMode = &m
	}

	if f.InheritBase != nil {
		b := *f.InheritBase
		out.InheritBase = &b
	}

	return out
}

// Policy is the fully merged, canonicalized, immutable configuration used for
// emission and launching. Construct via the merge package; this type itself
// performs no validation.
type Policy struct {
	WorkingDir  string
	HomeDir     string
	FS          Filesystem
	NetworkMode NetworkMode
	Env         EnvRules
	RawRules    []string
	InheritBase bool
}

// Clone returns an independent copy of p.
func (p Policy) Clone() Policy {
	return Policy{
		WorkingDir:  p.WorkingDir,
		HomeDir:     p.HomeDir,
		FS:          p.FS.Clone(),
		NetworkMode: p.NetworkMode,
		Env:         p.Env.Clone(),
		RawRules:    append([]string(nil), p.RawRules...),
		InheritBase: p.InheritBase,
	}
}

// ApplyFragment folds fragment into p: scalars are overridden when the
// fragment specifies them, sets are unioned, RawRules are appended. This is
// the single append-merge primitive the merge engine (package merge) calls
// once per layer.
func ApplyFragment(base Policy, frag Fragment) Policy {
	out := base.Clone()

	out.FS.AllowRead.AddAll(frag.FS.AllowRead.Items())
	out.FS.AllowWrite.AddAll(frag.FS.AllowWrite.Items())
	out.FS.DenyRead.AddAll(frag.FS.DenyRead.Items())

	for _, p := range frag.UndenyRead {
		out.FS.DenyRead.Remove(p)
	}

	out.Env = mergeEnvRules(out.Env, frag.Env)
	out.RawRules = append(out.RawRules, frag.RawRules...)

	if frag.NetworkMode != nil {
		out.NetworkMode = *frag.NetworkMode
	}

	if frag.InheritBase != nil {
		out.InheritBase = *frag.InheritBase
	}

	return out
}

// Default returns the hard-coded default Policy (merge layer 1): offline
// network, empty sets, base inherited.
func Default(workingDir, homeDir string) Policy {
	return Policy{
		WorkingDir:  workingDir,
		HomeDir:     homeDir,
		FS:          Filesystem{AllowRead: NewFileSet(), AllowWrite: NewFileSet(), DenyRead: NewFileSet()},
		NetworkMode: Offline,
		Env:         EnvRules{Set: map[string]string{}},
		InheritBase: true,
	}
}
