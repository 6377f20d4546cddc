//go:build darwin

// Package seatbelt translates a merged policy.Policy into the textual
// Seatbelt profile consumed by "sandbox-exec -f".
//
// Grounded on priuatus-fence's internal/sandbox/macos.go (GenerateSandboxProfile,
// generateReadRules/generateWriteRules, the (version 1)/(deny default) header,
// the localhost network-rule pair) for Seatbelt-specific syntax, composed
// with deterministic string-builder emission discipline
// (sandbox/bwrap.go's planner, which sorts before appending so that output
// is a pure function of plan contents rather than of build order).
package seatbelt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sx-run/sx/internal/pathutil"
	"github.com/sx-run/sx/internal/policy"
	"github.com/sx-run/sx/internal/sxerr"
)

// Emit renders p as a complete Seatbelt profile. hardDeny is the fixed
// hard-deny set (profiles.HardDenyPaths(p.HomeDir)), passed in by the caller;
// each of its paths is denied in the output.
//
// Emission is a pure function of (p, hardDeny): identical inputs always
// produce byte-identical output.
// Path sets are sorted lexically before emission so that textual order
// depends only on set contents, not on the insertion order the merge engine
// happened to build them in.
func Emit(p policy.Policy, hardDeny []string) (string, error) {
	var b strings.Builder

	b.WriteString("(version 1)\n")
	b.WriteString("(deny default)\n\n")

	b.WriteString("(allow process-fork)\n")
	b.WriteString("(allow process-exec)\n")
	b.WriteString("(allow signal (target self))\n")
	b.WriteString("(allow sysctl-read)\n")
	b.WriteString("(allow file-read-metadata)\n")
	b.WriteString("(allow file-read* (literal \"/\"))\n\n")

	hardSet := make(map[string]struct{}, len(hardDeny))
	for _, hd := range hardDeny {
		hardSet[hd] = struct{}{}
	}

	allowRead := sortedCopy(p.FS.AllowRead.Items())

	allowWrite := sortedCopy(p.FS.AllowWrite.Items())
	allowWrite = unionSorted(allowWrite, []string{p.WorkingDir})

	var softDeny []string

	for _, d := range sortedCopy(p.FS.DenyRead.Items()) {
		if _, ok := hardSet[d]; !ok {
			softDeny = append(softDeny, d)
		}
	}

	// Every hard-deny path is emitted, whether or not it is also in DenyRead.
	hardDenyOut := unionSorted(nil, hardDeny)

	for _, path := range allowRead {
		line, err := subpathRule("allow file-read*", path)
		if err != nil {
			return "", err
		}

		b.WriteString(line)
	}

	if len(allowRead) > 0 {
		b.WriteString("\n")
	}

	for _, path := range allowWrite {
		line, err := subpathRule("allow file*", path)
		if err != nil {
			return "", err
		}

		b.WriteString(line)
	}

	if len(allowWrite) > 0 {
		b.WriteString("\n")
	}

	for _, path := range softDeny {
		line, err := subpathRule("deny file-read*", path)
		if err != nil {
			return "", err
		}

		b.WriteString(line)
	}

	// Hard-deny rules last among deny rules, after every allow, so that no
	// narrower allow anywhere above can re-enable them.
	for _, path := range hardDenyOut {
		line, err := subpathRule("deny file-read*", path)
		if err != nil {
			return "", err
		}

		b.WriteString(line)
	}

	b.WriteString("\n")

	switch p.NetworkMode {
	case policy.Offline:
		// no network allows emitted
	case policy.Localhost:
		b.WriteString("(allow network-outbound (remote ip \"localhost:*\"))\n")
		b.WriteString("(allow network-bind (local ip \"localhost:*\"))\n")
		b.WriteString("(allow network-outbound (remote ip \"127.0.0.1:*\"))\n")
	case policy.Online:
		b.WriteString("(allow network*)\n")
	default:
		return "", sxerr.New(sxerr.InvalidPath, fmt.Sprintf("unknown network mode %q", p.NetworkMode))
	}

	if len(p.RawRules) > 0 {
		b.WriteString("\n")

		for _, raw := range p.RawRules {
			if pathutil.HasControlBytes(raw) {
				return "", sxerr.New(sxerr.InvalidPath, "raw_rule contains control bytes")
			}

			b.WriteString(raw)
			b.WriteString("\n")
		}
	}

	return b.String(), nil
}

func subpathRule(verb, path string) (string, error) {
	escaped, err := escapePath(path)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("(%s (subpath %s))\n", verb, escaped), nil
}

// escapePath backslash-escapes backslashes and double quotes and wraps the
// result in a double-quoted Seatbelt string literal. Control bytes are
// rejected rather than escaped.
func escapePath(path string) (string, error) {
	if pathutil.HasControlBytes(path) {
		return "", sxerr.New(sxerr.InvalidPath, fmt.Sprintf("path %q contains control bytes", path))
	}

	var b strings.Builder

	b.WriteByte('"')

	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '\\' || c == '"' {
			b.WriteByte('\\')
		}

		b.WriteByte(c)
	}

	b.WriteByte('"')

	return b.String(), nil
}

func sortedCopy(items []string) []string {
	out := append([]string(nil), items...)
	sort.Strings(out)

	return out
}

// unionSorted merges extra into base (already sorted), skipping duplicates,
// and returns a freshly sorted slice.
func unionSorted(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base))
	out := make([]string, 0, len(base)+len(extra))

	for _, p := range base {
		if _, ok := seen[p]; ok {
			continue
		}

		seen[p] = struct{}{}

		out = append(out, p)
	}

	for _, p := range extra {
		if _, ok := seen[p]; ok {
			continue
		}

		seen[p] = struct{}{}

		out = append(out, p)
	}

	sort.Strings(out)

	return out
}
