//go:build darwin

// Package launcher implements the launcher: materializing a
// Seatbelt profile to disk, building the child environment, spawning
// "sandbox-exec", forwarding signals, and propagating the exit code.
//
// Grounded on sandbox/command.go's Sandbox.Command (profile materialization
// as a temp-file analog of memfd-backed --ro-bind-data, idempotent
// sync.Once-guarded cleanup stack, envMapToSliceSorted) and on
// cmd/agent-sandbox/run.go's two-stage termCtx/killCtx shutdown — adapted
// from bwrap's "child is a namespace root" model to sandbox-exec's "child is
// a direct Seatbelt-wrapped process" model, so signals are forwarded to the
// child's own process group rather than to a container root.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sx-run/sx/internal/pathutil"
	"github.com/sx-run/sx/internal/policy"
	"github.com/sx-run/sx/internal/seatbelt"
	"github.com/sx-run/sx/internal/sxerr"
)

// GracePeriod is how long the launcher waits for the child to exit after
// forwarding a terminating signal before escalating to SIGKILL.
const GracePeriod = 5 * time.Second

// Reserved exit codes.
const (
	ExitConfigError     = 2
	ExitCommandNotExec  = 126
	ExitCommandNotFound = 127
	ExitUserInterrupt   = 130
	ExitSandboxKilled   = 137
)

// maxDiagnosticBytes bounds how much of the child's stderr is retained for a
// ProfileRejected diagnostic.
const maxDiagnosticBytes = 4096

// Options configures a single launch.
type Options struct {
	Policy   policy.Policy
	HardDeny []string

	// Command is the argv to run inside the sandbox. Empty means "launch an
	// interactive shell" using Shell.
	Command []string
	Shell    string
	HostEnv  map[string]string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Debug, when the kernel rejects the profile, copies the materialized
	// profile file into DebugDir. The original file is removed either way.
	Debug    bool
	DebugDir string
}

// Launch materializes the profile, spawns sandbox-exec, forwards signals,
// and blocks until the child exits. termCtx cancellation requests a graceful
// SIGTERM; killCtx cancellation (or GracePeriod elapsing after termCtx) force
// kills with SIGKILL. Launch never discards the child's exit status: it
// always waits for the process to actually exit before returning.
func Launch(termCtx, killCtx context.Context, opts Options) (int, error) {
	profilePath, cleanupProfile, err := materializeProfile(opts)
	if err != nil {
		return ExitConfigError, err
	}
	defer cleanupProfile()

	sandboxExecPath, err := exec.LookPath("sandbox-exec")
	if err != nil {
		return ExitConfigError, sxerr.Wrap(sxerr.SpawnFailure, "sandbox-exec not found in PATH", err)
	}

	argv := opts.Command
	if len(argv) == 0 {
		argv = []string{opts.Shell, "-l"}
	}

	args := []string{
		"-f", profilePath,
		"-D", "working_dir=" + opts.Policy.WorkingDir,
		"-D", "home=" + opts.Policy.HomeDir,
	}
	args = append(args, argv...)

	cmd := exec.Command(sandboxExecPath, args...)
	cmd.Dir = opts.Policy.WorkingDir
	cmd.Env = buildChildEnv(opts.HostEnv, opts.Policy.Env, opts.Policy.NetworkMode)
	cmd.Stdin = opts.Stdin
	// New process group so a forwarded signal reaches sandbox-exec and
	// whatever it has spawned under the profile, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var diag diagnosticBuffer

	cmd.Stdout = opts.Stdout
	cmd.Stderr = diag.wrap(opts.Stderr)

	if err := cmd.Start(); err != nil {
		return exitCodeForStartError(err), sxerr.Wrap(sxerr.SpawnFailure, fmt.Sprintf("starting %q", argv[0]), err)
	}

	done := make(chan error, 1)

	go func() { done <- cmd.Wait() }()

	waitErr := waitWithEscalation(termCtx, killCtx, cmd, done)

	return exitCodeAndError(waitErr, cmd, diag.String(), opts, profilePath)
}

// waitWithEscalation blocks until the child exits, forwarding SIGTERM on
// termCtx cancellation and SIGKILL on killCtx cancellation or GracePeriod
// elapsing after the SIGTERM, whichever comes first.
func waitWithEscalation(termCtx, killCtx context.Context, cmd *exec.Cmd, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-termCtx.Done():
		signalGroup(cmd, syscall.SIGTERM)
	}

	select {
	case err := <-done:
		return err
	case <-killCtx.Done():
		signalGroup(cmd, syscall.SIGKILL)

		return <-done
	case <-time.After(GracePeriod):
		signalGroup(cmd, syscall.SIGKILL)

		return <-done
	}
}

// signalGroup forwards sig to the child's whole process group, falling back to the direct child if the group lookup fails.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Signal(sig)

		return
	}

	_ = unix.Kill(-pgid, unix.Signal(sig))
}

func exitCodeAndError(waitErr error, cmd *exec.Cmd, stderrTail string, opts Options, profilePath string) (int, error) {
	if waitErr == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError

	if !errors.As(waitErr, &exitErr) {
		return ExitConfigError, sxerr.Wrap(sxerr.SpawnFailure, "waiting for child", waitErr)
	}

	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}

	code := exitErr.ExitCode()

	if looksLikeProfileRejection(code, stderrTail) {
		if opts.Debug && opts.DebugDir != "" {
			preservePreservedProfile(profilePath, opts.DebugDir)
		}

		return ExitConfigError, sxerr.New(sxerr.ProfileRejected, stderrTail)
	}

	return code, nil
}

// looksLikeProfileRejection heuristically classifies any non-zero exit whose
// retained stderr contains a sandbox-exec diagnostic marker as a profile
// compile/apply failure rather than the wrapped command's own exit status.
func looksLikeProfileRejection(code int, stderrTail string) bool {
	if code == 0 {
		return false
	}

	return containsAny(stderrTail, "sandbox-exec:", "sandbox_init", "Sandbox:")
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) <= len(s) && indexOf(s, sub) >= 0 {
			return true
		}
	}

	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}

	return -1
}

func exitCodeForStartError(err error) int {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return ExitCommandNotFound
	}

	return ExitConfigError
}

func preservePreservedProfile(profilePath, debugDir string) {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return
	}

	_ = os.MkdirAll(debugDir, 0o700)
	dst := filepath.Join(debugDir, "rejected-profile.sb")
	_ = os.WriteFile(dst, data, 0o600)
}

// materializeProfile renders opts.Policy to Seatbelt text and writes it to a
// unique, owner-only-readable file under a per-invocation temp directory. The
// returned cleanup function removes the file and its directory; it is safe
// to call multiple times.
func materializeProfile(opts Options) (string, func(), error) {
	text, err := seatbelt.Emit(opts.Policy, opts.HardDeny)
	if err != nil {
		return "", func() {}, err
	}

	dir, err := os.MkdirTemp("", "sx-profile-*")
	if err != nil {
		return "", func() {}, sxerr.Wrap(sxerr.ConfigSchema, "creating profile temp directory", err)
	}

	path := filepath.Join(dir, "sandbox.sb")

	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		_ = os.RemoveAll(dir)

		return "", func() {}, sxerr.Wrap(sxerr.ConfigSchema, "writing profile file", err)
	}

	var once sync.Once

	cleanup := func() {
		once.Do(func() {
			_ = os.RemoveAll(dir)
		})
	}

	return path, cleanup, nil
}

// buildChildEnv applies env.pass/env.deny/env.set to hostEnv and injects
// SANDBOX_MODE. pass is an allowlist except when
// empty, in which case pass-through is disabled entirely.
func buildChildEnv(hostEnv map[string]string, rules policy.EnvRules, mode policy.NetworkMode) []string {
	out := make(map[string]string)

	if len(rules.Pass) > 0 {
		for _, name := range rules.Pass {
			val, ok := hostEnv[name]
			if !ok {
				continue
			}

			if matchesAnyPattern(name, rules.Deny) {
				continue
			}

			out[name] = val
		}
	}

	for k, v := range rules.Set {
		out[k] = v
	}

	out["SANDBOX_MODE"] = string(mode)

	return envMapToSliceSorted(out)
}

func matchesAnyPattern(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if pathutil.EnvPatternMatch(name, pattern) {
			return true
		}
	}

	return false
}

// envMapToSliceSorted converts env to a sorted KEY=VALUE slice for
// deterministic, debuggable child environments.
func envMapToSliceSorted(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}

	return out
}

// diagnosticBuffer tees a writer while retaining the last maxDiagnosticBytes
// bytes written, used to surface sandbox-exec's own stderr diagnostic text
// in a ProfileRejected error without buffering the whole stream.
type diagnosticBuffer struct {
	buf bytes.Buffer
}

func (d *diagnosticBuffer) wrap(w io.Writer) io.Writer {
	if w == nil {
		return d
	}

	return io.MultiWriter(w, d)
}

// Write appends p and discards everything but the last maxDiagnosticBytes.
func (d *diagnosticBuffer) Write(p []byte) (int, error) {
	d.buf.Write(p)

	if over := d.buf.Len() - maxDiagnosticBytes; over > 0 {
		d.buf.Next(over)
	}

	return len(p), nil
}

func (d *diagnosticBuffer) String() string {
	s := d.buf.String()
	if len(s) > maxDiagnosticBytes {
		return s[len(s)-maxDiagnosticBytes:]
	}

	return s
}
