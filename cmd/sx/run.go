//go:build darwin

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/sx-run/sx/internal/config"
	"github.com/sx-run/sx/internal/launcher"
	"github.com/sx-run/sx/internal/merge"
	"github.com/sx-run/sx/internal/pathutil"
	"github.com/sx-run/sx/internal/policy"
	"github.com/sx-run/sx/internal/profiles"
	"github.com/sx-run/sx/internal/seatbelt"
	"github.com/sx-run/sx/internal/sxerr"
)

// programName is the canonical binary name used in error messages and usage.
const programName = "sx"

// exitCodeSIGINT is the exit code for a parent-level Ctrl-C (128 + SIGINT).
const exitCodeSIGINT = 130

// cleanupTimeout bounds how long Run waits for a graceful shutdown after the
// first interrupt before forcing a kill; a second interrupt forces it at once.
const cleanupTimeout = 10 * time.Second

// Run is the isolated entry point: all global state (stdio, argv, env,
// signals) is passed in explicitly so it can be driven by tests. Returns the
// process exit code.
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, hostEnv map[string]string, sigCh <-chan os.Signal) int {
	flags := flag.NewFlagSet(programName, flag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.Usage = func() {}
	flags.SetOutput(io.Discard)

	flagHelp := flags.BoolP("help", "h", false, "Show help")
	flagOffline := flags.Bool("offline", false, "Force offline network mode")
	flagOnline := flags.Bool("online", false, "Force online network mode")
	flagLocalhost := flags.Bool("localhost", false, "Force localhost-only network mode")
	flagAllowRead := flags.StringArray("allow-read", nil, "Add a read-allowed path (repeatable)")
	flagAllowWrite := flags.StringArray("allow-write", nil, "Add a write-allowed path (repeatable)")
	flagDenyRead := flags.StringArray("deny-read", nil, "Add a read-denied path (repeatable)")
	flagDryRun := flags.Bool("dry-run", false, "Print the generated Seatbelt profile and exit")
	flagExplain := flags.Bool("explain", false, "Print a human-readable summary of the effective policy and exit")
	flagConfigPath := flags.String("config", "", "Use the given file instead of the global config")
	flagNoConfig := flags.Bool("no-config", false, "Skip the global and project config files")
	flagDebug := flags.Bool("debug", false, "Preserve the rejected profile file on failure")

	if err := flags.Parse(args[1:]); err != nil {
		fprintError(stderr, err)

		return launcher.ExitConfigError
	}

	if *flagHelp {
		fprintln(stdout, usageHelp)

		return 0
	}

	profileNames, command := splitProfilesAndCommand(flags.Args())

	workDir, err := os.Getwd()
	if err != nil {
		fprintError(stderr, fmt.Errorf("getting working directory: %w", err))

		return launcher.ExitConfigError
	}

	homeDir := hostEnv["HOME"]
	if homeDir == "" {
		if h, herr := pathutil.DefaultHomeDir(); herr == nil {
			homeDir = h
		}
	}

	var globalFile, projectFile config.File

	var haveGlobal, haveProject bool

	if !*flagNoConfig {
		globalPath := *flagConfigPath
		if globalPath == "" {
			globalPath = config.GlobalConfigPath(hostEnv, homeDir)
		}

		gf, ok, gerr := config.LoadIfExists(globalPath)
		if gerr != nil {
			fprintError(stderr, gerr)

			return launcher.ExitConfigError
		}

		globalFile, haveGlobal = gf, ok

		if projPath, found := config.FindProjectConfig(workDir); found {
			pf, perr := config.Load(projPath)
			if perr != nil {
				fprintError(stderr, perr)

				return launcher.ExitConfigError
			}

			projectFile, haveProject = pf, true
		}
	}

	projectRoot, _ := config.FindProjectRoot(workDir)

	profileCtx := profiles.Context{
		HomeDir:       homeDir,
		ProjectRoot:   projectRoot,
		UserConfigDir: config.UserConfigDir(hostEnv, homeDir),
	}

	effectiveProfiles := append(append([]string{}, globalFile.DefaultProfiles...), projectFile.DefaultProfiles...)
	effectiveProfiles = append(effectiveProfiles, profileNames...)

	var cliNetwork *policy.NetworkMode

	switch {
	case *flagOnline:
		m := policy.Online
		cliNetwork = &m
	case *flagLocalhost:
		m := policy.Localhost
		cliNetwork = &m
	case *flagOffline:
		m := policy.Offline
		cliNetwork = &m
	}

	// Hard-deny overrides are always logged, --debug or not; it only adds
	// the profile-preservation behavior on a ProfileRejected failure.
	warnf := func(format string, a ...any) { fprintln(stderr, "sx: warning:", fmt.Sprintf(format, a...)) }

	input := merge.Input{
		WorkDir:      workDir,
		HomeDir:      homeDir,
		HostEnv:      hostEnv,
		ProfileNames: effectiveProfiles,
		ProfileCtx:   profileCtx,
		CLI: merge.CLIOverrides{
			NetworkMode: cliNetwork,
			AllowRead:   *flagAllowRead,
			AllowWrite:  *flagAllowWrite,
			DenyRead:    *flagDenyRead,
		},
		Warnf: warnf,
	}

	if haveGlobal {
		frag := globalFile.Fragment()
		input.GlobalFragment = &frag
		input.GlobalInheritBase = globalFile.InheritBase
	}

	if haveProject {
		frag := projectFile.Fragment()
		input.ProjectFragment = &frag
		input.ProjectInheritGlobal = projectFile.InheritGlobal
		input.ProjectInheritBase = projectFile.InheritBase
	}

	result, err := merge.Merge(input)
	if err != nil {
		fprintError(stderr, err)

		return launcher.ExitConfigError
	}

	hardDeny := profiles.HardDenyPaths(homeDir)

	if *flagDryRun {
		text, emitErr := seatbelt.Emit(result, hardDeny)
		if emitErr != nil {
			fprintError(stderr, emitErr)

			return launcher.ExitConfigError
		}

		fprintln(stdout, text)

		return 0
	}

	if *flagExplain {
		fprintln(stdout, explainPolicy(result, hardDeny))

		return 0
	}

	shell := resolveShell(globalFile, projectFile, hostEnv)

	killCtx, kill := context.WithCancel(context.Background())
	defer kill()

	termCtx, terminate := context.WithCancel(killCtx)
	defer terminate()

	type launchResult struct {
		code int
		err  error
	}

	done := make(chan launchResult, 1)

	go func() {
		code, launchErr := launcher.Launch(termCtx, killCtx, launcher.Options{
			Policy:   result,
			HardDeny: hardDeny,
			Command:  command,
			Shell:    shell,
			HostEnv:  hostEnv,
			Stdin:    stdin,
			Stdout:   stdout,
			Stderr:   stderr,
			Debug:    *flagDebug,
			DebugDir: filepath.Join(os.TempDir(), "sx-debug"),
		})
		done <- launchResult{code: code, err: launchErr}
	}()

	if sigCh == nil {
		result := <-done
		if result.err != nil {
			fprintError(stderr, result.err)
		}

		return result.code
	}

	select {
	case result := <-done:
		if result.err != nil {
			fprintError(stderr, result.err)
		}

		return result.code
	case <-sigCh:
		fprintln(stderr, "sx: interrupted, waiting up to 10s for cleanup... (Ctrl+C again to force exit)")
		terminate()
	}

	select {
	case result := <-done:
		if result.err != nil {
			fprintError(stderr, result.err)
		}

		return exitCodeSIGINT
	case <-time.After(cleanupTimeout):
		fprintln(stderr, "sx: cleanup timed out, forcing exit.")
		kill()
		<-done

		return exitCodeSIGINT
	case <-sigCh:
		fprintln(stderr, "sx: forced exit.")
		kill()
		<-done

		return exitCodeSIGINT
	}
}

// splitProfilesAndCommand splits the positional tokens left after flag
// parsing: tokens before the first literal "--" are profile names, tokens
// after form the command. No "--" at all means every token is a profile
// name and the command is empty (interactive shell).
func splitProfilesAndCommand(tokens []string) (profileNames, command []string) {
	for i, tok := range tokens {
		if tok == "--" {
			return tokens[:i], tokens[i+1:]
		}
	}

	return tokens, nil
}

func resolveShell(globalFile, projectFile config.File, hostEnv map[string]string) string {
	if projectFile.Shell != nil && *projectFile.Shell != "" {
		return *projectFile.Shell
	}

	if globalFile.Shell != nil && *globalFile.Shell != "" {
		return *globalFile.Shell
	}

	if sh := hostEnv["SHELL"]; sh != "" {
		return sh
	}

	return "/bin/zsh"
}

const usageHelp = `sx - a macOS Seatbelt wrapper for sandboxed command execution

Usage: sx [OPTIONS] [PROFILES]... [-- COMMAND [ARGS]...]

Options:
  -h, --help              Show help
      --offline            Force offline network mode
      --online             Force online network mode
      --localhost          Force localhost-only network mode
      --allow-read PATH    Add a read-allowed path (repeatable)
      --allow-write PATH   Add a write-allowed path (repeatable)
      --deny-read PATH     Add a read-denied path (repeatable)
      --dry-run            Print the generated Seatbelt profile and exit
      --explain            Print a human-readable policy summary and exit
      --config PATH        Use the given file instead of the global config
      --no-config          Skip the global and project config files
      --debug              Preserve the rejected profile file on failure

Built-in profiles: base (implicit), online, localhost, rust, bun, claude,
gpg, node, git, lint.

Examples:
  sx -- bash
  sx rust online -- cargo test
  sx --dry-run claude -- echo hi`

func fprintln(out io.Writer, a ...any) {
	_, _ = fmt.Fprintln(out, a...)
}

func fprintError(out io.Writer, err error) {
	var sxErr *sxerr.Error
	if errors.As(err, &sxErr) {
		fprintln(out, sxErr.Error())

		return
	}

	fprintln(out, "sx: error:", err)
}

func explainPolicy(p policy.Policy, hardDeny []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "network: %s\n", p.NetworkMode)
	fmt.Fprintf(&b, "working_dir: %s\n", p.WorkingDir)

	fmt.Fprintf(&b, "allow_read (%d):\n", len(p.FS.AllowRead.Items()))
	for _, path := range p.FS.AllowRead.Items() {
		fmt.Fprintf(&b, "  %s\n", path)
	}

	fmt.Fprintf(&b, "allow_write (%d):\n", len(p.FS.AllowWrite.Items()))
	for _, path := range p.FS.AllowWrite.Items() {
		fmt.Fprintf(&b, "  %s\n", path)
	}

	fmt.Fprintf(&b, "deny_read (%d):\n", len(p.FS.DenyRead.Items()))
	for _, path := range p.FS.DenyRead.Items() {
		fmt.Fprintf(&b, "  %s\n", path)
	}

	fmt.Fprintf(&b, "hard_deny (%d, always enforced):\n", len(hardDeny))
	for _, path := range hardDeny {
		fmt.Fprintf(&b, "  %s\n", path)
	}

	fmt.Fprintf(&b, "env.pass: %s\n", strings.Join(p.Env.Pass, ", "))
	fmt.Fprintf(&b, "env.deny: %s\n", strings.Join(p.Env.Deny, ", "))
	fmt.Fprintf(&b, "raw_rules: %d\n", len(p.RawRules))

	return strings.TrimRight(b.String(), "\n")
}
