//go:build darwin

package merge_test

import (
	"path/filepath"
	"testing"

	"github.com/sx-run/sx/internal/merge"
	"github.com/sx-run/sx/internal/policy"
	"github.com/sx-run/sx/internal/profiles"
	"github.com/sx-run/sx/internal/sxerr"
)

func baseInput(t *testing.T) merge.Input {
	t.Helper()

	home := t.TempDir()
	work := t.TempDir()

	return merge.Input{
		WorkDir:    work,
		HomeDir:    home,
		HostEnv:    map[string]string{"HOME": home},
		ProfileCtx: profiles.Context{HomeDir: home},
	}
}

func Test_Merge_Defaults_To_Offline(t *testing.T) {
	t.Parallel()

	p, err := merge.Merge(baseInput(t))
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if p.NetworkMode != policy.Offline {
		t.Errorf("NetworkMode = %v, want Offline", p.NetworkMode)
	}
}

func Test_Merge_Is_Deterministic(t *testing.T) {
	t.Parallel()

	in := baseInput(t)
	in.ProfileNames = []string{"rust", "online"}

	p1, err := merge.Merge(in)
	if err != nil {
		t.Fatalf("Merge (1st): %v", err)
	}

	p2, err := merge.Merge(in)
	if err != nil {
		t.Fatalf("Merge (2nd): %v", err)
	}

	if got, want := p1.FS.AllowRead.Items(), p2.FS.AllowRead.Items(); !equalSlices(got, want) {
		t.Errorf("AllowRead differs across identical merges: %v vs %v", got, want)
	}

	if p1.NetworkMode != p2.NetworkMode {
		t.Errorf("NetworkMode differs across identical merges: %v vs %v", p1.NetworkMode, p2.NetworkMode)
	}
}

func Test_Merge_CLI_Flags_Override_Profile_Network(t *testing.T) {
	t.Parallel()

	in := baseInput(t)
	in.ProfileNames = []string{"online"}

	offline := policy.Offline
	in.CLI.NetworkMode = &offline

	p, err := merge.Merge(in)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if p.NetworkMode != policy.Offline {
		t.Errorf("NetworkMode = %v, want Offline (CLI must win over profile)", p.NetworkMode)
	}
}

func Test_Merge_Rejects_CLI_AllowRead_Inside_HardDeny(t *testing.T) {
	t.Parallel()

	in := baseInput(t)
	in.CLI.AllowRead = []string{filepath.Join(in.HomeDir, ".ssh")}

	_, err := merge.Merge(in)
	if err == nil {
		t.Fatal("expected a HardDenyViolation error")
	}

	sxErr, ok := err.(*sxerr.Error)
	if !ok || sxErr.Kind != sxerr.HardDenyViolation {
		t.Errorf("error = %v, want Kind=HardDenyViolation", err)
	}
}

func Test_Merge_Drops_NonCLI_AllowRead_Inside_HardDeny_With_Warning(t *testing.T) {
	t.Parallel()

	in := baseInput(t)
	sshDir := filepath.Join(in.HomeDir, ".ssh")
	frag := policy.Fragment{
		FS: policy.Filesystem{AllowRead: policy.NewFileSet(), AllowWrite: policy.NewFileSet(), DenyRead: policy.NewFileSet()},
	}
	frag.FS.AllowRead.Add(sshDir)
	in.ProjectFragment = &frag

	var warnings []string
	in.Warnf = func(format string, a ...any) { warnings = append(warnings, format) }

	p, err := merge.Merge(in)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if p.FS.AllowRead.Contains(sshDir) {
		t.Error("expected ~/.ssh to be dropped from AllowRead by hard-deny reinforcement")
	}

	if len(warnings) == 0 {
		t.Error("expected a warning to be reported for the dropped hard-deny override")
	}
}

func Test_Merge_InheritBase_False_Skips_Base_Fragment(t *testing.T) {
	t.Parallel()

	in := baseInput(t)
	no := false
	in.ProjectInheritBase = &no

	p, err := merge.Merge(in)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	// The base fragment contributes /usr to AllowRead; with inherit_base=false
	// it must be absent.
	if p.FS.AllowRead.Contains("/usr") {
		t.Error("expected base fragment to be skipped when inherit_base=false")
	}
}

func Test_Merge_InheritGlobal_False_Skips_Global_Fragment(t *testing.T) {
	t.Parallel()

	in := baseInput(t)

	globalFrag := policy.Fragment{
		FS: policy.Filesystem{AllowRead: policy.NewFileSet(), AllowWrite: policy.NewFileSet(), DenyRead: policy.NewFileSet()},
	}
	globalFrag.FS.AllowRead.Add("/from-global")
	in.GlobalFragment = &globalFrag

	no := false
	in.ProjectInheritGlobal = &no

	p, err := merge.Merge(in)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if p.FS.AllowRead.Contains("/from-global") {
		t.Error("expected global fragment to be skipped when inherit_global=false")
	}
}

func Test_Merge_WorkingDir_Is_Always_Read_Write_Allowed(t *testing.T) {
	t.Parallel()

	in := baseInput(t)

	p, err := merge.Merge(in)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if !p.FS.AllowWrite.Contains(in.WorkDir) || !p.FS.AllowRead.Contains(in.WorkDir) {
		t.Error("expected the working directory to always be allow-read/allow-write")
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
