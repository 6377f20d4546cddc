//go:build darwin

package profiles_test

import (
	"path/filepath"
	"testing"

	"github.com/sx-run/sx/internal/profiles"
)

func Test_Base_DenyReads_HardDenyPaths(t *testing.T) {
	t.Parallel()

	ctx := profiles.Context{HomeDir: "/home/u"}
	base := profiles.Base(ctx)

	for _, hd := range profiles.HardDenyPaths(ctx.HomeDir) {
		if !base.FS.DenyRead.Contains(hd) {
			t.Errorf("base fragment does not deny-read hard-deny path %q", hd)
		}
	}
}

func Test_HardDenyPaths_Includes_Ssh_And_Aws(t *testing.T) {
	t.Parallel()

	paths := profiles.HardDenyPaths("/home/u")

	want := map[string]bool{
		filepath.Join("/home/u", ".ssh"): true,
		filepath.Join("/home/u", ".aws"): true,
	}

	for _, p := range paths {
		delete(want, p)
	}

	if len(want) != 0 {
		t.Errorf("missing expected hard-deny paths: %v", want)
	}
}
