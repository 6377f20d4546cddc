//go:build darwin

package seatbelt_test

import (
	"strings"
	"testing"

	"github.com/sx-run/sx/internal/policy"
	"github.com/sx-run/sx/internal/seatbelt"
)

func newPolicy() policy.Policy {
	p := policy.Default("/work", "/home/u")
	p.FS.AllowRead.Add("/usr")
	p.FS.AllowWrite.Add("/tmp")
	p.FS.DenyRead.Add("/home/u/.netrc")

	return p
}

func Test_Emit_Header_And_RequiredAllows(t *testing.T) {
	t.Parallel()

	out, err := seatbelt.Emit(newPolicy(), nil)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	for _, want := range []string{
		"(version 1)",
		"(deny default)",
		"(allow process-fork)",
		"(allow process-exec)",
		"(allow signal (target self))",
		"(allow sysctl-read)",
		"(allow file-read-metadata)",
		`(allow file-read* (literal "/"))`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing required rule %q\n--- output ---\n%s", want, out)
		}
	}
}

func Test_Emit_Orders_Read_Before_Write_Before_Deny(t *testing.T) {
	t.Parallel()

	out, err := seatbelt.Emit(newPolicy(), nil)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	readIdx := strings.Index(out, `(allow file-read* (subpath "/usr"))`)
	writeIdx := strings.Index(out, `(allow file* (subpath "/tmp"))`)
	denyIdx := strings.Index(out, `(deny file-read* (subpath "/home/u/.netrc"))`)

	if readIdx < 0 || writeIdx < 0 || denyIdx < 0 {
		t.Fatalf("expected rules not found in output:\n%s", out)
	}

	if !(readIdx < writeIdx && writeIdx < denyIdx) {
		t.Errorf("rule ordering violated: read=%d write=%d deny=%d", readIdx, writeIdx, denyIdx)
	}
}

func Test_Emit_HardDeny_Emitted_Last_Among_Deny_Rules(t *testing.T) {
	t.Parallel()

	p := newPolicy()
	p.FS.DenyRead.Add("/home/u/.ssh")

	out, err := seatbelt.Emit(p, []string{"/home/u/.ssh"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	softIdx := strings.Index(out, `(deny file-read* (subpath "/home/u/.netrc"))`)
	hardIdx := strings.Index(out, `(deny file-read* (subpath "/home/u/.ssh"))`)

	if softIdx < 0 || hardIdx < 0 {
		t.Fatalf("expected deny rules not found:\n%s", out)
	}

	if hardIdx < softIdx {
		t.Error("hard-deny rule must be emitted after soft-deny rules")
	}
}

func Test_Emit_Network_Modes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mode policy.NetworkMode
		want []string
		none []string
	}{
		{policy.Offline, nil, []string{"network"}},
		{policy.Localhost, []string{`(allow network-outbound (remote ip "localhost:*"))`, `(allow network-bind (local ip "localhost:*"))`}, []string{"(allow network*)"}},
		{policy.Online, []string{"(allow network*)"}, nil},
	}

	for _, tc := range tests {
		p := newPolicy()
		p.NetworkMode = tc.mode

		out, err := seatbelt.Emit(p, nil)
		if err != nil {
			t.Fatalf("Emit(%v): %v", tc.mode, err)
		}

		for _, want := range tc.want {
			if !strings.Contains(out, want) {
				t.Errorf("mode=%v: missing %q\n%s", tc.mode, want, out)
			}
		}

		for _, notWant := range tc.none {
			if strings.Contains(out, notWant) {
				t.Errorf("mode=%v: unexpectedly contains %q", tc.mode, notWant)
			}
		}
	}
}

func Test_Emit_Escapes_Quotes_And_Backslashes(t *testing.T) {
	t.Parallel()

	p := policy.Default(`/work`, "/home/u")
	p.FS.AllowRead.Add(`/tmp/weird"name`)

	out, err := seatbelt.Emit(p, nil)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if !strings.Contains(out, `/tmp/weird\"name`) {
		t.Errorf("expected escaped quote in output:\n%s", out)
	}
}

func Test_Emit_Rejects_Control_Bytes(t *testing.T) {
	t.Parallel()

	p := policy.Default("/work", "/home/u")
	p.FS.AllowRead.Add("/tmp/foo\nbar")

	if _, err := seatbelt.Emit(p, nil); err == nil {
		t.Fatal("expected an error for a path containing a control byte")
	}
}

func Test_Emit_Is_Deterministic(t *testing.T) {
	t.Parallel()

	p := newPolicy()

	out1, err := seatbelt.Emit(p, nil)
	if err != nil {
		t.Fatalf("Emit (1st): %v", err)
	}

	out2, err := seatbelt.Emit(p, nil)
	if err != nil {
		t.Fatalf("Emit (2nd): %v", err)
	}

	if out1 != out2 {
		t.Error("Emit produced different output for identical input")
	}
}

func Test_Emit_RawRules_Appended_Last(t *testing.T) {
	t.Parallel()

	p := newPolicy()
	p.RawRules = []string{"(allow mach-lookup)"}

	out, err := seatbelt.Emit(p, []string{"/home/u/.ssh"})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	rawIdx := strings.Index(out, "(allow mach-lookup)")
	denyIdx := strings.Index(out, `(deny file-read* (subpath "/home/u/.ssh"))`)

	if rawIdx < 0 || denyIdx < 0 {
		t.Fatalf("expected rules not found in output:\n%s", out)
	}

	if rawIdx < denyIdx {
		t.Error("raw rule must be appended after every deny rule, including hard-denies")
	}
}
