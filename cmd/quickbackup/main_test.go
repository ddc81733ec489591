// cmd/quickbackup/main_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/mmp/quickbackup/archive"
	"github.com/mmp/quickbackup/backup"
	"github.com/mmp/quickbackup/profile"
	"github.com/mmp/quickbackup/rdso"
)

type testEnv struct {
	t    *testing.T
	src  string
	dest string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Setenv(profile.DirEnv, t.TempDir())
	e := &testEnv{t: t, src: filepath.Join(t.TempDir(), "docs"), dest: t.TempDir()}
	for name, contents := range map[string]string{"a.txt": "0123456789", "sub/b.txt": "01234567890123456789"} {
		p := filepath.Join(e.src, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(contents), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return e
}

// run runs the command line and checks its exit code, returning what it
// printed to stdout.
func (e *testEnv) run(code int, args ...string) string {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	if got := run(args, &stdout, &stderr); got != code {
		e.t.Fatalf("%v: exit code %d, expected %d\nstdout:\n%s\nstderr:\n%s", args, got, code,
			stdout.String(), stderr.String())
	}
	return stdout.String()
}

func (e *testEnv) outputs() []string {
	e.t.Helper()
	entries, err := os.ReadDir(e.dest)
	if err != nil {
		e.t.Fatal(err)
	}
	var names []string
	for _, ent := range entries {
		names = append(names, ent.Name())
	}
	return names
}

func TestExitCode(t *testing.T) {
	for _, c := range []struct {
		err  error
		code int
	}{
		{nil, exitOK},
		{errors.Annotatef(profile.ErrProfileNotFound, "x"), exitProfileNotFound},
		{errors.Annotatef(archive.ErrDestinationUnavailable, "x"), exitDestUnavailable},
		{errors.Annotatef(backup.ErrNoDestination, "x"), exitNoDestination},
		{errors.Annotatef(archive.ErrArchiveWrite, "x"), exitFailed},
		{errors.Annotatef(backup.ErrLocked, "x"), exitFailed},
		{errors.Annotatef(errUsage, "x"), exitUsage},
		{errors.Trace(errors.Annotatef(profile.ErrInvalidName, "x")), exitFailed},
	} {
		if got := exitCode(c.err); got != c.code {
			t.Errorf("%v: got %d, expected %d", c.err, got, c.code)
		}
	}
}

func TestUsage(t *testing.T) {
	e := newTestEnv(t)
	e.run(exitUsage)
	e.run(exitUsage, "frobnicate")
	e.run(exitUsage, "create", "onlyname")
	e.run(exitUsage, "show")
	e.run(exitUsage, "list", "--no-such-flag")
	e.run(exitUsage, "help", "nonsense")
	if out := e.run(exitOK, "help"); !strings.Contains(out, "usage: quickbackup") {
		t.Errorf("help output: %s", out)
	}
	if out := e.run(exitOK, "help", "format"); !strings.Contains(out, "rsFileHeader") {
		t.Errorf("help format output: %s", out)
	}
}

func TestProfileLifecycle(t *testing.T) {
	e := newTestEnv(t)
	e.run(exitOK, "create", "docs", e.src, "--dest", e.dest)
	e.run(exitFailed, "create", "docs", e.src)

	if out := e.run(exitOK, "list"); !strings.Contains(out, "docs") || !strings.Contains(out, "never") {
		t.Errorf("list output: %s", out)
	}

	out := e.run(exitOK, "backup", "docs", "-v")
	if !strings.Contains(out, "2 included") || !strings.Contains(out, "wrote ") {
		t.Errorf("first backup output: %s", out)
	}
	if n := len(e.outputs()); n != 1 {
		t.Errorf("%d outputs after first backup", n)
	}

	out = e.run(exitOK, "backup", "docs")
	if !strings.Contains(out, "0 included") || !strings.Contains(out, "nothing changed") {
		t.Errorf("second backup output: %s", out)
	}
	if n := len(e.outputs()); n != 1 {
		t.Errorf("%d outputs after second backup", n)
	}

	out = e.run(exitOK, "backup", "docs", "--no-incremental", "--no-compress")
	if !strings.Contains(out, "2 included") {
		t.Errorf("full backup output: %s", out)
	}

	out = e.run(exitOK, "show", "docs")
	for _, s := range []string{"[ok] " + e.src, "destination: " + e.dest, "tracked:     2 files",
		"backups:     2"} {
		if !strings.Contains(out, s) {
			t.Errorf("show output missing %q:\n%s", s, out)
		}
	}
	if out := e.run(exitOK, "list"); strings.Contains(out, "never") {
		t.Errorf("last backup not recorded: %s", out)
	}

	e.run(exitOK, "delete", "docs")
	e.run(exitProfileNotFound, "show", "docs")
	e.run(exitProfileNotFound, "backup", "docs")
	e.run(exitProfileNotFound, "delete", "docs")
}

func TestDestinations(t *testing.T) {
	e := newTestEnv(t)
	e.run(exitOK, "create", "nodest", e.src)
	e.run(exitNoDestination, "backup", "nodest")

	missing := filepath.Join(e.dest, "missing")
	e.run(exitDestUnavailable, "backup", "nodest", "--dest", missing)

	e.run(exitOK, "config", "--default-dest", missing)
	if out := e.run(exitOK, "config"); !strings.Contains(out, missing) {
		t.Errorf("config output: %s", out)
	}
	e.run(exitDestUnavailable, "backup", "nodest")

	// --dest overrides the default without changing the profile.
	e.run(exitOK, "backup", "nodest", "--dest", e.dest)
	if n := len(e.outputs()); n != 1 {
		t.Errorf("%d outputs", n)
	}
	if out := e.run(exitOK, "show", "nodest"); !strings.Contains(out, "(default)") {
		t.Errorf("show output: %s", out)
	}

	e.run(exitUsage, "backup", "nodest", "--dest", e.dest, "--limit-rate", "lots")
	e.run(exitOK, "backup", "nodest", "--dest", e.dest, "--limit-rate", "100MB", "--no-incremental")

	// A relative --dest is resolved against the working directory.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)
	if err := os.Chdir(filepath.Dir(e.dest)); err != nil {
		t.Fatal(err)
	}
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	out := e.run(exitOK, "backup", "nodest", "--dest", filepath.Base(e.dest), "--no-incremental")
	if !strings.Contains(out, "wrote "+filepath.Join(cwd, filepath.Base(e.dest))+string(filepath.Separator)) {
		t.Errorf("expected an absolute output path: %s", out)
	}
	if n := len(e.outputs()); n != 3 {
		t.Errorf("%d outputs", n)
	}
}

func TestCheckRepair(t *testing.T) {
	e := newTestEnv(t)
	e.run(exitOK, "create", "docs", e.src, "--dest", e.dest)
	e.run(exitOK, "backup", "docs", "--parity")

	var zipfn string
	for _, n := range e.outputs() {
		if strings.HasSuffix(n, ".zip") {
			zipfn = filepath.Join(e.dest, n)
		}
	}
	if zipfn == "" {
		t.Fatalf("no zip file in %v", e.outputs())
	}
	if _, err := os.Stat(rdso.SidecarName(zipfn)); err != nil {
		t.Fatal(err)
	}
	e.run(exitOK, "check", zipfn)

	b, err := os.ReadFile(zipfn)
	if err != nil {
		t.Fatal(err)
	}
	b[len(b)/2] ^= 0x55
	if err := os.WriteFile(zipfn, b, 0644); err != nil {
		t.Fatal(err)
	}
	e.run(exitFailed, "check", zipfn)
	e.run(exitOK, "repair", zipfn)

	b[len(b)/2] ^= 0x55
	recovered, err := os.ReadFile(zipfn + rdso.RecoveredSuffix)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, recovered) {
		t.Errorf("recovered archive differs from the original")
	}
}
