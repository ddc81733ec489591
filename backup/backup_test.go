// backup/backup_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"archive/zip"
	"bytes"
	"io"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/mmp/quickbackup/archive"
	"github.com/mmp/quickbackup/checksum"
	"github.com/mmp/quickbackup/rdso"
	"golang.org/x/net/context"
)

var epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

type fixture struct {
	t     *testing.T
	src   string
	dest  string
	clock *testclock.Clock
	store checksum.Store
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	f := &fixture{
		t:     t,
		src:   filepath.Join(t.TempDir(), "src"),
		dest:  t.TempDir(),
		clock: testclock.NewClock(epoch),
		store: checksum.NewMemory(),
	}
	for name, contents := range files {
		f.write(name, contents)
	}
	return f
}

func (f *fixture) write(name, contents string) {
	f.t.Helper()
	p := filepath.Join(f.src, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		f.t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(contents), 0644); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) profile() Profile {
	return Profile{Name: "test", Sources: []string{f.src}, Destination: f.dest}
}

// run does a backup with the given options and advances the clock so
// that every run gets its own output name.
func (f *fixture) run(opts Options) Result {
	f.t.Helper()
	opts.Clock = f.clock
	res, err := Run(context.Background(), f.profile(), f.store, opts)
	if err != nil {
		f.t.Fatalf("backup failed: %v", err)
	}
	if !res.Succeeded || res.State != StateDone {
		f.t.Fatalf("unexpected result %+v", res)
	}
	f.clock.Advance(time.Second)
	return res
}

func checkCounts(t *testing.T, res Result, included, skipped, errored int) {
	t.Helper()
	if res.Included != included || res.Skipped != skipped || res.Errored != errored {
		t.Errorf("got %d included, %d skipped, %d errored; expected %d, %d, %d",
			res.Included, res.Skipped, res.Errored, included, skipped, errored)
	}
}

// readZip returns the contents of the given zip file, keyed by entry
// name.
func readZip(t *testing.T, fn string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	m := make(map[string]string)
	for _, zf := range zr.File {
		rc, err := zf.Open()
		if err != nil {
			t.Fatal(err)
		}
		b, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatal(err)
		}
		m[zf.Name] = string(b)
	}
	return m
}

func destEntries(t *testing.T, dest string) []string {
	t.Helper()
	entries, err := os.ReadDir(dest)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestIncrementalScenario(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.txt": "0123456789",
		"b.txt": "01234567890123456789",
	})
	incr := Options{Incremental: true, Compress: true}

	res := f.run(incr)
	checkCounts(t, res, 2, 0, 0)
	if res.BytesIncluded != 30 {
		t.Errorf("%d bytes included, expected 30", res.BytesIncluded)
	}
	if want := filepath.Join(f.dest, "test_20240102_030405.zip"); res.OutputPath != want {
		t.Errorf("output %s, expected %s", res.OutputPath, want)
	}
	if !res.Started.Equal(epoch) {
		t.Errorf("start time %s", res.Started)
	}

	f.write("a.txt", "9876543210")
	res = f.run(incr)
	checkCounts(t, res, 1, 1, 0)
	if diff := cmp.Diff(map[string]string{"src/a.txt": "9876543210"}, readZip(t, res.OutputPath)); diff != "" {
		t.Errorf("second archive (-want +got):\n%s", diff)
	}

	res = f.run(Options{Incremental: false, Compress: true})
	checkCounts(t, res, 2, 0, 0)
	want := map[string]string{"src/a.txt": "9876543210", "src/b.txt": "01234567890123456789"}
	if diff := cmp.Diff(want, readZip(t, res.OutputPath)); diff != "" {
		t.Errorf("full archive (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"test_20240102_030405.zip", "test_20240102_030406.zip",
		"test_20240102_030407.zip"}, destEntries(t, f.dest)); diff != "" {
		t.Errorf("destination (-want +got):\n%s", diff)
	}
}

func TestIdempotent(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed %d", seed)
	r := rand.New(rand.NewSource(seed))

	files := make(map[string]string)
	for i := 0; i < 50; i++ {
		name := filepath.ToSlash(filepath.Join(string(rune('a'+r.Intn(4))), string(rune('a'+i%26))+
			string(rune('a'+i/26))))
		b := make([]byte, r.Intn(10000))
		r.Read(b)
		files[name] = string(b)
	}
	f := newFixture(t, files)

	for _, compress := range []bool{true, false} {
		f.store = checksum.NewMemory()
		res := f.run(Options{Incremental: true, Compress: compress})
		checkCounts(t, res, len(files), 0, 0)

		before := destEntries(t, f.dest)
		res = f.run(Options{Incremental: true, Compress: compress})
		checkCounts(t, res, 0, len(files), 0)
		if res.OutputPath != "" {
			t.Errorf("unexpected output %s with nothing included", res.OutputPath)
		}
		if diff := cmp.Diff(before, destEntries(t, f.dest)); diff != "" {
			t.Errorf("destination changed (-before +after):\n%s", diff)
		}
	}
}

func TestFullIgnoresStore(t *testing.T) {
	f := newFixture(t, map[string]string{"x": "x", "y/z": "z", "y/w": "w"})
	f.run(Options{Incremental: true, Compress: true})
	for i := 0; i < 2; i++ {
		res := f.run(Options{Incremental: false, Compress: true})
		checkCounts(t, res, 3, 0, 0)
	}
	if f.store.Len() != 3 {
		t.Errorf("%d records, expected 3", f.store.Len())
	}
}

func TestTouchedFileUnchanged(t *testing.T) {
	f := newFixture(t, map[string]string{"doc": "same old bytes"})
	f.run(Options{Incremental: true, Compress: true})

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(filepath.Join(f.src, "doc"), later, later); err != nil {
		t.Fatal(err)
	}
	res := f.run(Options{Incremental: true, Compress: true})
	checkCounts(t, res, 0, 1, 0)
}

func TestOverlappingSources(t *testing.T) {
	f := newFixture(t, map[string]string{"1": "1", "sub/2": "2", "sub/deeper/3": "3"})
	p := f.profile()
	p.Sources = []string{filepath.Join(f.src, "sub"), f.src, filepath.Join(f.src, "sub", "deeper")}

	res, err := Run(context.Background(), p, f.store, Options{Compress: true, Clock: f.clock})
	if err != nil {
		t.Fatal(err)
	}
	checkCounts(t, res, 3, 0, 0)
	want := map[string]string{"sub/2": "2", "sub/deeper/3": "3", "src/1": "1"}
	if diff := cmp.Diff(want, readZip(t, res.OutputPath)); diff != "" {
		t.Errorf("archive (-want +got):\n%s", diff)
	}
}

func TestNameCollision(t *testing.T) {
	tmp := t.TempDir()
	one, two := filepath.Join(tmp, "one", "docs"), filepath.Join(tmp, "two", "docs")
	for i, dir := range []string{one, two} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte{byte('1' + i)}, 0644); err != nil {
			t.Fatal(err)
		}
	}
	store := checksum.NewMemory()
	p := Profile{Name: "c", Sources: []string{one, two}, Destination: t.TempDir()}
	res, err := Run(context.Background(), p, store, Options{Incremental: true, Compress: true})
	if err != nil {
		t.Fatal(err)
	}
	checkCounts(t, res, 1, 0, 0)
	if res.Collisions != 1 {
		t.Errorf("%d collisions, expected 1", res.Collisions)
	}
	if diff := cmp.Diff(map[string]string{"docs/f.txt": "1"}, readZip(t, res.OutputPath)); diff != "" {
		t.Errorf("archive (-want +got):\n%s", diff)
	}
	if _, ok := store.Lookup(filepath.Join(two, "f.txt")); ok {
		t.Errorf("record stored for the file that lost the collision")
	}
}

func TestPartialFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root can read anything")
	}
	f := newFixture(t, map[string]string{"ok1": "1", "ok2": "2", "bad": "3", "ok3": "4"})
	bad := filepath.Join(f.src, "bad")
	if err := os.Chmod(bad, 0); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(bad, 0644)

	for _, incremental := range []bool{true, false} {
		f.store = checksum.NewMemory()
		res := f.run(Options{Incremental: incremental, Compress: true})
		checkCounts(t, res, 3, 0, 1)
		if _, ok := f.store.Lookup(bad); ok {
			t.Errorf("record stored for unreadable file")
		}
		if len(readZip(t, res.OutputPath)) != 3 {
			t.Errorf("expected 3 entries in archive")
		}
	}
}

// failingReader returns an error once left bytes have been read.
type failingReader struct {
	r    io.Reader
	left int
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.left <= 0 {
		return 0, errors.New("disk error")
	}
	if len(p) > f.left {
		p = p[:f.left]
	}
	n, err := f.r.Read(p)
	f.left -= n
	return n, err
}

func TestReadFailure(t *testing.T) {
	big := string(bytes.Repeat([]byte("x"), 200000))
	f := newFixture(t, map[string]string{"ok1": "1", "ok2": "2", "bad": big, "ok3": "4"})
	bad := filepath.Join(f.src, "bad")

	for _, compress := range []bool{true, false} {
		for _, incremental := range []bool{true, false} {
			f.store = checksum.NewMemory()
			res := f.run(Options{
				Incremental: incremental,
				Compress:    compress,
				wrap: func(r io.Reader, path string, size int64) io.Reader {
					if path != bad {
						return r
					}
					return &failingReader{r: r, left: 65536}
				},
			})
			checkCounts(t, res, 3, 0, 1)
			if _, ok := f.store.Lookup(bad); ok {
				t.Errorf("record stored for unreadable file")
			}

			var names []string
			if compress {
				for name := range readZip(t, res.OutputPath) {
					names = append(names, name)
				}
			} else {
				err := filepath.WalkDir(res.OutputPath, func(p string, d fs.DirEntry, err error) error {
					if err != nil || d.IsDir() {
						return err
					}
					rel, err := filepath.Rel(res.OutputPath, p)
					names = append(names, filepath.ToSlash(rel))
					return err
				})
				if err != nil {
					t.Fatal(err)
				}
			}
			sort.Strings(names)
			want := []string{"src/ok1", "src/ok2", "src/ok3"}
			if diff := cmp.Diff(want, names); diff != "" {
				t.Errorf("compress %v incremental %v: output (-want +got):\n%s", compress, incremental, diff)
			}
		}
	}
}

func TestRoundTrip(t *testing.T) {
	seed := time.Now().UnixNano()
	t.Logf("seed %d", seed)
	r := rand.New(rand.NewSource(seed))

	files := make(map[string]string)
	want := make(map[string]string)
	for i := 0; i < 20; i++ {
		name := filepath.ToSlash(filepath.Join("d", string(rune('a'+i)), "f.bin"))
		b := make([]byte, r.Intn(200000))
		r.Read(b)
		files[name] = string(b)
		want["src/"+name] = string(b)
	}
	f := newFixture(t, files)
	res := f.run(Options{Incremental: true, Compress: true})
	if diff := cmp.Diff(want, readZip(t, res.OutputPath)); diff != "" {
		t.Errorf("archive contents differ")
	}

	// The stored checksums are of the bytes that were archived.
	for name, contents := range files {
		rec, ok := f.store.Lookup(filepath.Join(f.src, filepath.FromSlash(name)))
		if !ok {
			t.Errorf("%s: no record", name)
		} else if rec.Hash != checksum.HashBytes([]byte(contents)) || rec.Size != int64(len(contents)) {
			t.Errorf("%s: record %+v doesn't match contents", name, rec)
		}
	}
}

func TestDirectoryMode(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "aaa", "x/y/b": "bbb"})
	res := f.run(Options{Incremental: true})
	if want := filepath.Join(f.dest, "test_20240102_030405"); res.OutputPath != want {
		t.Fatalf("output %s, expected %s", res.OutputPath, want)
	}
	for name, contents := range map[string]string{"src/a": "aaa", "src/x/y/b": "bbb"} {
		b, err := os.ReadFile(filepath.Join(res.OutputPath, filepath.FromSlash(name)))
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != contents {
			t.Errorf("%s: got %q, expected %q", name, b, contents)
		}
	}
	if res.ArchiveBytes != 6 {
		t.Errorf("archive bytes %d", res.ArchiveBytes)
	}
}

func TestFastMode(t *testing.T) {
	f := newFixture(t, map[string]string{"f": "abcd"})
	p := filepath.Join(f.src, "f")
	f.run(Options{Incremental: true, Compress: true})

	fi, err := os.Stat(p)
	if err != nil {
		t.Fatal(err)
	}
	f.write("f", "wxyz")
	if err := os.Chtimes(p, fi.ModTime(), fi.ModTime()); err != nil {
		t.Fatal(err)
	}

	checkCounts(t, f.run(Options{Incremental: true, Compress: true, Fast: true}), 0, 1, 0)
	checkCounts(t, f.run(Options{Incremental: true, Compress: true}), 1, 0, 0)
}

func TestMissingDestination(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "a"})
	p := f.profile()
	p.Destination = filepath.Join(f.dest, "does", "not", "exist")

	res, err := Run(context.Background(), p, f.store, Options{Incremental: true, Compress: true})
	if !errors.Is(err, archive.ErrDestinationUnavailable) {
		t.Fatalf("expected ErrDestinationUnavailable, got %v", err)
	}
	if res.Succeeded || res.State != StateFailed || res.FailedIn != StateValidateDestination {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Included != 0 || res.OutputPath != "" || res.Cause == "" {
		t.Errorf("unexpected result %+v", res)
	}
	if _, err := os.Stat(p.Destination); !os.IsNotExist(err) {
		t.Errorf("destination was created")
	}
	if f.store.Len() != 0 {
		t.Errorf("store was updated")
	}
}

func TestNoDestination(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "a"})
	p := f.profile()
	p.Destination = ""
	res, err := Run(context.Background(), p, f.store, Options{})
	if !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expected ErrNoDestination, got %v", err)
	}
	if res.FailedIn != StateInit {
		t.Errorf("failed in %s", res.FailedIn)
	}
}

func TestLockContention(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "a"})
	release, err := acquireLock(context.Background(), "test", f.dest, time.Second)
	if err != nil {
		t.Fatal(err)
	}

	res, err := Run(context.Background(), f.profile(), f.store,
		Options{Incremental: true, Compress: true, LockTimeout: 300 * time.Millisecond})
	if !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
	if res.Succeeded {
		t.Errorf("run succeeded while locked")
	}
	if len(destEntries(t, f.dest)) != 0 {
		t.Errorf("output written while locked")
	}

	// A different profile to the same destination isn't blocked.
	p := f.profile()
	p.Name = "other"
	if _, err := Run(context.Background(), p, checksum.NewMemory(), Options{Compress: true}); err != nil {
		t.Errorf("other profile: %v", err)
	}

	release()
	f.run(Options{Incremental: true, Compress: true})
}

func TestCancelled(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "a", "b": "b"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Run(ctx, f.profile(), f.store, Options{Incremental: true, Compress: true, Clock: f.clock})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if res.State != StateFailed {
		t.Errorf("state %s", res.State)
	}
	if len(destEntries(t, f.dest)) != 0 {
		t.Errorf("destination not empty: %v", destEntries(t, f.dest))
	}
	if f.store.Len() != 0 {
		t.Errorf("store was updated")
	}
}

func TestParity(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "some contents", "b": "more contents"})
	res := f.run(Options{Incremental: true, Compress: true, Parity: true})
	if res.ParityPath != rdso.SidecarName(res.OutputPath) {
		t.Fatalf("parity path %q", res.ParityPath)
	}
	if err := rdso.CheckFile(res.OutputPath, res.ParityPath, nil); err != nil {
		t.Errorf("parity check: %v", err)
	}
}

func TestStorePersists(t *testing.T) {
	f := newFixture(t, map[string]string{"a": "a", "b": "b"})
	fn := filepath.Join(t.TempDir(), "checksums", "test.gob")
	store, err := checksum.Open(fn)
	if err != nil {
		t.Fatal(err)
	}
	f.store = store
	f.run(Options{Incremental: true, Compress: true})

	if f.store, err = checksum.Open(fn); err != nil {
		t.Fatal(err)
	}
	checkCounts(t, f.run(Options{Incremental: true, Compress: true}), 0, 2, 0)
}

func TestStateString(t *testing.T) {
	for s := StateInit; s <= StateFailed; s++ {
		if s.String() == "UNKNOWN" {
			t.Errorf("%d: no name", s)
		}
	}
}
