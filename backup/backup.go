// backup/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup runs a single backup of a profile: it walks the
// profile's sources, decides which files have changed since the last
// run, writes those into a new archive, and then records their checksums
// so the next incremental run can skip them.
package backup

import (
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/mmp/quickbackup/archive"
	"github.com/mmp/quickbackup/change"
	"github.com/mmp/quickbackup/checksum"
	"github.com/mmp/quickbackup/rdso"
	u "github.com/mmp/quickbackup/util"
	"github.com/mmp/quickbackup/walk"
	"golang.org/x/net/context"
)

const (
	// ErrNoDestination is returned when a run has nowhere to write to.
	ErrNoDestination = errors.ConstError("no destination specified")
	// ErrLocked is returned when another run of the same profile to the
	// same destination holds the lock past the timeout.
	ErrLocked = errors.ConstError("backup already in progress")
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// Profile is what a run needs to know about the profile being backed up.
type Profile struct {
	Name        string
	Sources     []string
	Destination string
}

type Options struct {
	// Incremental runs include only new and modified files; otherwise
	// every file is included.
	Incremental bool
	// Compress writes a zip file rather than a directory tree.
	Compress bool
	// Fast treats files whose size and modification time match their
	// checksum records as unchanged without reading them.
	Fast bool
	// Parity writes a Reed-Solomon sidecar next to zip archives.
	Parity bool
	// RateLimit bounds the rate at which source files are read, in bytes
	// per second; zero is unlimited.
	RateLimit int64
	// LockTimeout is how long to wait for a concurrent run of the same
	// profile and destination; zero means DefaultLockTimeout.
	LockTimeout time.Duration
	// Clock provides the run's timestamps; nil means the wall clock.
	Clock clock.Clock

	// wrap, if set, is applied to every source reader beneath the rate
	// limiter; tests use it to make reads fail.
	wrap u.ReaderWrapper
}

// State is a step of a run.
type State int

const (
	StateInit State = iota
	StateValidateDestination
	StateWalk
	StateClassify
	StateBuildArchive
	StateUpdateChecksumStore
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateValidateDestination:
		return "VALIDATE_DESTINATION"
	case StateWalk:
		return "WALK"
	case StateClassify:
		return "CLASSIFY"
	case StateBuildArchive:
		return "BUILD_ARCHIVE"
	case StateUpdateChecksumStore:
		return "UPDATE_CHECKSUM_STORE"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Result summarizes a run. The counts reflect how far the run got, even
// when it failed.
type Result struct {
	Profile           string
	Started, Finished time.Time
	// Included counts new and modified files that were stored; Skipped
	// counts unchanged files; Errored counts files that couldn't be read.
	Included, Skipped, Errored int
	// Collisions counts files left out because an earlier source already
	// provided a file with the same archive name.
	Collisions int
	// Warnings counts problems with sources that were skipped over.
	Warnings int
	// BytesIncluded is the total size of the included files, and
	// ArchiveBytes the size of the output on disk.
	BytesIncluded, ArchiveBytes int64
	// OutputPath is empty if nothing was included.
	OutputPath string
	ParityPath string
	Succeeded  bool
	// State is StateDone or StateFailed; for failed runs, FailedIn is the
	// step that failed and Cause describes why.
	State    State
	FailedIn State
	Cause    string
}

// Summary returns a one-line human-readable description of the result.
func (r Result) Summary() string {
	s := humanize.Comma(int64(r.Included)) + " included (" + humanize.IBytes(uint64(r.BytesIncluded)) +
		"), " + humanize.Comma(int64(r.Skipped)) + " unchanged, " +
		humanize.Comma(int64(r.Errored)) + " errored"
	if r.Collisions > 0 {
		s += ", " + humanize.Comma(int64(r.Collisions)) + " name collisions"
	}
	return s
}

type pendingRecord struct {
	path string
	rec  checksum.Record
}

type runner struct {
	profile Profile
	store   checksum.Store
	opts    Options
	clock   clock.Clock
	wrap    u.ReaderWrapper
	state   State
	res     Result
	builder archive.Builder
	pending []pendingRecord
}

// Run performs a backup of the profile to p.Destination, consulting and
// then updating store. A run fails only if its output can't be written
// (or, before anything is written, if the destination is unusable or
// another run holds the lock); files that can't be read are counted and
// skipped. The checksum store is only updated after the output has been
// committed under its final name.
func Run(ctx context.Context, p Profile, store checksum.Store, opts Options) (Result, error) {
	r := &runner{profile: p, store: store, opts: opts, clock: opts.Clock}
	if r.clock == nil {
		r.clock = clock.WallClock
	}
	r.res = Result{Profile: p.Name, Started: r.clock.Now()}
	r.wrap = u.NewReaderWrapper(u.NewLimiter(opts.RateLimit), log)
	if opts.wrap != nil {
		outer := r.wrap
		r.wrap = func(rd io.Reader, path string, size int64) io.Reader {
			return outer(opts.wrap(rd, path, size), path, size)
		}
	}

	err := r.run(ctx)
	r.res.Finished = r.clock.Now()
	if err != nil {
		if r.builder != nil {
			if aerr := r.builder.Abort(); aerr != nil {
				log.Warning("%s: cleaning up: %v", p.Name, aerr)
			}
		}
		r.res.State, r.res.FailedIn = StateFailed, r.state
		r.res.Cause = err.Error()
		r.res.OutputPath, r.res.ParityPath = "", ""
		log.Verbose("%s: failed in %s: %v", p.Name, r.state, err)
		return r.res, err
	}
	r.res.State = StateDone
	r.res.Succeeded = true
	return r.res, nil
}

func (r *runner) run(ctx context.Context) error {
	dest := r.profile.Destination
	if dest == "" {
		return errors.Annotatef(ErrNoDestination, "%s", r.profile.Name)
	}
	release, err := acquireLock(ctx, r.profile.Name, dest, r.opts.LockTimeout)
	if err != nil {
		return err
	}
	defer release()

	r.state = StateValidateDestination
	if err := archive.ValidateDestination(dest); err != nil {
		return err
	}

	r.state = StateWalk
	walker := walk.New(r.profile.Sources, func(error) { r.res.Warnings++ })
	classifier := &change.Classifier{
		Store:       r.store,
		Incremental: r.opts.Incremental,
		Fast:        r.opts.Fast,
		Wrap:        r.wrap,
	}
	for e := range walker.Entries() {
		if err := ctx.Err(); err != nil {
			return errors.Annotatef(err, "backup interrupted")
		}
		if err := r.entry(classifier, e); err != nil {
			return err
		}
		r.state = StateWalk
	}

	if r.builder != nil {
		r.state = StateBuildArchive
		if err := r.commit(); err != nil {
			return err
		}
	} else {
		log.Verbose("%s: nothing to back up", r.profile.Name)
	}

	r.state = StateUpdateChecksumStore
	for _, p := range r.pending {
		r.store.Put(p.path, p.rec)
	}
	if err := r.store.Flush(); err != nil {
		// The archive is complete regardless; the next incremental
		// run will just include these files again.
		log.Warning("%s: %v", r.store, err)
		r.res.Warnings++
	}
	r.state = StateDone
	return nil
}

// entry classifies e and adds it to the output if needed. Only errors
// that are fatal to the run are returned.
func (r *runner) entry(classifier *change.Classifier, e walk.FileEntry) error {
	r.state = StateClassify
	c := classifier.Classify(e)
	switch {
	case c.Class == change.Errored:
		log.Warning("%v", c.Err)
		r.res.Errored++
		return nil
	case !c.Class.Included():
		r.res.Skipped++
		return nil
	}

	r.state = StateBuildArchive
	if r.builder == nil {
		base := archive.BaseName(r.profile.Name, r.res.Started)
		b, err := archive.New(r.profile.Destination, base, archive.Options{
			Compress: r.opts.Compress,
			Wrap:     r.wrap,
		})
		if err != nil {
			return err
		}
		r.builder = b
	}

	a, err := r.builder.Add(e.Name, e.Path)
	switch {
	case errors.Is(err, checksum.ErrFileRead):
		log.Warning("%v", err)
		r.res.Errored++
		return nil
	case errors.Is(err, archive.ErrDuplicateName):
		log.Warning("%s: %v; keeping the file from the earlier source", e.Path, err)
		r.res.Collisions++
		return nil
	case err != nil:
		return err
	}

	if c.Hashed && c.Hash != a.Hash {
		log.Warning("%s: changed while being backed up", e.Path)
	}
	log.Debug("%s: %s, stored as %s", e.Path, c.Class, e.Name)
	r.res.Included++
	r.res.BytesIncluded += a.Size
	r.pending = append(r.pending, pendingRecord{e.RealPath, checksum.Record{
		Hash:       a.Hash,
		Size:       a.Size,
		ModTime:    e.ModTime,
		RecordedAt: r.res.Started,
	}})
	return nil
}

func (r *runner) commit() error {
	out, err := r.builder.Commit()
	if err != nil {
		return err
	}
	r.res.OutputPath = out

	if r.opts.Compress {
		if fi, err := os.Stat(out); err == nil {
			r.res.ArchiveBytes = fi.Size()
		}
	} else {
		r.res.ArchiveBytes = r.res.BytesIncluded
	}
	log.Verbose("%s: %s, %s", out, r.res.Summary(), humanize.IBytes(uint64(r.res.ArchiveBytes)))

	if r.opts.Parity && r.opts.Compress {
		rsfn := rdso.SidecarName(out)
		err := rdso.EncodeFile(out, rsfn, rdso.DefaultDataShards, rdso.DefaultParityShards,
			rdso.DefaultHashRate)
		if err != nil {
			log.Warning("%s: parity: %v", out, err)
			r.res.Warnings++
		} else {
			r.res.ParityPath = rsfn
		}
	}
	return nil
}
