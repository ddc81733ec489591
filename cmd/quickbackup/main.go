// cmd/quickbackup/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// quickbackup copies one or more directory trees into timestamped zip
// files (or plain directory copies), including only the files whose
// contents have changed since the previous backup.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/mmp/quickbackup/archive"
	"github.com/mmp/quickbackup/backup"
	"github.com/mmp/quickbackup/change"
	"github.com/mmp/quickbackup/checksum"
	"github.com/mmp/quickbackup/profile"
	"github.com/mmp/quickbackup/rdso"
	u "github.com/mmp/quickbackup/util"
	"github.com/mmp/quickbackup/walk"
	"golang.org/x/net/context"
)

// Exit codes.
const (
	exitOK              = 0
	exitProfileNotFound = 1
	exitDestUnavailable = 2
	exitNoDestination   = 3
	exitFailed          = 4
	exitUsage           = 64
)

const errUsage = errors.ConstError("usage")

func usage(w io.Writer) {
	fmt.Fprintf(w, `usage: quickbackup <command> [options]

commands:
  create <name> <source>... [--dest dir]   create a backup profile
  backup <name> [--dest dir] [--no-incremental] [--no-compress]
         [--fast] [--parity] [--limit-rate rate] [--lock-timeout d]
                                           back up a profile
  list                                     list profiles
  show <name>                              describe a profile and its backups
  delete <name>                            delete a profile
  check <archive>...                       verify archives' parity files
  repair <archive>...                      recover archives from parity files
  config [--default-dest dir]              show or set the default destination
  help [format]                            print this message or the output format

All commands take -v/--verbose and --debug. Profiles are stored in
$%s (default %s).
`, profile.DirEnv, profile.DefaultDir())
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// env holds what every command needs: the profile store, the output
// streams, and a logger configured from the common flags.
type env struct {
	stdout, stderr io.Writer
	store          *profile.Store
	log            *u.Logger
	verbose, debug bool
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		usage(stderr)
		return exitUsage
	}
	e := &env{stdout: stdout, stderr: stderr, store: profile.NewStore(profile.DefaultDir())}

	cmds := map[string]func([]string) error{
		"create": e.create,
		"backup": e.backup,
		"list":   e.list,
		"show":   e.show,
		"delete": e.delete,
		"check":  e.check,
		"repair": e.repair,
		"config": e.config,
		"help":   e.help,
	}
	cmd, ok := cmds[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "quickbackup: unknown command %q\n", args[0])
		usage(stderr)
		return exitUsage
	}

	err := cmd(args[1:])
	if err != nil {
		fmt.Fprintf(stderr, "quickbackup %s: %v\n", args[0], err)
		if errors.Is(err, errUsage) {
			usage(stderr)
		}
	}
	return exitCode(err)
}

// exitCode maps errors to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, profile.ErrProfileNotFound):
		return exitProfileNotFound
	case errors.Is(err, archive.ErrDestinationUnavailable):
		return exitDestUnavailable
	case errors.Is(err, backup.ErrNoDestination):
		return exitNoDestination
	default:
		return exitFailed
	}
}

// flags returns a FlagSet for the named command with the common flags
// already registered.
func (e *env) flags(name string) *gnuflag.FlagSet {
	fs := gnuflag.NewFlagSet(name, gnuflag.ContinueOnError)
	fs.SetOutput(e.stderr)
	fs.BoolVar(&e.verbose, "v", false, "print progress")
	fs.BoolVar(&e.verbose, "verbose", false, "print progress")
	fs.BoolVar(&e.debug, "debug", false, "print debugging output")
	return fs
}

// parse parses args and sets up logging. It returns the positional
// arguments, of which there must be between minArgs and maxArgs (-1 for
// no limit).
func (e *env) parse(fs *gnuflag.FlagSet, args []string, minArgs, maxArgs int) ([]string, error) {
	if err := fs.Parse(true, args); err != nil {
		return nil, errors.Annotatef(errUsage, "%v", err)
	}
	rest := fs.Args()
	if len(rest) < minArgs || (maxArgs >= 0 && len(rest) > maxArgs) {
		return nil, errors.Annotatef(errUsage, "wrong number of arguments")
	}

	e.log = u.NewLoggerTo(e.stdout, e.stderr, e.verbose, e.debug)
	checksum.SetLogger(e.log)
	walk.SetLogger(e.log)
	change.SetLogger(e.log)
	archive.SetLogger(e.log)
	backup.SetLogger(e.log)
	profile.SetLogger(e.log)
	return rest, nil
}

///////////////////////////////////////////////////////////////////////////
// Profiles

func (e *env) create(args []string) error {
	fs := e.flags("create")
	dest := fs.String("dest", "", "default destination directory")
	rest, err := e.parse(fs, args, 2, -1)
	if err != nil {
		return err
	}

	p, err := e.store.Create(rest[0], rest[1:], *dest, time.Now())
	if err != nil {
		return err
	}
	e.log.Print("created profile %s with %d sources", p.Name, len(p.Sources))
	return nil
}

func (e *env) list(args []string) error {
	fs := e.flags("list")
	if _, err := e.parse(fs, args, 0, 0); err != nil {
		return err
	}

	profiles, err := e.store.List()
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		e.log.Print("no profiles")
		return nil
	}
	for _, p := range profiles {
		last := "never"
		if p.LastBackup != nil {
			last = humanize.Time(*p.LastBackup)
		}
		e.log.Print("%-20s %d sources, last backup %s", p.Name, len(p.Sources), last)
	}
	return nil
}

func (e *env) show(args []string) error {
	fs := e.flags("show")
	rest, err := e.parse(fs, args, 1, 1)
	if err != nil {
		return err
	}
	p, err := e.store.Get(rest[0])
	if err != nil {
		return err
	}
	cfg, err := e.store.Config()
	if err != nil {
		return err
	}

	e.log.Print("profile:     %s", p.Name)
	e.log.Print("created:     %s", p.Created.Local().Format(time.DateTime))
	if p.LastBackup != nil {
		e.log.Print("last backup: %s (%s)", p.LastBackup.Local().Format(time.DateTime),
			humanize.Time(*p.LastBackup))
	} else {
		e.log.Print("last backup: never")
	}
	e.log.Print("sources:")
	for _, s := range p.Sources {
		mark := "ok"
		if _, err := os.Stat(s); err != nil {
			mark = "missing"
		}
		e.log.Print("  [%s] %s", mark, s)
	}

	dest, err := p.ResolveDestination("", cfg)
	if err != nil {
		return err
	}
	switch {
	case dest == "":
		e.log.Print("destination: none")
	case p.Destination == "":
		e.log.Print("destination: %s (default)", dest)
	default:
		e.log.Print("destination: %s", dest)
	}

	if cs, err := checksum.Open(e.store.ChecksumPath(p.Name)); err == nil {
		e.log.Print("tracked:     %s files", humanize.Comma(int64(cs.Len())))
	} else {
		e.log.Warning("%v", err)
	}

	if dest != "" {
		outputs := findOutputs(dest, p.Name)
		e.log.Print("backups:     %d", len(outputs))
		for _, o := range outputs {
			e.log.Print("  %s", o)
		}
	}
	return nil
}

// findOutputs returns the names of the backups of the named profile in
// dest, oldest first.
func findOutputs(dest, name string) []string {
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(name) + `_\d{8}_\d{6}(_\d+)?(\.zip)?$`)
	entries, err := os.ReadDir(dest)
	if err != nil {
		return nil
	}
	var outputs []string
	for _, ent := range entries {
		if re.MatchString(ent.Name()) {
			s := ent.Name()
			if fi, err := ent.Info(); err == nil && !ent.IsDir() {
				s += " (" + humanize.IBytes(uint64(fi.Size())) + ")"
			}
			outputs = append(outputs, s)
		}
	}
	sort.Strings(outputs)
	return outputs
}

func (e *env) delete(args []string) error {
	fs := e.flags("delete")
	rest, err := e.parse(fs, args, 1, 1)
	if err != nil {
		return err
	}
	if err := e.store.Delete(rest[0]); err != nil {
		return err
	}
	e.log.Print("deleted profile %s (existing backups are untouched)", rest[0])
	return nil
}

func (e *env) config(args []string) error {
	fs := e.flags("config")
	def := fs.String("default-dest", "", "default destination for profiles without one")
	if _, err := e.parse(fs, args, 0, 0); err != nil {
		return err
	}
	if *def != "" {
		if err := e.store.SetDefaultDestination(*def); err != nil {
			return err
		}
	}

	cfg, err := e.store.Config()
	if err != nil {
		return err
	}
	if cfg.DefaultDestination == "" {
		e.log.Print("default destination: none")
	} else {
		e.log.Print("default destination: %s", cfg.DefaultDestination)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Backing up

func (e *env) backup(args []string) error {
	fs := e.flags("backup")
	dest := fs.String("dest", "", "destination directory for this run only")
	noIncremental := fs.Bool("no-incremental", false, "include all files, changed or not")
	noCompress := fs.Bool("no-compress", false, "copy files into a directory instead of a zip file")
	fast := fs.Bool("fast", false, "assume files with unchanged size and modification time are unchanged")
	parity := fs.Bool("parity", false, "write a Reed-Solomon parity file next to the archive")
	limit := fs.String("limit-rate", "", "maximum rate to read source files (e.g. 20MB, per second)")
	lockTimeout := fs.Duration("lock-timeout", backup.DefaultLockTimeout,
		"how long to wait for another backup of the profile to finish")
	rest, err := e.parse(fs, args, 1, 1)
	if err != nil {
		return err
	}

	var rate uint64
	if *limit != "" {
		if rate, err = humanize.ParseBytes(*limit); err != nil {
			return errors.Annotatef(errUsage, "--limit-rate: %v", err)
		}
	}

	p, err := e.store.Get(rest[0])
	if err != nil {
		return err
	}
	cfg, err := e.store.Config()
	if err != nil {
		return err
	}

	destination, err := p.ResolveDestination(*dest, cfg)
	if err != nil {
		return errors.Annotatef(errUsage, "--dest: %v", err)
	}

	store, err := checksum.OpenOrReset(e.store.ChecksumPath(p.Name))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := backup.Run(ctx, backup.Profile{
		Name:        p.Name,
		Sources:     p.Sources,
		Destination: destination,
	}, store, backup.Options{
		Incremental: !*noIncremental,
		Compress:    !*noCompress,
		Fast:        *fast,
		Parity:      *parity,
		RateLimit:   int64(rate),
		LockTimeout: *lockTimeout,
	})
	e.report(res)
	if err != nil {
		return err
	}

	if err := e.store.SetLastBackup(p.Name, res.Finished); err != nil {
		e.log.Warning("%v", err)
	}
	return nil
}

func (e *env) report(res backup.Result) {
	elapsed := res.Finished.Sub(res.Started).Round(time.Millisecond)
	if !res.Succeeded {
		e.log.Print("%s: backup failed during %s after %s: %s", res.Profile,
			strings.ToLower(res.FailedIn.String()), elapsed, res.Summary())
		return
	}
	e.log.Print("%s: %s in %s", res.Profile, res.Summary(), elapsed)
	if res.OutputPath == "" {
		e.log.Print("nothing changed; no backup written")
		return
	}
	e.log.Print("wrote %s (%s)", res.OutputPath, humanize.IBytes(uint64(res.ArchiveBytes)))
	if res.ParityPath != "" {
		e.log.Print("wrote %s", res.ParityPath)
	}
	if res.Warnings > 0 {
		e.log.Print("%d warnings", res.Warnings)
	}
}

///////////////////////////////////////////////////////////////////////////
// Parity files

func (e *env) check(args []string) error {
	fs := e.flags("check")
	rest, err := e.parse(fs, args, 1, -1)
	if err != nil {
		return err
	}
	nBad := 0
	for _, fn := range rest {
		if err := rdso.CheckFile(fn, rdso.SidecarName(fn), e.log); err != nil {
			e.log.Error("%s: %v", fn, err)
			nBad++
		} else {
			e.log.Print("%s: ok", fn)
		}
	}
	if nBad > 0 {
		return errors.Errorf("%d of %d archives failed verification", nBad, len(rest))
	}
	return nil
}

func (e *env) repair(args []string) error {
	fs := e.flags("repair")
	rest, err := e.parse(fs, args, 1, -1)
	if err != nil {
		return err
	}
	nBad := 0
	for _, fn := range rest {
		rsfn := rdso.SidecarName(fn)
		if err := rdso.RestoreFile(fn, rsfn, e.log); err != nil {
			e.log.Error("%s: %v", fn, err)
			nBad++
			continue
		}
		e.log.Print("%s: wrote %s and %s", fn, filepath.Base(fn+rdso.RecoveredSuffix),
			filepath.Base(rsfn+rdso.RecoveredSuffix))
	}
	if nBad > 0 {
		return errors.Errorf("%d of %d archives couldn't be recovered", nBad, len(rest))
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Help

func (e *env) help(args []string) error {
	fs := e.flags("help")
	rest, err := e.parse(fs, args, 0, 1)
	if err != nil {
		return err
	}
	if len(rest) == 1 {
		if rest[0] != "format" {
			return errors.Annotatef(errUsage, "no help for %q", rest[0])
		}
		fmt.Fprint(e.stdout, formatText)
		return nil
	}
	usage(e.stdout)
	return nil
}
