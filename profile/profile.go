// profile/profile.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package profile manages the named backup profiles (a list of sources
// and a default destination) and the tool's configuration, all stored as
// JSON files under a single directory.
package profile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	u "github.com/mmp/quickbackup/util"
)

const (
	ErrProfileNotFound = errors.ConstError("profile not found")
	ErrProfileExists   = errors.ConstError("profile already exists")
	ErrInvalidName     = errors.ConstError("invalid profile name")
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

var validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidName reports whether name can be used as a profile name. Names are
// used in file names, so they're limited to letters, digits, '.', '_' and
// '-', and can't start with punctuation.
func ValidName(name string) bool {
	return validName.MatchString(name)
}

type Profile struct {
	Name string `json:"name"`
	// Sources are absolute paths, without duplicates, in the order given.
	Sources []string `json:"sources"`
	// Destination is the default destination directory; it may be empty.
	Destination string     `json:"destination,omitempty"`
	Created     time.Time  `json:"created"`
	LastBackup  *time.Time `json:"last_backup,omitempty"`
}

// ResolveDestination returns the destination for a run of the profile:
// override if it's set, then the profile's own destination, then the
// configured default. It returns the empty string if there's none. An
// override is normalized the same way as stored destinations, so that
// it doesn't depend on the working directory.
func (p Profile) ResolveDestination(override string, cfg Config) (string, error) {
	if override != "" {
		return absPath(override)
	}
	for _, d := range []string{p.Destination, cfg.DefaultDestination} {
		if d != "" {
			return d, nil
		}
	}
	return "", nil
}

// Store holds profiles in the "profiles" subdirectory of its directory,
// one JSON file per profile, and per-profile checksum stores in
// "checksums".
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) profilePath(name string) string {
	return filepath.Join(s.dir, "profiles", name+".json")
}

// ChecksumPath returns the path of the checksum store for the named
// profile.
func (s *Store) ChecksumPath(name string) string {
	return filepath.Join(s.dir, "checksums", name+".gob")
}

// Create adds a new profile. Sources and destination are made absolute,
// with a leading "~" expanded to the user's home directory.
func (s *Store) Create(name string, sources []string, destination string, now time.Time) (Profile, error) {
	if !ValidName(name) {
		return Profile{}, errors.Annotatef(ErrInvalidName, "%q", name)
	}
	if len(sources) == 0 {
		return Profile{}, errors.NotValidf("profile with no sources")
	}
	if _, err := os.Stat(s.profilePath(name)); err == nil {
		return Profile{}, errors.Annotatef(ErrProfileExists, "%s", name)
	}

	p := Profile{Name: name, Created: now.UTC()}
	seen := make(map[string]bool)
	for _, src := range sources {
		abs, err := absPath(src)
		if err != nil {
			return Profile{}, err
		}
		if seen[abs] {
			log.Verbose("%s: duplicate source ignored", abs)
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			log.Warning("%s: source doesn't currently exist", abs)
		}
		p.Sources = append(p.Sources, abs)
	}
	if destination != "" {
		var err error
		if p.Destination, err = absPath(destination); err != nil {
			return Profile{}, err
		}
	}

	if err := s.write(p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func absPath(p string) (string, error) {
	n, err := utils.NormalizePath(p)
	if err != nil {
		return "", errors.Annotatef(err, "%s", p)
	}
	abs, err := filepath.Abs(n)
	return abs, errors.Annotatef(err, "%s", p)
}

func (s *Store) write(p Profile) error {
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	fn := s.profilePath(p.Name)
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(utils.AtomicWriteFile(fn, append(b, '\n'), 0644), "%s", fn)
}

func (s *Store) Get(name string) (Profile, error) {
	if !ValidName(name) {
		return Profile{}, errors.Annotatef(ErrProfileNotFound, "%q", name)
	}
	return readProfile(s.profilePath(name), name)
}

func readProfile(fn, name string) (Profile, error) {
	b, err := os.ReadFile(fn)
	if os.IsNotExist(err) {
		return Profile{}, errors.Annotatef(ErrProfileNotFound, "%s", name)
	} else if err != nil {
		return Profile{}, errors.Trace(err)
	}
	var p Profile
	if err := json.Unmarshal(b, &p); err != nil {
		return Profile{}, errors.Annotatef(err, "%s", fn)
	}
	// The file name is authoritative.
	p.Name = name
	return p, nil
}

// List returns all of the profiles, sorted by name. Unreadable profile
// files are skipped with a warning.
func (s *Store) List() ([]Profile, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "profiles"))
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, errors.Trace(err)
	}

	var profiles []Profile
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() || !ValidName(name) {
			continue
		}
		p, err := readProfile(filepath.Join(s.dir, "profiles", e.Name()), name)
		if err != nil {
			log.Warning("%v", err)
			continue
		}
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles, nil
}

// Delete removes the named profile along with its checksum store.
func (s *Store) Delete(name string) error {
	if _, err := s.Get(name); err != nil {
		return err
	}
	if err := os.Remove(s.profilePath(name)); err != nil {
		return errors.Trace(err)
	}
	if err := os.Remove(s.ChecksumPath(name)); err != nil && !os.IsNotExist(err) {
		log.Warning("%s: %v", s.ChecksumPath(name), err)
	}
	return nil
}

// SetLastBackup records the time of the profile's most recent successful
// backup.
func (s *Store) SetLastBackup(name string, t time.Time) error {
	p, err := s.Get(name)
	if err != nil {
		return err
	}
	t = t.UTC()
	p.LastBackup = &t
	return s.write(p)
}
