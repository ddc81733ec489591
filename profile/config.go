// profile/config.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package profile

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"
)

// DirEnv is the environment variable that overrides the directory where
// profiles and checksums are stored.
const DirEnv = "QUICKBACKUP_DIR"

// DefaultDir returns $QUICKBACKUP_DIR if it's set and otherwise the
// "quickbackup" directory under the user's XDG configuration directory.
func DefaultDir() string {
	if d := os.Getenv(DirEnv); d != "" {
		return d
	}
	return filepath.Join(xdg.ConfigHome, "quickbackup")
}

// Config holds settings that apply to all profiles.
type Config struct {
	// DefaultDestination is used for profiles that don't have a
	// destination of their own when none is given for the run.
	DefaultDestination string `json:"default_destination,omitempty"`
}

func (s *Store) configPath() string {
	return filepath.Join(s.dir, "config.json")
}

// Config returns the current configuration; a missing configuration file
// gives the zero Config.
func (s *Store) Config() (Config, error) {
	var cfg Config
	b, err := os.ReadFile(s.configPath())
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return cfg, errors.Trace(err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Annotatef(err, "%s", s.configPath())
	}
	return cfg, nil
}

// SetDefaultDestination updates the configured default destination; an
// empty dest clears it.
func (s *Store) SetDefaultDestination(dest string) error {
	cfg, err := s.Config()
	if err != nil {
		return err
	}
	if dest != "" {
		if dest, err = absPath(dest); err != nil {
			return err
		}
	}
	cfg.DefaultDestination = dest

	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Trace(err)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(utils.AtomicWriteFile(s.configPath(), append(b, '\n'), 0644),
		"%s", s.configPath())
}
