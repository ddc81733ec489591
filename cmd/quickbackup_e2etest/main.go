// cmd/quickbackup_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Based on endtoendtest.go, which is Copyright(c) 2015 Google, Inc., part
// of skicka, and is licensed under the Apache License, Version 2.0.

// quickbackup_e2etest repeatedly mutates a random directory tree and backs
// it up with the quickbackup binary (which must be in $PATH), sometimes
// killing it partway through. After each backup, all of the zip files
// written so far are extracted in order and the result is compared to the
// source tree.
package main

import (
	"archive/zip"
	"bytes"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/mmp/quickbackup/profile"
	u "github.com/mmp/quickbackup/util"
)

var nDirs = 1

const QbDir = "/tmp/quickbackup_e2e"

var log *u.Logger

func main() {
	log = u.NewLogger(true /* verbose */, false /* debug */)

	seed := os.Getpid()
	log.Print("Seed %d", seed)
	rand.Seed(int64(seed))

	_ = os.RemoveAll(QbDir)
	_ = os.Mkdir(QbDir, 0700)
	os.Setenv(profile.DirEnv, QbDir)
	backupTest(randBool(), 20)
}

func randBool() bool {
	return rand.Float32() < .5
}

func expSize() int64 {
	logSize := rand.Intn(24) - 1
	s := int64(0)
	if logSize >= 0 {
		s = 1 << uint(logSize)
		s += rand.Int63n(s)
	}
	return s
}

func getCommand(c string, varargs ...string) *exec.Cmd {
	args := strings.Fields(c)
	cmd := args[0]
	args = args[1:]
	args = append(args, varargs...)
	return exec.Command(cmd, args...)
}

func runCommand(c string, args ...string) ([]byte, error) {
	log.Print("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	return cmd.Output()
}

func runButPossiblyKill(dest string, c string, args ...string) ([]byte, error) {
	log.Print("Running %s %v", c, args)
	cmd := getCommand(c, args...)
	cmd.Stderr = os.Stderr
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Start(); err != nil {
		log.Fatal("%v", err)
	}

	killed := false
	if (rand.Int() % 2) == 1 {
		logMs := uint(rand.Intn(16))
		wait := time.Duration(uint(1)<<logMs) * time.Millisecond
		log.Print("Will try to kill process in %s", wait)

		time.AfterFunc(wait, func() {
			err := cmd.Process.Kill()
			if err != nil {
				log.Print("Kill error! %v", err)
			} else {
				log.Print("Killed process sucessfully")
				killed = true
			}
		})
	}

	err := cmd.Wait()
	if err != nil {
		log.Print("Wait result %v", err)
	}
	if killed {
		// Anything under a final name must be complete; staging files
		// are left behind and can just be removed.
		entries, err := os.ReadDir(dest)
		if err != nil {
			log.Fatal("%v", err)
		}
		for _, e := range entries {
			path := filepath.Join(dest, e.Name())
			if strings.HasPrefix(e.Name(), ".") {
				log.Print("Removing %s", path)
				if err := os.RemoveAll(path); err != nil {
					log.Fatal("%v", err)
				}
			} else if strings.HasSuffix(e.Name(), ".zip") {
				zr, err := zip.OpenReader(path)
				if err != nil {
					log.Fatal("%s: partial archive under final name: %v", path, err)
				}
				zr.Close()
			}
		}
		return nil, errKilled
	}
	return out.Bytes(), err
}

var errKilled = errors.New("killed while running")

///////////////////////////////////////////////////////////////////////////

var createdFiles = make(map[string]bool)

func backupTest(randomlyKill bool, iters int) {
	tmp, err := os.MkdirTemp("", "qb-test")
	if err != nil {
		log.Fatal("%s", err)
	}
	defer os.RemoveAll(tmp)

	tmpSrc := filepath.Join(tmp, "src")
	tmpDst := filepath.Join(tmp, "dst")
	tmpRestore := filepath.Join(tmp, "restore")
	for _, d := range []string{tmpSrc, tmpDst} {
		if err := os.Mkdir(d, 0700); err != nil {
			log.Fatal("%s", err)
		}
	}
	log.Print("Local src directory: %s", tmpSrc)
	log.Print("Local dst directory: %s", tmpDst)

	if _, err := runCommand("quickbackup create e2e "+tmpSrc, "--dest", tmpDst); err != nil {
		log.Fatal("%s", err)
	}

	for i := 0; i < iters; i++ {
		if err := update(tmpSrc); err != nil {
			log.Fatal("%s\n", err)
		}

		// A full backup resets the chain of archives that have to be
		// extracted.
		full := i > 0 && rand.Intn(5) == 0
		if err := backup(tmpDst, full, randomlyKill); err != nil {
			log.Fatal("%s\n", err)
		}
		if full {
			if err := removeAllBut(tmpDst, newest(tmpDst)); err != nil {
				log.Fatal("%s\n", err)
			}
		}

		if err := restore(tmpDst, tmpRestore); err != nil {
			log.Fatal("%s\n", err)
		}
		if err = compare(tmpSrc, filepath.Join(tmpRestore, "src")); err != nil {
			log.Fatal("%s", err)
		}
	}

	for _, fn := range archives(tmpDst) {
		if _, err := os.Stat(fn + ".rs"); err != nil {
			continue
		}
		if _, err := runCommand("quickbackup check", fn); err != nil {
			log.Fatal("%s: %s", fn, err)
		}
	}
}

func name(dir string) string {
	fodder := []string{"car", "house", "food", "cat", "monkey", "bird", "yellow",
		"blue", "fast", "sky", "table", "pen", "round", "book", "towel", "hair",
		"laugh", "airplane", "bannana", "tape", "round"}
	s := ""
	for {
		s += fodder[rand.Intn(len(fodder))]
		if _, ok := createdFiles[s]; !ok {
			break
		}
		s += "_"
	}
	createdFiles[s] = true
	return filepath.Join(dir, s)
}

func update(dir string) error {
	filesLeftToCreate := 20
	dirsLeftToCreate := 5
	log.Print("Updating %s", dir)

	return filepath.Walk(dir,
		func(path string, stat os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}

			if stat.IsDir() {
				dirsToCreate := 0
				for i := 0; i < dirsLeftToCreate; i++ {
					if rand.Intn(nDirs) == 0 {
						dirsToCreate++
						n := name(path)
						err := os.Mkdir(n, 0700)
						log.Print("%s: created directory", n)
						if err != nil {
							return err
						}
					}
				}
				nDirs += dirsToCreate
				dirsLeftToCreate -= dirsToCreate

				filesToCreate := 0
				for i := 0; i < filesLeftToCreate; i++ {
					if rand.Intn(nDirs) == 0 {
						filesToCreate++
						n := name(path)
						buf := make([]byte, expSize())
						_, _ = rand.Read(buf)
						if err := os.WriteFile(n, buf, 0600); err != nil {
							return err
						}
						log.Print("%s: created file. length %d", n, len(buf))
					}
				}
				filesLeftToCreate -= filesToCreate
				return nil
			}

			if randBool() {
				// Advance the modified time without changing the
				// contents; this shouldn't cause the file to be backed up
				// again.
				t := stat.ModTime().Add(time.Duration(rand.Intn(10000)) * time.Millisecond)
				if err := os.Chtimes(path, t, t); err != nil {
					return err
				}
				log.Print("%s: advanced modification time to %s", path, t.String())
			}

			if randBool() {
				f, err := os.OpenFile(path, os.O_WRONLY, 0666)
				if err != nil {
					return err
				}
				defer f.Close()

				// seek somewhere and write some stuff
				offset := int64(0)
				if stat.Size() > 0 {
					offset = rand.Int63n(stat.Size())
				}

				b := make([]byte, expSize())
				_, _ = rand.Read(b)
				_, err = f.WriteAt(b, offset)
				log.Print("%s: wrote %d bytes at offset %d", path, len(b), offset)
				if err != nil {
					return err
				}

				if randBool() && stat.Size() > 0 {
					// truncate it as well
					sz := rand.Int63n(stat.Size())
					if err := f.Truncate(sz); err != nil {
						return err
					}
					log.Print("%s: truncated at %d", path, sz)
				}
			}
			return nil
		})
}

func backup(dest string, full, randomlyKill bool) error {
	log.Print("Starting backup (full %v)", full)
	for {
		cmd := "quickbackup backup e2e"
		if full {
			cmd += " --no-incremental"
		}
		if randBool() {
			cmd += " --parity"
		}
		var err error
		if randomlyKill {
			_, err = runButPossiblyKill(dest, cmd)
		} else {
			_, err = runCommand(cmd)
		}

		if err != errKilled {
			return err
		}
	}
}

// archives returns the zip files in dir, oldest first.
func archives(dir string) []string {
	matches, err := filepath.Glob(filepath.Join(dir, "e2e_*.zip"))
	if err != nil {
		log.Fatal("%v", err)
	}
	sort.Strings(matches)
	return matches
}

func newest(dir string) string {
	a := archives(dir)
	if len(a) == 0 {
		return ""
	}
	return a[len(a)-1]
}

func removeAllBut(dir, keep string) error {
	for _, fn := range archives(dir) {
		if fn != keep {
			log.Print("Removing %s", fn)
			if err := os.Remove(fn); err != nil {
				return err
			}
			os.Remove(fn + ".rs")
		}
	}
	return nil
}

// restore extracts all of the archives in src into dest, oldest first.
func restore(src, dest string) error {
	log.Print("Starting restore")
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	for _, fn := range archives(src) {
		if err := extract(fn, dest); err != nil {
			return errors.Annotatef(err, "%s", fn)
		}
	}
	return nil
}

func extract(fn, dest string) error {
	zr, err := zip.OpenReader(fn)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, zf := range zr.File {
		path := filepath.Join(dest, filepath.FromSlash(zf.Name))
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return err
		}
		r, err := zf.Open()
		if err != nil {
			return err
		}
		w, err := os.Create(path)
		if err != nil {
			r.Close()
			return err
		}
		_, err = io.Copy(w, r)
		r.Close()
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func compare(patha, pathb string) error {
	mismatches := 0
	err := filepath.Walk(patha,
		func(pa string, stata os.FileInfo, patherr error) error {
			if patherr != nil {
				return patherr
			}

			// compute corresponding pathname for second file
			rest := pa[len(patha):]
			pb := filepath.Join(pathb, rest)

			statb, err := os.Stat(pb)
			if os.IsNotExist(err) {
				// Empty directories aren't stored.
				if !stata.IsDir() {
					log.Print("%s: not found\n", pb)
					mismatches++
				}
				return nil
			}

			if stata.IsDir() != statb.IsDir() {
				log.Print("%s: is file/is directory "+
					"mismatch with %s\n", pa, pb)
				mismatches++
				return nil
			}
			if stata.IsDir() {
				return nil
			}

			// compare sizes
			if stata.Size() != statb.Size() {
				log.Print("%s: size %d mismatches "+
					"%s size %d\n", pa, stata.Size(), pb, statb.Size())
				mismatches++
				return nil
			}

			// compare contents
			cmp := exec.Command("cmp", pa, pb)
			if err := cmp.Run(); err != nil {
				log.Print("%s and %s differ", pa, pb)
				mismatches++
			}
			return nil
		})

	if err != nil {
		return err
	} else if mismatches > 0 {
		return errors.Errorf("%d file mismatches", mismatches)
	}
	return nil
}
