package render

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/fanyadan/my-slurm/pkg/log"
)

// Chowner changes ownership of path to the named identity
type Chowner func(path, owner string) error

// Written describes one file placed on disk
type Written struct {
	Path    string
	Digest  string
	Changed bool
}

// Writer places a rendered Set into every configuration root. All roots
// receive the same bytes; each file is replaced atomically.
type Writer struct {
	Dirs  []string
	Chown Chowner
	// Force allows replacing existing files; the bootstrap always sets it,
	// the render command only with --force
	Force  bool
	logger zerolog.Logger
}

// ErrExists is returned when a file exists and Force is not set
var ErrExists = errors.New("file already exists")

// NewWriter creates a writer for the given configuration roots
func NewWriter(dirs []string, chown Chowner) *Writer {
	return &Writer{
		Dirs:   dirs,
		Chown:  chown,
		Force:  true,
		logger: log.WithComponent("render"),
	}
}

// Write writes every file of set into every root and removes stale files
func (w *Writer) Write(set *Set) ([]Written, error) {
	var written []Written

	if !w.Force {
		for _, dir := range w.Dirs {
			for _, f := range set.Files {
				path := filepath.Join(dir, f.Name)
				if _, err := os.Stat(path); err == nil {
					return nil, fmt.Errorf("%s: %w (use --force to overwrite)", path, ErrExists)
				}
			}
		}
	}

	for _, dir := range w.Dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return written, fmt.Errorf("failed to create config directory %s: %w", dir, err)
		}

		for _, f := range set.Files {
			path := filepath.Join(dir, f.Name)
			res, err := w.writeFile(path, f)
			if err != nil {
				return written, err
			}
			written = append(written, res)
		}

		for _, name := range set.Stale {
			path := filepath.Join(dir, name)
			if err := os.Remove(path); err == nil {
				w.logger.Info().Str("path", path).Msg("Removed stale configuration file")
			} else if !os.IsNotExist(err) {
				w.logger.Debug().Err(err).Str("path", path).Msg("Could not remove stale file")
			}
		}
	}

	return written, nil
}

func (w *Writer) writeFile(path string, f File) (Written, error) {
	res := Written{Path: path, Digest: Digest(f.Data), Changed: true}

	existing, err := os.ReadFile(path)
	switch {
	case err == nil:
		if !w.Force {
			return res, fmt.Errorf("%s: %w (use --force to overwrite)", path, ErrExists)
		}
		res.Changed = !bytes.Equal(existing, f.Data)
	case !os.IsNotExist(err):
		return res, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if res.Changed {
		if err := AtomicWrite(path, f.Data, os.FileMode(f.Mode)); err != nil {
			return res, err
		}
	} else if err := os.Chmod(path, os.FileMode(f.Mode)); err != nil {
		return res, fmt.Errorf("failed to chmod %s: %w", path, err)
	}

	if f.Owner != "" && w.Chown != nil {
		if err := w.Chown(path, f.Owner); err != nil {
			w.logger.Debug().Err(err).Str("path", path).Str("owner", f.Owner).Msg("Ownership fix-up failed")
		}
	}

	w.logger.Debug().Str("path", path).Bool("changed", res.Changed).Msg("Configuration file in place")
	return res, nil
}

// AtomicWrite replaces path with data via a temp file in the same directory
func AtomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// Digest is the hex sha256 of data
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
