// Package ingest registers local files as source objects and computes their
// fixity checksums.
package ingest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// File is one regular file found by Scan.
type File struct {
	Path    string // Absolute path
	Size    int64
	ModTime time.Time
}

// Manifest lists the regular files under a root.
type Manifest struct {
	Root       string // Absolute root path
	Files      []File // Sorted by Path
	TotalBytes int64
}

// Scan walks the tree rooted at rootPath and lists its regular files in path
// order. Symlinks, devices and other special files are skipped. A root that
// is itself a regular file yields a manifest of that one file.
// Unreadable entries are skipped and reported together in the returned
// error, alongside the manifest of everything that could be read.
func Scan(rootPath string) (Manifest, error) {
	absRoot, err := filepath.Abs(rootPath)
	if err != nil {
		return Manifest{}, fmt.Errorf("cannot get absolute path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, fmt.Errorf("path does not exist: %s", rootPath)
		}
		return Manifest{}, fmt.Errorf("cannot access path: %w", err)
	}

	m := Manifest{Root: absRoot}
	if !info.IsDir() {
		if !info.Mode().IsRegular() {
			return Manifest{}, fmt.Errorf("not a regular file: %s", rootPath)
		}
		m.add(File{Path: absRoot, Size: info.Size(), ModTime: info.ModTime()})
		return m, nil
	}

	var scanErrors []error
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			scanErrors = append(scanErrors, fmt.Errorf("cannot read %s: %w", path, err))
			if d == nil || !d.IsDir() {
				return nil
			}
			return fs.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			scanErrors = append(scanErrors, fmt.Errorf("cannot get info for %s: %w", path, err))
			return nil
		}
		m.add(File{Path: path, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("error walking directory: %w", err)
	}

	sort.Slice(m.Files, func(i, j int) bool {
		return m.Files[i].Path < m.Files[j].Path
	})

	if len(scanErrors) > 0 {
		return m, fmt.Errorf("scan completed with %d error(s): %w", len(scanErrors), errors.Join(scanErrors...))
	}
	return m, nil
}

func (m *Manifest) add(f File) {
	m.Files = append(m.Files, f)
	m.TotalBytes += f.Size
}
