package store

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Entry describes a published artifact file.
type Entry struct {
	Path        string
	Fingerprint string // fingerprint directory the entry lives under
	Size        int64
	LastAccess  time.Time
}

// dirSize returns the total size of the published artifacts under root.
// Temp and write-check files are not counted.
func dirSize(root string) (int64, error) {
	var total int64
	err := walkFiles(root, func(_ string, info fs.FileInfo) error {
		if isArtifact(info.Name()) {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func isArtifact(name string) bool {
	return strings.HasSuffix(name, Ext) && !strings.HasPrefix(name, ".")
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix) || strings.HasPrefix(name, checkPrefix)
}

// walkFiles visits every regular file under root. A missing root yields
// no files.
func walkFiles(root string, fn func(path string, info fs.FileInfo) error) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && path != root {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		return fn(path, info)
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func listEntries(root string) ([]Entry, error) {
	entries := make([]Entry, 0)
	err := walkFiles(root, func(path string, info fs.FileInfo) error {
		if !isArtifact(info.Name()) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fp, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
		entries = append(entries, Entry{
			Path:        path,
			Fingerprint: fp,
			Size:        info.Size(),
			LastAccess:  info.ModTime(),
		})
		return nil
	})
	return entries, err
}

// pruneDir evicts published artifacts, oldest access first, until their
// total size is at or below targetBytes. Temp files are neither counted nor
// evicted; they may belong to an in-flight publish whose bytes the caller
// already reserved.
func pruneDir(root string, targetBytes int64) (freed int64, removed int, remaining int64, err error) {
	if targetBytes < 0 {
		targetBytes = 0
	}

	var total int64
	candidates := make([]Entry, 0)
	walkErr := walkFiles(root, func(path string, info fs.FileInfo) error {
		if isArtifact(info.Name()) {
			total += info.Size()
			candidates = append(candidates, Entry{Path: path, Size: info.Size(), LastAccess: info.ModTime()})
		}
		return nil
	})
	if walkErr != nil {
		return 0, 0, 0, walkErr
	}

	remaining = total
	if remaining <= targetBytes {
		return 0, 0, remaining, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastAccess.Equal(candidates[j].LastAccess) {
			return candidates[i].Path < candidates[j].Path
		}
		return candidates[i].LastAccess.Before(candidates[j].LastAccess)
	})

	for _, entry := range candidates {
		if remaining <= targetBytes {
			break
		}
		if err := os.Remove(entry.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return freed, removed, remaining, err
		}
		remaining -= entry.Size
		freed += entry.Size
		removed++
	}

	return freed, removed, remaining, nil
}

// sweepTemps removes temp files last modified before cutoff.
func sweepTemps(root string, cutoff time.Time) (removed int, freed int64, err error) {
	err = walkFiles(root, func(path string, info fs.FileInfo) error {
		if !isTemp(info.Name()) || !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		removed++
		freed += info.Size()
		return nil
	})
	return removed, freed, err
}
