package cachestore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"

	"github.com/wharflab/envy/internal/identity"
)

// GCResult summarizes one GC pass.
type GCResult struct {
	Removed []string // entry paths removed
	Skipped []string // entry paths left alone: complete, or locked (in use)
}

// entry is one (namespace, name, variant) cache entry found by walking a
// kind's directory, paired with the entry path itself.
type entry struct {
	id      identity.Identity
	variant string
	path    string
}

// GC walks every entry under kind's directory and removes any entry that
// is incomplete (no envy-complete marker) and not currently locked by
// another process. This is the same stale-staging cleanup EnsurePackage
// performs inline on its next acquisition, exposed as a standalone sweep
// for crash residue nobody has re-requested yet.
func (s *Store) GC(kind Kind) (*GCResult, error) {
	root := filepath.Join(s.Root, string(kind))
	result := &GCResult{}

	entries, err := s.walkEntries(kind)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, fmt.Errorf("cachestore: gc: listing %s: %w", root, err)
	}

	for _, e := range entries {
		markerPath := filepath.Join(e.path, completionMarker)
		if _, err := os.Stat(markerPath); err == nil {
			result.Skipped = append(result.Skipped, e.path)
			continue
		}

		lockPath := s.lockPath(kind, e.id, e.variant)
		if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
			return nil, fmt.Errorf("cachestore: gc: creating locks dir: %w", err)
		}
		fl := flock.New(lockPath)
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("cachestore: gc: locking %s: %w", lockPath, err)
		}
		if !locked {
			result.Skipped = append(result.Skipped, e.path) // held by another process
			continue
		}

		removeErr := os.RemoveAll(e.path)
		_ = fl.Unlock()
		if removeErr != nil {
			return nil, fmt.Errorf("cachestore: gc: removing %s: %w", e.path, removeErr)
		}
		result.Removed = append(result.Removed, e.path)
	}

	return result, nil
}

// walkEntries descends namespace/name[/variant] under kind's root,
// recovering the (identity, variant) pair GC needs to compute each
// entry's real lock path the same way EnsurePackage/EnsureRecipe do.
func (s *Store) walkEntries(kind Kind) ([]entry, error) {
	root := filepath.Join(s.Root, string(kind))
	namespaces, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var out []entry
	for _, ns := range namespaces {
		if !ns.IsDir() {
			continue
		}
		namePath := filepath.Join(root, ns.Name())
		names, err := os.ReadDir(namePath)
		if err != nil {
			continue
		}
		for _, name := range names {
			if !name.IsDir() {
				continue
			}
			id := identity.Identity{Namespace: ns.Name(), Name: name.Name()}
			if n, rev, ok := strings.Cut(name.Name(), "@"); ok {
				id.Name, id.Revision = n, rev
			}
			entryRoot := filepath.Join(namePath, name.Name())

			if kind != KindPackage {
				out = append(out, entry{id: id, path: entryRoot})
				continue
			}

			variants, err := os.ReadDir(entryRoot)
			if err != nil {
				continue
			}
			for _, v := range variants {
				if !v.IsDir() {
					continue
				}
				out = append(out, entry{id: id, variant: v.Name(), path: filepath.Join(entryRoot, v.Name())})
			}
		}
	}
	return out, nil
}
