// Package cachestore implements the content-addressed cache: directory
// layout, cross-process file locking, atomic commit, and crash recovery.
package cachestore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/wharflab/envy/internal/identity"
)

// Store roots a cache at a directory on disk.
type Store struct {
	Root string
}

// New creates a Store rooted at root, creating root/locks on first use.
func New(root string) *Store {
	return &Store{Root: root}
}

const completionMarker = "envy-complete"

// Kind distinguishes the three entry families sharing the cache root's
// directory layout: packages are keyed by variant hash,
// recipes and bundles are not.
type Kind string

const (
	KindPackage Kind = "packages"
	KindRecipe  Kind = "recipes"
	KindBundle  Kind = "bundles"
)

// EntryPath returns the directory for a cache entry. For packages, name is
// "<platform>-<arch>-blake3-<hash>"; for recipes/bundles it's just the
// identity's path-safe form.
func (s *Store) EntryPath(kind Kind, id identity.Identity, variant string) string {
	leaf := id.Name
	if id.Revision != "" {
		leaf += "@" + id.Revision
	}
	idPath := filepath.Join(filepath.FromSlash(id.Namespace), filepath.FromSlash(leaf))
	if variant == "" {
		return filepath.Join(s.Root, string(kind), idPath)
	}
	return filepath.Join(s.Root, string(kind), idPath, variant)
}

// lockPath derives a lock file path from the entry path:
// "lock naming is derived from the entry path so recipe locks and package
// locks never collide."
func (s *Store) lockPath(kind Kind, id identity.Identity, variant string) string {
	name := fmt.Sprintf("%s.%s.%s", kind, id.Canonical(), variant)
	if variant == "" {
		name = fmt.Sprintf("%s.%s", kind, id.Canonical())
	}
	name = sanitizeLockName(name) + ".lock"
	return filepath.Join(s.Root, "locks", name)
}

func sanitizeLockName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// Outcome is the result of Ensure*: either the entry is already complete
// (FastPath) or the caller now holds the lock and must populate it.
type Outcome struct {
	FastPath bool

	EntryPath   string
	PkgPath     string // valid on FastPath, and as the commit target on Locked
	FetchPath   string
	StagePath   string
	InstallPath string

	Lock *Lock // non-nil iff !FastPath
}

// Lock wraps an acquired cross-process advisory lock.
type Lock struct {
	store     *Store
	entryPath string
	pkgPath   string
	flock     *flock.Flock
}

// EnsurePackage fast-paths if envy-complete already exists; otherwise it
// acquires the lock, cleans any crash-residue work/ subtree, and returns
// the working paths for the caller (the phase scheduler / workspace
// driver) to populate.
func (s *Store) EnsurePackage(id identity.Identity, platform string, variantHash string) (*Outcome, error) {
	variant := fmt.Sprintf("%s-blake3-%s", platform, variantHash)
	return s.ensure(KindPackage, id, variant)
}

// EnsureRecipe is the unkeyed-by-variant analogue of EnsurePackage for
// pre-built recipe entries.
func (s *Store) EnsureRecipe(id identity.Identity) (*Outcome, error) {
	return s.ensure(KindRecipe, id, "")
}

// EnsureBundle is the bundle-content analogue.
func (s *Store) EnsureBundle(id identity.Identity) (*Outcome, error) {
	return s.ensure(KindBundle, id, "")
}

func (s *Store) ensure(kind Kind, id identity.Identity, variant string) (*Outcome, error) {
	entryPath := s.EntryPath(kind, id, variant)
	pkgPath := filepath.Join(entryPath, "pkg")
	markerPath := filepath.Join(entryPath, completionMarker)

	if _, err := os.Stat(markerPath); err == nil {
		return &Outcome{FastPath: true, EntryPath: entryPath, PkgPath: pkgPath, FetchPath: filepath.Join(entryPath, "fetch")}, nil
	}

	lockPath := s.lockPath(kind, id, variant)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("cachestore: creating locks dir: %w", err)
	}
	fl := flock.New(lockPath)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("cachestore: acquiring lock %s: %w", lockPath, err)
	}

	// Double-check: the holder that released the lock before us may have
	// completed the entry.
	if _, err := os.Stat(markerPath); err == nil {
		_ = fl.Unlock()
		return &Outcome{FastPath: true, EntryPath: entryPath, PkgPath: pkgPath, FetchPath: filepath.Join(entryPath, "fetch")}, nil
	}

	if err := os.MkdirAll(entryPath, 0o755); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("cachestore: creating entry dir: %w", err)
	}
	workDir := filepath.Join(entryPath, "work")
	if err := os.RemoveAll(workDir); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("cachestore: cleaning stale staging: %w", err)
	}
	installWork := filepath.Join(workDir, "install")
	stageWork := filepath.Join(workDir, "stage")
	fetchPath := filepath.Join(entryPath, "fetch")
	for _, d := range []string{stageWork, installWork, fetchPath} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			_ = fl.Unlock()
			return nil, fmt.Errorf("cachestore: allocating %s: %w", d, err)
		}
	}

	return &Outcome{
		EntryPath:   entryPath,
		FetchPath:   fetchPath,
		StagePath:   stageWork,
		InstallPath: installWork,
		PkgPath:     pkgPath,
		Lock: &Lock{store: s, entryPath: entryPath, pkgPath: pkgPath, flock: fl},
	}, nil
}

// MarkComplete commits a staged entry: fsyncs the entry directory,
// atomically renames work/install into pkg (a single rename syscall, so
// observers never see a partial pkg/), writes envy-complete, and fsyncs
// again.
func (l *Lock) MarkComplete() error {
	installWork := filepath.Join(l.entryPath, "work", "install")
	if err := fsyncDir(l.entryPath); err != nil {
		return err
	}
	if _, err := os.Stat(l.pkgPath); os.IsNotExist(err) {
		if _, err := os.Stat(installWork); err == nil {
			if err := os.Rename(installWork, l.pkgPath); err != nil {
				return fmt.Errorf("cachestore: committing pkg: %w", err)
			}
		}
	}
	marker := filepath.Join(l.entryPath, completionMarker)
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return fmt.Errorf("cachestore: writing completion marker: %w", err)
	}
	if err := fsyncDir(l.entryPath); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(l.entryPath, "work"))
}

// Release drops the lock without marking complete, meaning "abandon": the
// staging residue is left for the next acquirer to clean. Always call via
// defer after Ensure* returns a Locked outcome.
func (l *Lock) Release() error {
	return l.flock.Unlock()
}

// Discard removes a user-managed entry entirely after a successful
// install: a user-managed spec leaves nothing behind in the cache.
func (l *Lock) Discard() error {
	if err := os.RemoveAll(l.entryPath); err != nil {
		return fmt.Errorf("cachestore: discarding user-managed entry: %w", err)
	}
	return l.flock.Unlock()
}

func fsyncDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("cachestore: opening %s for fsync: %w", path, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("cachestore: fsync %s: %w", path, err)
	}
	return nil
}
