// Package depot implements the package-depot fast path: plain-text and
// OCI-artifact manifests of pre-built archives, consulted before a
// cache-managed node falls through to a source build.
package depot

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/wharflab/envy/internal/identity"
)

const archiveSuffix = ".tar.zst"

// ociPrefix marks a manifest line as an OCI artifact reference rather than
// a plain HTTP(S) archive URL: "oci://registry/repo/path:tag". The archive
// itself is the reference's sole layer.
const ociPrefix = "oci://"

// ParseManifest reads a plain-text depot manifest: one archive URL per
// line, blank lines and "#"-prefixed comments ignored. The map key is the
// URL's final path segment (the archive filename), which callers match
// against Filename's output.
func ParseManifest(r io.Reader) (map[string]string, error) {
	entries := map[string]string{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name := filenameOf(line)
		if !strings.HasSuffix(name, archiveSuffix) {
			continue // not a recognized archive line; skip rather than fail the whole manifest
		}
		entries[name] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("depot: reading manifest: %w", err)
	}
	return entries, nil
}

func filenameOf(line string) string {
	if repoPath, ok := strings.CutPrefix(line, ociPrefix); ok {
		// OCI references have no file extension; key them the same way a
		// plain-text manifest would, by treating the reference's repository
		// basename (tag/digest stripped) as the archive's identity-derived
		// stem and assuming the expected .tar.zst suffix.
		if idx := strings.LastIndexByte(repoPath, '@'); idx >= 0 {
			repoPath = repoPath[:idx]
		}
		if idx := strings.LastIndexByte(repoPath, ':'); idx >= 0 && idx > strings.LastIndexByte(repoPath, '/') {
			repoPath = repoPath[:idx]
		}
		base := repoPath
		if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
			base = base[idx+1:]
		}
		return base + archiveSuffix
	}
	if idx := strings.LastIndexByte(line, '/'); idx >= 0 {
		return line[idx+1:]
	}
	return line
}

// Filename renders the archive name a depot manifest line is expected to
// end in for the given instance: "<identity>-<platform>-blake3-<hash>.tar.zst".
// Matching is done by exact filename rather than by re-parsing a URL's
// trailing segment back into (identity, platform, hash): identities and
// platform strings may themselves contain hyphens, which makes that split
// ambiguous in general. Building the expected filename from values we
// already hold and looking it up is unambiguous in both directions.
func Filename(id identity.Identity, platform identity.Platform, hash string) string {
	return fmt.Sprintf("%s-%s-blake3-%s%s", id.Canonical(), platform.String(), hash, archiveSuffix)
}
