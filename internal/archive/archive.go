// Package archive extracts and creates the tar.gz/tar.zst/zip archives
// that move package content in and out of the cache: fetched sources are
// unpacked into a stage directory, and completed entries are repacked for
// export/depot distribution.
package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
)

// ExtractAll extracts every recognized archive file directly inside srcDir
// (non-recursive — fetch_dir holds one or a handful of top-level archives,
// never nested trees) into dstDir, stripping strip leading path components
// from each archived member's name.
func ExtractAll(ctx context.Context, srcDir, dstDir string, strip int) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return fmt.Errorf("archive: reading %s: %w", srcDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(srcDir, e.Name())
		if err := ExtractFile(ctx, path, dstDir, strip); err != nil {
			return fmt.Errorf("archive: extracting %s: %w", path, err)
		}
	}
	return nil
}

// ExtractFile extracts a single archive file into dstDir, stripping strip
// leading path components from each member's archived name. Format is
// auto-detected (tar, tar.gz, tar.zst, zip, …) via archives.Identify.
func ExtractFile(ctx context.Context, path, dstDir string, strip int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer f.Close()

	format, input, err := archives.Identify(ctx, filepath.Base(path), f)
	if err != nil {
		return fmt.Errorf("archive: %s is not a recognized archive: %w", path, err)
	}
	extractor, ok := format.(archives.Extractor)
	if !ok {
		return fmt.Errorf("archive: %s's format does not support extraction", path)
	}

	return extractor.Extract(ctx, input, func(ctx context.Context, info archives.FileInfo) error {
		name := stripComponents(info.NameInArchive, strip)
		if name == "" {
			return nil // entirely stripped away (e.g. the lone top-level dir)
		}
		target := filepath.Join(dstDir, name)
		if !withinDir(dstDir, target) {
			return fmt.Errorf("archive: member %q escapes destination directory", info.NameInArchive)
		}
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		r, err := info.Open()
		if err != nil {
			return err
		}
		defer r.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, r)
		return err
	})
}

func stripComponents(name string, strip int) string {
	if strip <= 0 {
		return name
	}
	parts := strings.Split(filepath.ToSlash(name), "/")
	if strip >= len(parts) {
		return ""
	}
	return filepath.Join(parts[strip:]...)
}

func withinDir(root, target string) bool {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// CreateTarZst packs every file under srcDir into a tar.zst archive at
// dstPath, with archived names relative to srcDir.
func CreateTarZst(ctx context.Context, srcDir, dstPath string) error {
	diskFiles, err := collectFiles(srcDir)
	if err != nil {
		return err
	}
	files, err := archives.FilesFromDisk(ctx, nil, diskFiles)
	if err != nil {
		return fmt.Errorf("archive: collecting %s: %w", srcDir, err)
	}

	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("archive: creating %s: %w", dstPath, err)
	}
	defer out.Close()

	format := archives.CompressedArchive{
		Compression: archives.Zstd{},
		Archival:    archives.Tar{},
	}
	if err := format.Archive(ctx, out, files); err != nil {
		return fmt.Errorf("archive: writing %s: %w", dstPath, err)
	}
	return nil
}

func collectFiles(srcDir string) (map[string]string, error) {
	mapping := map[string]string{}
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		mapping[path] = filepath.ToSlash(rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: walking %s: %w", srcDir, err)
	}
	return mapping, nil
}
