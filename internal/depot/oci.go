package depot

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	godigest "github.com/opencontainers/go-digest"

	"github.com/wharflab/envy/internal/archive"
)

// fetchOCI pulls the single-layer artifact at ref (an "oci://"-prefixed
// depot manifest line) and extracts its one layer into destDir. The layer
// is expected to be the same tar.zst an HTTP-addressed depot entry would
// serve; go-containerregistry hands back its compressed bytes as-is, which
// archive.ExtractFile auto-identifies like any other archive file.
func fetchOCI(ctx context.Context, ref string, destDir string) error {
	repoRef := strings.TrimPrefix(ref, ociPrefix)
	parsed, err := name.ParseReference(repoRef)
	if err != nil {
		return fmt.Errorf("depot: parsing OCI reference %s: %w", ref, err)
	}

	img, err := remote.Image(parsed, remote.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("depot: pulling %s: %w", ref, err)
	}
	layers, err := img.Layers()
	if err != nil {
		return fmt.Errorf("depot: reading layers of %s: %w", ref, err)
	}
	if len(layers) != 1 {
		return fmt.Errorf("depot: %s: expected exactly one layer, found %d", ref, len(layers))
	}

	digest, err := layerDigest(layers[0])
	if err != nil {
		return fmt.Errorf("depot: %s: %w", ref, err)
	}

	rc, err := layers[0].Compressed()
	if err != nil {
		return fmt.Errorf("depot: %s: opening layer %s: %w", ref, digest, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("depot: allocating %s: %w", destDir, err)
	}
	return extractOCILayer(ctx, rc, filenameOf(ref), destDir)
}

func layerDigest(l v1.Layer) (godigest.Digest, error) {
	h, err := l.Digest()
	if err != nil {
		return "", err
	}
	return godigest.Digest(h.String()), nil
}

func extractOCILayer(ctx context.Context, rc io.ReadCloser, name, destDir string) error {
	tmp, err := os.CreateTemp("", "envy-depot-oci-*"+archiveSuffix)
	if err != nil {
		return fmt.Errorf("depot: allocating scratch file for %s: %w", name, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, copyErr := io.Copy(tmp, rc)
	closeErr := tmp.Close()
	if copyErr != nil {
		return fmt.Errorf("depot: writing layer for %s: %w", name, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("depot: closing layer scratch file for %s: %w", name, closeErr)
	}
	return archive.ExtractFile(ctx, tmpPath, destDir, 1)
}
