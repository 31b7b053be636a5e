package workspace

import (
	"fmt"
	"path/filepath"

	"github.com/wharflab/envy/internal/identity"
	"github.com/wharflab/envy/internal/resolve"
)

// PkgPath implements sandbox.HostAPI: the on-disk pkg/ directory for an
// already-complete cache-managed node.
func (d *Driver) PkgPath(n *resolve.Node) (string, error) {
	outcome, ok := d.outcomeFor(n)
	if !ok {
		var err error
		outcome, err = d.Store.EnsurePackage(n.Identity, d.Platform.String(), n.VariantHash)
		if err != nil {
			return "", fmt.Errorf("workspace: resolving pkg path for %s: %w", n.Identity, err)
		}
		d.setOutcome(n, outcome)
	}
	if !outcome.FastPath {
		return "", fmt.Errorf("workspace: %s has no completed package (dependency ordering violation)", n.Identity)
	}
	return outcome.PkgPath, nil
}

// ProductValue implements sandbox.HostAPI: the declarative pkg/<path> join
// if the product is listed in the spec's PRODUCTS map, otherwise whatever
// value an INSTALL/BUILD hook recorded for it via envy.info.
func (d *Driver) ProductValue(n *resolve.Node, product string) (string, error) {
	if n.Spec != nil {
		if rel, ok := n.Spec.Products[product]; ok {
			pkgPath, err := d.PkgPath(n)
			if err != nil {
				return "", err
			}
			return filepath.Join(pkgPath, rel), nil
		}
	}
	d.mu.Lock()
	val, ok := d.programmatic[n.Key][product]
	d.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("workspace: %s declares no product %q", n.Identity, product)
	}
	return val, nil
}

// AssetPath implements sandbox.HostAPI: a bundle member's path, either the
// on-disk pkg/ of a member that's also a resolved spec-from-bundle node,
// or the member's raw path within the bundle's source tree.
func (d *Driver) AssetPath(bundleAlias, member string) (string, error) {
	b, ok := d.Bundles[bundleAlias]
	if !ok {
		return "", fmt.Errorf("workspace: unknown bundle alias %q", bundleAlias)
	}
	id, err := identity.Parse(member)
	if err != nil {
		return "", fmt.Errorf("workspace: asset query %q: %w", member, err)
	}
	path, ok := b.MemberPath(id)
	if !ok {
		return "", fmt.Errorf("workspace: bundle %q has no member %q", bundleAlias, member)
	}
	if node := d.Graph.NodeByIdentity(id); node != nil && node.Spec != nil && !node.Spec.UserManaged() {
		return d.PkgPath(node)
	}
	return path, nil
}

func (d *Driver) recordProducts(n *resolve.Node, products map[string]string) {
	if len(products) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.programmatic == nil {
		d.programmatic = map[string]map[string]string{}
	}
	d.programmatic[n.Key] = products
}
