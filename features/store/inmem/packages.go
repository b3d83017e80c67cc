package inmem

import (
	"context"
	"sync"

	"github.com/typeflow/typeflow/runtime/flowerrors"
	"github.com/typeflow/typeflow/runtime/pkgmanifest"
)

// PackageStore is an in-memory pkgmanifest.Store.
type PackageStore struct {
	mu  sync.RWMutex
	byK map[string]pkgmanifest.Package
}

// NewPackageStore returns an empty store.
func NewPackageStore() *PackageStore {
	return &PackageStore{byK: map[string]pkgmanifest.Package{}}
}

func pkgKey(org, name string) string { return org + "/" + name }

// Put stores or replaces a package manifest row.
func (s *PackageStore) Put(_ context.Context, pkg pkgmanifest.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byK[pkgKey(pkg.OrganizationID, pkg.Name)] = pkg
	return nil
}

// Load returns the package or a NotFoundError.
func (s *PackageStore) Load(_ context.Context, organizationID, name string) (pkgmanifest.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pkg, ok := s.byK[pkgKey(organizationID, name)]
	if !ok {
		return pkgmanifest.Package{}, flowerrors.NotFound("package", name)
	}
	return pkg, nil
}

// Delete removes the package if present.
func (s *PackageStore) Delete(_ context.Context, organizationID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byK, pkgKey(organizationID, name))
	return nil
}

// List returns the organization's packages.
func (s *PackageStore) List(_ context.Context, organizationID string) ([]pkgmanifest.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []pkgmanifest.Package
	for _, pkg := range s.byK {
		if pkg.OrganizationID == organizationID {
			out = append(out, pkg)
		}
	}
	return out, nil
}
