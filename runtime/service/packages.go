package service

import (
	"context"
	"errors"

	"github.com/typeflow/typeflow/runtime/pkgmanifest"
)

type (
	// PackagesOptions configures NewPackages.
	PackagesOptions struct {
		Manager *pkgmanifest.Manager
	}

	// Packages manages per-organization npm package manifests used by the
	// code-node sandbox.
	Packages struct {
		manager *pkgmanifest.Manager
	}
)

// NewPackages validates the options and returns the service.
func NewPackages(opts PackagesOptions) (*Packages, error) {
	if opts.Manager == nil {
		return nil, errors.New("package manager is required")
	}
	return &Packages{manager: opts.Manager}, nil
}

// List returns the organization's installed packages.
func (s *Packages) List(ctx context.Context, organizationID string) ([]pkgmanifest.Package, error) {
	return s.manager.List(ctx, organizationID)
}

// Search returns installed packages whose name contains the query.
func (s *Packages) Search(ctx context.Context, organizationID, query string) ([]pkgmanifest.Package, error) {
	return s.manager.Search(ctx, organizationID, query)
}

// Install records the package and prepares its module directory.
func (s *Packages) Install(ctx context.Context, organizationID, name, version, typeDeclarations string) (pkgmanifest.Package, error) {
	if name == "" {
		return pkgmanifest.Package{}, errors.New("package name is required")
	}
	return s.manager.Install(ctx, organizationID, name, version, typeDeclarations)
}

// Uninstall removes the manifest row and the module directory.
func (s *Packages) Uninstall(ctx context.Context, organizationID, name string) error {
	return s.manager.Uninstall(ctx, organizationID, name)
}

// TypeDeclarations returns the concatenated type declarations of all
// installed packages, used by editor tooling.
func (s *Packages) TypeDeclarations(ctx context.Context, organizationID string) (string, error) {
	return s.manager.TypeDeclarations(ctx, organizationID)
}
