// Package pkgmanifest tracks the packages installed per organization: the
// persisted manifest rows, the on-disk module directory layout the sandbox's
// require resolver reads from, and the type declarations surfaced to the
// editor. Fetching package contents is out of scope; the manifest and
// directory bookkeeping are handled here.
package pkgmanifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type (
	// Package is one installed dependency of an organization.
	Package struct {
		OrganizationID   string    `json:"organizationId"`
		Name             string    `json:"name"`
		Version          string    `json:"version"`
		TypeDeclarations string    `json:"typeDeclarations,omitempty"`
		InstalledAt      time.Time `json:"installedAt"`
	}

	// Store persists package manifests.
	Store interface {
		Put(ctx context.Context, pkg Package) error
		Load(ctx context.Context, organizationID, name string) (Package, error)
		Delete(ctx context.Context, organizationID, name string) error
		List(ctx context.Context, organizationID string) ([]Package, error)
	}

	// Manager serializes install operations and keeps the manifest and the
	// module directory in sync.
	Manager struct {
		store Store
		root  string

		// Installs are write-rare; one at a time keeps the directory sane.
		mu sync.Mutex
	}

	// ManagerOptions configures NewManager.
	ManagerOptions struct {
		Store Store
		// Root is the directory holding per-organization package trees.
		Root string
	}
)

// NewManager validates the options and returns a Manager.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Root == "" {
		return nil, errors.New("packages root is required")
	}
	return &Manager{store: opts.Store, root: opts.Root}, nil
}

// ModulesDir returns the organization's module resolution root.
func (m *Manager) ModulesDir(organizationID string) string {
	return filepath.Join(m.root, organizationID, "node_modules")
}

// Install records the package and creates its module directory. Installing an
// already-installed package updates the manifest row.
func (m *Manager) Install(ctx context.Context, organizationID, name, version, typeDeclarations string) (Package, error) {
	if name == "" {
		return Package{}, errors.New("package name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Join(m.ModulesDir(organizationID), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Package{}, fmt.Errorf("create package dir: %w", err)
	}
	pkg := Package{
		OrganizationID:   organizationID,
		Name:             name,
		Version:          version,
		TypeDeclarations: typeDeclarations,
		InstalledAt:      time.Now().UTC(),
	}
	if err := m.store.Put(ctx, pkg); err != nil {
		return Package{}, fmt.Errorf("store package: %w", err)
	}
	return pkg, nil
}

// Uninstall removes the manifest row and the module directory.
func (m *Manager) Uninstall(ctx context.Context, organizationID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, organizationID, name); err != nil {
		return err
	}
	dir := filepath.Join(m.ModulesDir(organizationID), name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove package dir: %w", err)
	}
	return nil
}

// List returns the organization's installed packages.
func (m *Manager) List(ctx context.Context, organizationID string) ([]Package, error) {
	return m.store.List(ctx, organizationID)
}

// Search filters installed packages by case-insensitive name substring.
func (m *Manager) Search(ctx context.Context, organizationID, query string) ([]Package, error) {
	pkgs, err := m.store.List(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if query == "" {
		return pkgs, nil
	}
	q := strings.ToLower(query)
	var out []Package
	for _, p := range pkgs {
		if strings.Contains(strings.ToLower(p.Name), q) {
			out = append(out, p)
		}
	}
	return out, nil
}

// TypeDeclarations concatenates the declarations of every installed package,
// feeding the sandbox's ambient block.
func (m *Manager) TypeDeclarations(ctx context.Context, organizationID string) (string, error) {
	pkgs, err := m.store.List(ctx, organizationID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, p := range pkgs {
		if p.TypeDeclarations == "" {
			continue
		}
		b.WriteString(p.TypeDeclarations)
		b.WriteString("\n")
	}
	return b.String(), nil
}
