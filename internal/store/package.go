package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ehrlich-b/rvhost/internal/herr"
)

func (s *Store) ensureDirs() error {
	for _, dir := range []string{s.packagesDir(), s.quarantineDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}

func (s *Store) packagesDir() string { return filepath.Join(s.dataDir, "packages") }
func (s *Store) quarantineDir() string { return filepath.Join(s.dataDir, "quarantine") }

// PackagesDir returns the directory installed package tars are kept
// in, for callers (the cache watcher) that need to watch it directly.
func (s *Store) PackagesDir() string { return s.packagesDir() }

func (s *Store) packagePath(id string) string {
	return filepath.Join(s.packagesDir(), id+".tar")
}

// PackageRecord is one row of the package manifest.
type PackageRecord struct {
	ID            string
	Installed     bool
	TarPath       string
	InstalledAtMs int64
}

// InstallPackage writes a package tar to the blob cache as <id>.tar
// (write-temp-then-rename, since this bypasses sqlite entirely —
// see the package doc comment in store.go) and records it as installed.
func (s *Store) InstallPackage(id string, tarBytes []byte) (*PackageRecord, error) {
	dest := s.packagePath(id)
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, tarBytes, 0644); err != nil {
		return nil, herr.NewStorageError("write package tmp", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return nil, herr.NewStorageError("rename package", err)
	}

	now := nowMs()
	if _, err := s.db.Exec(
		`INSERT INTO packages (id, installed, tar_path, installed_at_ms) VALUES (?, 1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET installed=1, tar_path=excluded.tar_path, installed_at_ms=excluded.installed_at_ms`,
		id, dest, now,
	); err != nil {
		return nil, herr.NewStorageError("record package", err)
	}
	return &PackageRecord{ID: id, Installed: true, TarPath: dest, InstalledAtMs: now}, nil
}

// RegisterExternalPackage records a package tar that appeared in the
// cache directory from outside InstallPackage — e.g. a layer synced in
// by an external tool that CacheWatcher noticed — without rewriting
// the blob, which is already on disk at packagePath(id).
func (s *Store) RegisterExternalPackage(id string) (*PackageRecord, error) {
	dest := s.packagePath(id)
	if _, err := os.Stat(dest); err != nil {
		return nil, herr.NewStorageError("stat external package", err)
	}

	now := nowMs()
	if _, err := s.db.Exec(
		`INSERT INTO packages (id, installed, tar_path, installed_at_ms) VALUES (?, 1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET installed=1, tar_path=excluded.tar_path, installed_at_ms=excluded.installed_at_ms`,
		id, dest, now,
	); err != nil {
		return nil, herr.NewStorageError("record external package", err)
	}
	return &PackageRecord{ID: id, Installed: true, TarPath: dest, InstalledAtMs: now}, nil
}

// UninstallPackage removes a package's manifest row and blob.
func (s *Store) UninstallPackage(id string) error {
	if _, err := s.db.Exec(`DELETE FROM packages WHERE id = ?`, id); err != nil {
		return herr.NewStorageError("uninstall package", err)
	}
	if err := os.Remove(s.packagePath(id)); err != nil && !os.IsNotExist(err) {
		return herr.NewStorageError("remove package blob", err)
	}
	return nil
}

// ListPackages returns the full manifest.
func (s *Store) ListPackages() ([]PackageRecord, error) {
	rows, err := s.db.Query(`SELECT id, installed, tar_path, installed_at_ms FROM packages ORDER BY id`)
	if err != nil {
		return nil, herr.NewStorageError("list packages", err)
	}
	defer rows.Close()

	var out []PackageRecord
	for rows.Next() {
		var p PackageRecord
		var installed int
		if err := rows.Scan(&p.ID, &installed, &p.TarPath, &p.InstalledAtMs); err != nil {
			return nil, herr.NewStorageError("scan package", err)
		}
		p.Installed = installed != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// LoadPackageTar reads the raw tar bytes for an installed package.
func (s *Store) LoadPackageTar(id string) ([]byte, error) {
	data, err := os.ReadFile(s.packagePath(id))
	if err != nil {
		return nil, herr.NewLayerError(id, true, err)
	}
	return data, nil
}
