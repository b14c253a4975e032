// Copyright 2026 The RealmKeeper Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package file stores snapshots on the local filesystem.
//
// Layout under the data directory:
//
//	realms.json            tenant documents, indented JSON
//	realms.json.1 .. .N    previous documents, newest first
//	filters/<tenant>.bloom one filter blob per tenant
//
// Every file is written to a temporary sibling, synced and renamed into
// place, so readers see either the old or the new content.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/realmkeeper/realmkeeper/internal/observability/logger"
	"github.com/realmkeeper/realmkeeper/internal/persistence"
)

const (
	documentName = "realms.json"
	filtersDir   = "filters"
	filterExt    = ".bloom"

	// DefaultBackups is the number of rotated documents kept.
	DefaultBackups = 3
)

// ErrCorruptSnapshot is returned when neither the document nor any backup can be parsed.
var ErrCorruptSnapshot = errors.New("snapshot document and all backups are unreadable")

// Store is a persistence.SnapshotStore backed by a directory.
type Store struct {
	dir     string
	backups int
	logger  *slog.Logger
}

// New creates the directory layout under dir.
func New(dir string, backups int, l *slog.Logger) (*Store, error) {
	if backups < 0 {
		backups = 0
	}
	if l == nil {
		l = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, filtersDir), 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Store{dir: dir, backups: backups, logger: l.With(logger.Component("file_store"))}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) documentPath() string {
	return filepath.Join(s.dir, documentName)
}

func (s *Store) backupPath(n int) string {
	return fmt.Sprintf("%s.%d", s.documentPath(), n)
}

func (s *Store) filterPath(tenantID string) (string, error) {
	if tenantID == "" || tenantID != filepath.Base(tenantID) || strings.HasPrefix(tenantID, ".") {
		return "", fmt.Errorf("tenant id %q is not a valid file name", tenantID)
	}
	return filepath.Join(s.dir, filtersDir, tenantID+filterExt), nil
}

// Save implements persistence.SnapshotStore.
func (s *Store) Save(ctx context.Context, snap *persistence.Snapshot) error {
	doc, err := json.MarshalIndent(snap.Tenants, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}

	// Blobs first: a crash before the document is replaced leaves the old
	// document with newer blobs, which load repairs.
	for id, blob := range snap.Filters {
		if err := ctx.Err(); err != nil {
			return err
		}
		path, err := s.filterPath(id)
		if err != nil {
			return err
		}
		if err := writeAtomic(path, blob); err != nil {
			return fmt.Errorf("write filter of tenant %s: %w", id, err)
		}
	}

	if err := s.rotate(); err != nil {
		s.logger.WarnContext(ctx, "backup rotation failed", logger.Error(err))
	}
	if err := writeAtomic(s.documentPath(), doc); err != nil {
		return fmt.Errorf("write document: %w", err)
	}

	s.removeStaleFilters(ctx, snap)
	return nil
}

// rotate shifts realms.json.i to realms.json.i+1 and copies the current
// document to realms.json.1.
func (s *Store) rotate() error {
	if s.backups == 0 {
		return nil
	}
	current, err := os.ReadFile(s.documentPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if !json.Valid(current) {
		// Keep good backups rather than pushing them out with a broken file.
		return fmt.Errorf("current document is not valid JSON, skipping rotation")
	}

	for i := s.backups - 1; i >= 1; i-- {
		err := os.Rename(s.backupPath(i), s.backupPath(i+1))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return writeAtomic(s.backupPath(1), current)
}

func (s *Store) removeStaleFilters(ctx context.Context, snap *persistence.Snapshot) {
	entries, err := os.ReadDir(filepath.Join(s.dir, filtersDir))
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, filterExt) {
			continue
		}
		id := strings.TrimSuffix(name, filterExt)
		if _, ok := snap.Tenants[id]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, filtersDir, name)); err != nil {
			s.logger.WarnContext(ctx, "remove stale filter failed", logger.TenantID(id), logger.Error(err))
		}
	}
}

// Load implements persistence.SnapshotStore. When realms.json is missing
// or unreadable the newest readable backup is used.
func (s *Store) Load(ctx context.Context) (*persistence.Snapshot, error) {
	tenants, source, err := s.loadDocument(ctx)
	if err != nil {
		return nil, err
	}
	if source != s.documentPath() {
		s.logger.WarnContext(ctx, "restored snapshot from backup", slog.String("source", source))
	}

	snap := persistence.NewSnapshot()
	snap.Tenants = tenants
	for id := range tenants {
		path, err := s.filterPath(id)
		if err != nil {
			continue
		}
		blob, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.WarnContext(ctx, "filter blob unreadable", logger.TenantID(id), logger.Error(err))
			}
			continue
		}
		snap.Filters[id] = blob
	}
	return snap, nil
}

func (s *Store) loadDocument(ctx context.Context) (map[string]persistence.TenantRecord, string, error) {
	candidates := []string{s.documentPath()}
	for i := 1; i <= max(s.backups, DefaultBackups); i++ {
		candidates = append(candidates, s.backupPath(i))
	}

	found := false
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		found = true
		if err != nil {
			s.logger.WarnContext(ctx, "snapshot document unreadable", slog.String("path", path), logger.Error(err))
			continue
		}
		tenants, err := decodeDocument(data)
		if err != nil {
			s.logger.WarnContext(ctx, "snapshot document corrupt", slog.String("path", path), logger.Error(err))
			continue
		}
		return tenants, path, nil
	}
	if !found {
		return nil, "", persistence.ErrSnapshotNotFound
	}
	return nil, "", ErrCorruptSnapshot
}

func decodeDocument(data []byte) (map[string]persistence.TenantRecord, error) {
	var tenants map[string]persistence.TenantRecord
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&tenants); err != nil {
		return nil, err
	}
	if tenants == nil {
		tenants = make(map[string]persistence.TenantRecord)
	}
	return tenants, nil
}

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmp.Name(), 0o640); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return syncDir(dir)
}

// syncDir makes a rename durable on filesystems that need it.
func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
