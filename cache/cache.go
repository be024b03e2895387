// Copyright 2021 Google LLC. All Rights Reserved.
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

// Package cache stores fetched firmware, metadata and signatures on disk.
//
// Files are laid out as <root>/<remote-id>/<basename>. A file at its final
// path is either absent or was fully written: downloads go to a temporary
// file in the same directory which is only renamed into place by Commit.
package cache

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/golang/glog"
	"github.com/google/fwupd-client/api"
	"github.com/google/fwupd-client/checksum"
)

const (
	dirMask  = 0755
	fileMask = 0644
)

// Store maps remote locations to files under a cache root.
type Store struct {
	root string
}

// New creates a Store rooted at dir. The directory is created lazily.
func New(dir string) *Store {
	return &Store{root: dir}
}

// DefaultRoot returns the per-user cache directory for this client.
func DefaultRoot() (string, error) {
	d, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user cache directory: %w", err)
	}
	return filepath.Join(d, "fwupd-client"), nil
}

// Root returns the directory the store is rooted at.
func (s *Store) Root() string {
	return s.root
}

// PathFor returns the cache path for the artifact at u, offered by remoteID.
// Including the remote ID keeps identically named files from different
// remotes apart.
func (s *Store) PathFor(remoteID string, u *url.URL) (string, error) {
	base := path.Base(u.Path)
	if base == "." || base == "/" {
		return "", fmt.Errorf("no filename in %q", u)
	}
	if remoteID == "" || remoteID != filepath.Base(remoteID) || remoteID == ".." || remoteID == "." {
		return "", fmt.Errorf("invalid remote ID %q", remoteID)
	}
	return filepath.Join(s.root, remoteID, base), nil
}

// SignaturePath returns where the detached signature for the file at p is kept.
func SignaturePath(p string, keyring api.KeyringKind) string {
	return p + keyring.SignatureExt()
}

// IsValid reports whether the file at p exists and matches digest.
// A missing file is not an error; read errors on an existing file are.
func IsValid(p, digest string, kind checksum.Kind) (bool, error) {
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open %q: %w", p, err)
	}
	defer f.Close()

	ok, err := checksum.Verify(f, digest, kind)
	if err != nil {
		return false, fmt.Errorf("failed to read %q: %w", p, err)
	}
	return ok, nil
}

// Partial is a file being written which is not yet visible at its destination.
type Partial struct {
	*os.File
	dest string
}

// Create prepares a Partial which will be committed to dest.
// Any existing file at dest is removed first, since a caller only creates
// one when the cached copy is missing or invalid.
func (s *Store) Create(dest string) (*Partial, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, dirMask); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %q: %w", dir, err)
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale %q: %w", dest, err)
	}
	f, err := os.CreateTemp(dir, filepath.Base(dest)+".partial-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary file for %q: %w", dest, err)
	}
	if err := f.Chmod(fileMask); err != nil {
		glog.Warningf("failed to chmod %q: %v", f.Name(), err)
	}
	return &Partial{File: f, dest: dest}, nil
}

// Dest returns the final path of the file.
func (p *Partial) Dest() string {
	return p.dest
}

// Commit moves the file into place. The handle stays open and refers to the
// committed file.
func (p *Partial) Commit() error {
	if err := p.Sync(); err != nil {
		return fmt.Errorf("failed to sync %q: %w", p.Name(), err)
	}
	if err := os.Rename(p.Name(), p.dest); err != nil {
		return fmt.Errorf("failed to move %q to %q: %w", p.Name(), p.dest, err)
	}
	return nil
}

// Rollback closes and deletes the partially written file.
func (p *Partial) Rollback() {
	name := p.Name()
	if err := p.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		glog.Warningf("failed to close %q: %v", name, err)
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		glog.Warningf("failed to remove %q: %v", name, err)
	}
}
