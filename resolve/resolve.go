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

// Package resolve works out where the firmware and metadata offered by a
// remote actually live.
package resolve

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/fwupd-client/api"
)

// ErrInvalidRemote is returned when a remote is missing the fields its kind
// requires, or carries a malformed URI. It indicates a configuration error
// and must not be retried.
var ErrInvalidRemote = errors.New("invalid remote configuration")

const fileScheme = "file://"

// Location is either a local filesystem path or an absolute remote URI.
// Exactly one of Path and URI is set.
type Location struct {
	Path string
	URI  *url.URL
}

// IsLocal returns true if the location is already on disk.
func (l Location) IsLocal() bool {
	return l.URI == nil
}

func (l Location) String() string {
	if l.IsLocal() {
		return l.Path
	}
	return l.URI.String()
}

func invalid(r api.Remote, format string, args ...interface{}) error {
	return fmt.Errorf("remote %q: %s: %w", r.ID, fmt.Sprintf(format, args...), ErrInvalidRemote)
}

// FirmwareLocation resolves the raw payload reference of a release offered by r.
//
// The rules are applied in order:
//  1. Local remotes keep firmware next to their cached metadata file.
//  2. Directory remotes carry a file:// reference to a local path.
//  3. A firmware base URI replaces everything but the basename of the reference.
//  4. A bare filename is resolved relative to the metadata URI.
//  5. Anything else must already be an absolute URI.
//
// Callers are expected to have checked that r is enabled.
func FirmwareLocation(r api.Remote, ref string) (Location, error) {
	switch r.Kind {
	case api.RemoteLocal:
		if r.FilenameCache == "" {
			return Location{}, invalid(r, "local remote without a cache filename")
		}
		return Location{Path: filepath.Join(filepath.Dir(r.FilenameCache), ref)}, nil
	case api.RemoteDirectory:
		if !strings.HasPrefix(ref, fileScheme) {
			return Location{}, invalid(r, "directory remote reference %q lacks %s prefix", ref, fileScheme)
		}
		return Location{Path: ref[len(fileScheme):]}, nil
	}

	if r.FirmwareBaseURI != "" {
		base := basename(ref)
		if base == "" {
			return Location{}, invalid(r, "firmware reference %q has no basename", ref)
		}
		u, err := parseAbs(strings.TrimRight(r.FirmwareBaseURI, "/") + "/" + base)
		if err != nil {
			return Location{}, invalid(r, "firmware base URI %q: %v", r.FirmwareBaseURI, err)
		}
		return Location{URI: u}, nil
	}

	if !strings.Contains(ref, "/") {
		meta, err := parseAbs(r.URI)
		if err != nil {
			return Location{}, invalid(r, "metadata URI %q: %v", r.URI, err)
		}
		return Location{URI: meta.ResolveReference(&url.URL{Path: ref})}, nil
	}

	u, err := parseAbs(ref)
	if err != nil {
		return Location{}, invalid(r, "firmware URI %q: %v", ref, err)
	}
	return Location{URI: u}, nil
}

// MetadataLocation returns the URI the metadata of a download remote is fetched from.
func MetadataLocation(r api.Remote) (*url.URL, error) {
	if r.Kind != api.RemoteDownload {
		return nil, invalid(r, "%s remote has no metadata URI", r.Kind)
	}
	u, err := parseAbs(r.URI)
	if err != nil {
		return nil, invalid(r, "metadata URI %q: %v", r.URI, err)
	}
	return u, nil
}

// SignatureURI returns the location of the detached signature for u.
func SignatureURI(u *url.URL, keyring api.KeyringKind) *url.URL {
	s := *u
	s.Path += keyring.SignatureExt()
	if s.RawPath != "" {
		s.RawPath += keyring.SignatureExt()
	}
	return &s
}

func parseAbs(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, errors.New("not an absolute URI")
	}
	return u, nil
}

// basename returns the final path element of ref, ignoring any query or fragment.
func basename(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil {
		p = u.Path
	}
	b := path.Base(p)
	if b == "." || b == "/" {
		return ""
	}
	return b
}
