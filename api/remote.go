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

package api

import (
	"github.com/godbus/dbus/v5"
	"github.com/golang/glog"
)

// RemoteKind describes where a remote's metadata and firmware live.
type RemoteKind uint16

const (
	RemoteUnknown RemoteKind = iota
	// RemoteDownload remotes are fetched over the network.
	RemoteDownload
	// RemoteLocal remotes are a single pre-fetched metadata file, with
	// firmware stored alongside it.
	RemoteLocal
	// RemoteDirectory remotes are a folder of local files.
	RemoteDirectory
)

func (k RemoteKind) String() string {
	switch k {
	case RemoteDownload:
		return "download"
	case RemoteLocal:
		return "local"
	case RemoteDirectory:
		return "directory"
	}
	return "unknown"
}

// KeyringKind is the signature scheme used to validate a remote's metadata.
type KeyringKind uint16

const (
	KeyringUnknown KeyringKind = iota
	KeyringNone
	KeyringGPG
	KeyringPKCS7
	KeyringJCat
)

// SignatureExt returns the suffix of the detached signature which accompanies
// metadata signed with this keyring.
func (k KeyringKind) SignatureExt() string {
	switch k {
	case KeyringJCat:
		return ".jcat"
	case KeyringPKCS7:
		return ".p7b"
	}
	return ".asc"
}

// Remote is a configured source of firmware metadata.
type Remote struct {
	ID      string
	Title   string
	Kind    RemoteKind
	Enabled bool
	Keyring KeyringKind
	// Priority orders remotes when they offer conflicting releases.
	Priority int16

	// URI is the location of the remote's metadata.
	URI string
	// FirmwareBaseURI, when set, overrides where firmware payloads are hosted.
	FirmwareBaseURI string
	// FilenameCache is the daemon's local copy of the metadata.
	FilenameCache  string
	FilenameSource string
	ReportURI      string
	Agreement      string

	// Username and Password are used for HTTP Basic authentication when Username is set.
	Username string
	Password string

	// Checksum is the last known checksum of the metadata.
	Checksum         string
	ModificationTime uint64
}

// DecodeRemote builds a Remote from the daemon's dictionary representation.
func DecodeRemote(dict Dict) (Remote, error) {
	var r Remote
	for k, v := range dict {
		if err := r.set(k, v); err != nil {
			return Remote{}, err
		}
	}
	return r, nil
}

func (r *Remote) set(key string, v dbus.Variant) error {
	var err error
	var n uint64
	switch key {
	case "RemoteId":
		r.ID, err = str(key, v)
	case "Title":
		r.Title, err = str(key, v)
	case "Type":
		n, err = u64(key, v)
		if n > uint64(RemoteDirectory) {
			n = uint64(RemoteUnknown)
		}
		r.Kind = RemoteKind(n)
	case "Enabled":
		r.Enabled, err = boolean(key, v)
	case "Keyring":
		n, err = u64(key, v)
		if n > uint64(KeyringJCat) {
			n = uint64(KeyringUnknown)
		}
		r.Keyring = KeyringKind(n)
	case "Priority":
		r.Priority, err = i16(key, v)
	case "Uri":
		r.URI, err = str(key, v)
	case "FirmwareBaseUri":
		r.FirmwareBaseURI, err = str(key, v)
	case "FilenameCache":
		r.FilenameCache, err = str(key, v)
	case "FilenameSource":
		r.FilenameSource, err = str(key, v)
	case "ReportUri":
		r.ReportURI, err = str(key, v)
	case "Agreement":
		r.Agreement, err = str(key, v)
	case "Username":
		r.Username, err = str(key, v)
	case "Password":
		r.Password, err = str(key, v)
	case "Checksum":
		r.Checksum, err = str(key, v)
	case "ModificationTime":
		r.ModificationTime, err = u64(key, v)
	default:
		glog.V(2).Infof("unknown remote key: %s (%s)", key, v.Signature())
	}
	return err
}
