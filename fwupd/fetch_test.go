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

package fwupd_test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/fwupd-client/api"
	"github.com/google/fwupd-client/cache"
	"github.com/google/fwupd-client/checksum"
	"github.com/google/fwupd-client/fwupd"
	"github.com/google/fwupd-client/internal/lvfstest"
	"github.com/google/go-cmp/cmp"
)

const (
	remoteID = "lvfs"
	fwName   = "abc-firmware.cab"
	ua       = "fwupd/1.9.5"
)

var (
	payload = bytes.Repeat([]byte("firmware payload "), 4096)
	device  = api.Device{ID: "1234abcd", Name: "Thunderbolt Controller"}
)

type env struct {
	srv     *lvfstest.Server
	remote  api.Remote
	release api.Release
	fetcher *fwupd.Fetcher
	dest    string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	srv := lvfstest.NewServer()
	ts := lvfstest.Start(srv)
	t.Cleanup(ts.Close)

	digest := srv.Put(fwName, payload)
	e := &env{
		srv: srv,
		remote: api.Remote{
			ID:      remoteID,
			Kind:    api.RemoteDownload,
			Enabled: true,
			Keyring: api.KeyringJCat,
			URI:     lvfstest.URL(ts, "firmware.xml.gz"),
		},
		release: api.Release{
			Version:   "1.2.3",
			URI:       lvfstest.URL(ts, fwName),
			Size:      uint64(len(payload)),
			Checksums: []string{digest},
		},
		fetcher: &fwupd.Fetcher{
			HTTP:      ts.Client(),
			Cache:     cache.New(filepath.Join(t.TempDir(), "cache")),
			UserAgent: ua,
		},
	}
	u, err := url.Parse(e.release.URI)
	if err != nil {
		t.Fatal(err)
	}
	if e.dest, err = e.fetcher.Cache.PathFor(remoteID, u); err != nil {
		t.Fatalf("PathFor(): %v", err)
	}
	return e
}

func (e *env) seedCache(t *testing.T, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(e.dest), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(e.dest, content, 0644); err != nil {
		t.Fatal(err)
	}
}

func readAll(t *testing.T, f *os.File) []byte {
	t.Helper()
	b, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll(): %v", err)
	}
	return b
}

func TestFetchFirmwareCacheHit(t *testing.T) {
	e := newEnv(t)
	e.seedCache(t, payload)

	path, f, err := e.fetcher.FetchFirmware(context.Background(), e.remote, device, e.release, nil)
	if err != nil {
		t.Fatalf("FetchFirmware(): %v", err)
	}
	defer f.Close()
	if path != e.dest {
		t.Errorf("FetchFirmware() path = %q, want %q", path, e.dest)
	}
	if got := e.srv.TotalRequests(); got != 0 {
		t.Errorf("FetchFirmware() made %d requests with a valid cache, want 0", got)
	}
	if !bytes.Equal(readAll(t, f), payload) {
		t.Error("FetchFirmware() returned a handle to the wrong content")
	}
}

func TestFetchFirmwareDownload(t *testing.T) {
	for _, test := range []struct {
		desc string
		seed []byte
	}{
		{desc: "empty cache"},
		{desc: "stale cache", seed: []byte("an older firmware")},
	} {
		t.Run(test.desc, func(t *testing.T) {
			e := newEnv(t)
			if test.seed != nil {
				e.seedCache(t, test.seed)
			}

			path, f, err := e.fetcher.FetchFirmware(context.Background(), e.remote, device, e.release, nil)
			if err != nil {
				t.Fatalf("FetchFirmware(): %v", err)
			}
			defer f.Close()
			if got := e.srv.Requests(fwName); got != 1 {
				t.Errorf("FetchFirmware() made %d requests, want 1", got)
			}
			if got := e.srv.UserAgent(); got != ua {
				t.Errorf("User-Agent = %q, want %q", got, ua)
			}
			if !bytes.Equal(readAll(t, f), payload) {
				t.Error("FetchFirmware() handle is not positioned at the start of the payload")
			}
			if ok, err := cache.IsValid(path, e.release.Checksums[0], checksum.SHA256); !ok || err != nil {
				t.Errorf("IsValid() after download = %v, %v; want true, nil", ok, err)
			}
		})
	}
}

func TestFetchFirmwareRollback(t *testing.T) {
	for _, test := range []struct {
		desc       string
		mode       lvfstest.Mode
		missing    bool
		wantErr    error
		wantStatus int
	}{
		{desc: "truncated", mode: lvfstest.Truncate, wantErr: fwupd.ErrFirmwareChecksumMismatch},
		{desc: "corrupted", mode: lvfstest.Corrupt, wantErr: fwupd.ErrFirmwareChecksumMismatch},
		{desc: "not found", missing: true, wantStatus: http.StatusNotFound},
	} {
		t.Run(test.desc, func(t *testing.T) {
			e := newEnv(t)
			e.seedCache(t, []byte("an older firmware"))
			e.srv.SetMode(test.mode)
			if test.missing {
				e.release.URI += ".missing"
				u, _ := url.Parse(e.release.URI)
				e.dest, _ = e.fetcher.Cache.PathFor(remoteID, u)
			}

			_, _, err := e.fetcher.FetchFirmware(context.Background(), e.remote, device, e.release, nil)
			if test.wantErr != nil && !errors.Is(err, test.wantErr) {
				t.Fatalf("FetchFirmware() err = %v, want %v", err, test.wantErr)
			}
			if test.wantStatus != 0 {
				var fe *fwupd.FetchError
				if !errors.As(err, &fe) || fe.StatusCode != test.wantStatus {
					t.Fatalf("FetchFirmware() err = %v, want FetchError with status %d", err, test.wantStatus)
				}
			}
			if _, err := os.Stat(e.dest); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("cache path exists after failed fetch: %v", err)
			}
			entries, err := os.ReadDir(filepath.Dir(e.dest))
			if err != nil {
				t.Fatal(err)
			}
			for _, entry := range entries {
				if entry.Name() != fwName {
					t.Errorf("unexpected file %q left in cache", entry.Name())
				}
			}

			// A retry from the clean state succeeds once the server behaves.
			e.srv.SetMode(lvfstest.Serve)
			if test.missing {
				return
			}
			if _, f, err := e.fetcher.FetchFirmware(context.Background(), e.remote, device, e.release, nil); err != nil {
				t.Errorf("FetchFirmware() retry: %v", err)
			} else {
				f.Close()
			}
		})
	}
}

func TestFetchFirmwareBasicAuth(t *testing.T) {
	for _, test := range []struct {
		desc     string
		username string
		password string
		wantErr  bool
	}{
		{desc: "correct credentials", username: "oem", password: "hunter2"},
		{desc: "wrong password", username: "oem", password: "guess", wantErr: true},
		{desc: "no credentials", wantErr: true},
	} {
		t.Run(test.desc, func(t *testing.T) {
			e := newEnv(t)
			e.srv.RequireBasicAuth("oem", "hunter2")
			e.remote.Username, e.remote.Password = test.username, test.password

			_, f, err := e.fetcher.FetchFirmware(context.Background(), e.remote, device, e.release, nil)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("FetchFirmware() err = %v, wantErr %v", err, test.wantErr)
			}
			if err != nil {
				var fe *fwupd.FetchError
				if !errors.As(err, &fe) || fe.StatusCode != http.StatusUnauthorized {
					t.Errorf("FetchFirmware() err = %v, want 401 FetchError", err)
				}
				return
			}
			f.Close()
		})
	}
}

func TestFetchFirmwareRefusals(t *testing.T) {
	md5sum := md5.Sum(payload)
	for _, test := range []struct {
		desc    string
		modify  func(*env)
		wantErr error
	}{
		{
			desc:    "disabled remote",
			modify:  func(e *env) { e.remote.Enabled = false },
			wantErr: fwupd.ErrRemoteDisabled,
		}, {
			desc:    "md5 only",
			modify:  func(e *env) { e.release.Checksums = []string{hex.EncodeToString(md5sum[:])} },
			wantErr: fwupd.ErrReleaseWithoutChecksums,
		}, {
			desc:    "no checksums",
			modify:  func(e *env) { e.release.Checksums = nil },
			wantErr: fwupd.ErrReleaseWithoutChecksums,
		},
	} {
		t.Run(test.desc, func(t *testing.T) {
			e := newEnv(t)
			test.modify(e)

			if _, _, err := e.fetcher.FetchFirmware(context.Background(), e.remote, device, e.release, nil); !errors.Is(err, test.wantErr) {
				t.Errorf("FetchFirmware() err = %v, want %v", err, test.wantErr)
			}
			if got := e.srv.TotalRequests(); got != 0 {
				t.Errorf("FetchFirmware() made %d requests, want 0", got)
			}
			if _, err := os.Stat(e.fetcher.Cache.Root()); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("cache root created: %v", err)
			}
		})
	}
}

func TestFetchFirmwareLocal(t *testing.T) {
	e := newEnv(t)
	e.remote = api.Remote{
		ID:            "vendor",
		Kind:          api.RemoteLocal,
		Enabled:       true,
		FilenameCache: "/usr/share/fwupd/remotes.d/vendor/firmware.xml.gz",
	}
	e.release.URI = fwName

	path, f, err := e.fetcher.FetchFirmware(context.Background(), e.remote, device, e.release, nil)
	if err != nil {
		t.Fatalf("FetchFirmware(): %v", err)
	}
	if f != nil {
		t.Error("FetchFirmware() opened a local file")
	}
	if want := "/usr/share/fwupd/remotes.d/vendor/" + fwName; path != want {
		t.Errorf("FetchFirmware() path = %q, want %q", path, want)
	}
	if got := e.srv.TotalRequests(); got != 0 {
		t.Errorf("FetchFirmware() made %d requests, want 0", got)
	}
}

func TestFetchFirmwareProgress(t *testing.T) {
	e := newEnv(t)

	var kinds []fwupd.FlashEventKind
	var total, downloaded uint64
	progress := func(ev fwupd.FlashEvent) {
		switch ev.Kind {
		case fwupd.DownloadInitiate:
			total = ev.Bytes
		case fwupd.DownloadUpdate:
			downloaded += ev.Bytes
			if n := len(kinds); n > 0 && kinds[n-1] == fwupd.DownloadUpdate {
				return
			}
		}
		kinds = append(kinds, ev.Kind)
	}

	_, f, err := e.fetcher.FetchFirmware(context.Background(), e.remote, device, e.release, progress)
	if err != nil {
		t.Fatalf("FetchFirmware(): %v", err)
	}
	f.Close()

	want := []fwupd.FlashEventKind{fwupd.DownloadInitiate, fwupd.DownloadUpdate, fwupd.DownloadComplete, fwupd.VerifyingChecksum}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Errorf("events diff (-want +got):\n%s", diff)
	}
	if total != uint64(len(payload)) || downloaded != total {
		t.Errorf("got total %d and downloaded %d, want both %d", total, downloaded, len(payload))
	}
}

func TestFetchMetadata(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	metadata := []byte("<components/>")
	metaDigest := e.srv.Put("firmware.xml.gz", metadata)
	e.srv.Put("firmware.xml.gz.jcat", []byte("signature one"))

	fetch := func() ([]byte, []byte) {
		t.Helper()
		data, sig, err := e.fetcher.FetchMetadata(ctx, e.remote)
		if err != nil {
			t.Fatalf("FetchMetadata(): %v", err)
		}
		defer data.Close()
		defer sig.Close()
		return readAll(t, data), readAll(t, sig)
	}

	data, sig := fetch()
	if !bytes.Equal(data, metadata) || string(sig) != "signature one" {
		t.Fatalf("FetchMetadata() = %q, %q", data, sig)
	}

	// The daemon has loaded what we fetched and the signature is unchanged.
	e.remote.Checksum = metaDigest
	fetch()
	if got := e.srv.Requests("firmware.xml.gz"); got != 1 {
		t.Errorf("metadata fetched %d times with unchanged signature, want 1", got)
	}
	if got := e.srv.Requests("firmware.xml.gz.jcat"); got != 2 {
		t.Errorf("signature fetched %d times, want 2", got)
	}

	// New metadata is published with a new signature.
	e.srv.Put("firmware.xml.gz", []byte("<components><component/></components>"))
	e.srv.Put("firmware.xml.gz.jcat", []byte("signature two"))
	data, sig = fetch()
	if string(data) != "<components><component/></components>" || string(sig) != "signature two" {
		t.Errorf("FetchMetadata() after update = %q, %q", data, sig)
	}
	if got := e.srv.Requests("firmware.xml.gz"); got != 2 {
		t.Errorf("metadata fetched %d times after signature change, want 2", got)
	}
}
