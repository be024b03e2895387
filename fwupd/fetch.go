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

package fwupd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/golang/glog"
	"github.com/google/fwupd-client/api"
	"github.com/google/fwupd-client/cache"
	"github.com/google/fwupd-client/checksum"
	"github.com/google/fwupd-client/resolve"
)

// FlashEventKind identifies a step of fetching and installing firmware.
type FlashEventKind int

const (
	// DownloadInitiate is sent before a download starts. Bytes holds the
	// expected size, or 0 if unknown.
	DownloadInitiate FlashEventKind = iota
	// DownloadUpdate is sent as data arrives. Bytes holds the size of the chunk.
	DownloadUpdate
	DownloadComplete
	VerifyingChecksum
	// FlashInProgress is sent immediately before the install call.
	FlashInProgress
)

func (k FlashEventKind) String() string {
	switch k {
	case DownloadInitiate:
		return "download initiated"
	case DownloadUpdate:
		return "download update"
	case DownloadComplete:
		return "download complete"
	case VerifyingChecksum:
		return "verifying checksum"
	case FlashInProgress:
		return "flash in progress"
	}
	return fmt.Sprintf("FlashEventKind(%d)", int(k))
}

// FlashEvent reports progress to a ProgressFunc.
type FlashEvent struct {
	Kind  FlashEventKind
	Bytes uint64
}

// ProgressFunc receives FlashEvents on the goroutine doing the work.
type ProgressFunc func(FlashEvent)

func (p ProgressFunc) emit(kind FlashEventKind, n uint64) {
	if p != nil {
		p(FlashEvent{Kind: kind, Bytes: n})
	}
}

// Fetcher downloads firmware and metadata into a cache.
type Fetcher struct {
	HTTP      *http.Client
	Cache     *cache.Store
	UserAgent string
}

// FetchFirmware makes the payload of release available on disk and returns
// its path together with an open handle positioned at the start.
//
// Payloads of local and directory remotes are used in place: the returned
// handle is nil and nothing is verified. Anything else is served from the
// cache if the cached copy matches the release's best checksum, and is
// downloaded and verified otherwise. A download which fails for any reason
// leaves nothing at the cache path.
func (f *Fetcher) FetchFirmware(ctx context.Context, remote api.Remote, device api.Device, release api.Release, progress ProgressFunc) (string, *os.File, error) {
	if !remote.Enabled {
		return "", nil, fmt.Errorf("%q: %w", remote.ID, ErrRemoteDisabled)
	}
	loc, err := resolve.FirmwareLocation(remote, release.URI)
	if err != nil {
		return "", nil, err
	}
	if loc.IsLocal() {
		glog.V(1).Infof("Firmware for %s is local at %s", device, loc.Path)
		return loc.Path, nil, nil
	}

	dest, err := f.Cache.PathFor(remote.ID, loc.URI)
	if err != nil {
		return "", nil, err
	}
	digest, kind, ok := checksum.FindBest(release.Checksums)
	if !ok {
		return "", nil, fmt.Errorf("release %s of %s: %w", release.Version, device, ErrReleaseWithoutChecksums)
	}

	valid, err := cache.IsValid(dest, digest, kind)
	if err != nil {
		glog.Warningf("Ignoring unreadable cached firmware: %v", err)
	}
	if valid {
		glog.V(1).Infof("Using cached firmware %s", dest)
		file, err := os.Open(dest)
		if err != nil {
			return "", nil, fmt.Errorf("failed to open %q: %w", dest, err)
		}
		return dest, file, nil
	}

	glog.Infof("Downloading firmware %s for %s from %s", release.Version, device, loc.URI)
	p, err := f.Cache.Create(dest)
	if err != nil {
		return "", nil, err
	}
	if err := f.downloadAndVerify(ctx, remote, loc.URI, p, release.Size, digest, kind, progress); err != nil {
		p.Rollback()
		return "", nil, err
	}
	return dest, p.File, nil
}

func (f *Fetcher) downloadAndVerify(ctx context.Context, remote api.Remote, u *url.URL, p *cache.Partial, size uint64, digest string, kind checksum.Kind, progress ProgressFunc) error {
	progress.emit(DownloadInitiate, size)
	if err := f.download(ctx, remote, u, p.File, progress); err != nil {
		return err
	}
	progress.emit(DownloadComplete, 0)

	if _, err := p.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek %q: %w", p.Name(), err)
	}
	progress.emit(VerifyingChecksum, 0)
	glog.V(1).Infof("Validating %s checksum of %s", kind, p.Dest())
	ok, err := checksum.Verify(p, digest, kind)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", p.Name(), err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", u, ErrFirmwareChecksumMismatch)
	}

	if err := p.Commit(); err != nil {
		return err
	}
	if _, err := p.Seek(0, io.SeekStart); err != nil {
		// The committed file is fine but this handle is not; don't leave it in
		// the cache for a caller who never saw it.
		if rerr := os.Remove(p.Dest()); rerr != nil {
			glog.Warningf("failed to remove %q: %v", p.Dest(), rerr)
		}
		return fmt.Errorf("failed to seek %q: %w", p.Dest(), err)
	}
	return nil
}

// FetchMetadata downloads the metadata of a download remote and its detached
// signature, returning both as open handles positioned at the start.
//
// The signature is always fetched. The cached metadata is reused when the
// signature has not changed since the last fetch and the cached copy still
// matches the checksum the daemon reports for the remote.
func (f *Fetcher) FetchMetadata(ctx context.Context, remote api.Remote) (data, sig *os.File, err error) {
	if !remote.Enabled {
		return nil, nil, fmt.Errorf("%q: %w", remote.ID, ErrRemoteDisabled)
	}
	u, err := resolve.MetadataLocation(remote)
	if err != nil {
		return nil, nil, err
	}
	dest, err := f.Cache.PathFor(remote.ID, u)
	if err != nil {
		return nil, nil, err
	}
	sigDest := cache.SignaturePath(dest, remote.Keyring)

	previous, err := os.ReadFile(sigDest)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		glog.Warningf("Ignoring unreadable cached signature: %v", err)
	}
	sig, err = f.fetchTo(ctx, remote, resolve.SignatureURI(u, remote.Keyring), sigDest)
	if err != nil {
		return nil, nil, err
	}
	current, err := io.ReadAll(sig)
	if err == nil {
		_, err = sig.Seek(0, io.SeekStart)
	}
	if err != nil {
		sig.Close()
		return nil, nil, fmt.Errorf("failed to read %q: %w", sigDest, err)
	}

	if previous != nil && bytes.Equal(previous, current) && remote.Checksum != "" {
		ok, err := cache.IsValid(dest, remote.Checksum, checksum.GuessKind(remote.Checksum))
		if err != nil {
			glog.Warningf("Ignoring unreadable cached metadata: %v", err)
		}
		if ok {
			glog.V(1).Infof("Using cached metadata %s", dest)
			if data, err = os.Open(dest); err == nil {
				return data, sig, nil
			}
			glog.Warningf("failed to open %q: %v", dest, err)
		}
	}

	glog.Infof("Downloading metadata for remote %s from %s", remote.ID, u)
	data, err = f.fetchTo(ctx, remote, u, dest)
	if err != nil {
		sig.Close()
		return nil, nil, err
	}
	return data, sig, nil
}

// fetchTo downloads u to dest without verification.
func (f *Fetcher) fetchTo(ctx context.Context, remote api.Remote, u *url.URL, dest string) (*os.File, error) {
	p, err := f.Cache.Create(dest)
	if err != nil {
		return nil, err
	}
	err = f.download(ctx, remote, u, p.File, nil)
	if err == nil {
		err = p.Commit()
	}
	if err == nil {
		if _, serr := p.Seek(0, io.SeekStart); serr != nil {
			err = fmt.Errorf("failed to seek %q: %w", dest, serr)
			os.Remove(dest)
		}
	}
	if err != nil {
		p.Rollback()
		return nil, err
	}
	return p.File, nil
}

func (f *Fetcher) download(ctx context.Context, remote api.Remote, u *url.URL, w io.Writer, progress ProgressFunc) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &FetchError{URI: u.String(), Err: err}
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	if remote.Username != "" {
		req.SetBasicAuth(remote.Username, remote.Password)
	}

	client := f.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &FetchError{URI: u.String(), Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &FetchError{URI: u.String(), StatusCode: resp.StatusCode}
	}

	pw := &progressWriter{w: w, progress: progress}
	if _, err := io.Copy(pw, resp.Body); err != nil {
		if pw.err != nil {
			return fmt.Errorf("failed to write download of %s: %w", u, pw.err)
		}
		return &FetchError{URI: u.String(), Err: err}
	}
	return nil
}

// progressWriter reports each write as a DownloadUpdate event.
// Write errors are kept apart from read errors so they can be reported as
// resource failures rather than transport failures.
type progressWriter struct {
	w        io.Writer
	progress ProgressFunc
	err      error
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	if err != nil {
		p.err = err
		return n, err
	}
	p.progress.emit(DownloadUpdate, uint64(n))
	return n, nil
}
