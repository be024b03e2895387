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
	"context"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/golang/glog"
	"github.com/google/fwupd-client/api"
)

// InstallFlags controls how the daemon installs firmware.
type InstallFlags uint64

const (
	InstallOffline InstallFlags = 1 << iota
	InstallAllowReinstall
	InstallAllowOlder
	InstallForce
	InstallNoHistory
	InstallAllowBranchSwitch
)

// Has returns true if all of the bits in f are set.
func (i InstallFlags) Has(f InstallFlags) bool {
	return i&f == f
}

var installOptions = []struct {
	flag InstallFlags
	key  string
}{
	{InstallOffline, "offline"},
	{InstallAllowReinstall, "allow-reinstall"},
	{InstallAllowOlder, "allow-older"},
	{InstallForce, "force"},
	{InstallNoHistory, "no-history"},
	{InstallAllowBranchSwitch, "allow-branch-switch"},
}

// options translates flags into the a{sv} options of the Install method.
// Only set flags are present.
func (i InstallFlags) options(reason, filename string) map[string]dbus.Variant {
	opts := map[string]dbus.Variant{
		"reason":   dbus.MakeVariant(reason),
		"filename": dbus.MakeVariant(filename),
	}
	for _, o := range installOptions {
		if i.Has(o.flag) {
			opts[o.key] = dbus.MakeVariant(true)
		}
	}
	return opts
}

// Install asks the daemon to install the firmware archive at filename onto
// the device. If f is nil the archive is opened from filename, otherwise f
// must be positioned at its start.
func (c *Client) Install(ctx context.Context, deviceID, reason, filename string, f *os.File, flags InstallFlags) error {
	if f == nil {
		var err error
		if f, err = os.Open(filename); err != nil {
			return fmt.Errorf("failed to open %q: %w", filename, err)
		}
		defer f.Close()
	}
	_, err := c.call(ctx, "Install", deviceID, dbus.UnixFD(f.Fd()), flags.options(reason, filename))
	return err
}

// Fetcher returns a Fetcher sharing this client's HTTP client and cache,
// identifying itself with the daemon's version.
func (c *Client) Fetcher() (*Fetcher, error) {
	ua, err := c.userAgent()
	if err != nil {
		return nil, err
	}
	return &Fetcher{HTTP: c.http, Cache: c.cache, UserAgent: ua}, nil
}

// FetchFirmware fetches the payload of release; see Fetcher.FetchFirmware.
func (c *Client) FetchFirmware(ctx context.Context, remote api.Remote, device api.Device, release api.Release, progress ProgressFunc) (string, *os.File, error) {
	if !remote.Enabled {
		return "", nil, fmt.Errorf("%q: %w", remote.ID, ErrRemoteDisabled)
	}
	f, err := c.Fetcher()
	if err != nil {
		return "", nil, err
	}
	return f.FetchFirmware(ctx, remote, device, release, progress)
}

// UpdateDeviceWithRelease fetches the payload of release and installs it
// onto device. Devices which can only be updated offline are always
// installed offline.
func (c *Client) UpdateDeviceWithRelease(ctx context.Context, remote api.Remote, device api.Device, release api.Release, flags InstallFlags, progress ProgressFunc) error {
	path, f, err := c.FetchFirmware(ctx, remote, device, release, progress)
	if err != nil {
		return err
	}
	if f != nil {
		defer f.Close()
	}
	if device.OnlyOffline() {
		flags |= InstallOffline
	}
	progress.emit(FlashInProgress, 0)
	glog.Infof("Installing %s %s onto %s", release.Name, release.Version, device)
	return c.Install(ctx, device.ID, c.reason, path, f, flags)
}
