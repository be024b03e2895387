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

// package impl is the implementation of a client which reports on, refreshes
// and updates the firmware managed by the fwupd daemon.
package impl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/google/fwupd-client/api"
	"github.com/google/fwupd-client/checksum"
	"github.com/google/fwupd-client/fwupd"
	"github.com/google/fwupd-client/internal/journal"
	"golang.org/x/sync/errgroup"
)

// ClientOpts encapsulates client tool parameters. Set fields override the
// config file.
type ClientOpts struct {
	ConfigFile string
	CacheDir   string
	Install    bool
	Force      bool
	Watch      bool
	NoRefresh  bool
	Out        io.Writer
}

// daemon is the part of fwupd.Client used by the tool.
type daemon interface {
	Ping(ctx context.Context) error
	DaemonVersion() (string, error)
	Status() (api.Status, error)
	Percentage() (uint8, error)
	Tainted() (bool, error)
	Remotes(ctx context.Context) ([]api.Remote, error)
	RefreshRemote(ctx context.Context, remote api.Remote) error
	Devices(ctx context.Context) ([]api.Device, error)
	Upgrades(ctx context.Context, deviceID string) ([]api.Release, error)
	UpdateDeviceWithRelease(ctx context.Context, remote api.Remote, device api.Device, release api.Release, flags fwupd.InstallFlags, progress fwupd.ProgressFunc) error
}

// Main runs the tool until its work is done or, in watch mode, until ctx is done.
func Main(ctx context.Context, opts ClientOpts) error {
	cfg, err := LoadConfig(opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyOverrides(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return err
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	c, err := fwupd.Dial(fwupd.Opts{CacheDir: cfg.CacheDir, Reason: cfg.Reason})
	if err != nil {
		return err
	}
	timeout, _ := cfg.daemonTimeout()
	if err := waitForDaemon(ctx, c, backoff.WithMaxRetries(backoff.NewConstantBackOff(timeout/10), 10)); err != nil {
		return fmt.Errorf("fwupd daemon not available: %w", err)
	}

	var j *journal.Journal
	if cfg.JournalDSN != "" {
		if j, err = journal.Open(cfg.JournalDriver, cfg.JournalDSN); err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		defer j.Close()
	}

	g, ctx := errgroup.WithContext(ctx)
	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()
	stream, err := c.Listen(listenCtx)
	if err != nil {
		return err
	}
	defer stream.Close()

	g.Go(func() error {
		for {
			sig, ok := stream.Next()
			if !ok {
				return nil
			}
			glog.Infof("fwupd: %s", sig)
		}
	})
	g.Go(func() error {
		if !cfg.Watch {
			defer stopListening()
		}
		return run(ctx, c, cfg, j, out)
	})
	return g.Wait()
}

func applyOverrides(cfg *Config, opts ClientOpts) {
	if opts.CacheDir != "" {
		cfg.CacheDir = opts.CacheDir
	}
	cfg.Install = cfg.Install || opts.Install
	cfg.Force = cfg.Force || opts.Force
	cfg.Watch = cfg.Watch || opts.Watch
	if opts.NoRefresh {
		cfg.Refresh = false
	}
}

// waitForDaemon pings the daemon until it answers or b gives up.
func waitForDaemon(ctx context.Context, d daemon, b backoff.BackOff) error {
	return backoff.Retry(func() error {
		err := d.Ping(ctx)
		if err != nil {
			glog.V(1).Infof("Waiting for fwupd: %v", err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}

// run reports on the daemon, refreshes remotes and optionally installs upgrades.
func run(ctx context.Context, d daemon, cfg *Config, j *journal.Journal, out io.Writer) error {
	if err := report(d, out); err != nil {
		return err
	}

	remotes, err := d.Remotes(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remotes: %w", err)
	}
	if cfg.Refresh {
		for _, r := range remotes {
			if len(cfg.Remotes) > 0 && !slices.Contains(cfg.Remotes, r.ID) {
				continue
			}
			if err := d.RefreshRemote(ctx, r); err != nil {
				return fmt.Errorf("failed to refresh remote %s: %w", r.ID, err)
			}
			if r.Enabled && r.Kind == api.RemoteDownload {
				fmt.Fprintf(out, "Refreshed %s\n", r.ID)
			}
		}
	}

	devices, err := d.Devices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	for _, dev := range devices {
		if len(cfg.Devices) > 0 && !slices.Contains(cfg.Devices, dev.ID) {
			continue
		}
		fmt.Fprintf(out, "%s\t%s\t%s\n", dev.ID, dev.Name, dev.Version)
		if !dev.IsUpdatable() {
			continue
		}
		upgrades, err := d.Upgrades(ctx, dev.ID)
		if err != nil {
			// The daemon reports devices without upgrades as an error.
			glog.V(1).Infof("No upgrades for %s: %v", dev, err)
			continue
		}
		rel, ok := newest(upgrades)
		if !ok {
			continue
		}
		fmt.Fprintf(out, "\tupgrade available: %s from %s\n", rel.Version, rel.RemoteID)
		if !cfg.Install {
			continue
		}
		if err := install(ctx, d, cfg, j, remotes, dev, rel, out); err != nil {
			return err
		}
	}
	return nil
}

func report(d daemon, out io.Writer) error {
	version, err := d.DaemonVersion()
	if err != nil {
		return err
	}
	status, err := d.Status()
	if err != nil {
		return err
	}
	pct, err := d.Percentage()
	if err != nil {
		return err
	}
	tainted, err := d.Tainted()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "fwupd %s: %s (%d%%)\n", version, status, pct)
	if tainted {
		fmt.Fprintln(out, "WARNING: daemon is tainted by a third party plugin")
	}
	return nil
}

// newest returns the highest release by semantic version.
func newest(rs []api.Release) (api.Release, bool) {
	if len(rs) == 0 {
		return api.Release{}, false
	}
	best := rs[0]
	for _, r := range rs[1:] {
		if best.SemverLess(r) {
			best = r
		}
	}
	return best, true
}

func install(ctx context.Context, d daemon, cfg *Config, j *journal.Journal, remotes []api.Remote, dev api.Device, rel api.Release, out io.Writer) error {
	i := slices.IndexFunc(remotes, func(r api.Remote) bool { return r.ID == rel.RemoteID })
	if i < 0 {
		return fmt.Errorf("release %s for %s: %q: %w", rel.Version, dev, rel.RemoteID, fwupd.ErrRemoteNotFound)
	}
	var flags fwupd.InstallFlags
	if cfg.Force {
		flags |= fwupd.InstallForce
	}
	if cfg.NoHistory {
		flags |= fwupd.InstallNoHistory
	}

	var received uint64
	progress := func(ev fwupd.FlashEvent) {
		switch ev.Kind {
		case fwupd.DownloadUpdate:
			received += ev.Bytes
			if rel.Size > 0 {
				glog.V(2).Infof("Downloaded %d of %d bytes", received, rel.Size)
			}
		default:
			glog.Infof("%s: %s", dev.Name, ev.Kind)
		}
	}
	err := d.UpdateDeviceWithRelease(ctx, remotes[i], dev, rel, flags, progress)

	if j != nil {
		e := journal.Entry{
			DeviceID:   dev.ID,
			DeviceName: dev.Name,
			RemoteID:   rel.RemoteID,
			Version:    rel.Version,
			Outcome:    journal.Installed,
		}
		e.Checksum, _, _ = checksum.FindBest(rel.Checksums)
		if err != nil {
			e.Outcome, e.Error = journal.Failed, err.Error()
		}
		if _, jerr := j.Record(ctx, e); jerr != nil {
			glog.Warningf("Failed to record install of %s: %v", dev, jerr)
		}
	}

	if err != nil {
		if errors.Is(err, fwupd.ErrFirmwareChecksumMismatch) {
			return fmt.Errorf("refusing to install %s onto %s, the download may have been tampered with: %w", rel.Version, dev, err)
		}
		return fmt.Errorf("failed to update %s: %w", dev, err)
	}
	fmt.Fprintf(out, "\tinstalled %s\n", rel.Version)
	if dev.NeedsReboot() {
		fmt.Fprintln(out, "\ta reboot is required to complete the update")
	}
	return nil
}
