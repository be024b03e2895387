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

// fwupd_client reports on the firmware managed by the fwupd daemon, refreshes
// remote metadata and optionally installs the newest upgrade for each device.
//
// Usage:
//   go run ./cmd/fwupd_client/ --logtostderr --config=/etc/fwupd-client.toml --install
//
// With --watch the client keeps logging daemon notifications until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/google/fwupd-client/cmd/fwupd_client/impl"

	_ "github.com/go-sql-driver/mysql" // Load drivers for mysql
	_ "github.com/mattn/go-sqlite3"    // Load drivers for sqlite3
)

var (
	configFile = flag.String("config", "", "Path to a .toml, .yaml or .json config file")
	cacheDir   = flag.String("cache_dir", "", "Directory to cache firmware and metadata in")
	install    = flag.Bool("install", false, "Install the newest upgrade for each updatable device")
	force      = flag.Bool("force", false, "Force installation, ignoring daemon checks")
	watch      = flag.Bool("watch", false, "Keep logging daemon notifications until interrupted")
	noRefresh  = flag.Bool("no_refresh", false, "Don't refresh remote metadata")
)

func main() {
	flag.Parse()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := impl.Main(ctx, impl.ClientOpts{
		ConfigFile: *configFile,
		CacheDir:   *cacheDir,
		Install:    *install,
		Force:      *force,
		Watch:      *watch,
		NoRefresh:  *noRefresh,
	}); err != nil {
		glog.Exit(err.Error())
	}
}
