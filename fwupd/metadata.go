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

	"github.com/golang/glog"
	"github.com/google/fwupd-client/api"
)

// RefreshRemote fetches the latest metadata of remote and hands it to the daemon.
// Disabled remotes and remotes which are not downloaded from are skipped
// without touching the network or the cache.
func (c *Client) RefreshRemote(ctx context.Context, remote api.Remote) error {
	if !remote.Enabled {
		glog.V(1).Infof("Skipping disabled remote %s", remote.ID)
		return nil
	}
	if remote.Kind != api.RemoteDownload {
		glog.V(1).Infof("Skipping %s remote %s", remote.Kind, remote.ID)
		return nil
	}

	f, err := c.Fetcher()
	if err != nil {
		return err
	}
	data, sig, err := f.FetchMetadata(ctx, remote)
	if err != nil {
		return err
	}
	defer data.Close()
	defer sig.Close()
	return c.UpdateMetadata(ctx, remote.ID, data, sig)
}
