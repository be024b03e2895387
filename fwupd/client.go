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

// Package fwupd is a client for the fwupd firmware update daemon.
//
// Method calls and property reads go over the system bus. Firmware and
// metadata are fetched over HTTP into a local cache, verified, and then handed
// to the daemon as file descriptors.
package fwupd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/golang/glog"
	"github.com/google/fwupd-client/api"
	"github.com/google/fwupd-client/cache"
)

const (
	// DBusName is the well-known bus name of the daemon.
	DBusName = "org.freedesktop.fwupd"
	// DBusIface is the interface the daemon's methods and signals live on.
	DBusIface = "org.freedesktop.fwupd"
	// DBusPath is the object path of the daemon.
	DBusPath = dbus.ObjectPath("/")

	peerPing = "org.freedesktop.DBus.Peer.Ping"

	defaultReason = "(user)"
)

// Object is the part of a bus object used to call the daemon.
// dbus.BusObject satisfies it.
type Object interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
	GetProperty(p string) (dbus.Variant, error)
}

// SignalSource is the part of a bus connection used to receive signals.
type SignalSource interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	// NameOwner returns the unique connection name which currently owns name.
	NameOwner(ctx context.Context, name string) (string, error)
}

// busConn adapts a bus connection to SignalSource.
type busConn struct {
	*dbus.Conn
}

func (b busConn) NameOwner(ctx context.Context, name string) (string, error) {
	var owner string
	err := b.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetNameOwner", 0, name).Store(&owner)
	return owner, err
}

// Opts configures a Client.
type Opts struct {
	// HTTPClient is used to fetch firmware and metadata. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// CacheDir is where fetched files are kept. Defaults to cache.DefaultRoot().
	CacheDir string
	// Reason is passed to the daemon when installing. Defaults to "(user)".
	Reason string
}

// Client talks to the fwupd daemon.
// It is safe for concurrent use; in particular a SignalStream may be consumed
// on one goroutine while another issues calls.
type Client struct {
	obj    Object
	sigs   SignalSource
	http   *http.Client
	cache  *cache.Store
	reason string

	uaMu sync.Mutex
	ua   atomic.Pointer[string]
}

// Dial connects to the daemon on the system bus.
func Dial(opts Opts) (*Client, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("unable to establish dbus connection: %w", err)
	}
	return NewClient(conn.Object(DBusName, DBusPath), busConn{conn}, opts)
}

// NewClient creates a Client which calls obj and listens for signals on sigs.
// sigs may be nil if Listen will not be used.
func NewClient(obj Object, sigs SignalSource, opts Opts) (*Client, error) {
	c := &Client{
		obj:    obj,
		sigs:   sigs,
		http:   opts.HTTPClient,
		reason: opts.Reason,
	}
	if c.http == nil {
		c.http = http.DefaultClient
	}
	if c.reason == "" {
		c.reason = defaultReason
	}
	dir := opts.CacheDir
	if dir == "" {
		var err error
		if dir, err = cache.DefaultRoot(); err != nil {
			return nil, err
		}
	}
	c.cache = cache.New(dir)
	return c, nil
}

// Cache returns the store fetched files are kept in.
func (c *Client) Cache() *cache.Store {
	return c.cache
}

// Activate activates a firmware update on the device.
func (c *Client) Activate(ctx context.Context, deviceID string) error {
	return c.action(ctx, "Activate", deviceID)
}

// ClearResults clears the results of an offline update.
func (c *Client) ClearResults(ctx context.Context, deviceID string) error {
	return c.action(ctx, "ClearResults", deviceID)
}

// Unlock unlocks the device to allow firmware access.
func (c *Client) Unlock(ctx context.Context, deviceID string) error {
	return c.action(ctx, "Unlock", deviceID)
}

// Verify verifies firmware on a device by reading it back and hashing it.
func (c *Client) Verify(ctx context.Context, deviceID string) error {
	return c.action(ctx, "Verify", deviceID)
}

// VerifyUpdate updates the cryptographic hash stored for a device.
func (c *Client) VerifyUpdate(ctx context.Context, deviceID string) error {
	return c.action(ctx, "VerifyUpdate", deviceID)
}

// ModifyDevice sets a key on a device.
func (c *Client) ModifyDevice(ctx context.Context, deviceID, key, value string) error {
	_, err := c.call(ctx, "ModifyDevice", deviceID, key, value)
	return err
}

// ModifyRemote sets a key on a remote.
func (c *Client) ModifyRemote(ctx context.Context, remoteID, key, value string) error {
	_, err := c.call(ctx, "ModifyRemote", remoteID, key, value)
	return err
}

// Ping checks that the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if call := c.obj.CallWithContext(ctx, peerPing, 0); call.Err != nil {
		return &CallError{Method: "Ping", Err: call.Err}
	}
	return nil
}

// Devices returns all devices the daemon supports.
func (c *Client) Devices(ctx context.Context) ([]api.Device, error) {
	return decodeAll(ctx, c, "GetDevices", api.DecodeDevice)
}

// Details returns the devices and releases described by a local firmware archive.
func (c *Client) Details(ctx context.Context, f *os.File) ([]api.Device, error) {
	return decodeAll(ctx, c, "GetDetails", api.DecodeDevice, dbus.UnixFD(f.Fd()))
}

// History returns the devices which have had firmware updates applied.
func (c *Client) History(ctx context.Context) ([]api.Device, error) {
	return decodeAll(ctx, c, "GetHistory", api.DecodeDevice)
}

// Releases returns all releases for a device.
func (c *Client) Releases(ctx context.Context, deviceID string) ([]api.Release, error) {
	return decodeAll(ctx, c, "GetReleases", api.DecodeRelease, deviceID)
}

// Upgrades returns the releases newer than the device's current firmware.
func (c *Client) Upgrades(ctx context.Context, deviceID string) ([]api.Release, error) {
	return decodeAll(ctx, c, "GetUpgrades", api.DecodeRelease, deviceID)
}

// Downgrades returns the releases older than the device's current firmware.
func (c *Client) Downgrades(ctx context.Context, deviceID string) ([]api.Release, error) {
	return decodeAll(ctx, c, "GetDowngrades", api.DecodeRelease, deviceID)
}

// Remotes returns the configured remotes.
func (c *Client) Remotes(ctx context.Context) ([]api.Remote, error) {
	return decodeAll(ctx, c, "GetRemotes", api.DecodeRemote)
}

// Remote returns the remote with the given ID, or an error wrapping ErrRemoteNotFound.
func (c *Client) Remote(ctx context.Context, remoteID string) (api.Remote, error) {
	remotes, err := c.Remotes(ctx)
	if err != nil {
		return api.Remote{}, err
	}
	for _, r := range remotes {
		if r.ID == remoteID {
			return r, nil
		}
	}
	return api.Remote{}, fmt.Errorf("%q: %w", remoteID, ErrRemoteNotFound)
}

// Results returns the results of an offline update, or nil if the daemon
// has none for the device.
func (c *Client) Results(ctx context.Context, deviceID string) (*api.Device, error) {
	const method = "GetResults"
	call, err := c.call(ctx, method, deviceID)
	if err != nil {
		return nil, err
	}
	var dict api.Dict
	if err := call.Store(&dict); err != nil {
		return nil, &ArgumentMismatchError{Method: method, Err: err}
	}
	if len(dict) == 0 {
		return nil, nil
	}
	d, err := api.DecodeDevice(dict)
	if err != nil {
		return nil, &ArgumentMismatchError{Method: method, Err: err}
	}
	return &d, nil
}

// UpdateMetadata hands a remote's metadata and its detached signature to the daemon.
func (c *Client) UpdateMetadata(ctx context.Context, remoteID string, data, signature *os.File) error {
	_, err := c.call(ctx, "UpdateMetadata", remoteID, dbus.UnixFD(data.Fd()), dbus.UnixFD(signature.Fd()))
	return err
}

// DaemonVersion returns the version of the daemon.
func (c *Client) DaemonVersion() (string, error) {
	const prop = "DaemonVersion"
	v, err := c.property(prop)
	if err != nil {
		return "", err
	}
	s, ok := v.Value().(string)
	if !ok {
		return "", propertyMismatch(prop, "string", v)
	}
	return s, nil
}

// Status returns what the daemon is currently doing.
func (c *Client) Status() (api.Status, error) {
	const prop = "Status"
	v, err := c.property(prop)
	if err != nil {
		return api.StatusUnknown, err
	}
	n, ok := v.Value().(uint32)
	if !ok {
		return api.StatusUnknown, propertyMismatch(prop, "uint32", v)
	}
	return api.StatusFromWire(n), nil
}

// Percentage returns the completion of the current job, or 0 if unknown.
func (c *Client) Percentage() (uint8, error) {
	const prop = "Percentage"
	v, err := c.property(prop)
	if err != nil {
		return 0, err
	}
	n, ok := v.Value().(uint32)
	if !ok || n > 100 {
		return 0, propertyMismatch(prop, "uint32 percentage", v)
	}
	return uint8(n), nil
}

// Tainted returns true if the daemon has loaded a third party plugin.
func (c *Client) Tainted() (bool, error) {
	const prop = "Tainted"
	v, err := c.property(prop)
	if err != nil {
		return false, err
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, propertyMismatch(prop, "boolean", v)
	}
	return b, nil
}

// userAgent returns the User-Agent sent with HTTP requests. It is built from
// the daemon version on first use and cached.
func (c *Client) userAgent() (string, error) {
	if ua := c.ua.Load(); ua != nil {
		return *ua, nil
	}
	c.uaMu.Lock()
	defer c.uaMu.Unlock()
	if ua := c.ua.Load(); ua != nil {
		return *ua, nil
	}
	v, err := c.DaemonVersion()
	if err != nil {
		return "", err
	}
	ua := "fwupd/" + v
	c.ua.Store(&ua)
	return ua, nil
}

func (c *Client) action(ctx context.Context, method, deviceID string) error {
	_, err := c.call(ctx, method, deviceID)
	return err
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) (*dbus.Call, error) {
	glog.V(2).Infof("calling %s", method)
	call := c.obj.CallWithContext(ctx, DBusIface+"."+method, 0, args...)
	if call.Err != nil {
		return nil, &CallError{Method: method, Err: call.Err}
	}
	return call, nil
}

func (c *Client) property(name string) (dbus.Variant, error) {
	v, err := c.obj.GetProperty(DBusIface + "." + name)
	if err != nil {
		return dbus.Variant{}, &CallError{Method: "Get " + name, Err: err}
	}
	return v, nil
}

func propertyMismatch(name, want string, v dbus.Variant) error {
	return &ArgumentMismatchError{
		Method: "Get " + name,
		Err:    &api.DecodeError{Key: name, Want: want, Got: v.Signature().String()},
	}
}

// decodeAll calls a method returning aa{sv} and decodes each dictionary.
func decodeAll[T any](ctx context.Context, c *Client, method string, decode func(api.Dict) (T, error), args ...interface{}) ([]T, error) {
	call, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	var dicts []api.Dict
	if err := call.Store(&dicts); err != nil {
		return nil, &ArgumentMismatchError{Method: method, Err: err}
	}
	out := make([]T, 0, len(dicts))
	for _, d := range dicts {
		v, err := decode(d)
		if err != nil {
			return nil, &ArgumentMismatchError{Method: method, Err: err}
		}
		out = append(out, v)
	}
	return out, nil
}
