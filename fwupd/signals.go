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
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/golang/glog"
	"github.com/google/fwupd-client/api"
)

const (
	propertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"
	busName           = "org.freedesktop.DBus"
	nameOwnerChanged  = busName + ".NameOwnerChanged"
	signalBuffer      = 16
)

// SignalStream yields the daemon's notifications in the order they arrive.
type SignalStream struct {
	ctx     context.Context
	src     SignalSource
	ch      chan *dbus.Signal
	matches [][]dbus.MatchOption
	once    sync.Once

	// owner is the unique name of the daemon's connection. The connection
	// delivers every signal it receives to every channel, so anything else
	// is dropped.
	owner string
}

// Listen subscribes to the daemon's notifications. The stream ends when ctx
// is done; Close must be called to unsubscribe.
func (c *Client) Listen(ctx context.Context) (*SignalStream, error) {
	if c.sigs == nil {
		return nil, errors.New("client has no signal source")
	}
	owner, err := c.sigs.NameOwner(ctx, DBusName)
	if err != nil {
		return nil, &CallError{Method: "GetNameOwner", Err: err}
	}
	s := &SignalStream{
		ctx:   ctx,
		src:   c.sigs,
		ch:    make(chan *dbus.Signal, signalBuffer),
		owner: owner,
	}
	for _, match := range [][]dbus.MatchOption{
		{dbus.WithMatchSender(DBusName), dbus.WithMatchObjectPath(DBusPath)},
		// The daemon exits when idle and is restarted on demand under a new name.
		{dbus.WithMatchSender(busName), dbus.WithMatchInterface(busName), dbus.WithMatchMember("NameOwnerChanged"), dbus.WithMatchArg(0, DBusName)},
	} {
		if err := c.sigs.AddMatchSignal(match...); err != nil {
			s.removeMatches()
			return nil, &CallError{Method: "AddMatch", Err: err}
		}
		s.matches = append(s.matches, match)
	}
	c.sigs.Signal(s.ch)
	return s, nil
}

// Next blocks until a notification arrives and returns it. It returns false
// once the stream's context is done or the connection has closed.
//
// Notifications with an unknown member are skipped. Notifications which
// cannot be decoded are logged and skipped.
func (s *SignalStream) Next() (api.Signal, bool) {
	for {
		if s.ctx.Err() != nil {
			return nil, false
		}
		select {
		case <-s.ctx.Done():
			return nil, false
		case raw, ok := <-s.ch:
			if !ok {
				return nil, false
			}
			if raw.Name == nameOwnerChanged && raw.Sender == busName {
				s.followOwner(raw)
				continue
			}
			if raw.Sender != s.owner || raw.Path != DBusPath {
				continue
			}
			sig, err := decodeSignal(raw)
			if err != nil {
				glog.Warningf("Dropping %s notification: %v", raw.Name, err)
				continue
			}
			if sig == nil {
				continue
			}
			return sig, true
		}
	}
}

func (s *SignalStream) followOwner(raw *dbus.Signal) {
	var name, from, to string
	if err := dbus.Store(raw.Body, &name, &from, &to); err != nil {
		glog.Warningf("Dropping %s notification: %v", raw.Name, err)
		return
	}
	if name != DBusName {
		return
	}
	glog.V(1).Infof("%s owner changed from %q to %q", DBusName, from, to)
	s.owner = to
}

// Close unsubscribes from notifications. It is safe to call more than once.
func (s *SignalStream) Close() error {
	var err error
	s.once.Do(func() {
		s.src.RemoveSignal(s.ch)
		err = s.removeMatches()
	})
	return err
}

func (s *SignalStream) removeMatches() error {
	var err error
	for _, match := range s.matches {
		if rerr := s.src.RemoveMatchSignal(match...); rerr != nil && err == nil {
			err = &CallError{Method: "RemoveMatch", Err: rerr}
		}
	}
	s.matches = nil
	return err
}

// decodeSignal returns nil, nil for notifications it does not know about.
func decodeSignal(raw *dbus.Signal) (api.Signal, error) {
	switch raw.Name {
	case DBusIface + ".Changed":
		return api.Changed{}, nil
	case DBusIface + ".DeviceAdded":
		d, err := decodeDeviceBody(raw.Body)
		return api.DeviceAdded{Device: d}, err
	case DBusIface + ".DeviceChanged":
		d, err := decodeDeviceBody(raw.Body)
		return api.DeviceChanged{Device: d}, err
	case DBusIface + ".DeviceRemoved":
		d, err := decodeDeviceBody(raw.Body)
		return api.DeviceRemoved{Device: d}, err
	case DBusIface + ".DeviceRequest":
		var dict api.Dict
		if err := dbus.Store(raw.Body, &dict); err != nil {
			return nil, err
		}
		r, err := api.DecodeRequest(dict)
		if err != nil {
			return nil, err
		}
		return api.DeviceRequest{Request: r}, nil
	case propertiesChanged:
		var p api.PropertiesChanged
		if err := dbus.Store(raw.Body, &p.Interface, &p.Changed, &p.Invalidated); err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, nil
}

func decodeDeviceBody(body []interface{}) (api.Device, error) {
	var dict api.Dict
	if err := dbus.Store(body, &dict); err != nil {
		return api.Device{}, err
	}
	d, err := api.DecodeDevice(dict)
	if err != nil {
		return api.Device{}, fmt.Errorf("decoding device: %w", err)
	}
	return d, nil
}
