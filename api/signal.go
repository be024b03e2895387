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
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/golang/glog"
)

// Request is a prompt asking the user to interact with a device.
type Request struct {
	AppstreamID string
	DeviceID    string
	// Created is a UNIX timestamp.
	Created       uint64
	Plugin        string
	Kind          uint32
	UpdateMessage string
}

// DecodeRequest builds a Request from the daemon's dictionary representation.
func DecodeRequest(dict Dict) (Request, error) {
	var r Request
	for key, v := range dict {
		var err error
		switch key {
		case "AppstreamId":
			r.AppstreamID, err = str(key, v)
		case "DeviceId":
			r.DeviceID, err = str(key, v)
		case "Created":
			r.Created, err = u64(key, v)
		case "Plugin":
			r.Plugin, err = str(key, v)
		case "RequestKind":
			r.Kind, err = u32(key, v)
		case "UpdateMessage":
			r.UpdateMessage, err = str(key, v)
		default:
			glog.V(2).Infof("unknown request key: %s (%s)", key, v.Signature())
		}
		if err != nil {
			return Request{}, err
		}
	}
	return r, nil
}

// Signal is an asynchronous notification from the daemon.
// The concrete type is one of Changed, DeviceAdded, DeviceChanged,
// DeviceRemoved, DeviceRequest or PropertiesChanged.
type Signal interface {
	fmt.Stringer
	isSignal()
}

// Changed is sent when some value on the interface, or the set of devices, has changed.
type Changed struct{}

// DeviceAdded is sent when a device has been added.
type DeviceAdded struct{ Device Device }

// DeviceChanged is sent when a device has changed.
type DeviceChanged struct{ Device Device }

// DeviceRemoved is sent when a device has been removed.
type DeviceRemoved struct{ Device Device }

// DeviceRequest is sent when the daemon needs the user to act on a device.
type DeviceRequest struct{ Request Request }

// PropertiesChanged is sent when daemon properties change.
type PropertiesChanged struct {
	Interface   string
	Changed     map[string]dbus.Variant
	Invalidated []string
}

func (Changed) isSignal()           {}
func (DeviceAdded) isSignal()       {}
func (DeviceChanged) isSignal()     {}
func (DeviceRemoved) isSignal()     {}
func (DeviceRequest) isSignal()     {}
func (PropertiesChanged) isSignal() {}

func (Changed) String() string { return "changed" }

func (s DeviceAdded) String() string { return fmt.Sprintf("device added: %s", s.Device) }

func (s DeviceChanged) String() string { return fmt.Sprintf("device changed: %s", s.Device) }

func (s DeviceRemoved) String() string { return fmt.Sprintf("device removed: %s", s.Device) }

func (s DeviceRequest) String() string {
	return fmt.Sprintf("device request from %s: %s", s.Request.Plugin, s.Request.UpdateMessage)
}

func (s PropertiesChanged) String() string {
	return fmt.Sprintf("properties of %s changed: %d changed, %d invalidated", s.Interface, len(s.Changed), len(s.Invalidated))
}
