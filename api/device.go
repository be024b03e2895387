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

// Package api contains the types exchanged with the fwupd daemon, along with
// the decoders which build them from the daemon's a{sv} dictionaries.
package api

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/golang/glog"
)

// DeviceFlags describes attributes of a device.
// The bit layout mirrors the daemon's own constants and must not be reordered.
type DeviceFlags uint64

const (
	// DeviceInternal is set for devices which cannot be removed easily.
	DeviceInternal DeviceFlags = 1 << iota
	// DeviceUpdatable is set when the device is updatable in this or any other mode.
	DeviceUpdatable
	// DeviceOnlyOffline is set when updates can only be done from offline mode.
	DeviceOnlyOffline
	DeviceRequireAC
	// DeviceLocked is set when the device is locked and can be unlocked.
	DeviceLocked
	// DeviceSupported is set when the device is found in current metadata.
	DeviceSupported
	DeviceNeedsBootloader
	DeviceRegistered
	// DeviceNeedsReboot is set when a reboot is needed to apply firmware.
	DeviceNeedsReboot
	DeviceReported
	DeviceNotified
	DeviceUseRuntimeVersion
	DeviceInstallParentFirst
	DeviceIsBootloader
	DeviceWaitForReplug
	DeviceIgnoreValidation
	DeviceTrusted
	DeviceNeedsShutdown
	DeviceAnotherWriteRequired
	DeviceNoAutoInstanceIDs
	DeviceNeedsActivation
	DeviceEnsureSemver
)

// Has returns true if all of the bits in f are set.
func (d DeviceFlags) Has(f DeviceFlags) bool {
	return d&f == f
}

// UpdateState describes the state of the last update on a device.
type UpdateState uint8

const (
	UpdateStateUnknown UpdateState = iota
	UpdateStatePending
	UpdateStateSuccess
	UpdateStateFailed
	UpdateStateNeedsReboot
	UpdateStateFailedTransient
)

var updateStateNames = []string{"unknown", "pending", "success", "failed", "needs-reboot", "failed-transient"}

// UpdateStateFromWire converts the daemon's value, mapping unknown values to UpdateStateUnknown.
func UpdateStateFromWire(v uint64) UpdateState {
	if v > uint64(UpdateStateFailedTransient) {
		return UpdateStateUnknown
	}
	return UpdateState(v)
}

func (s UpdateState) String() string {
	if int(s) < len(updateStateNames) {
		return updateStateNames[s]
	}
	return fmt.Sprintf("UpdateState(%d)", uint8(s))
}

// VersionFormat describes how the device version string should be interpreted.
type VersionFormat uint8

const (
	VersionFormatUnknown VersionFormat = iota
	VersionFormatPlain
	VersionFormatNumber
	VersionFormatPair
	VersionFormatTriplet
	VersionFormatQuad
	VersionFormatBCD
	VersionFormatIntelME
	VersionFormatIntelME2
)

// Device is a piece of hardware which is potentially supported by the daemon.
// A Device is a value built fresh from each query; zero values mean the daemon
// did not supply the field.
type Device struct {
	// ID is the stable identifier the daemon uses for this device.
	ID string
	// ParentID is the ID of the parent device, if any.
	ParentID string

	Name        string
	Summary     string
	Description string
	Vendor      string
	VendorID    string
	Plugin      string
	Serial      string

	Flags       DeviceFlags
	UpdateState UpdateState
	// UpdateError holds the reason for the last failed update.
	UpdateError   string
	UpdateMessage string

	Version           string
	VersionLowest     string
	VersionBootloader string
	VersionFormat     VersionFormat

	Checksums   []string
	GUIDs       []string
	Icons       []string
	InstanceIDs []string

	// Created and Modified are UNIX timestamps.
	Created         uint64
	Modified        uint64
	FlashesLeft     uint32
	InstallDuration uint32
}

// IsUpdatable returns true if the device can be updated in this or any other mode.
func (d Device) IsUpdatable() bool { return d.Flags.Has(DeviceUpdatable) }

// NeedsReboot returns true if the device requires a reboot to apply firmware.
func (d Device) NeedsReboot() bool { return d.Flags.Has(DeviceNeedsReboot) }

// OnlyOffline returns true if the device must be updated offline.
func (d Device) OnlyOffline() bool { return d.Flags.Has(DeviceOnlyOffline) }

// IsLocked returns true if the device is locked and must be unlocked before use.
func (d Device) IsLocked() bool { return d.Flags.Has(DeviceLocked) }

// IsSupported returns true if the device is found in current metadata.
func (d Device) IsSupported() bool { return d.Flags.Has(DeviceSupported) }

// HasGUID returns true if the device carries the given GUID.
func (d Device) HasGUID(guid string) bool {
	for _, g := range d.GUIDs {
		if g == guid {
			return true
		}
	}
	return false
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.ID)
}

// DecodeDevice builds a Device from the daemon's dictionary representation.
func DecodeDevice(dict Dict) (Device, error) {
	var d Device
	for k, v := range dict {
		if err := d.set(k, v); err != nil {
			return Device{}, err
		}
	}
	return d, nil
}

func (d *Device) set(key string, v dbus.Variant) error {
	var err error
	var n uint64
	switch key {
	case "DeviceId":
		d.ID, err = str(key, v)
	case "ParentDeviceId":
		d.ParentID, err = str(key, v)
	case "Name":
		d.Name, err = str(key, v)
	case "Summary":
		d.Summary, err = str(key, v)
	case "Description":
		d.Description, err = str(key, v)
	case "Vendor":
		d.Vendor, err = str(key, v)
	case "VendorId":
		d.VendorID, err = str(key, v)
	case "Plugin":
		d.Plugin, err = str(key, v)
	case "Serial":
		d.Serial, err = str(key, v)
	case "UpdateError":
		d.UpdateError, err = str(key, v)
	case "UpdateMessage":
		d.UpdateMessage, err = str(key, v)
	case "Version":
		d.Version, err = str(key, v)
	case "VersionLowest":
		d.VersionLowest, err = str(key, v)
	case "VersionBootloader":
		d.VersionBootloader, err = str(key, v)
	case "Checksum":
		d.Checksums, err = strOrStrs(key, v)
	case "Guid":
		d.GUIDs, err = strs(key, v)
	case "Icon":
		d.Icons, err = strs(key, v)
	case "InstanceIds":
		d.InstanceIDs, err = strs(key, v)
	case "Flags":
		n, err = u64(key, v)
		d.Flags = DeviceFlags(n)
	case "UpdateState":
		n, err = u64(key, v)
		d.UpdateState = UpdateStateFromWire(n)
	case "VersionFormat":
		n, err = u64(key, v)
		if n > uint64(VersionFormatIntelME2) {
			n = uint64(VersionFormatUnknown)
		}
		d.VersionFormat = VersionFormat(n)
	case "Created":
		d.Created, err = u64(key, v)
	case "Modified":
		d.Modified, err = u64(key, v)
	case "FlashesLeft":
		d.FlashesLeft, err = u32(key, v)
	case "InstallDuration":
		d.InstallDuration, err = u32(key, v)
	default:
		glog.V(2).Infof("unknown device key: %s (%s)", key, v.Signature())
	}
	return err
}
