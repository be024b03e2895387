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
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/golang/mock/gomock"
	"github.com/google/fwupd-client/api"
	"github.com/google/fwupd-client/fwupd"
	"github.com/google/go-cmp/cmp"
)

const daemonOwner = ":1.42"

// fakeBus delivers queued signals to registered channels.
type fakeBus struct {
	mu      sync.Mutex
	matches int
	chans   []chan<- *dbus.Signal
}

func (b *fakeBus) AddMatchSignal(...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matches++
	return nil
}

func (b *fakeBus) RemoveMatchSignal(...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.matches--
	return nil
}

func (b *fakeBus) Signal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chans = append(b.chans, ch)
}

func (b *fakeBus) RemoveSignal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.chans {
		if c == ch {
			b.chans = append(b.chans[:i], b.chans[i+1:]...)
			return
		}
	}
}

func (b *fakeBus) NameOwner(_ context.Context, name string) (string, error) {
	if name != fwupd.DBusName {
		return "", fmt.Errorf("no owner for %s", name)
	}
	return daemonOwner, nil
}

func (b *fakeBus) emit(sigs ...*dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range sigs {
		for _, c := range b.chans {
			c <- s
		}
	}
}

func raw(member string, body ...interface{}) *dbus.Signal {
	return &dbus.Signal{
		Sender: daemonOwner,
		Path:   fwupd.DBusPath,
		Name:   fwupd.DBusIface + "." + member,
		Body:   body,
	}
}

func deviceDict(id string) map[string]dbus.Variant {
	return map[string]dbus.Variant{"DeviceId": dbus.MakeVariant(id)}
}

func listen(ctx context.Context, t *testing.T, bus *fakeBus) *fwupd.SignalStream {
	t.Helper()
	ctrl := gomock.NewController(t)
	c := newClient(t, NewMockObject(ctrl), bus)
	s, err := c.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen(): %v", err)
	}
	return s
}

func TestSignalStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := &fakeBus{}
	s := listen(ctx, t, bus)
	defer s.Close()

	otherPath := raw("Changed")
	otherPath.Path = "/org/freedesktop/other"
	otherSender := raw("Changed")
	otherSender.Sender = ":1.99"

	bus.emit(
		&dbus.Signal{
			Sender: ":1.99",
			Path:   fwupd.DBusPath,
			Name:   "org.freedesktop.DBus.Properties.PropertiesChanged",
			Body: []interface{}{
				"org.example.Other",
				map[string]dbus.Variant{"Enabled": dbus.MakeVariant(true)},
				[]string{},
			},
		},
		raw("DeviceAdded", deviceDict("a")),
		otherSender,
		raw("SomethingNew", "ignored"),
		raw("Changed"),
		raw("DeviceChanged", map[string]dbus.Variant{"DeviceId": dbus.MakeVariant(uint32(7))}),
		otherPath,
		raw("DeviceRequest", map[string]dbus.Variant{
			"DeviceId":      dbus.MakeVariant("b"),
			"RequestKind":   dbus.MakeVariant(uint32(1)),
			"UpdateMessage": dbus.MakeVariant("Unplug the dock"),
		}),
		&dbus.Signal{
			Sender: daemonOwner,
			Path:   fwupd.DBusPath,
			Name:   "org.freedesktop.DBus.Properties.PropertiesChanged",
			Body: []interface{}{
				fwupd.DBusIface,
				map[string]dbus.Variant{"Percentage": dbus.MakeVariant(uint32(50))},
				[]string{"Status"},
			},
		},
		raw("DeviceRemoved", deviceDict("a")),
	)

	var got []string
	for i := 0; i < 5; i++ {
		sig, ok := s.Next()
		if !ok {
			t.Fatalf("Next() ended after %d signals", i)
		}
		got = append(got, sig.String())
	}
	want := []string{
		api.DeviceAdded{Device: api.Device{ID: "a"}}.String(),
		api.Changed{}.String(),
		api.DeviceRequest{Request: api.Request{DeviceID: "b", Kind: 1, UpdateMessage: "Unplug the dock"}}.String(),
		"properties of org.freedesktop.fwupd changed: 1 changed, 1 invalidated",
		api.DeviceRemoved{Device: api.Device{ID: "a"}}.String(),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("signals diff (-want +got):\n%s", diff)
	}
}

func TestSignalStreamDecodes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := &fakeBus{}
	s := listen(ctx, t, bus)
	defer s.Close()

	bus.emit(raw("DeviceAdded", map[string]dbus.Variant{
		"DeviceId": dbus.MakeVariant("a"),
		"Flags":    dbus.MakeVariant(uint64(api.DeviceUpdatable)),
	}))
	sig, ok := s.Next()
	if !ok {
		t.Fatal("Next() ended")
	}
	added, isAdded := sig.(api.DeviceAdded)
	if !isAdded {
		t.Fatalf("Next() = %T, want api.DeviceAdded", sig)
	}
	if !added.Device.IsUpdatable() || added.Device.ID != "a" {
		t.Errorf("Next() = %+v", added.Device)
	}
}

func TestSignalStreamCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := &fakeBus{}
	s := listen(ctx, t, bus)

	bus.emit(raw("Changed"))
	if _, ok := s.Next(); !ok {
		t.Fatal("Next() ended before cancellation")
	}

	// Queued signals are not delivered once cancelled.
	bus.emit(raw("Changed"))
	cancel()
	if sig, ok := s.Next(); ok {
		t.Errorf("Next() after cancel = %v, want end of stream", sig)
	}

	// A blocked Next is released by cancellation.
	ctx2, cancel2 := context.WithCancel(context.Background())
	s2 := listen(ctx2, t, bus)
	done := make(chan bool)
	go func() {
		_, ok := s2.Next()
		done <- ok
	}()
	time.Sleep(10 * time.Millisecond)
	cancel2()
	select {
	case ok := <-done:
		if ok {
			t.Error("blocked Next() returned a signal after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked Next() not released by cancel")
	}

	for _, st := range []*fwupd.SignalStream{s, s2} {
		if err := st.Close(); err != nil {
			t.Errorf("Close(): %v", err)
		}
		if err := st.Close(); err != nil {
			t.Errorf("second Close(): %v", err)
		}
	}
	if bus.matches != 0 || len(bus.chans) != 0 {
		t.Errorf("after Close: %d match rules and %d channels remain", bus.matches, len(bus.chans))
	}
}

func TestSignalStreamOwnerChanged(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := &fakeBus{}
	s := listen(ctx, t, bus)
	defer s.Close()

	ownerChanged := func(name, from, to string) *dbus.Signal {
		return &dbus.Signal{
			Sender: "org.freedesktop.DBus",
			Path:   "/org/freedesktop/DBus",
			Name:   "org.freedesktop.DBus.NameOwnerChanged",
			Body:   []interface{}{name, from, to},
		}
	}
	restarted := raw("DeviceAdded", deviceDict("new"))
	restarted.Sender = ":1.50"

	bus.emit(
		ownerChanged("org.example.Other", "", ":1.99"),
		ownerChanged(fwupd.DBusName, daemonOwner, ""),
		ownerChanged(fwupd.DBusName, "", ":1.50"),
		raw("DeviceAdded", deviceDict("old")),
		restarted,
	)
	sig, ok := s.Next()
	if !ok {
		t.Fatal("Next() ended")
	}
	if diff := cmp.Diff(api.DeviceAdded{Device: api.Device{ID: "new"}}.String(), sig.String()); diff != "" {
		t.Errorf("Next() diff (-want +got):\n%s", diff)
	}
}
