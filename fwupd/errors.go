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
	"errors"
	"fmt"
)

var (
	// ErrFirmwareChecksumMismatch is returned when downloaded firmware does not
	// match the release's checksum. This points at a corrupted or compromised
	// mirror rather than a connectivity problem.
	ErrFirmwareChecksumMismatch = errors.New("the remote firmware which was downloaded has an invalid checksum")
	// ErrReleaseWithoutChecksums is returned when a release has no checksum
	// strong enough to validate firmware with.
	ErrReleaseWithoutChecksums = errors.New("release does not have any checksums to validate firmware with")
	// ErrRemoteNotFound is returned when no configured remote has the requested ID.
	ErrRemoteNotFound = errors.New("remote not found")
	// ErrRemoteDisabled is returned when firmware is requested from a disabled remote.
	ErrRemoteDisabled = errors.New("remote is disabled")
)

// CallError is returned when a method call or property read on the daemon fails.
type CallError struct {
	Method string
	Err    error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("calling %s method failed: %v", e.Method, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// ArgumentMismatchError is returned when a reply from the daemon does not have
// the expected shape.
type ArgumentMismatchError struct {
	Method string
	Err    error
}

func (e *ArgumentMismatchError) Error() string {
	return fmt.Sprintf("argument mismatch in %s method: %v", e.Method, e.Err)
}

func (e *ArgumentMismatchError) Unwrap() error { return e.Err }

// FetchError is returned when an HTTP fetch fails, either in transport or
// with a non-success status.
type FetchError struct {
	URI string
	// StatusCode is set when the server responded with a non-2xx status.
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("failed to GET %s: HTTP status %d", e.URI, e.StatusCode)
	}
	return fmt.Sprintf("failed to GET %s: %v", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }
