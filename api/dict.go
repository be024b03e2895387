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
	"math"

	"github.com/godbus/dbus/v5"
)

// Dict is the a{sv} dictionary the daemon uses to describe devices, releases,
// remotes and requests.
type Dict = map[string]dbus.Variant

// DecodeError is returned when a dictionary entry does not have the wire type
// expected for its key.
type DecodeError struct {
	Key string
	// Want is a human readable description of the expected type.
	Want string
	// Got is the D-Bus signature of the value which was found.
	Got string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("expected %s for %s, found %s", e.Want, e.Key, e.Got)
}

func mismatch(key, want string, v dbus.Variant) error {
	return &DecodeError{Key: key, Want: want, Got: v.Signature().String()}
}

func str(key string, v dbus.Variant) (string, error) {
	s, ok := v.Value().(string)
	if !ok {
		return "", mismatch(key, "string", v)
	}
	return s, nil
}

// u64 accepts any of the integer types the daemon is known to send for
// counters, flags and enums.
func u64(key string, v dbus.Variant) (uint64, error) {
	switch n := v.Value().(type) {
	case byte:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	case int16:
		if n >= 0 {
			return uint64(n), nil
		}
	case int32:
		if n >= 0 {
			return uint64(n), nil
		}
	case int64:
		if n >= 0 {
			return uint64(n), nil
		}
	}
	return 0, mismatch(key, "unsigned integer", v)
}

func u32(key string, v dbus.Variant) (uint32, error) {
	n, err := u64(key, v)
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint32 {
		return 0, mismatch(key, "uint32", v)
	}
	return uint32(n), nil
}

func i16(key string, v dbus.Variant) (int16, error) {
	n, err := i64(key, v)
	if err != nil {
		return 0, err
	}
	if n < math.MinInt16 || n > math.MaxInt16 {
		return 0, mismatch(key, "int16", v)
	}
	return int16(n), nil
}

func i64(key string, v dbus.Variant) (int64, error) {
	switch n := v.Value().(type) {
	case byte:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case int64:
		return n, nil
	}
	return 0, mismatch(key, "integer", v)
}

func boolean(key string, v dbus.Variant) (bool, error) {
	if b, ok := v.Value().(bool); ok {
		return b, nil
	}
	// Older daemons send Enabled as an integer.
	n, err := u64(key, v)
	if err != nil {
		return false, mismatch(key, "boolean", v)
	}
	return n != 0, nil
}

func strs(key string, v dbus.Variant) ([]string, error) {
	switch s := v.Value().(type) {
	case []string:
		return append([]string(nil), s...), nil
	case []interface{}:
		r := make([]string, 0, len(s))
		for _, e := range s {
			es, ok := e.(string)
			if !ok {
				return nil, mismatch(key, "string array", v)
			}
			r = append(r, es)
		}
		return r, nil
	}
	return nil, mismatch(key, "string array", v)
}

// strOrStrs accepts either a single string or an array of strings.
func strOrStrs(key string, v dbus.Variant) ([]string, error) {
	if s, ok := v.Value().(string); ok {
		return []string{s}, nil
	}
	return strs(key, v)
}
