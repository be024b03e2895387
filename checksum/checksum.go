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

// Package checksum selects and verifies the digests which firmware releases
// are published with.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Kind is a digest algorithm.
type Kind int

const (
	MD5 Kind = iota
	SHA1
	SHA256
	SHA512
)

func (k Kind) String() string {
	switch k {
	case MD5:
		return "MD5"
	case SHA1:
		return "SHA1"
	case SHA256:
		return "SHA256"
	case SHA512:
		return "SHA512"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func (k Kind) newHash() hash.Hash {
	switch k {
	case MD5:
		return md5.New()
	case SHA256:
		return sha256.New()
	case SHA512:
		return sha512.New()
	}
	return sha1.New()
}

// preferred lists the kinds which may be trusted, strongest first.
// MD5 is recognised by GuessKind but never selected.
var preferred = []Kind{SHA512, SHA256, SHA1}

// GuessKind infers the digest algorithm from the length of a hex checksum.
// The text is not checked for being valid hex.
func GuessKind(checksum string) Kind {
	switch len(checksum) {
	case 32:
		return MD5
	case 40:
		return SHA1
	case 64:
		return SHA256
	case 128:
		return SHA512
	}
	return SHA1
}

// FindBest returns the checksum using the strongest trusted algorithm.
// It returns false if only MD5 or unrecognised checksums are present.
func FindBest(checksums []string) (string, Kind, bool) {
	for _, k := range preferred {
		for _, c := range checksums {
			if !recognised(c) {
				continue
			}
			if GuessKind(c) == k {
				return c, k, true
			}
		}
	}
	return "", SHA1, false
}

// recognised excludes entries whose length only defaults to SHA1.
func recognised(c string) bool {
	switch len(c) {
	case 40, 64, 128:
		return true
	}
	return false
}

// Sum streams r to its end and returns the lowercase hex digest.
func Sum(r io.Reader, k Kind) (string, error) {
	h := k.newHash()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify streams r to its end and reports whether its digest matches expected.
// Hex case is ignored.
func Verify(r io.Reader, expected string, k Kind) (bool, error) {
	got, err := Sum(r, k)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(got, expected), nil
}
