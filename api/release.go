package api

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/golang/glog"
	"golang.org/x/mod/semver"
)

// ReleaseFlags describes a release relative to the device it is offered for.
type ReleaseFlags uint64

const (
	ReleaseTrustedPayload ReleaseFlags = 1 << iota
	ReleaseTrustedMetadata
	ReleaseIsUpgrade
	ReleaseIsDowngrade
	ReleaseBlockedVersion
	ReleaseBlockedApproval
)

// Has returns true if all of the bits in f are set.
func (r ReleaseFlags) Has(f ReleaseFlags) bool {
	return r&f == f
}

// TrustFlags records whether the payload and metadata were separately attested.
type TrustFlags uint64

const (
	TrustPayload TrustFlags = 1 << iota
	TrustMetadata
)

// Has returns true if all of the bits in f are set.
func (t TrustFlags) Has(f TrustFlags) bool {
	return t&f == f
}

// Release represents one firmware version available for a device.
type Release struct {
	////// What is it? //////

	// Version is the firmware version string, compared lexicographically by Less.
	Version     string
	AppstreamID string
	Name        string
	Summary     string
	Description string
	Categories  []string
	Protocol    string

	////// Who published it //////

	Vendor     string
	Homepage   string
	DetailsURL string
	SourceURL  string
	License    string

	////// Where does it come from? //////

	// RemoteID names the remote which offered this release.
	RemoteID string
	// URI is the raw payload reference, resolved against the remote before fetching.
	URI      string
	Filename string
	// Size is the expected payload size in bytes.
	Size uint64

	////// Can it be trusted? //////

	// Checksums holds hex digests of the payload. The digest kind is inferred
	// from the length of each entry.
	Checksums  []string
	Flags      ReleaseFlags
	TrustFlags TrustFlags

	UpdateMessage   string
	InstallDuration uint32
}

// Equal returns true if both releases carry the same version.
func (r Release) Equal(o Release) bool {
	return r.Version == o.Version
}

// Less orders releases by comparing version strings lexicographically.
// Use SemverLess where numeric ordering matters.
func (r Release) Less(o Release) bool {
	return r.Version < o.Version
}

// SemverLess orders releases by semantic version when both versions parse as
// semver, and falls back to Less otherwise.
func (r Release) SemverLess(o Release) bool {
	a, b := canonicalVersion(r.Version), canonicalVersion(o.Version)
	if !semver.IsValid(a) || !semver.IsValid(b) {
		return r.Less(o)
	}
	return semver.Compare(a, b) < 0
}

func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// DecodeRelease builds a Release from the daemon's dictionary representation.
func DecodeRelease(dict Dict) (Release, error) {
	var r Release
	for k, v := range dict {
		if err := r.set(k, v); err != nil {
			return Release{}, err
		}
	}
	return r, nil
}

func (r *Release) set(key string, v dbus.Variant) error {
	var err error
	var n uint64
	switch key {
	case "Version":
		r.Version, err = str(key, v)
	case "AppstreamId":
		r.AppstreamID, err = str(key, v)
	case "Name":
		r.Name, err = str(key, v)
	case "Summary":
		r.Summary, err = str(key, v)
	case "Description":
		r.Description, err = str(key, v)
	case "Categories":
		r.Categories, err = strs(key, v)
	case "Protocol":
		r.Protocol, err = str(key, v)
	case "Vendor":
		r.Vendor, err = str(key, v)
	case "Homepage":
		r.Homepage, err = str(key, v)
	case "DetailsUrl":
		r.DetailsURL, err = str(key, v)
	case "SourceUrl":
		r.SourceURL, err = str(key, v)
	case "License":
		r.License, err = str(key, v)
	case "RemoteId":
		r.RemoteID, err = str(key, v)
	case "Uri":
		r.URI, err = str(key, v)
	case "Filename", "filename":
		r.Filename, err = str(key, v)
	case "Size":
		r.Size, err = u64(key, v)
	case "Checksum", "Checksums":
		r.Checksums, err = strOrStrs(key, v)
	case "Flags", "flags":
		n, err = u64(key, v)
		r.Flags = ReleaseFlags(n)
	case "TrustFlags":
		n, err = u64(key, v)
		r.TrustFlags = TrustFlags(n)
	case "UpdateMessage":
		r.UpdateMessage, err = str(key, v)
	case "InstallDuration":
		r.InstallDuration, err = u32(key, v)
	default:
		glog.V(2).Infof("unknown release key: %s (%s)", key, v.Signature())
	}
	return err
}
