package api

import "github.com/golang/glog"

// Status describes what the daemon is currently doing.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusIdle
	StatusLoading
	StatusDecompressing
	StatusDeviceRestart
	StatusDeviceWrite
	StatusScheduling
	StatusDownloading
	StatusDeviceRead
	StatusDeviceErase
	StatusWaitingForAuth
	StatusDeviceBusy
	StatusShutdown
)

var statusNames = []string{
	"unknown",
	"idle",
	"loading",
	"decompressing",
	"device-restart",
	"device-write",
	"scheduling",
	"downloading",
	"device-read",
	"device-erase",
	"waiting-for-auth",
	"device-busy",
	"shutdown",
}

// StatusFromWire converts the daemon's Status property value.
func StatusFromWire(v uint32) Status {
	if v > uint32(StatusShutdown) {
		glog.Warningf("status value %d is out of range", v)
		return StatusUnknown
	}
	return Status(v)
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "unknown"
}
