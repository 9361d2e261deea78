package wv

import (
	"context"
	"strings"
)

// DeviceType is the kind of CDM a device emulates.
type DeviceType uint8

const (
	DeviceTypeChrome    DeviceType = 1
	DeviceTypeAndroid   DeviceType = 2
	DeviceTypePlayReady DeviceType = 3
)

var deviceTypeNames = map[DeviceType]string{
	DeviceTypeChrome:    "CHROME",
	DeviceTypeAndroid:   "ANDROID",
	DeviceTypePlayReady: "PLAYREADY",
}

func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

func (t DeviceType) valid() bool {
	_, ok := deviceTypeNames[t]
	return ok
}

// ParseDeviceType maps a name such as "android" to its DeviceType.
func ParseDeviceType(name string) (DeviceType, bool) {
	for t, n := range deviceTypeNames {
		if strings.EqualFold(n, name) {
			return t, true
		}
	}
	return 0, false
}

// DeviceFlags are the optional behaviours stored with a device.
type DeviceFlags struct {
	// SendKeyControlNonce adds a random KeyControlNonce to license requests.
	SendKeyControlNonce bool
}

// Device negotiates licenses for sessions. A LocalDevice does the
// cryptography itself, a RemoteDevice delegates it to a signing service.
//
// Devices are safe for concurrent use by multiple sessions.
type Device interface {
	Type() DeviceType
	SecurityLevel() int
	// SetServiceCertificate enables privacy mode on s using the given
	// service certificate.
	SetServiceCertificate(s *Session, cert []byte) error
	// GetLicenseChallenge builds the signed license request for s.
	GetLicenseChallenge(ctx context.Context, s *Session) ([]byte, error)
	// ParseLicense processes the license server's response and fills the
	// keys of s.
	ParseLicense(ctx context.Context, s *Session, license []byte) error
}
