package wv

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	wvpb "github.com/iyear/gowidevine/widevinepb"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// LocalDevice is a CDM device whose private key and client identification
// are held in process.
type LocalDevice struct {
	typ           DeviceType
	securityLevel int
	flags         DeviceFlags

	signer     Signer
	privateKey []byte

	clientIDBlob []byte
	clientID     *wvpb.ClientIdentification
	vmp          []byte
	systemId     uint32

	rand   io.Reader
	now    func() time.Time
	logger *zap.Logger
}

var _ Device = (*LocalDevice)(nil)

// NewLocalDevice creates a device from its credentials.
//
// A device without a private key can still sign when a Signer is given with
// WithSigner.
func NewLocalDevice(c *Credentials, opts ...Option) (*LocalDevice, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil credentials", ErrMalformedDevice)
	}
	if !c.Type.valid() {
		return nil, fmt.Errorf("%w: unknown device type %d", ErrMalformedDevice, c.Type)
	}
	o := applyOptions(opts)

	d := &LocalDevice{
		typ:           c.Type,
		securityLevel: int(c.SecurityLevel),
		flags:         c.Flags,
		privateKey:    bytes.Clone(c.PrivateKey),
		clientIDBlob:  bytes.Clone(c.ClientID),
		vmp:           bytes.Clone(c.VMP),
		rand:          o.rand,
		now:           o.now,
		logger:        o.logger,
	}

	if len(c.PrivateKey) > 0 {
		key, err := ParsePrivateKey(c.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedDevice, err)
		}
		d.signer = &RSASigner{key: key, rand: o.rand}
	}
	if o.signer != nil {
		d.signer = o.signer
	}

	if len(c.ClientID) > 0 {
		clientID := &wvpb.ClientIdentification{}
		if err := proto.Unmarshal(c.ClientID, clientID); err != nil {
			return nil, fmt.Errorf("%w: client id could not be parsed as a ClientIdentification: %v", ErrMalformedDevice, err)
		}
		if len(c.VMP) > 0 {
			clientID.VmpData = bytes.Clone(c.VMP)
		}
		d.clientID = clientID
		d.systemId = systemIDFromClientID(clientID)
	}

	return d, nil
}

// LoadLocalDevice reads a WVD device file from r.
func LoadLocalDevice(r io.Reader, opts ...Option) (*LocalDevice, error) {
	c, err := ReadCredentials(r)
	if err != nil {
		return nil, err
	}
	return NewLocalDevice(c, opts...)
}

// LoadLocalDeviceFile reads a WVD device file from disk.
func LoadLocalDeviceFile(path string, opts ...Option) (*LocalDevice, error) {
	c, err := ReadCredentialsFile(path)
	if err != nil {
		return nil, err
	}
	return NewLocalDevice(c, opts...)
}

// LocalDeviceFromDir loads a device dumped as loose files: wv.json,
// device_client_id_blob and the optional device_private_key and
// device_vmp_blob.
func LocalDeviceFromDir(dir string, opts ...Option) (*LocalDevice, error) {
	config, err := os.ReadFile(filepath.Join(dir, "wv.json"))
	if err != nil {
		return nil, fmt.Errorf("read wv.json: %w", err)
	}
	if !gjson.ValidBytes(config) {
		return nil, fmt.Errorf("%w: wv.json is not valid json", ErrMalformedDevice)
	}

	sessionIdType := gjson.GetBytes(config, "session_id_type").String()
	typ, ok := ParseDeviceType(sessionIdType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown session_id_type %q", ErrMalformedDevice, sessionIdType)
	}

	sendNonce := typ == DeviceTypeAndroid
	if v := gjson.GetBytes(config, "send_key_control_nonce"); v.Exists() {
		sendNonce = v.Bool()
	}

	clientID, err := os.ReadFile(filepath.Join(dir, "device_client_id_blob"))
	if err != nil {
		return nil, fmt.Errorf("read client id: %w", err)
	}
	privateKey, err := readOptionalFile(filepath.Join(dir, "device_private_key"))
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	vmp, err := readOptionalFile(filepath.Join(dir, "device_vmp_blob"))
	if err != nil {
		return nil, fmt.Errorf("read vmp: %w", err)
	}

	return NewLocalDevice(&Credentials{
		Type:          typ,
		SecurityLevel: uint8(gjson.GetBytes(config, "security_level").Uint()),
		Flags:         DeviceFlags{SendKeyControlNonce: sendNonce},
		PrivateKey:    privateKey,
		ClientID:      clientID,
		VMP:           vmp,
	}, opts...)
}

func readOptionalFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

// Credentials returns the device in its WVD form.
func (d *LocalDevice) Credentials() *Credentials {
	privateKey := d.privateKey
	if privateKey == nil {
		if s, ok := d.signer.(*RSASigner); ok {
			privateKey = s.privateKeyDER()
		}
	}
	return &Credentials{
		Type:          d.typ,
		SecurityLevel: uint8(d.securityLevel),
		Flags:         d.flags,
		PrivateKey:    privateKey,
		ClientID:      d.clientIDBlob,
		VMP:           d.vmp,
	}
}

func (d *LocalDevice) Type() DeviceType {
	return d.typ
}

func (d *LocalDevice) SecurityLevel() int {
	return d.securityLevel
}

func (d *LocalDevice) Flags() DeviceFlags {
	return d.flags
}

// SystemId returns the system id of the device certificate, 0 if unknown.
func (d *LocalDevice) SystemId() uint32 {
	return d.systemId
}

// ClientID returns the client identification sent in license requests.
func (d *LocalDevice) ClientID() *wvpb.ClientIdentification {
	return d.clientID
}

// SetServiceCertificate enables privacy mode for s.
func (d *LocalDevice) SetServiceCertificate(s *Session, cert []byte) error {
	return applyServiceCertificate(s, cert)
}

func applyServiceCertificate(s *Session, cert []byte) error {
	serviceCert, err := ParseServiceCert(cert)
	if err != nil {
		return err
	}

	if err = s.acquire(StateCreated); err != nil {
		return err
	}
	defer s.mu.Unlock()

	s.serviceCert = serviceCert
	s.privacyMode = true
	return nil
}
