package wv

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"sync"
	"testing"

	wvpb "github.com/iyear/gowidevine/widevinepb"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
)

const testSystemId = 4464

var ctx = context.Background()

var (
	testKeysOnce  sync.Once
	testDeviceKey *rsa.PrivateKey
	testCertKey   *rsa.PrivateKey
)

// testKeys returns the device key and the service certificate key, generated
// once per test binary.
func testKeys(t *testing.T) (*rsa.PrivateKey, *rsa.PrivateKey) {
	t.Helper()
	testKeysOnce.Do(func() {
		var err error
		if testDeviceKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
		if testCertKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return testDeviceKey, testCertKey
}

func mustMarshal(t *testing.T, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Marshal(m)
	require.NoError(t, err)
	return b
}

func testClientID(t *testing.T) []byte {
	t.Helper()
	cert := mustMarshal(t, &wvpb.DrmCertificate{
		SerialNumber: []byte("test-device"),
		SystemId:     Pointer(uint32(testSystemId)),
	})
	token := mustMarshal(t, &wvpb.SignedDrmCertificate{
		DrmCertificate: cert,
		Signature:      []byte("not checked"),
	})
	return mustMarshal(t, &wvpb.ClientIdentification{Token: token})
}

func testCredentials(t *testing.T) *Credentials {
	t.Helper()
	deviceKey, _ := testKeys(t)
	return &Credentials{
		Type:          DeviceTypeChrome,
		SecurityLevel: 3,
		PrivateKey:    x509.MarshalPKCS1PrivateKey(deviceKey),
		ClientID:      testClientID(t),
	}
}

func testLocalDevice(t *testing.T, opts ...Option) *LocalDevice {
	t.Helper()
	d, err := NewLocalDevice(testCredentials(t), opts...)
	require.NoError(t, err)
	return d
}

// testServiceCert returns a SignedMessage wrapped service certificate for
// the test certificate key.
func testServiceCert(t *testing.T) []byte {
	t.Helper()
	_, certKey := testKeys(t)
	cert := mustMarshal(t, &wvpb.DrmCertificate{
		SerialNumber: []byte("service-serial"),
		PublicKey:    x509.MarshalPKCS1PublicKey(&certKey.PublicKey),
		ProviderId:   Pointer("license.example.com"),
	})
	signedCert := mustMarshal(t, &wvpb.SignedDrmCertificate{
		DrmCertificate: cert,
		Signature:      []byte("not checked"),
	})
	return mustMarshal(t, &wvpb.SignedMessage{
		Type: wvpb.SignedMessage_SERVICE_CERTIFICATE.Enum(),
		Msg:  signedCert,
	})
}

func testPsshData(t *testing.T) []byte {
	t.Helper()
	return mustMarshal(t, &wvpb.WidevinePsshData{
		KeyIds: [][]byte{testKid},
	})
}

// testInitData returns a version 0 Widevine 'pssh' box.
func testInitData(t *testing.T) []byte {
	t.Helper()
	data := testPsshData(t)

	box := make([]byte, 0, 32+len(data))
	box = binary.BigEndian.AppendUint32(box, uint32(32+len(data)))
	box = append(box, "pssh"...)
	box = append(box, 0, 0, 0, 0)
	box = append(box, WidevineSystemID...)
	box = binary.BigEndian.AppendUint32(box, uint32(len(data)))
	return append(box, data...)
}

var (
	testKid        = []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1}
	testContentKey = []byte{0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11}
	testSessionKey = []byte("0123456789abcdef")
)

// challengedSession returns a session of d that has sent its challenge.
func challengedSession(t *testing.T, d *LocalDevice) *Session {
	t.Helper()
	s, err := NewSession(testInitData(t), SessionFlags{})
	require.NoError(t, err)
	_, err = d.GetLicenseChallenge(ctx, s)
	require.NoError(t, err)
	return s
}

// contentKey returns a key container holding key encrypted under enc.
func contentKey(t *testing.T, enc, kid, key []byte, keyType wvpb.License_KeyContainer_KeyType) *wvpb.License_KeyContainer {
	t.Helper()
	iv := make([]byte, 16)
	_, err := rand.Read(iv)
	require.NoError(t, err)
	encrypted, err := EncryptAES(enc, iv, key)
	require.NoError(t, err)
	return &wvpb.License_KeyContainer{
		Id:   kid,
		Iv:   iv,
		Key:  encrypted,
		Type: keyType.Enum(),
	}
}

// testLicense plays the license server: it answers the challenge of s with a
// license signed for sessionKey whose containers are built by containers.
func testLicense(t *testing.T, s *Session, sessionKey []byte, containers func(enc []byte) []*wvpb.License_KeyContainer) []byte {
	t.Helper()
	deviceKey, _ := testKeys(t)

	derived, err := DeriveKeys(sessionKey, s.LicenseRequest().GetMsg())
	require.NoError(t, err)

	msg := mustMarshal(t, &wvpb.License{Key: containers(derived.Enc)})
	mac := hmac.New(sha256.New, derived.Auth1)
	mac.Write(msg)

	encSessionKey, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, &deviceKey.PublicKey, sessionKey, nil)
	require.NoError(t, err)

	return mustMarshal(t, &wvpb.SignedMessage{
		Type:       wvpb.SignedMessage_LICENSE.Enum(),
		Msg:        msg,
		Signature:  mac.Sum(nil),
		SessionKey: encSessionKey,
	})
}

func singleContentKey(t *testing.T) func(enc []byte) []*wvpb.License_KeyContainer {
	return func(enc []byte) []*wvpb.License_KeyContainer {
		return []*wvpb.License_KeyContainer{
			contentKey(t, enc, testKid, testContentKey, wvpb.License_KeyContainer_CONTENT),
		}
	}
}
