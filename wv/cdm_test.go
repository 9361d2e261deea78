package wv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCDMSessions(t *testing.T) {
	cdm := NewCDM(testLocalDevice(t))
	assert.Equal(t, uint32(testSystemId), cdm.GetSystemId())

	s, err := cdm.OpenSession()
	require.NoError(t, err)
	assert.Equal(t, 1, s.Number)
	assert.Len(t, s.Id, 16)

	got, err := cdm.GetSession(s.Id)
	require.NoError(t, err)
	assert.Same(t, s, got)

	require.NoError(t, cdm.CloseSession(s.Id))
	_, err = cdm.GetSession(s.Id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, cdm.CloseSession(s.Id), ErrSessionNotFound)

	next, err := cdm.OpenSession()
	require.NoError(t, err)
	assert.Equal(t, 2, next.Number)
}

func TestCDMSessionLimit(t *testing.T) {
	cdm := NewCDM(testLocalDevice(t))

	var first *Session
	for i := 0; i < maxSessions; i++ {
		s, err := cdm.OpenSession()
		require.NoError(t, err)
		if first == nil {
			first = s
		}
	}

	_, err := cdm.OpenSession()
	assert.ErrorIs(t, err, ErrTooManySessions)

	require.NoError(t, cdm.CloseSession(first.Id))
	_, err = cdm.OpenSession()
	assert.NoError(t, err)
}

func TestCDMAndroidSessionId(t *testing.T) {
	c := testCredentials(t)
	c.Type = DeviceTypeAndroid
	d, err := NewLocalDevice(c)
	require.NoError(t, err)
	cdm := NewCDM(d)

	s, err := cdm.OpenSession()
	require.NoError(t, err)
	assert.Len(t, s.Id, 32)
	assert.Equal(t, "0000000001000000", string(s.Id[8:24]))
}

func TestCDMLicenseFlow(t *testing.T) {
	cdm := NewCDM(testLocalDevice(t))
	s, err := cdm.OpenSession()
	require.NoError(t, err)

	cert, err := cdm.SetServiceCertificate(s.Id, testServiceCert(t))
	require.NoError(t, err)
	assert.Equal(t, "license.example.com", cert.Cert.GetProviderId())

	got, err := cdm.GetServiceCertificate(s.Id)
	require.NoError(t, err)
	assert.Same(t, cert, got)

	challenge, err := cdm.GetLicenseChallenge(ctx, s.Id, testInitData(t), SessionFlags{})
	require.NoError(t, err)
	assert.NotEmpty(t, challenge)
	_, req := decodeChallenge(t, challenge)
	assert.NotNil(t, req.GetEncryptedClientId())

	license := testLicense(t, s, testSessionKey, singleContentKey(t))
	require.NoError(t, cdm.ParseLicense(ctx, s.Id, license))

	keys, err := cdm.GetKeys(s.Id, CONTENT)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, testContentKey, keys[0].Key)

	keys, err = cdm.GetKeys(s.Id, SIGNING)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = cdm.GetLicenseChallenge(ctx, s.Id, testInitData(t), SessionFlags{})
	assert.ErrorIs(t, err, ErrInvalidSessionState)
}

func TestCDMMalformedInitData(t *testing.T) {
	cdm := NewCDM(testLocalDevice(t))
	s, err := cdm.OpenSession()
	require.NoError(t, err)

	_, err = cdm.GetLicenseChallenge(ctx, s.Id, []byte{0xff, 0xff}, SessionFlags{})
	assert.ErrorIs(t, err, ErrMalformedInitData)
	assert.NotErrorIs(t, err, ErrInvalidSessionState)
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrMalformedInitData)

	// a failed session stays failed even for valid init data
	_, err = cdm.GetLicenseChallenge(ctx, s.Id, testInitData(t), SessionFlags{})
	assert.ErrorIs(t, err, ErrInvalidSessionState)
	assert.Nil(t, s.InitData())
	assert.Nil(t, s.LicenseRequest())
}

func TestCDMUnknownSession(t *testing.T) {
	cdm := NewCDM(testLocalDevice(t))
	id := []byte("missing")

	_, err := cdm.GetLicenseChallenge(ctx, id, testInitData(t), SessionFlags{})
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, cdm.ParseLicense(ctx, id, nil), ErrSessionNotFound)
	_, err = cdm.GetKeys(id, 0)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = cdm.SetServiceCertificate(id, testServiceCert(t))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestNewCDMNilDevice(t *testing.T) {
	assert.Panics(t, func() { NewCDM(nil) })
}
