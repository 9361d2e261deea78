package wv

import (
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// fakeSigner answers the remote CDM endpoints with canned JSON bodies.
type fakeSigner struct {
	t        *testing.T
	requests atomic.Int32
	decrypts atomic.Int32

	getRequest      func(body gjson.Result) string
	decryptResponse func(body gjson.Result, attempt int32) string
}

func (f *fakeSigner) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, err := io.ReadAll(r.Body)
	assert.NoError(f.t, err)
	assert.Equal(f.t, "secret", r.Header.Get(apiKeyHeader))
	assert.Equal(f.t, http.MethodPost, r.Method)
	body := gjson.ParseBytes(b)

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case getRequestPath:
		f.requests.Add(1)
		_, _ = io.WriteString(w, f.getRequest(body))
	case decryptResponsePath:
		_, _ = io.WriteString(w, f.decryptResponse(body, f.decrypts.Add(1)))
	default:
		http.NotFound(w, r)
	}
}

func newFakeSigner(t *testing.T) *fakeSigner {
	return &fakeSigner{
		t: t,
		getRequest: func(body gjson.Result) string {
			assert.Equal(t, base64.StdEncoding.EncodeToString(testInitData(t)), body.Get("init_data").String())
			assert.Equal(t, "L3", body.Get("scheme").String())
			return `{"message": "success", "challenge": "` +
				base64.StdEncoding.EncodeToString([]byte("challenge")) + `", "session_id": "remote-1"}`
		},
		decryptResponse: func(body gjson.Result, _ int32) string {
			assert.Equal(t, "remote-1", body.Get("session_id").String())
			assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("challenge")), body.Get("license_request").String())
			return `{"message": "success", "keys": "00000000000000000000000000000001:11111111111111111111111111111111"}`
		},
	}
}

func testRemoteDevice(t *testing.T, f *fakeSigner) *RemoteDevice {
	t.Helper()
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)

	d, err := NewRemoteDevice(RemoteConfig{
		Name:          "remote",
		Type:          DeviceTypeAndroid,
		SecurityLevel: 3,
		Endpoint:      server.URL + "/",
		APIKey:        "secret",
		Scheme:        "L3",
	}, WithHTTPClient(server.Client()))
	require.NoError(t, err)
	return d
}

func TestRemoteDevice(t *testing.T) {
	f := newFakeSigner(t)
	d := testRemoteDevice(t, f)

	s, err := NewSession(testInitData(t), SessionFlags{})
	require.NoError(t, err)

	challenge, err := d.GetLicenseChallenge(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []byte("challenge"), challenge)
	assert.Equal(t, StateChallenged, s.State())
	assert.Nil(t, s.LicenseRequest())

	require.NoError(t, d.ParseLicense(ctx, s, []byte("license")))
	assert.Equal(t, StateKeyed, s.State())

	keys := s.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, testKid, keys[0].ID)
	assert.Equal(t, testContentKey, keys[0].Key)
	assert.Equal(t, CONTENT, keys[0].Type)
}

func TestRemoteDeviceKeyList(t *testing.T) {
	f := newFakeSigner(t)
	f.decryptResponse = func(gjson.Result, int32) string {
		return `{"message": "success", "keys": [
			{"kid": "00000000000000000000000000000001", "type": "CONTENT", "key": "11111111111111111111111111111111"},
			{"kid": "00000000000000000000000000000002", "type": "SIGNING", "key": "2222"}
		]}`
	}
	d := testRemoteDevice(t, f)

	s, err := NewSession(testInitData(t), SessionFlags{})
	require.NoError(t, err)
	_, err = d.GetLicenseChallenge(ctx, s)
	require.NoError(t, err)
	require.NoError(t, d.ParseLicense(ctx, s, []byte("license")))

	require.Len(t, s.Keys(), 2)
	content := s.KeysByType(CONTENT)
	require.Len(t, content, 1)
	assert.Equal(t, testKid, content[0].ID)
	assert.Len(t, s.KeysByType(SIGNING), 1)
}

func TestRemoteDeviceKeyString(t *testing.T) {
	keys, err := parseRemoteKeys(gjson.Parse(`"0001:aa --key 0002:bb\n--key 0003:cc"`))
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, "0001:aa", keys[0].String())
	assert.Equal(t, "0003:cc", keys[2].String())

	_, err = parseRemoteKeys(gjson.Parse(`"zz:aa"`))
	assert.Error(t, err)
}

func TestRemoteDeviceMissingKeys(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "no keys", body: `{"message": "success"}`},
		{name: "null keys", body: `{"message": "success", "keys": null}`},
		{name: "number keys", body: `{"message": "success", "keys": 1}`},
		{name: "object keys", body: `{"message": "success", "keys": {"kid": "0001"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeSigner(t)
			f.decryptResponse = func(gjson.Result, int32) string { return tt.body }
			d := testRemoteDevice(t, f)

			s, err := NewSession(testInitData(t), SessionFlags{})
			require.NoError(t, err)
			_, err = d.GetLicenseChallenge(ctx, s)
			require.NoError(t, err)

			err = d.ParseLicense(ctx, s, []byte("license"))
			var signerErr *RemoteSignerError
			require.ErrorAs(t, err, &signerErr)
			assert.False(t, signerErr.Transient)
			assert.Equal(t, int32(1), f.decrypts.Load())
			assert.Equal(t, StateFailed, s.State())
			assert.Empty(t, s.Keys())
		})
	}
}

func TestRemoteDeviceJSONLicense(t *testing.T) {
	f := newFakeSigner(t)
	f.decryptResponse = func(gjson.Result, int32) string {
		t.Error("decrypt-response must not be called for a key list")
		return `{}`
	}
	d := testRemoteDevice(t, f)

	s, err := NewSession(testInitData(t), SessionFlags{})
	require.NoError(t, err)
	_, err = d.GetLicenseChallenge(ctx, s)
	require.NoError(t, err)

	license := []byte(`{"keys": [{"kid": "00000000000000000000000000000001", "key": "11111111111111111111111111111111"}]}`)
	require.NoError(t, d.ParseLicense(ctx, s, license))
	require.Len(t, s.Keys(), 1)
	assert.Equal(t, CONTENT, s.Keys()[0].Type)
}

func TestRemoteDeviceTransientRetry(t *testing.T) {
	f := newFakeSigner(t)
	f.decryptResponse = func(_ gjson.Result, attempt int32) string {
		if attempt == 1 {
			return `{"message": "error", "Error": "` + transientRemoteError + `"}`
		}
		return `{"message": "success", "keys": "00000000000000000000000000000001:11111111111111111111111111111111"}`
	}
	d := testRemoteDevice(t, f)

	s, err := NewSession(testInitData(t), SessionFlags{})
	require.NoError(t, err)
	_, err = d.GetLicenseChallenge(ctx, s)
	require.NoError(t, err)

	require.NoError(t, d.ParseLicense(ctx, s, []byte("license")))
	assert.Equal(t, int32(2), f.decrypts.Load())
	assert.Len(t, s.Keys(), 1)
}

func TestRemoteDeviceTransientRetryExhausted(t *testing.T) {
	f := newFakeSigner(t)
	f.decryptResponse = func(gjson.Result, int32) string {
		return `{"message": "error", "Error": "` + transientRemoteError + `"}`
	}
	d := testRemoteDevice(t, f)

	s, err := NewSession(testInitData(t), SessionFlags{})
	require.NoError(t, err)
	_, err = d.GetLicenseChallenge(ctx, s)
	require.NoError(t, err)

	err = d.ParseLicense(ctx, s, []byte("license"))
	var signerErr *RemoteSignerError
	require.ErrorAs(t, err, &signerErr)
	assert.True(t, signerErr.Transient)
	assert.Equal(t, int32(2), f.decrypts.Load())
	assert.Equal(t, StateFailed, s.State())
}

func TestRemoteDeviceFatalError(t *testing.T) {
	f := newFakeSigner(t)
	f.getRequest = func(gjson.Result) string {
		return `{"message": "error", "error": "invalid api key"}`
	}
	d := testRemoteDevice(t, f)

	s, err := NewSession(testInitData(t), SessionFlags{})
	require.NoError(t, err)

	_, err = d.GetLicenseChallenge(ctx, s)
	var signerErr *RemoteSignerError
	require.ErrorAs(t, err, &signerErr)
	assert.False(t, signerErr.Transient)
	assert.Equal(t, "invalid api key", signerErr.Message)
	assert.Equal(t, int32(1), f.requests.Load())
	assert.Equal(t, StateFailed, s.State())
}

func TestRemoteDeviceServiceCertificate(t *testing.T) {
	f := newFakeSigner(t)
	cert := testServiceCert(t)
	get := f.getRequest
	f.getRequest = func(body gjson.Result) string {
		assert.Equal(t, base64.StdEncoding.EncodeToString(cert), body.Get("service_certificate").String())
		return get(body)
	}
	d := testRemoteDevice(t, f)

	s, err := NewSession(testInitData(t), SessionFlags{})
	require.NoError(t, err)
	require.NoError(t, d.SetServiceCertificate(s, cert))
	_, err = d.GetLicenseChallenge(ctx, s)
	require.NoError(t, err)
}

func TestNewRemoteDeviceInvalid(t *testing.T) {
	_, err := NewRemoteDevice(RemoteConfig{Type: DeviceTypeAndroid})
	assert.ErrorIs(t, err, ErrMalformedDevice)

	_, err = NewRemoteDevice(RemoteConfig{Endpoint: "http://localhost", Type: 7})
	assert.ErrorIs(t, err, ErrMalformedDevice)
}
