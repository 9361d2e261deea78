package wv

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	wvpb "github.com/iyear/gowidevine/widevinepb"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"gopkg.in/retry.v1"
)

const (
	getRequestPath      = "/get-request"
	decryptResponsePath = "/decrypt-response"

	apiKeyHeader = "decrypt-labs-api-key"
)

// remoteRetryStrategy allows one retry of a transient signer error.
var remoteRetryStrategy = retry.LimitCount(2, retry.Exponential{
	Initial: 250 * time.Millisecond,
	Factor:  2,
})

// RemoteConfig describes a remote CDM signing service.
type RemoteConfig struct {
	// Name identifies the device in logs.
	Name          string
	Type          DeviceType
	SecurityLevel int
	// Endpoint is the base URL of the signing service.
	Endpoint string
	APIKey   string
	// Scheme names the device profile the service should emulate.
	Scheme string
	// Service names the content provider, passed through to the signer.
	Service string
}

// RemoteDevice delegates challenge signing and license decryption to an
// external CDM service over HTTP. It holds no key material.
type RemoteDevice struct {
	name          string
	typ           DeviceType
	securityLevel int
	endpoint      string
	apiKey        string
	scheme        string
	service       string

	client *http.Client
	retry  retry.Strategy
	logger *zap.Logger
}

var _ Device = (*RemoteDevice)(nil)

func NewRemoteDevice(cfg RemoteConfig, opts ...Option) (*RemoteDevice, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: remote device has no endpoint", ErrMalformedDevice)
	}
	if !cfg.Type.valid() {
		return nil, fmt.Errorf("%w: unknown device type %d", ErrMalformedDevice, cfg.Type)
	}
	o := applyOptions(opts)

	return &RemoteDevice{
		name:          cfg.Name,
		typ:           cfg.Type,
		securityLevel: cfg.SecurityLevel,
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:        cfg.APIKey,
		scheme:        cfg.Scheme,
		service:       cfg.Service,
		client:        o.httpClient,
		retry:         remoteRetryStrategy,
		logger:        o.logger.With(zap.String("device", cfg.Name)),
	}, nil
}

func (d *RemoteDevice) Type() DeviceType {
	return d.typ
}

func (d *RemoteDevice) SecurityLevel() int {
	return d.securityLevel
}

// SetServiceCertificate enables privacy mode for s. The certificate is
// forwarded to the signer as is.
func (d *RemoteDevice) SetServiceCertificate(s *Session, cert []byte) error {
	return applyServiceCertificate(s, cert)
}

// GetLicenseChallenge asks the signer for a license request for s.
func (d *RemoteDevice) GetLicenseChallenge(ctx context.Context, s *Session) ([]byte, error) {
	if err := s.acquire(StateCreated); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.initData == nil {
		return nil, fmt.Errorf("%w: session has no init data", ErrInvalidSessionState)
	}

	var serviceCert any
	if s.privacyMode && s.serviceCert != nil {
		serviceCert = base64.StdEncoding.EncodeToString(s.serviceCert.Raw)
	}

	res, err := d.call(ctx, getRequestPath, map[string]any{
		"init_data":           base64.StdEncoding.EncodeToString(s.initData),
		"service_certificate": serviceCert,
		"scheme":              d.scheme,
		"service":             d.service,
	})
	if err != nil {
		return nil, s.fail(err)
	}

	challenge, err := base64.StdEncoding.DecodeString(res.Get("challenge").String())
	if err != nil || len(challenge) == 0 {
		return nil, s.fail(&RemoteSignerError{Message: "response carries no valid challenge"})
	}

	msg := &wvpb.SignedMessage{}
	if proto.Unmarshal(challenge, msg) == nil && msg.GetType() == wvpb.SignedMessage_LICENSE_REQUEST {
		s.request = msg
	}
	s.challenge = challenge
	s.remoteSessionId = res.Get("session_id").String()
	s.state = StateChallenged

	d.logger.Debug("remote license challenge",
		zap.String("session_id", s.HexId()),
		zap.String("remote_session_id", s.remoteSessionId))

	return challenge, nil
}

// ParseLicense has the signer decrypt the license and stores the returned
// keys in s. A license that is already a JSON document with a "keys" list
// is taken as is.
func (d *RemoteDevice) ParseLicense(ctx context.Context, s *Session, license []byte) error {
	if err := s.acquire(StateChallenged); err != nil {
		return err
	}
	defer s.mu.Unlock()

	keys, err := d.licenseKeys(ctx, s, license)
	if err != nil {
		return s.fail(err)
	}

	s.keys = append(s.keys, keys...)
	s.state = StateKeyed
	return nil
}

func (d *RemoteDevice) licenseKeys(ctx context.Context, s *Session, license []byte) ([]*Key, error) {
	if len(license) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedLicense)
	}

	if gjson.ValidBytes(license) {
		if keys := gjson.GetBytes(license, "keys"); keys.IsArray() {
			return parseRemoteKeys(keys)
		}
	}

	res, err := d.call(ctx, decryptResponsePath, map[string]any{
		"session_id":       s.remoteSessionId,
		"init_data":        base64.StdEncoding.EncodeToString(s.initData),
		"license_request":  base64.StdEncoding.EncodeToString(s.challenge),
		"license_response": base64.StdEncoding.EncodeToString(license),
		"scheme":           d.scheme,
	})
	if err != nil {
		return nil, err
	}

	return parseRemoteKeys(res.Get("keys"))
}

// parseRemoteKeys reads either a list of {kid, type, key} objects or the
// "kid:key --key kid:key" string form.
func parseRemoteKeys(keys gjson.Result) ([]*Key, error) {
	if !keys.IsArray() && keys.Type != gjson.String {
		return nil, &RemoteSignerError{Message: "response carries no keys"}
	}

	var out []*Key

	if keys.IsArray() {
		for _, k := range keys.Array() {
			keyType := CONTENT
			if name := k.Get("type").String(); name != "" {
				t, ok := ParseKeyType(name)
				if !ok {
					return nil, &RemoteSignerError{Message: fmt.Sprintf("unknown key type %q", name)}
				}
				keyType = t
			}
			key, err := remoteKey(k.Get("kid").String(), k.Get("key").String(), keyType)
			if err != nil {
				return nil, err
			}
			out = append(out, key)
		}
		return out, nil
	}

	for _, part := range strings.Split(strings.ReplaceAll(keys.String(), "\n", " "), "--key ") {
		part = strings.TrimSpace(part)
		kid, key, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		k, err := remoteKey(kid, key, CONTENT)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func remoteKey(kidHex, keyHex string, keyType KeyType) (*Key, error) {
	kid, err := hex.DecodeString(strings.TrimSpace(kidHex))
	if err != nil {
		return nil, &RemoteSignerError{Message: fmt.Sprintf("invalid kid %q", kidHex)}
	}
	key, err := hex.DecodeString(strings.TrimSpace(keyHex))
	if err != nil {
		return nil, &RemoteSignerError{Message: fmt.Sprintf("invalid key for kid %s", kidHex)}
	}
	return &Key{Type: keyType, ID: kid, Key: key}, nil
}

// call posts body to the signer, retrying once when it reports the known
// transient failure.
func (d *RemoteDevice) call(ctx context.Context, path string, body map[string]any) (gjson.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("marshal request: %w", err)
	}

	var res gjson.Result
	for attempt := retry.Start(d.retry, nil); attempt.Next(); {
		if err = ctx.Err(); err != nil {
			return gjson.Result{}, err
		}
		res, err = d.post(ctx, path, payload)
		var signerErr *RemoteSignerError
		if errors.As(err, &signerErr) && signerErr.Transient {
			d.logger.Warn("remote cdm transient error", zap.String("path", path), zap.Error(err))
			continue
		}
		break
	}
	return res, err
}

func (d *RemoteDevice) post(ctx context.Context, path string, payload []byte) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read %s response: %w", path, err)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, &RemoteSignerError{Message: fmt.Sprintf("invalid response from %s (HTTP %d)", path, resp.StatusCode)}
	}

	res := gjson.ParseBytes(body)
	if res.Get("message").String() != "success" {
		return res, newRemoteSignerError(remoteErrorText(res))
	}
	return res, nil
}

func remoteErrorText(res gjson.Result) string {
	for _, field := range []string{"Error", "error", "message"} {
		if v := res.Get(field).String(); v != "" {
			return v
		}
	}
	return "unknown error"
}
