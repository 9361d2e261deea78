package main

import (
	"encoding/base64"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/devatadev/gowvcdm/wv"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type sessionRequest struct {
	SessionId string `json:"session_id" binding:"required"`
}

type certificateRequest struct {
	SessionId   string `json:"session_id" binding:"required"`
	Certificate string `json:"certificate"`
}

type challengeRequest struct {
	SessionId   string `json:"session_id" binding:"required"`
	InitData    string `json:"init_data" binding:"required"`
	PrivacyMode bool   `json:"privacy_mode"`
	Raw         bool   `json:"raw"`
}

type licenseRequest struct {
	SessionId string `json:"session_id" binding:"required"`
	License   string `json:"license" binding:"required"`
}

type KeyResponseItem struct {
	KeyId       string   `json:"key_id"`
	Key         string   `json:"key"`
	Type        string   `json:"type"`
	Permissions []string `json:"permissions"`
}

func (s *server) status(c *gin.Context) {
	respond(c, "gowvcdm is running!", nil)
}

func (s *server) ping(c *gin.Context) {
	respond(c, "pong", nil)
}

// allowed reports whether the caller may use the device named in the route,
// aborting the request when it may not.
func (s *server) allowed(c *gin.Context) (string, bool) {
	deviceName := c.Param("device")
	user := s.config.Users[c.GetString("secret_key")]
	if !slices.Contains(user.Devices, deviceName) {
		fail(c, 401, "Unauthorized")
		return "", false
	}
	if _, ok := s.devices[deviceName]; !ok {
		fail(c, 404, "Device not found")
		return "", false
	}
	return deviceName, true
}

func cdmKey(secretKey, deviceName string) string {
	return secretKey + "/" + deviceName
}

// openedCdm returns the CDM the caller opened on the device, aborting the
// request when there is none.
func (s *server) openedCdm(c *gin.Context) (*wv.CDM, string, bool) {
	deviceName, ok := s.allowed(c)
	if !ok {
		return nil, "", false
	}

	s.mu.Lock()
	cdm := s.cdms[cdmKey(c.GetString("secret_key"), deviceName)]
	s.mu.Unlock()
	if cdm == nil {
		fail(c, 400, "Opened session not found")
		return nil, "", false
	}
	return cdm, deviceName, true
}

func (s *server) openSession(c *gin.Context) {
	deviceName, ok := s.allowed(c)
	if !ok {
		return
	}

	key := cdmKey(c.GetString("secret_key"), deviceName)
	s.mu.Lock()
	cdm := s.cdms[key]
	if cdm == nil {
		cdm = wv.NewCDM(s.devices[deviceName], wv.WithLogger(s.logger.With(zap.String("device", deviceName))))
		s.cdms[key] = cdm
	}
	s.mu.Unlock()

	session, err := cdm.OpenSession()
	if err != nil {
		fail(c, statusFor(err), "Failed to open session : "+err.Error())
		return
	}
	s.metrics.openSessions.WithLabelValues(deviceName).Inc()

	respond(c, "Success", gin.H{
		"session_id":     session.HexId(),
		"system_id":      cdm.GetSystemId(),
		"device_type":    cdm.Device().Type().String(),
		"security_level": cdm.Device().SecurityLevel(),
	})
}

func (s *server) closeSession(c *gin.Context) {
	cdm, deviceName, ok := s.openedCdm(c)
	if !ok {
		return
	}

	sessionId, err := hex.DecodeString(c.Param("session_id"))
	if err != nil {
		fail(c, 400, "Failed to decode session id")
		return
	}
	if err = cdm.CloseSession(sessionId); err != nil {
		fail(c, statusFor(err), "Failed to close session : "+err.Error())
		return
	}
	s.metrics.openSessions.WithLabelValues(deviceName).Dec()

	respond(c, "Session closed", nil)
}

func (s *server) setServiceCertificate(c *gin.Context) {
	var req certificateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, 400, "Session id or certificate not found")
		return
	}
	cdm, _, ok := s.openedCdm(c)
	if !ok {
		return
	}
	sessionId, ok := decodeSessionId(c, req.SessionId)
	if !ok {
		return
	}

	// no certificate means the common privacy certificate
	certificate := req.Certificate
	if certificate == "" {
		certificate = wv.CommonPrivacyCert
	}
	decoded, err := base64.StdEncoding.DecodeString(certificate)
	if err != nil {
		fail(c, 400, "Failed to decode certificate")
		return
	}

	cert, err := cdm.SetServiceCertificate(sessionId, decoded)
	if err != nil {
		fail(c, statusFor(err), "Failed to set service certificate : "+err.Error())
		return
	}

	respond(c, "Service certificate set", gin.H{
		"provider_id": cert.Cert.GetProviderId(),
	})
}

func (s *server) getServiceCertificate(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, 400, "Session id not found")
		return
	}
	cdm, _, ok := s.openedCdm(c)
	if !ok {
		return
	}
	sessionId, ok := decodeSessionId(c, req.SessionId)
	if !ok {
		return
	}

	cert, err := cdm.GetServiceCertificate(sessionId)
	if err != nil {
		fail(c, statusFor(err), "Failed to get service certificate : "+err.Error())
		return
	}
	if cert == nil {
		respond(c, "No service certificate set", gin.H{"service_certificate": nil})
		return
	}
	respond(c, "Success", gin.H{
		"service_certificate": base64.StdEncoding.EncodeToString(cert.Raw),
	})
}

func (s *server) getLicenseChallenge(c *gin.Context) {
	var req challengeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, 400, "Session id or init_data not found")
		return
	}
	cdm, deviceName, ok := s.openedCdm(c)
	if !ok {
		return
	}
	sessionId, ok := decodeSessionId(c, req.SessionId)
	if !ok {
		return
	}

	initData, err := base64.StdEncoding.DecodeString(req.InitData)
	if err != nil {
		fail(c, 400, "Failed to decode init data")
		return
	}

	flags := wv.SessionFlags{Raw: req.Raw}
	switch strings.ToUpper(c.Param("license_type")) {
	case "STREAMING", "DEFAULT":
	case "OFFLINE":
		flags.Offline = true
	default:
		fail(c, 400, "Failed to map license type")
		return
	}

	if s.config.Serve.ForcePrivacyMode || req.PrivacyMode {
		cert, err := cdm.GetServiceCertificate(sessionId)
		if err != nil {
			fail(c, statusFor(err), "Failed to get license challenge : "+err.Error())
			return
		}
		if cert == nil {
			if !s.config.Serve.ForcePrivacyMode {
				fail(c, 400, "Privacy mode requested but no service certificate set")
				return
			}
			common, err := wv.DecodeServiceCert(wv.CommonPrivacyCert)
			if err != nil {
				s.logger.Error("failed to decode common privacy certificate", zap.Error(err))
				fail(c, 500, "Failed to decode common privacy certificate")
				return
			}
			if _, err = cdm.SetServiceCertificate(sessionId, common); err != nil {
				fail(c, statusFor(err), "Failed to set service certificate : "+err.Error())
				return
			}
		}
	}

	challenge, err := cdm.GetLicenseChallenge(c.Request.Context(), sessionId, initData, flags)
	s.metrics.challenges.WithLabelValues(deviceName, result(err)).Inc()
	if err != nil {
		fail(c, statusFor(err), "Failed to get license challenge : "+err.Error())
		return
	}

	respond(c, "Success", gin.H{
		"challenge_b64": base64.StdEncoding.EncodeToString(challenge),
	})
}

func (s *server) parseLicense(c *gin.Context) {
	var req licenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, 400, "Session id or license not found")
		return
	}
	cdm, deviceName, ok := s.openedCdm(c)
	if !ok {
		return
	}
	sessionId, ok := decodeSessionId(c, req.SessionId)
	if !ok {
		return
	}

	license, err := base64.StdEncoding.DecodeString(req.License)
	if err != nil {
		fail(c, 400, "Failed to decode license")
		return
	}

	err = cdm.ParseLicense(c.Request.Context(), sessionId, license)
	s.metrics.licenses.WithLabelValues(deviceName, result(err)).Inc()
	if err != nil {
		fail(c, statusFor(err), "Failed to parse license : "+err.Error())
		return
	}

	respond(c, "Success", nil)
}

func (s *server) getKeys(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, 400, "Session id not found")
		return
	}
	cdm, _, ok := s.openedCdm(c)
	if !ok {
		return
	}
	sessionId, ok := decodeSessionId(c, req.SessionId)
	if !ok {
		return
	}

	var keyType wv.KeyType
	if name := c.Param("key_type"); !strings.EqualFold(name, "ALL") {
		if keyType, ok = wv.ParseKeyType(name); !ok {
			fail(c, 400, "Failed to map key type")
			return
		}
	}

	keys, err := cdm.GetKeys(sessionId, keyType)
	if err != nil {
		fail(c, statusFor(err), "Failed to get keys : "+err.Error())
		return
	}

	mappedKeyResponses := make([]*KeyResponseItem, 0, len(keys))
	for _, key := range keys {
		mappedKeyResponses = append(mappedKeyResponses, &KeyResponseItem{
			KeyId:       key.KeyIdHex(),
			Key:         key.KeyHex(),
			Type:        key.Type.String(),
			Permissions: key.Permissions,
		})
	}

	respond(c, "Success", gin.H{
		"keys": mappedKeyResponses,
	})
}

func decodeSessionId(c *gin.Context, sessionId string) ([]byte, bool) {
	decoded, err := hex.DecodeString(sessionId)
	if err != nil {
		fail(c, 400, "Failed to decode session id")
		return nil, false
	}
	return decoded, true
}

// statusFor maps a CDM error to the HTTP status reported to the caller.
func statusFor(err error) int {
	var signerErr *wv.RemoteSignerError
	switch {
	case errors.Is(err, wv.ErrSessionNotFound):
		return 404
	case errors.Is(err, wv.ErrTooManySessions):
		return 429
	case errors.Is(err, wv.ErrInvalidSessionState):
		return 409
	case errors.As(err, &signerErr):
		return 502
	}
	return 400
}
