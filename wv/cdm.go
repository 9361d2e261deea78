package wv

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

const maxSessions = 16

// CDM keeps the open sessions of one device.
type CDM struct {
	device Device
	rand   io.Reader
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	opened   int
}

// NewCDM creates a new CDM.
//
// Get a device by calling LoadLocalDevice or NewRemoteDevice.
func NewCDM(device Device, opts ...Option) *CDM {
	if device == nil {
		panic("device cannot be nil")
	}
	o := applyOptions(opts)

	return &CDM{
		device:   device,
		rand:     o.rand,
		logger:   o.logger,
		sessions: make(map[string]*Session),
	}
}

func (c *CDM) Device() Device {
	return c.device
}

// GetSystemId returns the system id of the device, 0 if it has none.
func (c *CDM) GetSystemId() uint32 {
	if d, ok := c.device.(interface{ SystemId() uint32 }); ok {
		return d.SystemId()
	}
	return 0
}

// OpenSession opens a new session. Its init data is set later, when the
// challenge is requested.
func (c *CDM) OpenSession() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sessions) >= maxSessions {
		return nil, ErrTooManySessions
	}

	number := c.opened + 1
	id, err := newSessionId(c.rand, c.device.Type(), number)
	if err != nil {
		return nil, err
	}
	c.opened = number

	session := newSession(id, number)
	c.sessions[string(id)] = session

	c.logger.Debug("opened session", zap.String("session_id", session.HexId()), zap.Int("number", number))

	return session, nil
}

// CloseSession closes a session.
func (c *CDM) CloseSession(sessionId []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sessions[string(sessionId)]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, hex.EncodeToString(sessionId))
	}
	delete(c.sessions, string(sessionId))

	c.logger.Debug("closed session", zap.String("session_id", hex.EncodeToString(sessionId)))
	return nil
}

func (c *CDM) GetSession(sessionId []byte) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[string(sessionId)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, hex.EncodeToString(sessionId))
	}
	return s, nil
}

// SetServiceCertificate enables privacy mode for a session.
func (c *CDM) SetServiceCertificate(sessionId []byte, cert []byte) (*ServiceCertificate, error) {
	s, err := c.GetSession(sessionId)
	if err != nil {
		return nil, err
	}
	if err = c.device.SetServiceCertificate(s, cert); err != nil {
		return nil, fmt.Errorf("set service certificate: %w", err)
	}
	return s.ServiceCertificate(), nil
}

// GetServiceCertificate returns the service certificate of a session.
func (c *CDM) GetServiceCertificate(sessionId []byte) (*ServiceCertificate, error) {
	s, err := c.GetSession(sessionId)
	if err != nil {
		return nil, err
	}
	return s.ServiceCertificate(), nil
}

// GetLicenseChallenge binds initData to a session and returns its license
// challenge.
func (c *CDM) GetLicenseChallenge(ctx context.Context, sessionId []byte, initData []byte, flags SessionFlags) ([]byte, error) {
	s, err := c.GetSession(sessionId)
	if err != nil {
		return nil, err
	}
	if err = s.bindInitData(initData, flags); err != nil {
		return nil, fmt.Errorf("set init data: %w", err)
	}

	challenge, err := c.device.GetLicenseChallenge(ctx, s)
	if err != nil {
		return nil, fmt.Errorf("get license challenge: %w", err)
	}
	return challenge, nil
}

func (c *CDM) ParseLicense(ctx context.Context, sessionId []byte, license []byte) error {
	s, err := c.GetSession(sessionId)
	if err != nil {
		return err
	}
	if err = c.device.ParseLicense(ctx, s, license); err != nil {
		return fmt.Errorf("parse license: %w", err)
	}
	return nil
}

// GetKeys returns the keys of a session. A zero keyType returns all keys.
func (c *CDM) GetKeys(sessionId []byte, keyType KeyType) ([]*Key, error) {
	s, err := c.GetSession(sessionId)
	if err != nil {
		return nil, err
	}
	return s.KeysByType(keyType), nil
}
