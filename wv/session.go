package wv

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	wvpb "github.com/iyear/gowidevine/widevinepb"
)

// State is the position of a session in the license exchange.
type State int

const (
	// StateCreated sessions have no license request yet.
	StateCreated State = iota
	// StateChallenged sessions have sent a license request.
	StateChallenged
	// StateKeyed sessions hold the keys of a verified license.
	StateKeyed
	// StateFailed sessions hit an error and must be discarded.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateChallenged:
		return "challenged"
	case StateKeyed:
		return "keyed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SessionFlags describe how a session's init data is used.
type SessionFlags struct {
	// Raw sends the init data as an uninterpreted CENC blob instead of
	// parsing it as Widevine PSSH data.
	Raw bool
	// Offline requests a persistable license.
	Offline bool
}

// Session is one license negotiation for one piece of content.
//
// A session moves from StateCreated to StateChallenged to StateKeyed. Calls
// made out of order return ErrInvalidSessionState and leave it untouched;
// any other failure moves it to StateFailed for good.
type Session struct {
	Number int
	Id     []byte

	mu              sync.Mutex
	state           State
	err             error
	initData        []byte
	pssh            *PSSH
	flags           SessionFlags
	privacyMode     bool
	serviceCert     *ServiceCertificate
	request         *wvpb.SignedMessage
	challenge       []byte
	license         *wvpb.License
	sessionKey      []byte
	derivedKeys     *DerivedKeys
	keys            []*Key
	remoteSessionId string
}

// NewSession creates a session for initData with a random 16 byte id.
func NewSession(initData []byte, flags SessionFlags) (*Session, error) {
	id, err := newSessionId(rand.Reader, DeviceTypeChrome, 1)
	if err != nil {
		return nil, err
	}
	s := newSession(id, 1)
	if err = s.SetInitData(initData, flags); err != nil {
		return nil, err
	}
	return s, nil
}

func newSession(id []byte, number int) *Session {
	return &Session{
		Number: number,
		Id:     id,
		state:  StateCreated,
	}
}

// newSessionId generates a session id. Android CDMs use the upper case hex
// of an AES-CTR counter block: 4 random bytes, 4 zero bytes and the session
// number as a little endian uint64.
func newSessionId(r io.Reader, typ DeviceType, number int) ([]byte, error) {
	id := make([]byte, 16)
	if typ != DeviceTypeAndroid {
		if _, err := io.ReadFull(r, id); err != nil {
			return nil, fmt.Errorf("read session id: %w", err)
		}
		return id, nil
	}

	if _, err := io.ReadFull(r, id[:4]); err != nil {
		return nil, fmt.Errorf("read session id: %w", err)
	}
	binary.LittleEndian.PutUint64(id[8:], uint64(number))
	return []byte(strings.ToUpper(hex.EncodeToString(id))), nil
}

func (s *Session) HexId() string {
	return hex.EncodeToString(s.Id)
}

// SetInitData binds the content's init data to a session created without
// it. Init data can only be set once, before the challenge.
func (s *Session) SetInitData(initData []byte, flags SessionFlags) error {
	if err := s.acquire(StateCreated); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.setInitData(initData, flags)
}

// bindInitData sets the init data of a challenge. Unlike SetInitData, init
// data that does not parse fails the session.
func (s *Session) bindInitData(initData []byte, flags SessionFlags) error {
	if err := s.acquire(StateCreated); err != nil {
		return err
	}
	defer s.mu.Unlock()

	err := s.setInitData(initData, flags)
	if errors.Is(err, ErrMalformedInitData) {
		return s.fail(err)
	}
	return err
}

// setInitData requires s.mu to be held in StateCreated.
func (s *Session) setInitData(initData []byte, flags SessionFlags) error {
	if s.initData != nil {
		return fmt.Errorf("%w: init data is already set", ErrInvalidSessionState)
	}
	if len(initData) == 0 {
		return fmt.Errorf("%w: empty", ErrMalformedInitData)
	}

	var pssh *PSSH
	if !flags.Raw {
		var err error
		if pssh, err = NewPSSH(initData); err != nil {
			return err
		}
	}

	s.initData = bytes.Clone(initData)
	s.pssh = pssh
	s.flags = flags
	return nil
}

// acquire locks s if it is in the wanted state. On success the caller must
// unlock s.mu.
func (s *Session) acquire(want State) error {
	s.mu.Lock()
	if s.state != want {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: session is %s, want %s", ErrInvalidSessionState, state, want)
	}
	return nil
}

// fail records err and moves s to StateFailed. s.mu must be held.
func (s *Session) fail(err error) error {
	s.state = StateFailed
	s.err = err
	return err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) InitData() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.initData)
}

func (s *Session) Flags() SessionFlags {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags
}

func (s *Session) PrivacyMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.privacyMode
}

func (s *Session) ServiceCertificate() *ServiceCertificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceCert
}

// LicenseRequest returns the signed license request sent for s. Sessions of
// a remote device only carry it when the signer's challenge decodes.
func (s *Session) LicenseRequest() *wvpb.SignedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request
}

// Challenge returns the serialized license request.
func (s *Session) Challenge() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.challenge)
}

// License returns the verified license.
func (s *Session) License() *wvpb.License {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.license
}

func (s *Session) SessionKey() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.sessionKey)
}

// DerivedKeys returns a copy of the keys derived from the session key.
func (s *Session) DerivedKeys() *DerivedKeys {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.derivedKeys.clone()
}

// Keys returns the keys of the license in the order the server sent them.
func (s *Session) Keys() []*Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Key(nil), s.keys...)
}

// KeysByType returns the keys of the given type. A zero keyType returns all keys.
func (s *Session) KeysByType(keyType KeyType) []*Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]*Key, 0, len(s.keys))
	for _, key := range s.keys {
		if keyType == 0 || key.Type == keyType {
			keys = append(keys, key)
		}
	}
	return keys
}
