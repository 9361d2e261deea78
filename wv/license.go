package wv

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	wvpb "github.com/iyear/gowidevine/widevinepb"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// ParseLicense verifies the license server's response to the challenge of
// s and unwraps its keys into s.
func (d *LocalDevice) ParseLicense(_ context.Context, s *Session, license []byte) error {
	if err := s.acquire(StateChallenged); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := d.parseLicense(s, license); err != nil {
		return s.fail(err)
	}
	s.state = StateKeyed

	d.logger.Debug("parsed license",
		zap.String("session_id", s.HexId()),
		zap.Int("keys", len(s.keys)))

	return nil
}

func (d *LocalDevice) parseLicense(s *Session, license []byte) error {
	signedMsg, err := parseSignedLicense(license)
	if err != nil {
		return err
	}
	if d.signer == nil {
		return ErrMissingPrivateKey
	}

	sessionKey, err := d.signer.Decrypt(signedMsg.GetSessionKey())
	if err != nil {
		return fmt.Errorf("decrypt session key: %w", err)
	}
	if len(sessionKey) != sessionKeyLength {
		return fmt.Errorf("invalid session key length: %d", len(sessionKey))
	}

	derivedKeys, err := DeriveKeys(sessionKey, s.request.GetMsg())
	if err != nil {
		return err
	}

	// the signature covers the message bytes as sent, check it before decoding
	licenseMsgHMAC := hmac.New(sha256.New, derivedKeys.Auth1)
	licenseMsgHMAC.Write(signedMsg.GetMsg())
	if !hmac.Equal(signedMsg.GetSignature(), licenseMsgHMAC.Sum(nil)) {
		return ErrSignatureMismatch
	}

	licenseMsg := &wvpb.License{}
	if err = proto.Unmarshal(signedMsg.GetMsg(), licenseMsg); err != nil {
		return fmt.Errorf("%w: unmarshal license message: %v", ErrMalformedLicense, err)
	}

	keys := make([]*Key, 0, len(licenseMsg.GetKey()))
	for _, container := range licenseMsg.GetKey() {
		key, err := keyFromContainer(container, derivedKeys.Enc)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}

	s.sessionKey = sessionKey
	s.derivedKeys = derivedKeys
	s.license = licenseMsg
	s.keys = append(s.keys, keys...)
	return nil
}

func keyFromContainer(container *wvpb.License_KeyContainer, encKey []byte) (*Key, error) {
	keyType := KeyType(container.GetType())

	var permissions []string
	if keyType == OPERATOR_SESSION {
		permissions = operatorPermissions(container.GetOperatorSessionKeyPermissions())
	}

	var key []byte
	// key control blocks carry no key
	if len(container.GetKey()) > 0 {
		var err error
		key, err = DecryptAES(encKey, container.GetIv(), container.GetKey())
		if err != nil {
			return nil, fmt.Errorf("decrypt %s key: %w", keyType, err)
		}
	}

	id := container.GetId()
	if len(id) == 0 {
		id = []byte(keyType.String())
	}

	return &Key{
		Type:        keyType,
		IV:          container.GetIv(),
		ID:          id,
		Key:         key,
		Permissions: permissions,
	}, nil
}

// operatorPermissions returns the names of the permission flags that are
// set, in field order.
func operatorPermissions(perms *wvpb.License_KeyContainer_OperatorSessionKeyPermissions) []string {
	if perms == nil {
		return nil
	}

	m := perms.ProtoReflect()
	fields := m.Descriptor().Fields()
	var names []string
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		if fd.Kind() == protoreflect.BoolKind && m.Has(fd) && m.Get(fd).Bool() {
			names = append(names, string(fd.Name()))
		}
	}
	return names
}
