package wv

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"fmt"
	"io"
	"math/big"

	wvpb "github.com/iyear/gowidevine/widevinepb"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
)

// maxKeyControlNonce is the largest nonce sent, nonces are in [1, 2^31-1].
const maxKeyControlNonce = 1<<31 - 1

// GetLicenseChallenge returns the signed license request for s.
//
// The request carries the encrypted client id when s has a service
// certificate, and the plain one otherwise.
func (d *LocalDevice) GetLicenseChallenge(_ context.Context, s *Session) ([]byte, error) {
	if err := s.acquire(StateCreated); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if s.initData == nil {
		return nil, fmt.Errorf("%w: session has no init data", ErrInvalidSessionState)
	}

	msg, err := d.signedLicenseRequest(s)
	if err != nil {
		return nil, s.fail(err)
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, s.fail(fmt.Errorf("marshal signed message: %w", err))
	}

	s.request = msg
	s.challenge = data
	s.state = StateChallenged

	d.logger.Debug("built license challenge",
		zap.String("session_id", s.HexId()),
		zap.Bool("privacy_mode", s.privacyMode),
		zap.Int("size", len(data)))

	return data, nil
}

func (d *LocalDevice) signedLicenseRequest(s *Session) (*wvpb.SignedMessage, error) {
	if d.clientID == nil {
		return nil, ErrMissingClientIdentity
	}
	if d.signer == nil {
		return nil, ErrMissingPrivateKey
	}

	licenseType := wvpb.LicenseType_STREAMING
	if s.flags.Offline {
		licenseType = wvpb.LicenseType_OFFLINE
	}

	req := &wvpb.LicenseRequest{
		ContentId:       contentIdentification(s, licenseType),
		Type:            wvpb.LicenseRequest_NEW.Enum(),
		RequestTime:     Pointer(d.now().Unix()),
		ProtocolVersion: wvpb.ProtocolVersion_VERSION_2_1.Enum(),
	}

	if d.flags.SendKeyControlNonce {
		nonce, err := keyControlNonce(d.rand)
		if err != nil {
			return nil, err
		}
		req.KeyControlNonce = Pointer(nonce)
	}

	// set client id
	if s.privacyMode && s.serviceCert != nil {
		encClientID, err := d.encryptClientID(s.serviceCert)
		if err != nil {
			return nil, fmt.Errorf("encrypt client id: %w", err)
		}
		req.EncryptedClientId = encClientID
	} else {
		req.ClientId = d.clientID
	}

	reqData, err := proto.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal license request: %w", err)
	}

	// signed license request signature
	hashed := sha1.Sum(reqData)
	signature, err := d.signer.Sign(hashed[:])
	if err != nil {
		return nil, fmt.Errorf("sign pss: %w", err)
	}

	return &wvpb.SignedMessage{
		Type:      wvpb.SignedMessage_LICENSE_REQUEST.Enum(),
		Msg:       reqData,
		Signature: signature,
	}, nil
}

// contentIdentification carries the init data in the pssh data field. Raw
// init data is sent there as is, without being parsed.
func contentIdentification(s *Session, licenseType wvpb.LicenseType) *wvpb.LicenseRequest_ContentIdentification {
	psshData := s.initData
	if !s.flags.Raw {
		psshData = s.pssh.RawData()
	}

	return &wvpb.LicenseRequest_ContentIdentification{
		ContentIdVariant: &wvpb.LicenseRequest_ContentIdentification_WidevinePsshData_{
			WidevinePsshData: &wvpb.LicenseRequest_ContentIdentification_WidevinePsshData{
				PsshData:    [][]byte{psshData},
				LicenseType: licenseType.Enum(),
				RequestId:   s.Id,
			},
		},
	}
}

func keyControlNonce(r io.Reader) (uint32, error) {
	n, err := rand.Int(r, big.NewInt(maxKeyControlNonce))
	if err != nil {
		return 0, fmt.Errorf("generate key control nonce: %w", err)
	}
	return uint32(n.Int64()) + 1, nil
}

func (d *LocalDevice) encryptClientID(cert *ServiceCertificate) (*wvpb.EncryptedClientIdentification, error) {
	privacyKey, err := randomBytes(d.rand, 16)
	if err != nil {
		return nil, err
	}
	privacyIV, err := randomBytes(d.rand, 16)
	if err != nil {
		return nil, err
	}

	// encryptedClientID
	clientID, err := proto.Marshal(d.clientID)
	if err != nil {
		return nil, fmt.Errorf("marshal client id: %w", err)
	}
	encryptedClientID, err := EncryptAES(privacyKey, privacyIV, clientID)
	if err != nil {
		return nil, fmt.Errorf("encrypt aes: %w", err)
	}

	// encryptedPrivacyKey
	encryptedPrivacyKey, err := rsa.EncryptOAEP(sha1.New(), d.rand, cert.PublicKey, privacyKey, nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt oaep: %w", err)
	}

	return &wvpb.EncryptedClientIdentification{
		ProviderId:                     cert.Cert.ProviderId,
		ServiceCertificateSerialNumber: cert.Cert.SerialNumber,
		EncryptedClientId:              encryptedClientID,
		EncryptedClientIdIv:            privacyIV,
		EncryptedPrivacyKey:            encryptedPrivacyKey,
	}, nil
}

func randomBytes(r io.Reader, length int) ([]byte, error) {
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}
