package wv

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"

	wvpb "github.com/iyear/gowidevine/widevinepb"
	"google.golang.org/protobuf/proto"
)

var ServiceCertificateRequest = []byte{0x08, 0x04}

var CommonPrivacyCert = "CAUSxwUKwQIIAxIQFwW5F8wSBIaLBjM6L3cqjBiCtIKSBSKOAjCCAQoCggEBAJntWzsyfateJO/DtiqVtZhSCtW8yzdQPgZFuBTYdrjfQFEE" +
	"Qa2M462xG7iMTnJaXkqeB5UpHVhYQCOn4a8OOKkSeTkwCGELbxWMh4x+Ib/7/up34QGeHleB6KRfRiY9FOYOgFioYHrc4E+shFexN6jWfM3r" +
	"M3BdmDoh+07svUoQykdJDKR+ql1DghjduvHK3jOS8T1v+2RC/THhv0CwxgTRxLpMlSCkv5fuvWCSmvzu9Vu69WTi0Ods18Vcc6CCuZYSC4NZ" +
	"7c4kcHCCaA1vZ8bYLErF8xNEkKdO7DevSy8BDFnoKEPiWC8La59dsPxebt9k+9MItHEbzxJQAZyfWgkCAwEAAToUbGljZW5zZS53aWRldmlu" +
	"ZS5jb20SgAOuNHMUtag1KX8nE4j7e7jLUnfSSYI83dHaMLkzOVEes8y96gS5RLknwSE0bv296snUE5F+bsF2oQQ4RgpQO8GVK5uk5M4PxL/C" +
	"CpgIqq9L/NGcHc/N9XTMrCjRtBBBbPneiAQwHL2zNMr80NQJeEI6ZC5UYT3wr8+WykqSSdhV5Cs6cD7xdn9qm9Nta/gr52u/DLpP3lnSq8x2" +
	"/rZCR7hcQx+8pSJmthn8NpeVQ/ypy727+voOGlXnVaPHvOZV+WRvWCq5z3CqCLl5+Gf2Ogsrf9s2LFvE7NVV2FvKqcWTw4PIV9Sdqrd+QLeF" +
	"Hd/SSZiAjjWyWOddeOrAyhb3BHMEwg2T7eTo/xxvF+YkPj89qPwXCYcOxF+6gjomPwzvofcJOxkJkoMmMzcFBDopvab5tDQsyN9UPLGhGC98" +
	"X/8z8QSQ+spbJTYLdgFenFoGq47gLwDS6NWYYQSqzE3Udf2W7pzk4ybyG4PHBYV3s4cyzdq8amvtE/sNSdOKReuHpfQ="

var StagingPrivacyCert = "CAUSxQUKvwIIAxIQKHA0VMAI9jYYredEPbbEyBiL5/mQBSKOAjCCAQoCggEBALUhErjQXQI/zF2V4sJRwcZJtBd82NK+7zVbsGdD3mYePSq8" +
	"MYK3mUbVX9wI3+lUB4FemmJ0syKix/XgZ7tfCsB6idRa6pSyUW8HW2bvgR0NJuG5priU8rmFeWKqFxxPZmMNPkxgJxiJf14e+baq9a1Nuip+" +
	"FBdt8TSh0xhbWiGKwFpMQfCB7/+Ao6BAxQsJu8dA7tzY8U1nWpGYD5LKfdxkagatrVEB90oOSYzAHwBTK6wheFC9kF6QkjZWt9/v70JIZ2fz" +
	"PvYoPU9CVKtyWJOQvuVYCPHWaAgNRdiTwryi901goMDQoJk87wFgRwMzTDY4E5SGvJ2vJP1noH+a2UMCAwEAAToSc3RhZ2luZy5nb29nbGUu" +
	"Y29tEoADmD4wNSZ19AunFfwkm9rl1KxySaJmZSHkNlVzlSlyH/iA4KrvxeJ7yYDa6tq/P8OG0ISgLIJTeEjMdT/0l7ARp9qXeIoA4qprhM19" +
	"ccB6SOv2FgLMpaPzIDCnKVww2pFbkdwYubyVk7jei7UPDe3BKTi46eA5zd4Y+oLoG7AyYw/pVdhaVmzhVDAL9tTBvRJpZjVrKH1lexjOY9Dv" +
	"1F/FJp6X6rEctWPlVkOyb/SfEJwhAa/K81uDLyiPDZ1Flg4lnoX7XSTb0s+Cdkxd2b9yfvvpyGH4aTIfat4YkF9Nkvmm2mU224R1hx0WjocL" +
	"sjA89wxul4TJPS3oRa2CYr5+DU4uSgdZzvgtEJ0lksckKfjAF0K64rPeytvDPD5fS69eFuy3Tq26/LfGcF96njtvOUA4P5xRFtICogySKe6W" +
	"nCUZcYMDtQ0BMMM1LgawFNg4VA+KDCJ8ABHg9bOOTimO0sswHrRWSWX1XF15dXolCk65yEqz5lOfa2/fVomeopkU"

// ServiceCertificate is a parsed service certificate, used in privacy mode
// to encrypt the client identification.
type ServiceCertificate struct {
	// Raw is the blob the certificate was parsed from.
	Raw       []byte
	Signed    *wvpb.SignedDrmCertificate
	Cert      *wvpb.DrmCertificate
	PublicKey *rsa.PublicKey
}

// DecodeServiceCert decodes a base64 service certificate, e.g. CommonPrivacyCert.
func DecodeServiceCert(b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64: %v", ErrMalformedCertificate, err)
	}
	return raw, nil
}

// ParseServiceCert parses a service certificate which can be used in privacy mode.
//
// The blob is either a SignedMessage of type SERVICE_CERTIFICATE, as returned by
// license servers for a ServiceCertificateRequest, or a bare SignedDrmCertificate.
func ParseServiceCert(serviceCert []byte) (*ServiceCertificate, error) {
	if len(serviceCert) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedCertificate)
	}

	signedCertData := serviceCert
	msg := &wvpb.SignedMessage{}
	if err := proto.Unmarshal(serviceCert, msg); err == nil && msg.GetType() == wvpb.SignedMessage_SERVICE_CERTIFICATE {
		signedCertData = msg.GetMsg()
	}

	signedCert := &wvpb.SignedDrmCertificate{}
	if err := proto.Unmarshal(signedCertData, signedCert); err != nil {
		return nil, fmt.Errorf("%w: unmarshal signed drm certificate: %v", ErrMalformedCertificate, err)
	}

	cert := &wvpb.DrmCertificate{}
	if err := proto.Unmarshal(signedCert.GetDrmCertificate(), cert); err != nil {
		return nil, fmt.Errorf("%w: unmarshal drm certificate: %v", ErrMalformedCertificate, err)
	}

	publicKey, err := ParsePublicKey(cert.GetPublicKey())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCertificate, err)
	}

	return &ServiceCertificate{
		Raw:       serviceCert,
		Signed:    signedCert,
		Cert:      cert,
		PublicKey: publicKey,
	}, nil
}

// parseSignedLicense decodes the outer envelope of a license response.
func parseSignedLicense(license []byte) (*wvpb.SignedMessage, error) {
	if len(license) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedLicense)
	}

	signedMsg := &wvpb.SignedMessage{}
	if err := proto.Unmarshal(license, signedMsg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal signed message: %v", ErrMalformedLicense, err)
	}
	if signedMsg.GetType() != wvpb.SignedMessage_LICENSE {
		return nil, fmt.Errorf("%w: invalid license type: %v", ErrMalformedLicense, signedMsg.GetType())
	}
	if len(signedMsg.GetMsg()) == 0 || len(signedMsg.GetSessionKey()) == 0 {
		return nil, fmt.Errorf("%w: missing message or session key", ErrMalformedLicense)
	}

	return signedMsg, nil
}

// systemIDFromClientID extracts the system id from the DRM certificate
// carried in the client identification token.
func systemIDFromClientID(clientID *wvpb.ClientIdentification) uint32 {
	signedCert := &wvpb.SignedDrmCertificate{}
	if err := proto.Unmarshal(clientID.GetToken(), signedCert); err != nil {
		return 0
	}
	cert := &wvpb.DrmCertificate{}
	if err := proto.Unmarshal(signedCert.GetDrmCertificate(), cert); err != nil {
		return 0
	}
	return cert.GetSystemId()
}
