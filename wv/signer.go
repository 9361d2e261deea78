package wv

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"io"
)

// Signer performs the private key operations of a device. It is satisfied by
// an in-process RSA key or by any external backend (hardware, remote API)
// that can produce the same results.
type Signer interface {
	// Sign returns the RSASSA-PSS signature of a SHA-1 digest, with a salt
	// as long as the hash.
	Sign(digest []byte) ([]byte, error)
	// Decrypt reverses RSA-OAEP encryption with SHA-1 and MGF1-SHA-1.
	Decrypt(ciphertext []byte) ([]byte, error)
}

// RSASigner is a Signer backed by an RSA private key. The key is never
// modified after construction, so one RSASigner can serve many sessions.
type RSASigner struct {
	key  *rsa.PrivateKey
	rand io.Reader
}

// NewRSASigner wraps key. Randomness comes from crypto/rand.
func NewRSASigner(key *rsa.PrivateKey) *RSASigner {
	return &RSASigner{key: key, rand: rand.Reader}
}

func (s *RSASigner) Sign(digest []byte) ([]byte, error) {
	return rsa.SignPSS(s.rand, s.key, crypto.SHA1, digest,
		&rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
}

func (s *RSASigner) Decrypt(ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha1.New(), s.rand, s.key, ciphertext, nil)
}

// PublicKey returns the public half of the signing key.
func (s *RSASigner) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// privateKeyDER returns the PKCS#1 encoding used by device files.
func (s *RSASigner) privateKeyDER() []byte {
	return x509.MarshalPKCS1PrivateKey(s.key)
}
