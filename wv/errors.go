package wv

import (
	"errors"
	"strings"
)

var (
	ErrMalformedCertificate  = errors.New("malformed service certificate")
	ErrMalformedLicense      = errors.New("malformed license")
	ErrMalformedInitData     = errors.New("malformed init data")
	ErrMalformedDevice       = errors.New("malformed device")
	ErrMissingClientIdentity = errors.New("no client identification blob is available for this device")
	ErrMissingPrivateKey     = errors.New("no private key or signer is available for this device")
	ErrSignatureMismatch     = errors.New("license signature doesn't match its message")
	ErrInvalidSessionState   = errors.New("invalid session state")
	ErrSessionNotFound       = errors.New("session not found")
	ErrTooManySessions       = errors.New("too many CDM sessions")
)

// transientRemoteError is the only remote signer failure known to go away on
// a second attempt. The match is on the upstream's error text.
const transientRemoteError = "License Response Decryption Process Failed at the very beginning"

// RemoteSignerError is returned when a remote signing service answers with
// anything other than success.
type RemoteSignerError struct {
	Message   string
	Transient bool
}

func (e *RemoteSignerError) Error() string {
	if e.Transient {
		return "remote cdm returned a transient error: " + e.Message
	}
	return "remote cdm returned an error: " + e.Message
}

func newRemoteSignerError(message string) *RemoteSignerError {
	return &RemoteSignerError{
		Message:   message,
		Transient: strings.Contains(message, transientRemoteError),
	}
}
