package wv

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	sessionKeyLength = 16

	encryptionLabel     = "ENCRYPTION"
	authenticationLabel = "AUTHENTICATION"
)

// DerivedKeys are the symmetric keys derived from a license session key.
type DerivedKeys struct {
	// Enc decrypts the key containers of the license.
	Enc []byte
	// Auth1 authenticates license responses from the server.
	Auth1 []byte
	// Auth2 authenticates renewal requests to the server.
	Auth2 []byte
}

// DeriveKeys derives the encryption and authentication keys of a session from
// its session key and the serialized LicenseRequest it answered.
func DeriveKeys(sessionKey, licenseRequest []byte) (*DerivedKeys, error) {
	if len(sessionKey) != sessionKeyLength {
		return nil, fmt.Errorf("invalid session key length: %d", len(sessionKey))
	}

	encContext := derivationContext(encryptionLabel, licenseRequest, 128)
	authContext := derivationContext(authenticationLabel, licenseRequest, 512)

	enc, err := cmacCounters(sessionKey, encContext, 1)
	if err != nil {
		return nil, fmt.Errorf("derive enc key: %w", err)
	}
	auth1, err := cmacCounters(sessionKey, authContext, 1, 2)
	if err != nil {
		return nil, fmt.Errorf("derive auth key 1: %w", err)
	}
	auth2, err := cmacCounters(sessionKey, authContext, 3, 4)
	if err != nil {
		return nil, fmt.Errorf("derive auth key 2: %w", err)
	}

	return &DerivedKeys{
		Enc:   enc,
		Auth1: auth1,
		Auth2: auth2,
	}, nil
}

func (k *DerivedKeys) clone() *DerivedKeys {
	if k == nil {
		return nil
	}
	return &DerivedKeys{
		Enc:   bytes.Clone(k.Enc),
		Auth1: bytes.Clone(k.Auth1),
		Auth2: bytes.Clone(k.Auth2),
	}
}

// derivationContext lays out label || 0x00 || licenseRequest || bits as a
// 32-bit big endian length of the derived key.
func derivationContext(label string, licenseRequest []byte, bits uint32) []byte {
	context := make([]byte, 0, len(label)+1+len(licenseRequest)+4)
	context = append(context, label...)
	context = append(context, 0)
	context = append(context, licenseRequest...)
	return binary.BigEndian.AppendUint32(context, bits)
}

// cmacCounters concatenates CMAC(key, counter || context) for each counter.
func cmacCounters(key, context []byte, counters ...byte) ([]byte, error) {
	data := make([]byte, 1+len(context))
	copy(data[1:], context)

	out := make([]byte, 0, 16*len(counters))
	for _, counter := range counters {
		data[0] = counter
		sum, err := cmacAES(data, key)
		if err != nil {
			return nil, err
		}
		out = append(out, sum...)
	}

	return out, nil
}
