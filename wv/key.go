package wv

import (
	"encoding/hex"
	"strings"

	wvpb "github.com/iyear/gowidevine/widevinepb"
)

type KeyType int32

const (
	SIGNING          KeyType = 1 // Exactly one key of this type must appear.
	CONTENT          KeyType = 2 // Content key.
	KEY_CONTROL      KeyType = 3 // Key control block for license renewals. No key.
	OPERATOR_SESSION KeyType = 4 // wrapped keys for auxiliary crypto operations.
	ENTITLEMENT      KeyType = 5 // Entitlement keys.
	OEM_CONTENT      KeyType = 6
)

func (t KeyType) String() string {
	if name, ok := wvpb.License_KeyContainer_KeyType_name[int32(t)]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseKeyType maps a key type name such as "content" or "CONTENT" to its
// KeyType. It returns false for unknown names.
func ParseKeyType(name string) (KeyType, bool) {
	v, ok := wvpb.License_KeyContainer_KeyType_value[strings.ToUpper(name)]
	if !ok {
		return 0, false
	}
	return KeyType(v), true
}

type Key struct {
	// Type is the type of key.
	Type KeyType
	// IV is the initialization vector of the key.
	IV []byte
	// ID is the ID of the key. Keys without an ID carry the type name instead.
	ID []byte
	// Key is the key.
	Key []byte
	// Permissions lists the allowed operations of an OPERATOR_SESSION key.
	Permissions []string
}

func (k *Key) KeyIdHex() string {
	return hex.EncodeToString(k.ID)
}

func (k *Key) KeyHex() string {
	return hex.EncodeToString(k.Key)
}

// String returns the key in the "kid:key" form used by decryption tools.
func (k *Key) String() string {
	return k.KeyIdHex() + ":" + k.KeyHex()
}
