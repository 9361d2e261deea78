package wv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WVD file layout, all integers big endian:
//
//	"WVD" | version u8 | type u8 | security level u8 | flags u8 |
//	private key len u16 | private key (DER) | client id len u16 | client id |
//	[vmp len u16 | vmp]
//
// Bit 0 of flags is send_key_control_nonce, the other seven bits are reserved.
var wvdMagic = []byte("WVD")

const (
	wvdVersion = 1

	wvdFlagSendKeyControlNonce = 1 << 0
)

// Credentials is the content of a WVD device file.
type Credentials struct {
	Type          DeviceType
	SecurityLevel uint8
	Flags         DeviceFlags
	// PrivateKey is the DER encoded RSA private key, nil when the device
	// signs through an external Signer.
	PrivateKey []byte
	// ClientID is the serialized ClientIdentification.
	ClientID []byte
	// VMP is the serialized Verified Media Path file hashes, if any.
	VMP []byte
}

// ReadCredentials reads a WVD device file from r.
func ReadCredentials(r io.Reader) (*Credentials, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read wvd: %w", err)
	}
	return ParseCredentials(b)
}

// ReadCredentialsFile reads a WVD device file from disk.
func ReadCredentialsFile(path string) (*Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wvd: %w", err)
	}
	defer f.Close()

	return ReadCredentials(f)
}

// ParseCredentials decodes a WVD device file.
func ParseCredentials(b []byte) (*Credentials, error) {
	r := &wvdReader{buf: b}

	magic := r.bytes(len(wvdMagic))
	version := r.uint8()
	typ := r.uint8()
	securityLevel := r.uint8()
	flags := r.uint8()
	privateKey := r.block()
	clientID := r.block()
	if r.err != nil {
		return nil, fmt.Errorf("%w: wvd header: %v", ErrMalformedDevice, r.err)
	}

	if !bytes.Equal(magic, wvdMagic) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrMalformedDevice, magic)
	}
	if version != wvdVersion {
		return nil, fmt.Errorf("%w: unsupported wvd version %d", ErrMalformedDevice, version)
	}
	if !DeviceType(typ).valid() {
		return nil, fmt.Errorf("%w: unknown device type %d", ErrMalformedDevice, typ)
	}

	c := &Credentials{
		Type:          DeviceType(typ),
		SecurityLevel: securityLevel,
		Flags: DeviceFlags{
			SendKeyControlNonce: flags&wvdFlagSendKeyControlNonce != 0,
		},
		PrivateKey: privateKey,
		ClientID:   clientID,
	}

	// the VMP section is optional and may be missing entirely
	if r.remaining() > 0 {
		c.VMP = r.block()
		if r.err != nil {
			return nil, fmt.Errorf("%w: wvd vmp: %v", ErrMalformedDevice, r.err)
		}
	}
	if r.remaining() > 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedDevice, r.remaining())
	}

	return c, nil
}

// MarshalBinary encodes c as a WVD device file.
func (c *Credentials) MarshalBinary() ([]byte, error) {
	if !c.Type.valid() {
		return nil, fmt.Errorf("unknown device type %d", c.Type)
	}
	for name, section := range map[string][]byte{
		"private key": c.PrivateKey,
		"client id":   c.ClientID,
		"vmp":         c.VMP,
	} {
		if len(section) > 0xffff {
			return nil, fmt.Errorf("%s is too long: %d bytes", name, len(section))
		}
	}

	var flags uint8
	if c.Flags.SendKeyControlNonce {
		flags |= wvdFlagSendKeyControlNonce
	}

	buf := make([]byte, 0, len(wvdMagic)+4+6+len(c.PrivateKey)+len(c.ClientID)+len(c.VMP))
	buf = append(buf, wvdMagic...)
	buf = append(buf, wvdVersion, byte(c.Type), c.SecurityLevel, flags)
	buf = appendBlock(buf, c.PrivateKey)
	buf = appendBlock(buf, c.ClientID)
	buf = appendBlock(buf, c.VMP)

	return buf, nil
}

// WriteTo writes the WVD encoding of c to w.
func (c *Credentials) WriteTo(w io.Writer) (int64, error) {
	b, err := c.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	if err != nil {
		return int64(n), fmt.Errorf("write wvd: %w", err)
	}
	return int64(n), nil
}

func appendBlock(buf, block []byte) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(block)))
	return append(buf, block...)
}

// wvdReader reads fixed order fields, remembering the first error.
type wvdReader struct {
	buf []byte
	off int
	err error
}

func (r *wvdReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *wvdReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.remaining() < n {
		r.err = fmt.Errorf("need %d bytes at offset %d, have %d", n, r.off, r.remaining())
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *wvdReader) uint8() uint8 {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// block reads a u16 length prefixed section. Empty sections read as nil.
func (r *wvdReader) block() []byte {
	l := r.bytes(2)
	if l == nil {
		return nil
	}
	n := int(binary.BigEndian.Uint16(l))
	if n == 0 {
		return nil
	}
	b := r.bytes(n)
	if b == nil {
		return nil
	}
	return bytes.Clone(b)
}
