package wv

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/Eyevinn/mp4ff/mp4"
	wvpb "github.com/iyear/gowidevine/widevinepb"
	"google.golang.org/protobuf/proto"
)

// WidevineSystemID is the system ID of Widevine.
var WidevineSystemID = []byte{0xed, 0xef, 0x8b, 0xa9, 0x79, 0xd6, 0x4a, 0xce, 0xa3, 0xc8, 0x27, 0xdc, 0xd5, 0x1d, 0x21, 0xed}

// PSSH represents structured Widevine init data, either a full PSSH box or
// the bare WidevinePsshData it carries.
type PSSH struct {
	box  *mp4.PsshBox
	raw  []byte
	data *wvpb.WidevinePsshData
}

// NewPSSH creates a PSSH from bytes.
//
// b may be a complete 'pssh' box with the Widevine system ID, or the
// serialized WidevinePsshData payload on its own.
func NewPSSH(b []byte) (*PSSH, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrMalformedInitData)
	}

	if isPsshBox(b) {
		return newPSSHFromBox(b)
	}

	data := &wvpb.WidevinePsshData{}
	if err := proto.Unmarshal(b, data); err != nil {
		return nil, fmt.Errorf("%w: unmarshal pssh data: %v", ErrMalformedInitData, err)
	}

	return &PSSH{
		raw:  b,
		data: data,
	}, nil
}

func newPSSHFromBox(b []byte) (*PSSH, error) {
	box, err := mp4.DecodeBox(0, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: decode box: %v", ErrMalformedInitData, err)
	}

	psshBox, ok := box.(*mp4.PsshBox)
	if !ok {
		return nil, fmt.Errorf("%w: box is a %s instead of a PSSH", ErrMalformedInitData, box.Type())
	}

	if !bytes.Equal(psshBox.SystemID, WidevineSystemID) {
		return nil, fmt.Errorf("%w: system id is %s instead of widevine",
			ErrMalformedInitData, hex.EncodeToString(psshBox.SystemID))
	}

	data := &wvpb.WidevinePsshData{}
	if err = proto.Unmarshal(psshBox.Data, data); err != nil {
		return nil, fmt.Errorf("%w: unmarshal pssh data: %v", ErrMalformedInitData, err)
	}

	return &PSSH{
		box:  psshBox,
		raw:  psshBox.Data,
		data: data,
	}, nil
}

// isPsshBox reports whether b starts with a box header of type 'pssh'
// whose size matches the buffer.
func isPsshBox(b []byte) bool {
	if len(b) < 8 || string(b[4:8]) != "pssh" {
		return false
	}
	size := int(b[0])<<24 | int(b[1])<<16 | int(b[2])<<8 | int(b[3])
	return size == len(b)
}

// Version returns the version of the PSSH box, 0 for bare data.
func (p *PSSH) Version() byte {
	if p.box == nil {
		return 0
	}
	return p.box.Version
}

// Flags returns the flags of the PSSH box, 0 for bare data.
func (p *PSSH) Flags() uint32 {
	if p.box == nil {
		return 0
	}
	return p.box.Flags
}

// RawData returns the serialized WidevinePsshData.
func (p *PSSH) RawData() []byte {
	return p.raw
}

// Data returns the parsed data of the PSSH box.
func (p *PSSH) Data() *wvpb.WidevinePsshData {
	return p.data
}
