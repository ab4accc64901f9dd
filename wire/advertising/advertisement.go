package advertising

import (
	"bytes"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// FileExt marks advertisement files next to the peripheral sockets.
const FileExt = ".adv"

// Advertisement is what a peripheral broadcasts while it accepts
// connections. 128-bit UUIDs are little endian.
type Advertisement struct {
	Addr        net.HardwareAddr
	Name        string
	Appearance  uint16
	Services16  []uint16
	Services128 [][]byte
}

// Packets builds the ADV_IND and SCAN_RSP PDUs. The advertising packet
// carries flags and services plus as much of the name as fits; the scan
// response carries the complete name and appearance.
func (a *Advertisement) Packets() (adv, scanRsp []byte, err error) {
	var addr [BLEAddressLen]byte
	copy(addr[:], a.Addr)

	structures := []ADStructure{{Type: ADTypeFlags, Data: []byte{FlagLEGeneralDiscoverableMode | FlagBREDRNotSupported}}}
	if len(a.Services16) > 0 {
		data := make([]byte, 0, 2*len(a.Services16))
		for _, u := range a.Services16 {
			data = binary.LittleEndian.AppendUint16(data, u)
		}
		structures = append(structures, ADStructure{Type: ADTypeComplete16BitServiceUUIDs, Data: data})
	}
	if len(a.Services128) > 0 {
		var data []byte
		for _, u := range a.Services128 {
			if len(u) != 16 {
				return nil, nil, errors.Errorf("advertising: service uuid of %d bytes", len(u))
			}
			data = append(data, u...)
		}
		structures = append(structures, ADStructure{Type: ADTypeComplete128BitServiceUUIDs, Data: data})
	}

	used := 0
	for _, s := range structures {
		used += 2 + len(s.Data)
	}
	if room := MaxAdvertisingDataLen - used - 2; room > 0 && a.Name != "" {
		name, typ := a.Name, byte(ADTypeCompleteLocalName)
		if len(name) > room {
			name, typ = name[:room], ADTypeShortenedLocalName
		}
		structures = append(structures, ADStructure{Type: typ, Data: []byte(name)})
	}

	advData, err := EncodeADStructures(structures)
	if err != nil {
		return nil, nil, err
	}
	name, typ := a.Name, byte(ADTypeCompleteLocalName)
	if room := MaxAdvertisingDataLen - 4 - 2; len(name) > room {
		name, typ = name[:room], ADTypeShortenedLocalName
	}
	rspData, err := EncodeADStructures([]ADStructure{
		{Type: typ, Data: []byte(name)},
		{Type: ADTypeAppearance, Data: binary.LittleEndian.AppendUint16(nil, a.Appearance)},
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "scan response")
	}

	if adv, err = (&PDU{Type: PDUTypeAdvInd, AdvA: addr, AdvData: advData}).Encode(); err != nil {
		return nil, nil, err
	}
	if scanRsp, err = (&PDU{Type: PDUTypeScanRsp, AdvA: addr, AdvData: rspData}).Encode(); err != nil {
		return nil, nil, err
	}
	return adv, scanRsp, nil
}

// Parse rebuilds an advertisement from its packets. A complete name wins
// over a shortened one.
func Parse(adv, scanRsp []byte) (*Advertisement, error) {
	a := &Advertisement{}
	for _, raw := range [][]byte{adv, scanRsp} {
		if raw == nil {
			continue
		}
		pdu, err := DecodePDU(raw)
		if err != nil {
			return nil, err
		}
		a.Addr = net.HardwareAddr(append([]byte{}, pdu.AdvA[:]...))

		structures, err := DecodeADStructures(pdu.AdvData)
		if err != nil {
			return nil, err
		}
		for _, s := range structures {
			switch s.Type {
			case ADTypeCompleteLocalName:
				a.Name = string(s.Data)
			case ADTypeShortenedLocalName:
				if a.Name == "" {
					a.Name = string(s.Data)
				}
			case ADTypeAppearance:
				if len(s.Data) == 2 {
					a.Appearance = binary.LittleEndian.Uint16(s.Data)
				}
			case ADTypeComplete16BitServiceUUIDs, ADTypeIncomplete16BitServiceUUIDs:
				for i := 0; i+2 <= len(s.Data); i += 2 {
					a.Services16 = append(a.Services16, binary.LittleEndian.Uint16(s.Data[i:]))
				}
			case ADTypeComplete128BitServiceUUIDs, ADTypeIncomplete128BitServiceUUIDs:
				for i := 0; i+16 <= len(s.Data); i += 16 {
					a.Services128 = append(a.Services128, append([]byte{}, s.Data[i:i+16]...))
				}
			}
		}
	}
	return a, nil
}

// HasService reports whether the advertisement lists a service, given as a
// 2- or 16-byte little-endian UUID.
func (a *Advertisement) HasService(u []byte) bool {
	switch len(u) {
	case 2:
		v := binary.LittleEndian.Uint16(u)
		for _, s := range a.Services16 {
			if s == v {
				return true
			}
		}
	case 16:
		for _, s := range a.Services128 {
			if bytes.Equal(s, u) {
				return true
			}
		}
	}
	return false
}

// WriteFile publishes the advertisement at path: both packets, each
// preceded by its length.
func WriteFile(path string, a *Advertisement) error {
	adv, scanRsp, err := a.Packets()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.WriteByte(byte(len(adv)))
	buf.Write(adv)
	buf.WriteByte(byte(len(scanRsp)))
	buf.Write(scanRsp)

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return errors.Wrap(err, "advertising: write")
	}
	return errors.Wrap(os.Rename(tmp, path), "advertising: publish")
}

// ReadFile loads an advertisement written by WriteFile.
func ReadFile(path string) (*Advertisement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var packets [][]byte
	for len(data) > 0 {
		n := int(data[0])
		if 1+n > len(data) {
			return nil, errors.Errorf("advertising: truncated file %s", filepath.Base(path))
		}
		packets = append(packets, data[1:1+n])
		data = data[1+n:]
	}
	if len(packets) != 2 {
		return nil, errors.Errorf("advertising: %s holds %d packets", filepath.Base(path), len(packets))
	}
	return Parse(packets[0], packets[1])
}
