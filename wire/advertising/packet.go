package advertising

import (
	"errors"
	"fmt"
)

// Link-layer advertising PDU types.
const (
	PDUTypeAdvInd  = 0x00 // connectable undirected
	PDUTypeScanRsp = 0x04
)

// AD types carried in advertising and scan response data.
const (
	ADTypeFlags                        = 0x01
	ADTypeIncomplete16BitServiceUUIDs  = 0x02
	ADTypeComplete16BitServiceUUIDs    = 0x03
	ADTypeIncomplete128BitServiceUUIDs = 0x06
	ADTypeComplete128BitServiceUUIDs   = 0x07
	ADTypeShortenedLocalName           = 0x08
	ADTypeCompleteLocalName            = 0x09
	ADTypeTxPowerLevel                 = 0x0A
	ADTypeAppearance                   = 0x19
)

// Flags AD values.
const (
	FlagLEGeneralDiscoverableMode = 0x02
	FlagBREDRNotSupported         = 0x04
)

const (
	MaxAdvertisingDataLen = 31
	BLEAddressLen         = 6
)

// PDU is an advertising channel packet:
// [type][length][AdvA 6 bytes][AdvData 0-31 bytes].
type PDU struct {
	Type    byte
	AdvA    [BLEAddressLen]byte
	AdvData []byte
}

// Encode serializes the PDU.
func (p *PDU) Encode() ([]byte, error) {
	if len(p.AdvData) > MaxAdvertisingDataLen {
		return nil, fmt.Errorf("advertising: data exceeds %d bytes: %d", MaxAdvertisingDataLen, len(p.AdvData))
	}

	buf := make([]byte, 2+BLEAddressLen+len(p.AdvData))
	buf[0] = p.Type
	buf[1] = byte(BLEAddressLen + len(p.AdvData))
	copy(buf[2:8], p.AdvA[:])
	copy(buf[8:], p.AdvData)
	return buf, nil
}

// DecodePDU parses one advertising PDU. Trailing bytes are an error.
func DecodePDU(data []byte) (*PDU, error) {
	if len(data) < 2+BLEAddressLen {
		return nil, errors.New("advertising: pdu too short")
	}
	payloadLen := int(data[1])
	if payloadLen < BLEAddressLen || payloadLen-BLEAddressLen > MaxAdvertisingDataLen {
		return nil, fmt.Errorf("advertising: invalid payload length %d", payloadLen)
	}
	if len(data) != 2+payloadLen {
		return nil, fmt.Errorf("advertising: pdu is %d bytes, header says %d", len(data), 2+payloadLen)
	}

	p := &PDU{Type: data[0], AdvData: append([]byte{}, data[8:]...)}
	copy(p.AdvA[:], data[2:8])
	return p, nil
}

// ADStructure is one [length][type][data] element of advertising data.
type ADStructure struct {
	Type byte
	Data []byte
}

// EncodeADStructures concatenates structures into advertising data.
func EncodeADStructures(structures []ADStructure) ([]byte, error) {
	var buf []byte
	for _, s := range structures {
		if 1+len(s.Data) > 255 {
			return nil, fmt.Errorf("advertising: AD structure of %d bytes", 1+len(s.Data))
		}
		buf = append(buf, byte(1+len(s.Data)), s.Type)
		buf = append(buf, s.Data...)
	}
	if len(buf) > MaxAdvertisingDataLen {
		return nil, fmt.Errorf("advertising: data exceeds %d bytes: %d", MaxAdvertisingDataLen, len(buf))
	}
	return buf, nil
}

// DecodeADStructures splits advertising data. A zero length byte ends the
// data (padding).
func DecodeADStructures(data []byte) ([]ADStructure, error) {
	var structures []ADStructure
	for offset := 0; offset < len(data); {
		length := int(data[offset])
		if length == 0 {
			break
		}
		offset++
		if offset+length > len(data) {
			return nil, fmt.Errorf("advertising: AD length %d exceeds remaining %d bytes", length, len(data)-offset)
		}
		structures = append(structures, ADStructure{
			Type: data[offset],
			Data: append([]byte{}, data[offset+1:offset+length]...),
		})
		offset += length
	}
	return structures, nil
}

// ADTypeName returns a readable name for logs.
func ADTypeName(adType byte) string {
	switch adType {
	case ADTypeFlags:
		return "Flags"
	case ADTypeIncomplete16BitServiceUUIDs:
		return "Incomplete 16-bit Service UUIDs"
	case ADTypeComplete16BitServiceUUIDs:
		return "Complete 16-bit Service UUIDs"
	case ADTypeIncomplete128BitServiceUUIDs:
		return "Incomplete 128-bit Service UUIDs"
	case ADTypeComplete128BitServiceUUIDs:
		return "Complete 128-bit Service UUIDs"
	case ADTypeShortenedLocalName:
		return "Shortened Local Name"
	case ADTypeCompleteLocalName:
		return "Complete Local Name"
	case ADTypeTxPowerLevel:
		return "Tx Power Level"
	case ADTypeAppearance:
		return "Appearance"
	}
	return fmt.Sprintf("Unknown(0x%02X)", adType)
}
