package gatt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Group is one primary service as reported by Read By Group Type.
type Group struct {
	Start uint16
	End   uint16
	UUID  []byte
}

// Groups returns the primary services whose declaration lies in [start, end].
// A service ends just before the next service declaration.
func (s *Store) Groups(start, end uint16) []Group {
	var groups []Group
	for i, e := range s.entries {
		if !bytes.Equal(e.Type, UUIDPrimaryService) {
			continue
		}
		g := Group{Start: e.Handle, End: s.LastHandle(), UUID: e.Value()}
		for _, next := range s.entries[i+1:] {
			if bytes.Equal(next.Type, UUIDPrimaryService) {
				g.End = next.Handle - 1
				break
			}
		}
		if g.Start >= start && g.Start <= end {
			groups = append(groups, g)
		}
	}
	return groups
}

// DiscoveredCharacteristic is a parsed characteristic declaration.
type DiscoveredCharacteristic struct {
	Declaration uint16
	Properties  uint8
	Value       uint16
	UUID        []byte
}

// DiscoveredDescriptor is a (handle, type) pair from Find Information.
type DiscoveredDescriptor struct {
	Handle uint16
	UUID   []byte
}

// ParseGroups decodes a Read By Group Type response body.
func ParseGroups(length uint8, data []byte) ([]Group, error) {
	l := int(length)
	if l != 6 && l != 20 {
		return nil, fmt.Errorf("gatt: invalid group entry length %d", l)
	}
	if len(data)%l != 0 {
		return nil, fmt.Errorf("gatt: incomplete service data, %d bytes remaining", len(data)%l)
	}

	var groups []Group
	for ; len(data) > 0; data = data[l:] {
		groups = append(groups, Group{
			Start: binary.LittleEndian.Uint16(data[0:2]),
			End:   binary.LittleEndian.Uint16(data[2:4]),
			UUID:  append([]byte{}, data[4:l]...),
		})
	}
	return groups, nil
}

// ParseCharacteristics decodes a Read By Type response for characteristic
// declarations.
func ParseCharacteristics(length uint8, data []byte) ([]DiscoveredCharacteristic, error) {
	l := int(length)
	if l != 7 && l != 21 {
		return nil, fmt.Errorf("gatt: invalid characteristic entry length %d", l)
	}
	if len(data)%l != 0 {
		return nil, fmt.Errorf("gatt: incomplete characteristic data, %d bytes remaining", len(data)%l)
	}

	var chars []DiscoveredCharacteristic
	for ; len(data) > 0; data = data[l:] {
		chars = append(chars, DiscoveredCharacteristic{
			Declaration: binary.LittleEndian.Uint16(data[0:2]),
			Properties:  data[2],
			Value:       binary.LittleEndian.Uint16(data[3:5]),
			UUID:        append([]byte{}, data[5:l]...),
		})
	}
	return chars, nil
}

// ParseDescriptors decodes a Find Information response body.
func ParseDescriptors(format uint8, data []byte) ([]DiscoveredDescriptor, error) {
	var size int
	switch format {
	case 0x01:
		size = 4
	case 0x02:
		size = 18
	default:
		return nil, fmt.Errorf("gatt: invalid Find Information format 0x%02X", format)
	}
	if len(data)%size != 0 {
		return nil, fmt.Errorf("gatt: incomplete descriptor data, %d bytes remaining", len(data)%size)
	}

	var descs []DiscoveredDescriptor
	for ; len(data) > 0; data = data[size:] {
		descs = append(descs, DiscoveredDescriptor{
			Handle: binary.LittleEndian.Uint16(data[0:2]),
			UUID:   append([]byte{}, data[2:size]...),
		})
	}
	return descs, nil
}

// Profile is what a central learned about a peer's database.
type Profile struct {
	Services        []Group
	Characteristics []DiscoveredCharacteristic
	Descriptors     []DiscoveredDescriptor
}

// Characteristic finds a characteristic by UUID.
func (p *Profile) Characteristic(uuid []byte) (DiscoveredCharacteristic, bool) {
	for _, c := range p.Characteristics {
		if bytes.Equal(c.UUID, uuid) {
			return c, true
		}
	}
	return DiscoveredCharacteristic{}, false
}

// CCCD returns the configuration descriptor that follows a characteristic
// value handle, before the next declaration.
func (p *Profile) CCCD(valueHandle uint16) (uint16, bool) {
	for _, d := range p.Descriptors {
		if d.Handle <= valueHandle {
			continue
		}
		if bytes.Equal(d.UUID, UUIDCharacteristic) || bytes.Equal(d.UUID, UUIDPrimaryService) {
			return 0, false
		}
		if bytes.Equal(d.UUID, UUIDClientCharacteristicConfig) {
			return d.Handle, true
		}
	}
	return 0, false
}
