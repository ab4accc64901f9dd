package gatt

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Declaration and descriptor types, little endian.
var (
	UUIDPrimaryService             = UUID16(0x2800)
	UUIDSecondaryService           = UUID16(0x2801)
	UUIDCharacteristic             = UUID16(0x2803)
	UUIDClientCharacteristicConfig = UUID16(0x2902)
)

// Services and characteristics served by the battery server.
var (
	UUIDGenericAccess    = UUID16(0x1800)
	UUIDGenericAttribute = UUID16(0x1801)
	UUIDDeviceName       = UUID16(0x2A00)
	UUIDAppearance       = UUID16(0x2A01)
	UUIDServiceChanged   = UUID16(0x2A05)
	UUIDBatteryService   = UUID16(0x180F)
	UUIDBatteryLevel     = UUID16(0x2A19)

	UUIDOTAService      = MustParseUUID("ae5d1e47-5c13-43a0-8635-82ad38a1381f")
	UUIDOTAControlPoint = MustParseUUID("c7261110-f425-447a-a1bd-9d7246768bd8")
	UUIDOTAData         = MustParseUUID("a3dd50bf-f7a7-4e99-838e-570a086c661b")
)

// UUID16 returns the little-endian wire form of a 16-bit UUID.
func UUID16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

// ParseUUID converts a canonical 128-bit UUID string into its little-endian
// wire form.
func ParseUUID(s string) ([]byte, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("gatt: %w", err)
	}
	b := make([]byte, 16)
	for i := range u {
		b[15-i] = u[i]
	}
	return b, nil
}

// MustParseUUID is ParseUUID for package-level tables.
func MustParseUUID(s string) []byte {
	b, err := ParseUUID(s)
	if err != nil {
		panic(err)
	}
	return b
}

// UUIDString renders a wire UUID for logs.
func UUIDString(b []byte) string {
	switch len(b) {
	case 2:
		return fmt.Sprintf("0x%04X", binary.LittleEndian.Uint16(b))
	case 16:
		var u uuid.UUID
		for i := range u {
			u[i] = b[15-i]
		}
		return u.String()
	}
	return fmt.Sprintf("%x", b)
}
