package gatt

import (
	"encoding/binary"
	"fmt"
)

// Service is a primary service definition.
type Service struct {
	UUID            []byte
	Characteristics []Characteristic
}

// Characteristic is a characteristic definition. MaxLen defaults to the
// length of the initial Value. Notify or indicate adds a CCCD.
type Characteristic struct {
	UUID       []byte
	Properties uint8
	MaxLen     int
	Value      []byte
}

// CharacteristicHandles locates a built characteristic.
type CharacteristicHandles struct {
	Declaration uint16
	Value       uint16
	CCCD        uint16
}

// ServiceHandles locates a built service.
type ServiceHandles struct {
	UUID  []byte
	Start uint16
	End   uint16
	chars map[string]CharacteristicHandles
}

// Characteristic returns the handles of a characteristic in the service.
func (s *ServiceHandles) Characteristic(uuid []byte) (CharacteristicHandles, bool) {
	h, ok := s.chars[string(uuid)]
	return h, ok
}

type builder struct {
	next    uint16
	entries []*Entry
}

func (b *builder) add(typ []byte, value []byte, maxLen int, perm uint8) uint16 {
	if maxLen < len(value) {
		maxLen = len(value)
	}
	e := &Entry{
		Handle: b.next,
		Type:   typ,
		MaxLen: maxLen,
		CurLen: len(value),
		Data:   make([]byte, maxLen),
		Perm:   perm,
	}
	copy(e.Data, value)
	b.entries = append(b.entries, e)
	b.next++
	return e.Handle
}

// Build lays out services starting at handle 1 and returns the store plus
// the handle map of every service.
func Build(services []Service) (*Store, []*ServiceHandles, error) {
	b := &builder{next: 1}
	var infos []*ServiceHandles

	for _, svc := range services {
		if len(svc.UUID) != 2 && len(svc.UUID) != 16 {
			return nil, nil, fmt.Errorf("gatt: service uuid must be 2 or 16 bytes, got %d", len(svc.UUID))
		}

		info := &ServiceHandles{UUID: svc.UUID, chars: make(map[string]CharacteristicHandles)}
		info.Start = b.add(UUIDPrimaryService, svc.UUID, 0, PermReadable)

		for _, c := range svc.Characteristics {
			info.chars[string(c.UUID)] = b.characteristic(c)
		}

		info.End = b.next - 1
		infos = append(infos, info)
	}

	store, err := NewStore(b.entries)
	if err != nil {
		return nil, nil, err
	}
	return store, infos, nil
}

func (b *builder) characteristic(c Characteristic) CharacteristicHandles {
	var h CharacteristicHandles

	// [properties][value handle][uuid]
	decl := make([]byte, 3+len(c.UUID))
	decl[0] = c.Properties
	binary.LittleEndian.PutUint16(decl[1:3], b.next+1)
	copy(decl[3:], c.UUID)
	h.Declaration = b.add(UUIDCharacteristic, decl, 0, PermReadable)

	h.Value = b.add(c.UUID, c.Value, c.MaxLen, permissions(c.Properties))

	if c.Properties&(PropNotify|PropIndicate) != 0 {
		h.CCCD = b.add(UUIDClientCharacteristicConfig, []byte{0x00, 0x00}, 2, PermReadable|PermWritable)
	}
	return h
}

func permissions(props uint8) uint8 {
	var perm uint8
	if props&PropRead != 0 {
		perm |= PermReadable
	}
	if props&(PropWrite|PropWriteWithoutResponse|PropSignedWrite) != 0 {
		perm |= PermWritable
	}
	return perm
}

// Database is the battery server's attribute table with its well-known handles.
type Database struct {
	*Store
	Services []*ServiceHandles

	DeviceName          uint16
	BatteryLevel        uint16
	BatteryLevelCCCD    uint16
	OTAControlPoint     uint16
	OTAControlPointCCCD uint16
	OTAData             uint16
}

// Attribute sizes.
const (
	MaxDeviceNameLen = 32
	MaxOTADataLen    = 512
	InitialBattery   = 100

	// AppearanceGenericTag is the advertised appearance value.
	AppearanceGenericTag = 0x0200
)

// NewDatabase builds the GAP, GATT, Battery and firmware-update services.
func NewDatabase(deviceName string) (*Database, error) {
	if len(deviceName) > MaxDeviceNameLen {
		return nil, fmt.Errorf("gatt: device name longer than %d bytes", MaxDeviceNameLen)
	}

	store, infos, err := Build([]Service{
		{
			UUID: UUIDGenericAccess,
			Characteristics: []Characteristic{
				{UUID: UUIDDeviceName, Properties: PropRead | PropWrite, MaxLen: MaxDeviceNameLen, Value: []byte(deviceName)},
				{UUID: UUIDAppearance, Properties: PropRead, Value: UUID16(AppearanceGenericTag)},
			},
		},
		{
			UUID: UUIDGenericAttribute,
			Characteristics: []Characteristic{
				{UUID: UUIDServiceChanged, Properties: PropIndicate, Value: make([]byte, 4)},
			},
		},
		{
			UUID: UUIDBatteryService,
			Characteristics: []Characteristic{
				{UUID: UUIDBatteryLevel, Properties: PropRead | PropNotify, MaxLen: 1, Value: []byte{InitialBattery}},
			},
		},
		{
			UUID: UUIDOTAService,
			Characteristics: []Characteristic{
				{UUID: UUIDOTAControlPoint, Properties: PropWrite | PropNotify | PropIndicate, MaxLen: 5},
				{UUID: UUIDOTAData, Properties: PropWrite | PropWriteWithoutResponse, MaxLen: MaxOTADataLen},
			},
		},
	})
	if err != nil {
		return nil, err
	}

	db := &Database{Store: store, Services: infos}
	gap, _ := infos[0].Characteristic(UUIDDeviceName)
	battery, _ := infos[2].Characteristic(UUIDBatteryLevel)
	control, _ := infos[3].Characteristic(UUIDOTAControlPoint)
	data, _ := infos[3].Characteristic(UUIDOTAData)

	db.DeviceName = gap.Value
	db.BatteryLevel = battery.Value
	db.BatteryLevelCCCD = battery.CCCD
	db.OTAControlPoint = control.Value
	db.OTAControlPointCCCD = control.CCCD
	db.OTAData = data.Value
	return db, nil
}

// Service returns the handles of a service by UUID.
func (db *Database) Service(uuid []byte) (*ServiceHandles, bool) {
	for _, s := range db.Services {
		if string(s.UUID) == string(uuid) {
			return s, true
		}
	}
	return nil, false
}
