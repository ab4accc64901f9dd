package server

import (
	"bytes"
	"encoding/binary"

	"github.com/user/ble-battery-server/wire/att"
	"github.com/user/ble-battery-server/wire/gatt"
)

// maxPairLen is the largest handle-value pair a length byte can describe.
const maxPairLen = 255

// readValue returns the part of e's value a single read at offset may carry.
// Reading at or past the end is an error, also for empty values.
func readValue(e *gatt.Entry, offset, mtu int) ([]byte, error) {
	if offset >= e.CurLen {
		return nil, gatt.ErrOffsetOutOfRange
	}
	n := min(mtu-1, e.CurLen-offset)
	return append([]byte{}, e.Data[offset:offset+n]...), nil
}

func (d *Dispatcher) read(handle uint16, offset int, respOp uint8) (uint16, error) {
	e, ok := d.db.Find(handle)
	if !ok {
		return handle, gatt.ErrNotFound
	}
	if !e.Readable() {
		return handle, gatt.ErrReadNotPermitted
	}

	value, err := readValue(e, offset, d.mtu)
	if err != nil {
		return handle, err
	}

	var pkt interface{} = &att.ReadResponse{Value: value}
	if respOp == att.OpReadBlobResponse {
		pkt = &att.ReadBlobResponse{Value: value}
	}
	return handle, d.respond(pkt)
}

func validRange(start, end uint16) bool {
	return start != 0 && start <= end
}

func (d *Dispatcher) readByType(req *att.ReadByTypeRequest) (uint16, error) {
	if !validRange(req.StartHandle, req.EndHandle) {
		return req.StartHandle, gatt.ErrNotFound
	}

	buf, err := d.pool.Get(d.mtu)
	if err != nil {
		return req.StartHandle, err
	}
	out := buf.B
	out[0] = att.OpReadByTypeResponse
	room := d.mtu - 2

	n, pairLen := 0, 0
	for h := d.db.FindByType(req.StartHandle, req.EndHandle, req.Type); h != 0; {
		e, _ := d.db.Find(h)
		if !e.Readable() {
			if pairLen == 0 {
				buf.Release()
				return h, gatt.ErrReadNotPermitted
			}
			break
		}

		l := min(2+e.CurLen, room, maxPairLen)
		if pairLen == 0 {
			pairLen = l
		} else if l != pairLen || n+pairLen > room {
			break
		}

		binary.LittleEndian.PutUint16(out[2+n:], h)
		copy(out[4+n:2+n+pairLen], e.Value())
		n += pairLen

		if h >= req.EndHandle {
			break
		}
		h = d.db.FindByType(h+1, req.EndHandle, req.Type)
	}

	if pairLen == 0 {
		buf.Release()
		return req.StartHandle, gatt.ErrAttributeNotFound
	}
	out[1] = byte(pairLen)
	d.send(out[:2+n], buf.ReleaseFunc())
	return 0, nil
}

// readMultiple answers Read Multiple (fixed) and Read Multiple Variable.
// Every handle must be readable or nothing is sent.
func (d *Dispatcher) readMultiple(handles []uint16, variable bool) (uint16, error) {
	buf, err := d.pool.Get(d.mtu)
	if err != nil {
		return handles[0], err
	}
	out := buf.B
	out[0] = att.OpReadMultipleResponse
	if variable {
		out[0] = att.OpReadMultipleVariableResponse
	}

	n := 1
	for _, h := range handles {
		e, ok := d.db.Find(h)
		if !ok {
			buf.Release()
			return h, gatt.ErrNotFound
		}
		if !e.Readable() {
			buf.Release()
			return h, gatt.ErrReadNotPermitted
		}

		if variable {
			if d.mtu-n < 2 {
				continue
			}
			binary.LittleEndian.PutUint16(out[n:], uint16(e.CurLen))
			n += 2
		}
		n += copy(out[n:d.mtu], e.Value())
	}

	d.send(out[:n], buf.ReleaseFunc())
	return 0, nil
}

func (d *Dispatcher) readByGroupType(req *att.ReadByGroupTypeRequest) (uint16, error) {
	if !validRange(req.StartHandle, req.EndHandle) {
		return req.StartHandle, gatt.ErrNotFound
	}
	if !bytes.Equal(req.Type, gatt.UUIDPrimaryService) {
		return req.StartHandle, gatt.ErrUnsupportedGroupType
	}

	room := d.mtu - 2
	var data []byte
	entryLen := 0
	for _, g := range d.db.Groups(req.StartHandle, req.EndHandle) {
		l := 4 + len(g.UUID)
		if entryLen == 0 {
			entryLen = l
		} else if l != entryLen {
			break
		}
		if len(data)+l > room {
			break
		}
		var hdr [4]byte
		binary.LittleEndian.PutUint16(hdr[0:], g.Start)
		binary.LittleEndian.PutUint16(hdr[2:], g.End)
		data = append(data, hdr[:]...)
		data = append(data, g.UUID...)
	}

	if entryLen == 0 {
		return req.StartHandle, gatt.ErrAttributeNotFound
	}
	return 0, d.respond(&att.ReadByGroupTypeResponse{Length: uint8(entryLen), AttributeData: data})
}

func (d *Dispatcher) findInformation(req *att.FindInformationRequest) (uint16, error) {
	if !validRange(req.StartHandle, req.EndHandle) {
		return req.StartHandle, gatt.ErrNotFound
	}

	room := d.mtu - 2
	var format uint8
	var data []byte
	for _, e := range d.db.Range(req.StartHandle, req.EndHandle) {
		f := uint8(0x01)
		if len(e.Type) == 16 {
			f = 0x02
		}
		if format == 0 {
			format = f
		} else if f != format {
			break
		}
		if len(data)+2+len(e.Type) > room {
			break
		}
		data = binary.LittleEndian.AppendUint16(data, e.Handle)
		data = append(data, e.Type...)
	}

	if format == 0 {
		return req.StartHandle, gatt.ErrAttributeNotFound
	}
	return 0, d.respond(&att.FindInformationResponse{Format: format, Data: data})
}
