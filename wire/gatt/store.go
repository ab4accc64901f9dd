package gatt

import (
	"bytes"
	"fmt"
	"sync"
)

// Characteristic properties carried in declarations.
const (
	PropRead                 = 0x02
	PropWriteWithoutResponse = 0x04
	PropWrite                = 0x08
	PropNotify               = 0x10
	PropIndicate             = 0x20
	PropSignedWrite          = 0x40
)

// Server-side access permissions, never sent over the air.
const (
	PermReadable = 0x01
	PermWritable = 0x02
)

// Entry is one attribute. Data always has MaxLen bytes and everything past
// CurLen is zero.
type Entry struct {
	Handle uint16
	Type   []byte
	MaxLen int
	CurLen int
	Data   []byte
	Perm   uint8
}

// Value returns the current value without copying.
func (e *Entry) Value() []byte {
	return e.Data[:e.CurLen]
}

// Readable reports whether peers may read the entry.
func (e *Entry) Readable() bool { return e.Perm&PermReadable != 0 }

// Writable reports whether peers may write the entry.
func (e *Entry) Writable() bool { return e.Perm&PermWritable != 0 }

// Store is the ordered attribute table. The set of entries is fixed at
// construction; only values change.
type Store struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewStore takes ownership of entries, which must be in strictly ascending
// handle order with no zero handle.
func NewStore(entries []*Entry) (*Store, error) {
	var prev uint16
	for _, e := range entries {
		if e.Handle <= prev {
			return nil, fmt.Errorf("gatt: handle 0x%04X out of order after 0x%04X", e.Handle, prev)
		}
		if e.CurLen > e.MaxLen || (e.Data != nil && len(e.Data) != e.MaxLen) {
			return nil, fmt.Errorf("gatt: handle 0x%04X has inconsistent lengths", e.Handle)
		}
		prev = e.Handle
	}
	return &Store{entries: entries}, nil
}

// Find looks up a handle.
func (s *Store) Find(handle uint16) (*Entry, bool) {
	for _, e := range s.entries {
		if e.Handle == handle {
			return e, true
		}
	}
	return nil, false
}

// SetValue replaces the value of handle. Checks run in order: unknown
// handle, value longer than MaxLen, missing backing storage. A nil or empty
// value clears the attribute.
func (s *Store) SetValue(handle uint16, value []byte) error {
	e, ok := s.Find(handle)
	if !ok {
		return ErrNotFound
	}
	if len(value) > e.MaxLen {
		return ErrLengthExceeded
	}
	if e.Data == nil {
		return ErrInternal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := copy(e.Data, value)
	e.CurLen = n
	for i := n; i < e.MaxLen; i++ {
		e.Data[i] = 0
	}
	return nil
}

// Value returns a copy of the current value of handle.
func (s *Store) Value(handle uint16) ([]byte, bool) {
	e, ok := s.Find(handle)
	if !ok {
		return nil, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte{}, e.Value()...), true
}

// FindByType returns the first handle in [start, end] whose type is typ, or
// 0 when there is none.
func (s *Store) FindByType(start, end uint16, typ []byte) uint16 {
	for _, e := range s.entries {
		if e.Handle < start {
			continue
		}
		if e.Handle > end {
			break
		}
		if bytes.Equal(e.Type, typ) {
			return e.Handle
		}
	}
	return 0
}

// Range returns the entries with handles in [start, end], ascending.
func (s *Store) Range(start, end uint16) []*Entry {
	var out []*Entry
	for _, e := range s.entries {
		if e.Handle >= start && e.Handle <= end {
			out = append(out, e)
		}
	}
	return out
}

// LastHandle returns the highest handle in the table.
func (s *Store) LastHandle() uint16 {
	if len(s.entries) == 0 {
		return 0
	}
	return s.entries[len(s.entries)-1].Handle
}
