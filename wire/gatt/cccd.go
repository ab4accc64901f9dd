package gatt

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CCCD bits.
const (
	CCCDNotify   = 0x0001
	CCCDIndicate = 0x0002
)

// EncodeCCCD returns the two-byte descriptor value.
func EncodeCCCD(notify, indicate bool) []byte {
	var v uint16
	if notify {
		v |= CCCDNotify
	}
	if indicate {
		v |= CCCDIndicate
	}
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

// DecodeCCCD reads the notify and indicate bits. Only the first byte
// carries them, so one-byte writes are accepted.
func DecodeCCCD(value []byte) (notify, indicate bool) {
	if len(value) == 0 {
		return false, false
	}
	return value[0]&CCCDNotify != 0, value[0]&CCCDIndicate != 0
}

// NotificationsEnabled reports whether the descriptor at handle has the notify bit set.
func (s *Store) NotificationsEnabled(cccd uint16) bool {
	v, ok := s.Value(cccd)
	if !ok {
		return false
	}
	notify, _ := DecodeCCCD(v)
	return notify
}

// ResetCCCDs clears every client configuration descriptor and returns how
// many were enabled. Subscriptions do not survive a disconnect from a
// non-bonded peer. A descriptor that cannot be cleared does not stop the
// rest; the first failure is returned.
func (s *Store) ResetCCCDs() (int, error) {
	var (
		cleared  int
		firstErr error
	)
	for _, e := range s.entries {
		if !bytes.Equal(e.Type, UUIDClientCharacteristicConfig) {
			continue
		}
		n, i := DecodeCCCD(e.Value())
		if err := s.SetValue(e.Handle, EncodeCCCD(false, false)); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("gatt: reset CCCD 0x%04X: %w", e.Handle, err)
			}
			continue
		}
		if n || i {
			cleared++
		}
	}
	return cleared, firstErr
}
