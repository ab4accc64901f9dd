package gatt

import (
	"errors"
	"testing"
)

func TestCCCDEncodeDecode(t *testing.T) {
	tests := []struct {
		name     string
		notify   bool
		indicate bool
		want     []byte
	}{
		{"both disabled", false, false, []byte{0x00, 0x00}},
		{"notifications enabled", true, false, []byte{0x01, 0x00}},
		{"indications enabled", false, true, []byte{0x02, 0x00}},
		{"both enabled", true, true, []byte{0x03, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeCCCD(tt.notify, tt.indicate)
			if got[0] != tt.want[0] || got[1] != tt.want[1] {
				t.Errorf("EncodeCCCD = %v, want %v", got, tt.want)
			}
			n, i := DecodeCCCD(got)
			if n != tt.notify || i != tt.indicate {
				t.Errorf("DecodeCCCD = (%v, %v), want (%v, %v)", n, i, tt.notify, tt.indicate)
			}
		})
	}

	if n, i := DecodeCCCD([]byte{0x01}); !n || i {
		t.Error("one-byte descriptor should enable notifications")
	}
	if n, i := DecodeCCCD(nil); n || i {
		t.Error("empty descriptor should be disabled")
	}
}

func TestNotificationsEnabledAndReset(t *testing.T) {
	db, err := NewDatabase("x")
	if err != nil {
		t.Fatalf("NewDatabase failed: %v", err)
	}

	if db.NotificationsEnabled(db.BatteryLevelCCCD) {
		t.Fatal("notifications enabled on a fresh database")
	}
	if err := db.SetValue(db.BatteryLevelCCCD, EncodeCCCD(true, false)); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := db.SetValue(db.OTAControlPointCCCD, EncodeCCCD(false, true)); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if !db.NotificationsEnabled(db.BatteryLevelCCCD) {
		t.Fatal("notifications not enabled after CCCD write")
	}
	if db.NotificationsEnabled(db.BatteryLevel) {
		t.Error("battery level value is not a CCCD with notify set")
	}

	n, err := db.ResetCCCDs()
	if err != nil {
		t.Fatalf("ResetCCCDs failed: %v", err)
	}
	if n != 2 {
		t.Errorf("ResetCCCDs cleared %d, want 2", n)
	}
	if db.NotificationsEnabled(db.BatteryLevelCCCD) {
		t.Error("notifications survived reset")
	}
}

func TestResetCCCDsReportsFailures(t *testing.T) {
	store, err := NewStore([]*Entry{
		{Handle: 1, Type: UUIDClientCharacteristicConfig, MaxLen: 1, CurLen: 1, Data: []byte{0x01}, Perm: PermReadable | PermWritable},
		{Handle: 2, Type: UUIDClientCharacteristicConfig, MaxLen: 2, CurLen: 2, Data: []byte{0x01, 0x00}, Perm: PermReadable | PermWritable},
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	n, err := store.ResetCCCDs()
	if !errors.Is(err, ErrLengthExceeded) {
		t.Fatalf("ResetCCCDs err = %v, want ErrLengthExceeded", err)
	}
	if n != 1 {
		t.Errorf("ResetCCCDs cleared %d, want 1", n)
	}
	if store.NotificationsEnabled(2) {
		t.Error("healthy descriptor not cleared after a failure")
	}
}
