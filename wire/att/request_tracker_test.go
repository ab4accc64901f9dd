package att

import (
	"errors"
	"testing"
	"time"
)

func TestRequestTracker_SingleRequest(t *testing.T) {
	tracker := NewRequestTracker(100 * time.Millisecond)

	responseC, err := tracker.Start(OpReadRequest, 0x0010)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	opcode, handle, _, ok := tracker.Pending()
	if !ok {
		t.Fatal("Expected pending request")
	}
	if opcode != OpReadRequest || handle != 0x0010 {
		t.Errorf("Pending = (0x%02X, 0x%04X), want (0x0A, 0x0010)", opcode, handle)
	}

	if err := tracker.Complete(OpReadResponse, &ReadResponse{Value: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	select {
	case resp := <-responseC:
		if resp.Error != nil {
			t.Fatalf("Expected no error, got: %v", resp.Error)
		}
		if _, ok := resp.Packet.(*ReadResponse); !ok {
			t.Fatalf("Expected *ReadResponse, got %T", resp.Packet)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Timeout waiting for response")
	}

	if _, _, _, ok := tracker.Pending(); ok {
		t.Fatal("Expected no pending request after completion")
	}
}

func TestRequestTracker_OnlyOneRequestAtTime(t *testing.T) {
	tracker := NewRequestTracker(time.Second)

	if _, err := tracker.Start(OpReadRequest, 0x0010); err != nil {
		t.Fatalf("First Start failed: %v", err)
	}
	if _, err := tracker.Start(OpWriteRequest, 0x0020); err == nil {
		t.Fatal("Expected error when starting second request, got nil")
	}
}

func TestRequestTracker_ErrorResponse(t *testing.T) {
	tracker := NewRequestTracker(time.Second)

	responseC, err := tracker.Start(OpReadBlobRequest, 0x0003)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	errResp := &ErrorResponse{RequestOpcode: OpReadBlobRequest, Handle: 0x0003, ErrorCode: ErrInvalidOffset}
	if err := tracker.Complete(OpErrorResponse, errResp); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	resp := <-responseC
	if ErrorCode(resp.Error) != ErrInvalidOffset {
		t.Fatalf("Error = %v, want invalid offset", resp.Error)
	}
}

func TestRequestTracker_UnexpectedResponse(t *testing.T) {
	tracker := NewRequestTracker(time.Second)

	if _, err := tracker.Start(OpReadRequest, 0x0010); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := tracker.Complete(OpWriteResponse, &WriteResponse{}); err == nil {
		t.Fatal("Expected mismatch error")
	}
	if _, _, _, ok := tracker.Pending(); !ok {
		t.Fatal("Mismatched response must not clear the pending request")
	}
}

func TestRequestTracker_Timeout(t *testing.T) {
	tracker := NewRequestTracker(20 * time.Millisecond)

	responseC, err := tracker.Start(OpWriteRequest, 0x0005)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case resp := <-responseC:
		if resp.Error == nil {
			t.Fatal("Expected timeout error")
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout never fired")
	}

	if _, err := tracker.Start(OpReadRequest, 0x0005); err != nil {
		t.Fatalf("Start after timeout failed: %v", err)
	}
}

func TestRequestTracker_Fail(t *testing.T) {
	tracker := NewRequestTracker(time.Second)
	responseC, err := tracker.Start(OpExchangeMTURequest, 0)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	closed := errors.New("connection closed")
	tracker.Fail(closed)

	if resp := <-responseC; !errors.Is(resp.Error, closed) {
		t.Fatalf("Error = %v, want %v", resp.Error, closed)
	}
	tracker.Fail(closed)
}

func TestRequestTracker_RejectsCommands(t *testing.T) {
	tracker := NewRequestTracker(time.Second)
	if _, err := tracker.Start(OpWriteCommand, 0x0001); err == nil {
		t.Fatal("Expected error when tracking a command")
	}
}
