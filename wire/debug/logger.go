package debug

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/user/ble-battery-server/logger"
	"github.com/user/ble-battery-server/wire/att"
)

// File names inside the trace directory.
const (
	ATTPacketsFile = "att_packets.jsonl"
	EventsFile     = "events.jsonl"
)

// Directions recorded in traces.
const (
	RX = "rx"
	TX = "tx"
)

// Logger appends JSONL records of ATT traffic and connection events. Files
// are write-only; nothing in the server reads them back. A disabled Logger
// is a no-op and the zero value is disabled.
type Logger struct {
	dir     string
	enabled bool
	mu      sync.Mutex
	now     func() time.Time
}

// NewLogger creates a trace logger writing under dir.
func NewLogger(dir string, enabled bool) (*Logger, error) {
	if !enabled {
		return &Logger{}, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("debug: create trace dir: %w", err)
	}
	return &Logger{dir: dir, enabled: true, now: time.Now}, nil
}

// Dir returns the trace directory, empty when disabled.
func (d *Logger) Dir() string {
	return d.dir
}

// LogATTPacket records one PDU in either direction.
func (d *Logger) LogATTPacket(direction, peer string, pdu []byte) {
	if d == nil || !d.enabled || len(pdu) == 0 {
		return
	}

	fields := map[string]interface{}{
		"timestamp":   d.now().Format(time.RFC3339Nano),
		"direction":   direction,
		"peer":        peer,
		"opcode":      fmt.Sprintf("0x%02X", pdu[0]),
		"opcode_name": att.OpcodeName(pdu[0]),
		"length":      len(pdu),
		"raw_hex":     hex.EncodeToString(pdu),
	}
	if h, ok := handleOf(pdu); ok {
		fields["handle"] = fmt.Sprintf("0x%04X", h)
	}
	d.append(ATTPacketsFile, fields)
}

// LogEvent records a connection or firmware-session event.
func (d *Logger) LogEvent(event string, attrs map[string]interface{}) {
	if d == nil || !d.enabled {
		return
	}

	fields := map[string]interface{}{
		"timestamp": d.now().Format(time.RFC3339Nano),
		"event":     event,
	}
	for k, v := range attrs {
		fields[k] = v
	}
	d.append(EventsFile, fields)
}

// handleOf extracts the leading handle of PDUs that address one attribute.
func handleOf(pdu []byte) (uint16, bool) {
	switch pdu[0] {
	case att.OpReadRequest, att.OpReadBlobRequest, att.OpWriteRequest, att.OpWriteCommand,
		att.OpSignedWriteCommand, att.OpPrepareWriteRequest, att.OpPrepareWriteResponse,
		att.OpHandleValueNotification, att.OpHandleValueIndication:
		if len(pdu) >= 3 {
			return binary.LittleEndian.Uint16(pdu[1:3]), true
		}
	case att.OpErrorResponse:
		if len(pdu) >= 4 {
			return binary.LittleEndian.Uint16(pdu[2:4]), true
		}
	}
	return 0, false
}

func (d *Logger) append(name string, fields map[string]interface{}) {
	record, err := structpb.NewStruct(fields)
	if err != nil {
		return
	}
	logger.TraceJSON("TRACE", name, record)
	line, err := protojson.MarshalOptions{UseProtoNames: true}.Marshal(record)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(d.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(line, '\n'))
}
