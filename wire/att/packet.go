package att

import (
	"encoding/binary"
	"fmt"
)

// ExchangeMTURequest (0x02)
type ExchangeMTURequest struct {
	ClientRxMTU uint16
}

// ExchangeMTUResponse (0x03)
type ExchangeMTUResponse struct {
	ServerRxMTU uint16
}

// ErrorResponse (0x01)
type ErrorResponse struct {
	RequestOpcode uint8
	Handle        uint16
	ErrorCode     uint8
}

// ReadRequest (0x0A)
type ReadRequest struct {
	Handle uint16
}

// ReadResponse (0x0B)
type ReadResponse struct {
	Value []byte
}

// ReadBlobRequest (0x0C)
type ReadBlobRequest struct {
	Handle uint16
	Offset uint16
}

// ReadBlobResponse (0x0D)
type ReadBlobResponse struct {
	Value []byte
}

// ReadByTypeRequest (0x08). Type is a 2 or 16 byte UUID.
type ReadByTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte
}

// ReadByTypeResponse (0x09). AttributeData holds fixed-size (handle, value) pairs.
type ReadByTypeResponse struct {
	Length        uint8
	AttributeData []byte
}

// ReadMultipleRequest (0x0E) and ReadMultipleVariableRequest (0x20) carry at
// least two handles.
type ReadMultipleRequest struct {
	Handles []uint16
}

// ReadMultipleResponse (0x0F)
type ReadMultipleResponse struct {
	Values []byte
}

type ReadMultipleVariableRequest struct {
	Handles []uint16
}

// ReadMultipleVariableResponse (0x21). Values holds (length u16, value) tuples.
type ReadMultipleVariableResponse struct {
	Values []byte
}

// ReadByGroupTypeRequest (0x10), used for primary service discovery.
type ReadByGroupTypeRequest struct {
	StartHandle uint16
	EndHandle   uint16
	Type        []byte
}

// ReadByGroupTypeResponse (0x11). AttributeData holds (handle, end group handle, value) tuples.
type ReadByGroupTypeResponse struct {
	Length        uint8
	AttributeData []byte
}

// FindInformationRequest (0x04)
type FindInformationRequest struct {
	StartHandle uint16
	EndHandle   uint16
}

// FindInformationResponse (0x05). Format 0x01 = 16-bit UUIDs, 0x02 = 128-bit UUIDs.
type FindInformationResponse struct {
	Format uint8
	Data   []byte
}

// WriteRequest (0x12)
type WriteRequest struct {
	Handle uint16
	Value  []byte
}

// WriteResponse (0x13)
type WriteResponse struct{}

// WriteCommand (0x52), never answered.
type WriteCommand struct {
	Handle uint16
	Value  []byte
}

// SignedWriteCommand (0xD2), never answered. The signature is carried but not verified.
type SignedWriteCommand struct {
	Handle    uint16
	Value     []byte
	Signature [SignatureLength]byte
}

// PrepareWriteRequest (0x16)
type PrepareWriteRequest struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

// PrepareWriteResponse (0x17) echoes the request.
type PrepareWriteResponse struct {
	Handle uint16
	Offset uint16
	Value  []byte
}

// Execute write flags.
const (
	ExecuteWriteCancel = 0x00
	ExecuteWriteCommit = 0x01
)

// ExecuteWriteRequest (0x18)
type ExecuteWriteRequest struct {
	Flags uint8
}

// ExecuteWriteResponse (0x19)
type ExecuteWriteResponse struct{}

// HandleValueNotification (0x1B)
type HandleValueNotification struct {
	Handle uint16
	Value  []byte
}

// HandleValueIndication (0x1D)
type HandleValueIndication struct {
	Handle uint16
	Value  []byte
}

// HandleValueConfirmation (0x1E)
type HandleValueConfirmation struct{}

// handlePDU lays out opcode, handle and value, the shape shared by most writes.
func handlePDU(op uint8, handle uint16, value []byte) []byte {
	buf := make([]byte, 3+len(value))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], handle)
	copy(buf[3:], value)
	return buf
}

func rangePDU(op uint8, start, end uint16, typ []byte) []byte {
	buf := make([]byte, 5+len(typ))
	buf[0] = op
	binary.LittleEndian.PutUint16(buf[1:3], start)
	binary.LittleEndian.PutUint16(buf[3:5], end)
	copy(buf[5:], typ)
	return buf
}

func handleListPDU(op uint8, handles []uint16) []byte {
	buf := make([]byte, 1+2*len(handles))
	buf[0] = op
	for i, h := range handles {
		binary.LittleEndian.PutUint16(buf[1+2*i:], h)
	}
	return buf
}

func withOpcode(op uint8, body []byte) []byte {
	buf := make([]byte, 1+len(body))
	buf[0] = op
	copy(buf[1:], body)
	return buf
}

// EncodePacket encodes an ATT packet to binary format
func EncodePacket(pkt interface{}) ([]byte, error) {
	switch p := pkt.(type) {
	case *ExchangeMTURequest:
		return handlePDU(OpExchangeMTURequest, p.ClientRxMTU, nil), nil
	case *ExchangeMTUResponse:
		return handlePDU(OpExchangeMTUResponse, p.ServerRxMTU, nil), nil
	case *ErrorResponse:
		buf := make([]byte, 5)
		buf[0] = OpErrorResponse
		buf[1] = p.RequestOpcode
		binary.LittleEndian.PutUint16(buf[2:4], p.Handle)
		buf[4] = p.ErrorCode
		return buf, nil
	case *ReadRequest:
		return handlePDU(OpReadRequest, p.Handle, nil), nil
	case *ReadResponse:
		return withOpcode(OpReadResponse, p.Value), nil
	case *ReadBlobRequest:
		buf := handlePDU(OpReadBlobRequest, p.Handle, []byte{0, 0})
		binary.LittleEndian.PutUint16(buf[3:5], p.Offset)
		return buf, nil
	case *ReadBlobResponse:
		return withOpcode(OpReadBlobResponse, p.Value), nil
	case *ReadByTypeRequest:
		return rangePDU(OpReadByTypeRequest, p.StartHandle, p.EndHandle, p.Type), nil
	case *ReadByTypeResponse:
		return withOpcode(OpReadByTypeResponse, append([]byte{p.Length}, p.AttributeData...)), nil
	case *ReadMultipleRequest:
		return handleListPDU(OpReadMultipleRequest, p.Handles), nil
	case *ReadMultipleResponse:
		return withOpcode(OpReadMultipleResponse, p.Values), nil
	case *ReadMultipleVariableRequest:
		return handleListPDU(OpReadMultipleVariableRequest, p.Handles), nil
	case *ReadMultipleVariableResponse:
		return withOpcode(OpReadMultipleVariableResponse, p.Values), nil
	case *ReadByGroupTypeRequest:
		return rangePDU(OpReadByGroupTypeRequest, p.StartHandle, p.EndHandle, p.Type), nil
	case *ReadByGroupTypeResponse:
		return withOpcode(OpReadByGroupTypeResponse, append([]byte{p.Length}, p.AttributeData...)), nil
	case *FindInformationRequest:
		return rangePDU(OpFindInformationRequest, p.StartHandle, p.EndHandle, nil), nil
	case *FindInformationResponse:
		return withOpcode(OpFindInformationResponse, append([]byte{p.Format}, p.Data...)), nil
	case *WriteRequest:
		return handlePDU(OpWriteRequest, p.Handle, p.Value), nil
	case *WriteResponse:
		return []byte{OpWriteResponse}, nil
	case *WriteCommand:
		return handlePDU(OpWriteCommand, p.Handle, p.Value), nil
	case *SignedWriteCommand:
		body := make([]byte, len(p.Value)+SignatureLength)
		copy(body, p.Value)
		copy(body[len(p.Value):], p.Signature[:])
		return handlePDU(OpSignedWriteCommand, p.Handle, body), nil
	case *PrepareWriteRequest:
		return rangePDU(OpPrepareWriteRequest, p.Handle, p.Offset, p.Value), nil
	case *PrepareWriteResponse:
		return rangePDU(OpPrepareWriteResponse, p.Handle, p.Offset, p.Value), nil
	case *ExecuteWriteRequest:
		return []byte{OpExecuteWriteRequest, p.Flags}, nil
	case *ExecuteWriteResponse:
		return []byte{OpExecuteWriteResponse}, nil
	case *HandleValueNotification:
		return handlePDU(OpHandleValueNotification, p.Handle, p.Value), nil
	case *HandleValueIndication:
		return handlePDU(OpHandleValueIndication, p.Handle, p.Value), nil
	case *HandleValueConfirmation:
		return []byte{OpHandleValueConfirmation}, nil
	default:
		return nil, fmt.Errorf("att: unknown packet type %T", pkt)
	}
}

func tooShort(name string) error {
	return fmt.Errorf("att: %s too short", name)
}

func wrongLength(name string, n int) error {
	return fmt.Errorf("att: %s has wrong length %d", name, n)
}

func decodeHandleList(data []byte, name string) ([]uint16, error) {
	body := data[1:]
	if len(body) < 4 || len(body)%2 != 0 {
		return nil, fmt.Errorf("att: %s needs an even list of at least two handles", name)
	}
	handles := make([]uint16, len(body)/2)
	for i := range handles {
		handles[i] = binary.LittleEndian.Uint16(body[2*i:])
	}
	return handles, nil
}

func validUUIDLength(typ []byte) bool {
	return len(typ) == 2 || len(typ) == 16
}

// DecodePacket decodes binary data into an ATT packet. Fixed-size requests
// must have their exact length.
func DecodePacket(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("att: packet too short (need at least 1 byte)")
	}

	u16 := func(at int) uint16 { return binary.LittleEndian.Uint16(data[at : at+2]) }
	rest := func(at int) []byte { return append([]byte{}, data[at:]...) }

	switch opcode := data[0]; opcode {
	case OpExchangeMTURequest:
		if len(data) != 3 {
			return nil, wrongLength("ExchangeMTURequest", len(data))
		}
		return &ExchangeMTURequest{ClientRxMTU: u16(1)}, nil

	case OpExchangeMTUResponse:
		if len(data) < 3 {
			return nil, tooShort("ExchangeMTUResponse")
		}
		return &ExchangeMTUResponse{ServerRxMTU: u16(1)}, nil

	case OpErrorResponse:
		if len(data) < 5 {
			return nil, tooShort("ErrorResponse")
		}
		return &ErrorResponse{RequestOpcode: data[1], Handle: u16(2), ErrorCode: data[4]}, nil

	case OpReadRequest:
		if len(data) != 3 {
			return nil, wrongLength("ReadRequest", len(data))
		}
		return &ReadRequest{Handle: u16(1)}, nil

	case OpReadResponse:
		return &ReadResponse{Value: rest(1)}, nil

	case OpReadBlobRequest:
		if len(data) != 5 {
			return nil, wrongLength("ReadBlobRequest", len(data))
		}
		return &ReadBlobRequest{Handle: u16(1), Offset: u16(3)}, nil

	case OpReadBlobResponse:
		return &ReadBlobResponse{Value: rest(1)}, nil

	case OpReadByTypeRequest, OpReadByGroupTypeRequest:
		if len(data) < 7 || !validUUIDLength(data[5:]) {
			return nil, fmt.Errorf("att: %s needs a 16 or 128 bit type", OpcodeName(opcode))
		}
		if opcode == OpReadByTypeRequest {
			return &ReadByTypeRequest{StartHandle: u16(1), EndHandle: u16(3), Type: rest(5)}, nil
		}
		return &ReadByGroupTypeRequest{StartHandle: u16(1), EndHandle: u16(3), Type: rest(5)}, nil

	case OpReadByTypeResponse:
		if len(data) < 2 {
			return nil, tooShort("ReadByTypeResponse")
		}
		return &ReadByTypeResponse{Length: data[1], AttributeData: rest(2)}, nil

	case OpReadByGroupTypeResponse:
		if len(data) < 2 {
			return nil, tooShort("ReadByGroupTypeResponse")
		}
		return &ReadByGroupTypeResponse{Length: data[1], AttributeData: rest(2)}, nil

	case OpReadMultipleRequest:
		handles, err := decodeHandleList(data, "ReadMultipleRequest")
		if err != nil {
			return nil, err
		}
		return &ReadMultipleRequest{Handles: handles}, nil

	case OpReadMultipleResponse:
		return &ReadMultipleResponse{Values: rest(1)}, nil

	case OpReadMultipleVariableRequest:
		handles, err := decodeHandleList(data, "ReadMultipleVariableRequest")
		if err != nil {
			return nil, err
		}
		return &ReadMultipleVariableRequest{Handles: handles}, nil

	case OpReadMultipleVariableResponse:
		return &ReadMultipleVariableResponse{Values: rest(1)}, nil

	case OpFindInformationRequest:
		if len(data) != 5 {
			return nil, wrongLength("FindInformationRequest", len(data))
		}
		return &FindInformationRequest{StartHandle: u16(1), EndHandle: u16(3)}, nil

	case OpFindInformationResponse:
		if len(data) < 2 {
			return nil, tooShort("FindInformationResponse")
		}
		return &FindInformationResponse{Format: data[1], Data: rest(2)}, nil

	case OpWriteRequest:
		if len(data) < 3 {
			return nil, tooShort("WriteRequest")
		}
		return &WriteRequest{Handle: u16(1), Value: rest(3)}, nil

	case OpWriteResponse:
		return &WriteResponse{}, nil

	case OpWriteCommand:
		if len(data) < 3 {
			return nil, tooShort("WriteCommand")
		}
		return &WriteCommand{Handle: u16(1), Value: rest(3)}, nil

	case OpSignedWriteCommand:
		if len(data) < 3+SignatureLength {
			return nil, tooShort("SignedWriteCommand")
		}
		end := len(data) - SignatureLength
		cmd := &SignedWriteCommand{Handle: u16(1), Value: append([]byte{}, data[3:end]...)}
		copy(cmd.Signature[:], data[end:])
		return cmd, nil

	case OpPrepareWriteRequest:
		if len(data) < 5 {
			return nil, tooShort("PrepareWriteRequest")
		}
		return &PrepareWriteRequest{Handle: u16(1), Offset: u16(3), Value: rest(5)}, nil

	case OpPrepareWriteResponse:
		if len(data) < 5 {
			return nil, tooShort("PrepareWriteResponse")
		}
		return &PrepareWriteResponse{Handle: u16(1), Offset: u16(3), Value: rest(5)}, nil

	case OpExecuteWriteRequest:
		if len(data) != 2 || data[1] > ExecuteWriteCommit {
			return nil, fmt.Errorf("att: ExecuteWriteRequest malformed")
		}
		return &ExecuteWriteRequest{Flags: data[1]}, nil

	case OpExecuteWriteResponse:
		return &ExecuteWriteResponse{}, nil

	case OpHandleValueNotification:
		if len(data) < 3 {
			return nil, tooShort("HandleValueNotification")
		}
		return &HandleValueNotification{Handle: u16(1), Value: rest(3)}, nil

	case OpHandleValueIndication:
		if len(data) < 3 {
			return nil, tooShort("HandleValueIndication")
		}
		return &HandleValueIndication{Handle: u16(1), Value: rest(3)}, nil

	case OpHandleValueConfirmation:
		return &HandleValueConfirmation{}, nil

	default:
		return nil, fmt.Errorf("att: unknown opcode 0x%02X", opcode)
	}
}
