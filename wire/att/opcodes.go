package att

import "fmt"

// ATT opcodes handled or emitted by the battery server.
const (
	OpErrorResponse = 0x01

	OpExchangeMTURequest  = 0x02
	OpExchangeMTUResponse = 0x03

	OpFindInformationRequest  = 0x04
	OpFindInformationResponse = 0x05

	OpFindByTypeValueRequest  = 0x06
	OpFindByTypeValueResponse = 0x07

	OpReadByTypeRequest    = 0x08
	OpReadByTypeResponse   = 0x09
	OpReadRequest          = 0x0A
	OpReadResponse         = 0x0B
	OpReadBlobRequest      = 0x0C
	OpReadBlobResponse     = 0x0D
	OpReadMultipleRequest  = 0x0E
	OpReadMultipleResponse = 0x0F

	OpReadByGroupTypeRequest  = 0x10
	OpReadByGroupTypeResponse = 0x11

	OpWriteRequest  = 0x12
	OpWriteResponse = 0x13

	OpPrepareWriteRequest  = 0x16
	OpPrepareWriteResponse = 0x17
	OpExecuteWriteRequest  = 0x18
	OpExecuteWriteResponse = 0x19

	OpHandleValueNotification = 0x1B
	OpHandleValueIndication   = 0x1D
	OpHandleValueConfirmation = 0x1E

	OpReadMultipleVariableRequest  = 0x20
	OpReadMultipleVariableResponse = 0x21

	OpWriteCommand       = 0x52
	OpSignedWriteCommand = 0xD2
)

// SignatureLength is the authentication signature trailing a Signed Write Command.
const SignatureLength = 12

var opcodeNames = map[uint8]string{
	OpErrorResponse:                "Error Response",
	OpExchangeMTURequest:           "Exchange MTU Request",
	OpExchangeMTUResponse:          "Exchange MTU Response",
	OpFindInformationRequest:       "Find Information Request",
	OpFindInformationResponse:      "Find Information Response",
	OpFindByTypeValueRequest:       "Find By Type Value Request",
	OpFindByTypeValueResponse:      "Find By Type Value Response",
	OpReadByTypeRequest:            "Read By Type Request",
	OpReadByTypeResponse:           "Read By Type Response",
	OpReadRequest:                  "Read Request",
	OpReadResponse:                 "Read Response",
	OpReadBlobRequest:              "Read Blob Request",
	OpReadBlobResponse:             "Read Blob Response",
	OpReadMultipleRequest:          "Read Multiple Request",
	OpReadMultipleResponse:         "Read Multiple Response",
	OpReadByGroupTypeRequest:       "Read By Group Type Request",
	OpReadByGroupTypeResponse:      "Read By Group Type Response",
	OpWriteRequest:                 "Write Request",
	OpWriteResponse:                "Write Response",
	OpPrepareWriteRequest:          "Prepare Write Request",
	OpPrepareWriteResponse:         "Prepare Write Response",
	OpExecuteWriteRequest:          "Execute Write Request",
	OpExecuteWriteResponse:         "Execute Write Response",
	OpHandleValueNotification:      "Handle Value Notification",
	OpHandleValueIndication:        "Handle Value Indication",
	OpHandleValueConfirmation:      "Handle Value Confirmation",
	OpReadMultipleVariableRequest:  "Read Multiple Variable Request",
	OpReadMultipleVariableResponse: "Read Multiple Variable Response",
	OpWriteCommand:                 "Write Command",
	OpSignedWriteCommand:           "Signed Write Command",
}

// OpcodeName returns a readable name for logs and traces.
func OpcodeName(op uint8) string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Opcode 0x%02X", op)
}

// ResponseOpcode returns the opcode that answers a client request, or 0 when
// the PDU is not acknowledged by the server.
func ResponseOpcode(op uint8) uint8 {
	switch op {
	case OpExchangeMTURequest,
		OpFindInformationRequest,
		OpFindByTypeValueRequest,
		OpReadByTypeRequest,
		OpReadRequest,
		OpReadBlobRequest,
		OpReadMultipleRequest,
		OpReadByGroupTypeRequest,
		OpWriteRequest,
		OpPrepareWriteRequest,
		OpExecuteWriteRequest,
		OpReadMultipleVariableRequest:
		return op + 1
	case OpHandleValueIndication:
		return OpHandleValueConfirmation
	}
	return 0
}

// IsRequest reports whether op is a client request that must be answered
// with either its response or an Error Response.
func IsRequest(op uint8) bool {
	return op != OpHandleValueIndication && ResponseOpcode(op) != 0
}

// IsCommand reports whether op is an unacknowledged write.
func IsCommand(op uint8) bool {
	return op == OpWriteCommand || op == OpSignedWriteCommand
}

// IsResponse reports whether op answers a request (client side).
func IsResponse(op uint8) bool {
	switch op {
	case OpErrorResponse, OpHandleValueConfirmation:
		return true
	}
	return op&0x01 == 1 && IsRequest(op-1) && ResponseOpcode(op-1) == op
}

// NeedsErrorResponse reports whether a server must answer op when it cannot
// serve it. Unknown request opcodes are answered; commands, notifications
// and responses never are.
func NeedsErrorResponse(op uint8) bool {
	if IsRequest(op) {
		return true
	}
	switch {
	case IsCommand(op), op&0x40 != 0, IsResponse(op):
		return false
	case op == OpHandleValueNotification, op == OpHandleValueIndication:
		return false
	}
	return true
}
