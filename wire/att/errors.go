package att

import "fmt"

// ATT error codes carried in an Error Response.
const (
	ErrInvalidHandle               = 0x01
	ErrReadNotPermitted            = 0x02
	ErrWriteNotPermitted           = 0x03
	ErrInvalidPDU                  = 0x04
	ErrInsufficientAuthentication  = 0x05
	ErrRequestNotSupported         = 0x06
	ErrInvalidOffset               = 0x07
	ErrInsufficientAuthorization   = 0x08
	ErrPrepareQueueFull            = 0x09
	ErrAttributeNotFound           = 0x0A
	ErrAttributeNotLong            = 0x0B
	ErrInvalidAttributeValueLength = 0x0D
	ErrUnlikelyError               = 0x0E
	ErrUnsupportedGroupType        = 0x10
	ErrInsufficientResources       = 0x11

	// ErrApplication is the first code of the application-defined range.
	ErrApplication = 0x80
)

var errorNames = map[uint8]string{
	ErrInvalidHandle:               "Invalid Handle",
	ErrReadNotPermitted:            "Read Not Permitted",
	ErrWriteNotPermitted:           "Write Not Permitted",
	ErrInvalidPDU:                  "Invalid PDU",
	ErrInsufficientAuthentication:  "Insufficient Authentication",
	ErrRequestNotSupported:         "Request Not Supported",
	ErrInvalidOffset:               "Invalid Offset",
	ErrInsufficientAuthorization:   "Insufficient Authorization",
	ErrPrepareQueueFull:            "Prepare Queue Full",
	ErrAttributeNotFound:           "Attribute Not Found",
	ErrAttributeNotLong:            "Attribute Not Long",
	ErrInvalidAttributeValueLength: "Invalid Attribute Value Length",
	ErrUnlikelyError:               "Unlikely Error",
	ErrUnsupportedGroupType:        "Unsupported Group Type",
	ErrInsufficientResources:       "Insufficient Resources",
}

// ErrorName returns the readable name of an ATT error code.
func ErrorName(code uint8) string {
	if name, ok := errorNames[code]; ok {
		return name
	}
	if code >= ErrApplication && code <= 0x9F {
		return fmt.Sprintf("Application Error (0x%02X)", code)
	}
	return fmt.Sprintf("Error 0x%02X", code)
}

// Error is an Error Response received from the peer.
type Error struct {
	Code          uint8
	RequestOpcode uint8
	Handle        uint16
}

func (e *Error) Error() string {
	return fmt.Sprintf("att: %s (handle 0x%04X, request %s)",
		ErrorName(e.Code), e.Handle, OpcodeName(e.RequestOpcode))
}

// NewError creates a new ATT error
func NewError(code uint8, requestOpcode uint8, handle uint16) *Error {
	return &Error{
		Code:          code,
		RequestOpcode: requestOpcode,
		Handle:        handle,
	}
}

// ErrorCode returns the ATT code carried by err, or 0 when err is not an ATT error.
func ErrorCode(err error) uint8 {
	if attErr, ok := err.(*Error); ok {
		return attErr.Code
	}
	return 0
}
