package gatt

import (
	"errors"
	"fmt"
)

// Kind classifies a failure independently of the ATT code sent to the peer.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindLengthExceeded
	KindOffsetOutOfRange
	KindInsufficientResources
	KindUnsupported
	KindInternal
	KindEngine
	KindInvalidPDU
)

var kindNames = map[Kind]string{
	KindNotFound:              "not found",
	KindLengthExceeded:        "length exceeded",
	KindOffsetOutOfRange:      "offset out of range",
	KindInsufficientResources: "insufficient resources",
	KindUnsupported:           "unsupported operation",
	KindInternal:              "internal",
	KindEngine:                "engine error",
	KindInvalidPDU:            "invalid pdu",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a request-level failure. Code is the ATT error code reported to
// the peer. errors.Is matches on Kind so that sentinels sharing a kind but
// carrying different codes compare equal.
type Error struct {
	Kind        Kind
	Code        uint8
	Description string
	Err         error
}

func (e *Error) Error() string {
	msg := "gatt: " + e.Kind.String()
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNotFound              = &Error{Kind: KindNotFound, Code: 0x01, Description: "invalid handle"}
	ErrAttributeNotFound     = &Error{Kind: KindNotFound, Code: 0x0A, Description: "no attribute in range"}
	ErrLengthExceeded        = &Error{Kind: KindLengthExceeded, Code: 0x0D, Description: "value longer than attribute"}
	ErrOffsetOutOfRange      = &Error{Kind: KindOffsetOutOfRange, Code: 0x07, Description: "offset at or past value end"}
	ErrInsufficientResources = &Error{Kind: KindInsufficientResources, Code: 0x11}
	ErrPrepareQueueFull      = &Error{Kind: KindInsufficientResources, Code: 0x09, Description: "prepare queue full"}
	ErrUnsupported           = &Error{Kind: KindUnsupported, Code: 0x06, Description: "request not supported"}
	ErrReadNotPermitted      = &Error{Kind: KindUnsupported, Code: 0x02, Description: "read not permitted"}
	ErrWriteNotPermitted     = &Error{Kind: KindUnsupported, Code: 0x03, Description: "write not permitted"}
	ErrUnsupportedGroupType  = &Error{Kind: KindUnsupported, Code: 0x10, Description: "unsupported group type"}
	ErrInternal              = &Error{Kind: KindInternal, Code: 0x0E, Description: "attribute has no storage"}
	ErrEngine                = &Error{Kind: KindEngine, Code: 0x80}
	ErrInvalidPDU            = &Error{Kind: KindInvalidPDU, Code: 0x04}
)

// EngineFailure wraps an opaque firmware-update engine failure.
func EngineFailure(err error) error {
	return &Error{Kind: KindEngine, Code: ErrEngine.Code, Err: err}
}

// InvalidPDU wraps a decoding failure.
func InvalidPDU(err error) error {
	return &Error{Kind: KindInvalidPDU, Code: ErrInvalidPDU.Code, Err: err}
}

// Code returns the ATT error code for err. Errors outside the taxonomy map
// to Unlikely Error.
func Code(err error) uint8 {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return ErrInternal.Code
}
