package ota

import (
	"fmt"

	"github.com/google/uuid"
)

// EngineState is what the update engine reports about its transfer.
type EngineState int

const (
	EngineNotStarted EngineState = iota
	EngineDownloading
	EngineComplete
	EngineError
)

func (s EngineState) String() string {
	switch s {
	case EngineNotStarted:
		return "not_started"
	case EngineDownloading:
		return "downloading"
	case EngineComplete:
		return "complete"
	case EngineError:
		return "error"
	}
	return fmt.Sprintf("EngineState(%d)", int(s))
}

// AgentParams configure an engine run.
type AgentParams struct {
	// ValidateAfterReboot leaves the new image pending until the next boot
	// confirms it.
	ValidateAfterReboot bool
}

// TransferParams describe the session a transfer belongs to.
type TransferParams struct {
	SessionID        uuid.UUID
	ConnID           uint16
	ConfigDescriptor uint8
}

// Engine receives and validates a firmware image. Calls are made from the
// protocol-processing goroutine; Abort between chunks is the only
// cancellation.
type Engine interface {
	Start(params AgentParams) error
	PrepareTransfer(params TransferParams) error
	BeginDownload(total uint32) error
	WriteChunk(data []byte) error
	Verify(crc uint32) error
	Abort() error
	State() EngineState
	Stop() error
}
