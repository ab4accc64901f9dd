package ota

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/user/ble-battery-server/logger"
	"github.com/user/ble-battery-server/wire/gatt"
)

// Session tags. Only a session carrying TagValid may start the engine.
const (
	TagValid   uint32 = 0x51EDBA15
	TagInvalid uint32 = 0xDEADBEEF
)

// Control-point commands, first byte of a control-point write.
const (
	CommandPrepareDownload = 0x01
	CommandDownload        = 0x02 // [size u32 LE]
	CommandVerify          = 0x03 // [crc32 u32 LE]
	CommandFinish          = 0x04
	CommandGetStatus       = 0x05
	CommandAbort           = 0x07
)

// Status bytes sent on the control point.
const (
	StatusOK  = 0x00
	StatusBad = 0x01
)

// DefaultRebootDelay lets the final confirmation reach the peer before reset.
const DefaultRebootDelay = time.Second

var ErrInvalidTag = errors.New("ota: session tag invalid")

// State is the session's position in an update.
type State int

const (
	StateIdle State = iota
	StatePreparing
	StateDownloading
	StateVerifying
	StateValidated
	StateAborted
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StateDownloading:
		return "downloading"
	case StateVerifying:
		return "verifying"
	case StateValidated:
		return "validated"
	case StateAborted:
		return "aborted"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Notifier sends control-point status to the peer.
type Notifier interface {
	SendNotification(handle uint16, value []byte) error
	SendIndication(handle uint16, value []byte) error
}

// Rebooter hands control to the bootloader. It does not return on real hardware.
type Rebooter interface {
	Reboot() error
}

// RebootFunc adapts a function to Rebooter.
type RebootFunc func() error

func (f RebootFunc) Reboot() error { return f() }

// Handles are the attribute handles a session owns.
type Handles struct {
	ControlPoint     uint16
	ControlPointCCCD uint16
	Data             uint16
}

// Config controls session behavior.
type Config struct {
	Tag                 uint32
	RebootOnComplete    bool
	RebootDelay         time.Duration
	ValidateAfterReboot bool
}

// DefaultConfig returns a valid, rebooting configuration.
func DefaultConfig() Config {
	return Config{
		Tag:                 TagValid,
		RebootOnComplete:    true,
		RebootDelay:         DefaultRebootDelay,
		ValidateAfterReboot: true,
	}
}

// Session is the firmware-update state machine for one connection. It is
// driven from the protocol-processing goroutine only.
type Session struct {
	cfg      Config
	handles  Handles
	engine   Engine
	notifier Notifier
	rebooter Rebooter
	sleep    func(time.Duration)

	id         uuid.UUID
	connID     uint16
	descriptor uint8
	state      State
	status     uint8
	active     bool
}

// NewSession creates an idle session.
func NewSession(cfg Config, handles Handles, engine Engine, notifier Notifier, rebooter Rebooter) *Session {
	return &Session{
		cfg:      cfg,
		handles:  handles,
		engine:   engine,
		notifier: notifier,
		rebooter: rebooter,
		sleep:    time.Sleep,
		state:    StateIdle,
	}
}

func (s *Session) State() State            { return s.state }
func (s *Session) ID() uuid.UUID           { return s.id }
func (s *Session) ConfigDescriptor() uint8 { return s.descriptor }

// Owns reports whether writes to handle belong to the session.
func (s *Session) Owns(handle uint16) bool {
	return handle == s.handles.ControlPoint || handle == s.handles.ControlPointCCCD || handle == s.handles.Data
}

// Attach binds the session to a new connection.
func (s *Session) Attach(connID uint16) {
	s.connID = connID
	s.id = uuid.New()
	s.descriptor = 0
	s.state = StateIdle
	s.status = StatusOK
}

// Detach stops any engine run and forgets the connection.
func (s *Session) Detach() {
	if s.active {
		if err := s.engine.Stop(); err != nil {
			logger.Warn("OTA", "engine stop: %v", err)
		}
		s.active = false
	}
	s.connID = 0
	s.descriptor = 0
	s.state = StateIdle
}

// HandleWrite routes a write to one of the session's handles.
func (s *Session) HandleWrite(handle uint16, value []byte) error {
	switch handle {
	case s.handles.ControlPointCCCD:
		if len(value) > 0 {
			s.descriptor = value[0]
		} else {
			s.descriptor = 0
		}
		logger.Debug("OTA", "control point descriptor 0x%02X", s.descriptor)
		return nil

	case s.handles.ControlPoint:
		if len(value) == 0 {
			return gatt.InvalidPDU(errors.New("empty control point command"))
		}
		return s.command(value[0], value[1:])

	case s.handles.Data:
		if err := s.engine.WriteChunk(value); err != nil {
			logger.Debug("OTA", "chunk of %d bytes rejected: %v", len(value), err)
			return gatt.EngineFailure(err)
		}
		return nil
	}
	return gatt.ErrUnsupported
}

func (s *Session) command(cmd uint8, args []byte) error {
	switch cmd {
	case CommandPrepareDownload:
		return s.prepare()

	case CommandDownload:
		if len(args) < 4 {
			return gatt.InvalidPDU(errors.New("download command needs image size"))
		}
		size := binary.LittleEndian.Uint32(args)
		if err := s.engine.BeginDownload(size); err != nil {
			return gatt.EngineFailure(err)
		}
		s.state = StateDownloading
		logger.Info("OTA", "⬇️  download started, %d bytes", size)
		return nil

	case CommandVerify:
		if len(args) < 4 {
			return gatt.InvalidPDU(errors.New("verify command needs crc"))
		}
		return s.verify(binary.LittleEndian.Uint32(args))

	case CommandFinish:
		s.HandleConfirmation()
		return nil

	case CommandGetStatus:
		s.sendStatus()
		return nil

	case CommandAbort:
		if err := s.engine.Abort(); err != nil {
			logger.Warn("OTA", "abort: %v", err)
		}
		s.state = StateAborted
		logger.Info("OTA", "🛑 session %s aborted", s.id)
		return nil
	}
	return gatt.ErrUnsupported
}

func (s *Session) prepare() error {
	if s.cfg.Tag != TagValid {
		return gatt.EngineFailure(ErrInvalidTag)
	}
	if s.id == uuid.Nil {
		s.id = uuid.New()
	}

	if err := s.engine.Start(AgentParams{ValidateAfterReboot: s.cfg.ValidateAfterReboot}); err != nil {
		logger.Error("OTA", "engine start failed: %v", err)
		return gatt.EngineFailure(errors.Wrap(err, "start engine"))
	}
	s.active = true

	params := TransferParams{
		SessionID:        s.id,
		ConnID:           s.connID,
		ConfigDescriptor: s.descriptor,
	}
	logger.TraceJSON("OTA", "transfer", params)
	if err := s.engine.PrepareTransfer(params); err != nil {
		return gatt.EngineFailure(errors.Wrap(err, "prepare transfer"))
	}

	s.state = StatePreparing
	s.status = StatusOK
	logger.Info("OTA", "session %s prepared", s.id)
	return nil
}

func (s *Session) verify(crc uint32) error {
	s.state = StateVerifying
	err := s.engine.Verify(crc)
	if err != nil {
		s.state = StateError
		s.status = StatusBad
		logger.Warn("OTA", "❌ verification failed: %v", err)
	} else {
		s.state = StateValidated
		s.status = StatusOK
	}
	s.sendStatus()

	if err != nil {
		return gatt.EngineFailure(err)
	}
	return nil
}

// sendStatus reports the status byte, as an indication when the peer
// enabled them, else as a notification, else not at all.
func (s *Session) sendStatus() {
	value := []byte{s.status}
	var err error
	switch {
	case s.descriptor&gatt.CCCDIndicate != 0:
		err = s.notifier.SendIndication(s.handles.ControlPoint, value)
	case s.descriptor&gatt.CCCDNotify != 0:
		err = s.notifier.SendNotification(s.handles.ControlPoint, value)
	default:
		logger.Debug("OTA", "status 0x%02X not sent, peer did not subscribe", s.status)
		return
	}
	if err != nil {
		logger.Warn("OTA", "status send failed: %v", err)
	}
}

// HandleConfirmation runs when the peer confirms a control-point indication.
// A complete image with reboot enabled resets into the bootloader after a
// short delay; anything else stops the engine.
func (s *Session) HandleConfirmation() {
	if s.engine.State() == EngineComplete && s.cfg.RebootOnComplete {
		logger.Info("OTA", "🔄 rebooting into new image in %v", s.cfg.RebootDelay)
		s.sleep(s.cfg.RebootDelay)
		if err := s.rebooter.Reboot(); err != nil {
			logger.Error("OTA", "reboot failed: %v", err)
		}
		return
	}

	if err := s.engine.Stop(); err != nil {
		logger.Warn("OTA", "engine stop: %v", err)
	}
	s.active = false
	s.state = StateIdle
}
