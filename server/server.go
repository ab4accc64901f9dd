package server

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/user/ble-battery-server/battery"
	"github.com/user/ble-battery-server/indicator"
	"github.com/user/ble-battery-server/logger"
	"github.com/user/ble-battery-server/ota"
	"github.com/user/ble-battery-server/wire"
	"github.com/user/ble-battery-server/wire/att"
	"github.com/user/ble-battery-server/wire/debug"
	"github.com/user/ble-battery-server/wire/gatt"
)

// ErrTransportClosed is returned by Serve when the transport's event
// channel closes.
var ErrTransportClosed = errors.New("server: transport closed")

// Indicator shows the connection state.
type Indicator interface {
	SetPattern(p indicator.Pattern) error
}

// Options wire a Server to its collaborators.
type Options struct {
	Transport wire.Transport
	Database  *gatt.Database
	Engine    ota.Engine
	Rebooter  ota.Rebooter
	Indicator Indicator
	Trace     *debug.Logger

	OTA               ota.Config
	LocalMTU          int
	PrepareQueueLimit int
	BatteryInterval   time.Duration
}

// Server is the attribute server for one peripheral. All protocol state is
// touched only from the goroutine running Serve.
type Server struct {
	transport  wire.Transport
	db         *gatt.Database
	session    *ota.Session
	dispatcher *Dispatcher
	battery    *battery.Notifier
	indicator  Indicator
	trace      *debug.Logger

	conn   Connection
	closed bool
}

// New creates a server in the disconnected, not advertising state.
func New(opts Options) (*Server, error) {
	if opts.Transport == nil {
		return nil, errors.New("server: transport is required")
	}
	if opts.Database == nil {
		return nil, errors.New("server: database is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("server: update engine is required")
	}
	rebooter := opts.Rebooter
	if rebooter == nil {
		rebooter = ota.RebootFunc(func() error {
			logger.Warn("SERVER", "reboot requested, no bootloader attached")
			return nil
		})
	}

	db := opts.Database
	session := ota.NewSession(opts.OTA, ota.Handles{
		ControlPoint:     db.OTAControlPoint,
		ControlPointCCCD: db.OTAControlPointCCCD,
		Data:             db.OTAData,
	}, opts.Engine, opts.Transport, rebooter)

	s := &Server{
		transport:  opts.Transport,
		db:         db,
		session:    session,
		dispatcher: NewDispatcher(db, session, opts.Transport, opts.LocalMTU, opts.PrepareQueueLimit),
		battery:    battery.NewNotifier(db.Store, db.BatteryLevel, db.BatteryLevelCCCD, opts.Transport, opts.BatteryInterval),
		indicator:  opts.Indicator,
		trace:      opts.Trace,
		conn:       Connection{State: StateDisconnected, MTU: att.DefaultMTU},
	}
	s.setState(StateDisconnected)
	return s, nil
}

// Connection returns a copy of the peer record.
func (s *Server) Connection() Connection {
	return s.conn
}

// Serve runs the processing loop until ctx is done, the transport closes or
// advertising cannot be restarted.
func (s *Server) Serve(ctx context.Context) error {
	if s.closed {
		return errors.New("server: closed")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.battery.Run(ctx)

	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return ErrTransportClosed
			}
			if err := s.handleEvent(ev); err != nil {
				return err
			}

		case <-s.battery.C():
			if err := s.battery.Tick(s.conn.ID != 0); err != nil {
				logger.Warn("BATTERY", "tick: %v", err)
			}
		}
	}
}

func (s *Server) handleEvent(ev wire.Event) error {
	switch e := ev.(type) {
	case wire.Connected:
		s.onConnected(e)
	case wire.Disconnected:
		return s.onDisconnected(e)
	case wire.AdvertisingChanged:
		s.onAdvertisingChanged(e)
	case wire.Request:
		s.handleRequest(e.PDU)
	default:
		logger.Warn("SERVER", "unknown event %T", ev)
	}
	return nil
}

func (s *Server) handleRequest(pdu []byte) {
	if len(pdu) == 0 {
		return
	}
	op := pdu[0]

	handle, err := s.dispatcher.Dispatch(pdu)
	s.conn.MTU = s.dispatcher.MTU()
	if err == nil {
		return
	}

	if !att.NeedsErrorResponse(op) {
		logger.Debug("GATT", "%s dropped: %v", att.OpcodeName(op), err)
		return
	}

	code := gatt.Code(err)
	logger.Debug("GATT", "❌ %s handle 0x%04X: %s (%v)", att.OpcodeName(op), handle, att.ErrorName(code), err)
	if err := s.transport.SendError(op, handle, code); err != nil {
		logger.Warn("GATT", "send error response: %v", err)
	}
}

// Close stops the firmware session. The transport belongs to the caller.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.session.Detach()
	return nil
}
