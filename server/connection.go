package server

import (
	"fmt"
	"net"

	"github.com/pkg/errors"

	"github.com/user/ble-battery-server/indicator"
	"github.com/user/ble-battery-server/logger"
	"github.com/user/ble-battery-server/wire"
	"github.com/user/ble-battery-server/wire/att"
)

// ErrAdvertisingRestart stops the server: with advertising down after a
// disconnect no central can ever reach it again.
var ErrAdvertisingRestart = errors.New("server: advertising restart failed")

// ConnState is the link state the server tracks.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateAdvertising
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected_not_advertising"
	case StateAdvertising:
		return "disconnected_and_advertising"
	case StateConnected:
		return "connected"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// Pattern is the indicator pattern shown in s.
func (s ConnState) Pattern() indicator.Pattern {
	switch s {
	case StateAdvertising:
		return indicator.Blinking
	case StateConnected:
		return indicator.On
	}
	return indicator.Off
}

// Connection is the single peer record. ID 0 means no peer.
type Connection struct {
	ID    uint16
	Peer  net.HardwareAddr
	State ConnState
	MTU   int
}

func (s *Server) onConnected(ev wire.Connected) {
	s.conn.ID = ev.ID
	s.conn.Peer = append(net.HardwareAddr{}, ev.Addr...)
	s.conn.MTU = att.DefaultMTU
	s.session.Attach(ev.ID)

	logger.Info("SERVER", "🔗 central %s connected (id %d)", ev.Addr, ev.ID)
	s.trace.LogEvent("connected", map[string]interface{}{
		"conn_id": int(ev.ID),
		"peer":    ev.Addr.String(),
	})
	s.setState(StateConnected)
}

// onDisconnected drops everything tied to the old peer and restarts
// advertising.
func (s *Server) onDisconnected(ev wire.Disconnected) error {
	logger.Info("SERVER", "🔌 central disconnected (id %d): %s", s.conn.ID, ev.Reason)
	s.trace.LogEvent("disconnected", map[string]interface{}{
		"conn_id": int(s.conn.ID),
		"reason":  ev.Reason,
	})

	s.conn.ID = 0
	s.conn.Peer = nil
	s.conn.MTU = att.DefaultMTU
	s.dispatcher.Reset()
	n, err := s.db.ResetCCCDs()
	if err != nil {
		logger.Warn("SERVER", "⚠️  subscription reset: %v", err)
	}
	if n > 0 {
		logger.Debug("SERVER", "cleared %d subscriptions", n)
	}
	s.session.Detach()

	if err := s.transport.StartAdvertising(); err != nil {
		logger.Error("SERVER", "❌ advertising restart: %v", err)
		return errors.Wrapf(ErrAdvertisingRestart, "%v", err)
	}
	s.setState(StateAdvertising)
	return nil
}

func (s *Server) onAdvertisingChanged(ev wire.AdvertisingChanged) {
	logger.Debug("SERVER", "📡 advertising %s", ev.Mode)
	if ev.Mode != wire.AdvertisingOff {
		s.setState(StateAdvertising)
		return
	}
	if s.conn.ID != 0 {
		s.setState(StateConnected)
	} else {
		s.setState(StateDisconnected)
	}
}

// setState records the new state and shows it on the indicator. An
// indicator failure never blocks the transition.
func (s *Server) setState(state ConnState) {
	if s.conn.State != state {
		logger.Debug("SERVER", "state %s -> %s", s.conn.State, state)
	}
	s.conn.State = state

	if s.indicator == nil {
		return
	}
	if err := s.indicator.SetPattern(state.Pattern()); err != nil {
		logger.Warn("SERVER", "indicator: %v", err)
	}
}
