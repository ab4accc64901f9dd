package server

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/user/ble-battery-server/indicator"
	"github.com/user/ble-battery-server/ota"
	"github.com/user/ble-battery-server/wire"
	"github.com/user/ble-battery-server/wire/att"
	"github.com/user/ble-battery-server/wire/gatt"
)

func TestConnectionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	assert.Equal(t, StateDisconnected, ts.Connection().State)

	ts.connect(t)
	conn := ts.Connection()
	assert.Equal(t, StateConnected, conn.State)
	assert.Equal(t, uint16(7), conn.ID)
	assert.Equal(t, "01:02:03:04:05:06", conn.Peer.String())

	require.NoError(t, ts.handleEvent(wire.Disconnected{Reason: "remote user terminated"}))
	conn = ts.Connection()
	assert.Equal(t, StateAdvertising, conn.State)
	assert.Equal(t, uint16(0), conn.ID)
	assert.Nil(t, conn.Peer)
	assert.Equal(t, 1, ts.transport.advStarts)
}

func TestAdvertisingRestartFailureIsFatal(t *testing.T) {
	ts := newTestServer(t)
	ts.transport.advErr = errors.New("controller busy")
	ts.connect(t)

	err := ts.handleEvent(wire.Disconnected{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAdvertisingRestart)
	assert.Contains(t, err.Error(), "controller busy")
}

func TestAdvertisingChanged(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		mode      wire.AdvertisingMode
		want      ConnState
	}{
		{"on while idle", false, wire.AdvertisingFast, StateAdvertising},
		{"slow while idle", false, wire.AdvertisingSlow, StateAdvertising},
		{"off while idle", false, wire.AdvertisingOff, StateDisconnected},
		{"off with peer", true, wire.AdvertisingOff, StateConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			if tt.connected {
				ts.connect(t)
			}
			require.NoError(t, ts.handleEvent(wire.AdvertisingChanged{Mode: tt.mode}))
			assert.Equal(t, tt.want, ts.Connection().State)
		})
	}
}

func TestIndicatorFollowsState(t *testing.T) {
	db, err := gatt.NewDatabase("bat")
	require.NoError(t, err)
	led := &mockIndicator{}
	led.On("SetPattern", indicator.Off).Return(nil).Once()
	led.On("SetPattern", indicator.On).Return(errors.New("pwm fault")).Once()
	led.On("SetPattern", indicator.Blinking).Return(nil).Once()

	transport := newFakeTransport()
	s, err := New(Options{Transport: transport, Database: db, Engine: &mockEngine{}, Indicator: led, OTA: ota.DefaultConfig()})
	require.NoError(t, err)

	require.NoError(t, s.handleEvent(wire.Connected{ID: 1, Addr: []byte{1, 1, 1, 1, 1, 1}}))
	// The indicator failed; the transition still happened.
	assert.Equal(t, StateConnected, s.Connection().State)

	require.NoError(t, s.handleEvent(wire.Disconnected{}))
	assert.Equal(t, StateAdvertising, s.Connection().State)

	led.AssertExpectations(t)
	led.AssertNumberOfCalls(t, "SetPattern", 3)
}

func TestDisconnectResetsLinkState(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t)
	ts.engine.On("Start", mock.Anything).Return(nil)
	ts.engine.On("PrepareTransfer", mock.Anything).Return(nil)
	ts.engine.On("Stop").Return(nil).Once()

	ts.request(t, &att.ExchangeMTURequest{ClientRxMTU: 185})
	ts.request(t, &att.WriteRequest{Handle: ts.db.BatteryLevelCCCD, Value: []byte{0x01, 0x00}})
	ts.request(t, &att.WriteRequest{Handle: ts.db.OTAControlPointCCCD, Value: []byte{0x02, 0x00}})
	ts.request(t, &att.WriteRequest{Handle: ts.db.OTAControlPoint, Value: []byte{ota.CommandPrepareDownload}})
	ts.request(t, &att.PrepareWriteRequest{Handle: ts.db.DeviceName, Value: []byte("zz")})
	require.Empty(t, ts.transport.errors)
	assert.Equal(t, ota.StatePreparing, ts.session.State())

	require.NoError(t, ts.handleEvent(wire.Disconnected{}))

	assert.Equal(t, att.DefaultMTU, ts.dispatcher.MTU())
	assert.False(t, ts.db.NotificationsEnabled(ts.db.BatteryLevelCCCD))
	v, _ := ts.db.Value(ts.db.OTAControlPointCCCD)
	assert.Equal(t, []byte{0, 0}, v)
	assert.Equal(t, ota.StateIdle, ts.session.State())
	ts.engine.AssertExpectations(t)

	// The queued fragment is gone: committing changes nothing.
	ts.connect(t)
	ts.request(t, &att.ExecuteWriteRequest{Flags: att.ExecuteWriteCommit})
	name, _ := ts.db.Value(ts.db.DeviceName)
	assert.Equal(t, []byte("bat"), name)
}
