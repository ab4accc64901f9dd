package server

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/user/ble-battery-server/ota"
	"github.com/user/ble-battery-server/wire"
	"github.com/user/ble-battery-server/wire/att"
	"github.com/user/ble-battery-server/wire/gatt"
)

func TestNewRequiresCollaborators(t *testing.T) {
	db, err := gatt.NewDatabase("bat")
	require.NoError(t, err)

	_, err = New(Options{Database: db, Engine: &mockEngine{}})
	assert.Error(t, err)
	_, err = New(Options{Transport: newFakeTransport(), Engine: &mockEngine{}})
	assert.Error(t, err)
	_, err = New(Options{Transport: newFakeTransport(), Database: db})
	assert.Error(t, err)
}

func TestPrepareThenChunksBeforeDownload(t *testing.T) {
	ts := newTestServer(t)
	ts.connect(t)

	ts.engine.On("Start", ota.AgentParams{ValidateAfterReboot: true}).Return(nil).Once()
	ts.engine.On("PrepareTransfer", mock.MatchedBy(func(p ota.TransferParams) bool {
		return p.ConnID == 7
	})).Return(nil).Once()
	ts.engine.On("WriteChunk", mock.Anything).Return(ota.ErrNotDownloading).Twice()

	ts.request(t, &att.WriteRequest{Handle: ts.db.OTAControlPoint, Value: []byte{ota.CommandPrepareDownload}})
	assert.Equal(t, []byte{att.OpWriteResponse}, ts.transport.lastResponse())

	ts.request(t, &att.WriteRequest{Handle: ts.db.OTAData, Value: []byte{0xAA, 0xBB}})
	ts.request(t, &att.WriteRequest{Handle: ts.db.OTAData, Value: []byte{0xCC}})

	require.Len(t, ts.transport.errors, 2)
	for _, e := range ts.transport.errors {
		assert.Equal(t, errorResponse{att.OpWriteRequest, ts.db.OTAData, att.ErrApplication}, e)
	}
	ts.engine.AssertExpectations(t)
}

func TestInvalidTagOverTheAir(t *testing.T) {
	db, err := gatt.NewDatabase("bat")
	require.NoError(t, err)
	transport := newFakeTransport()
	engine := &mockEngine{}
	cfg := ota.DefaultConfig()
	cfg.Tag = ota.TagInvalid

	s, err := New(Options{Transport: transport, Database: db, Engine: engine, OTA: cfg})
	require.NoError(t, err)
	require.NoError(t, s.handleEvent(wire.Connected{ID: 1}))

	pdu, _ := att.EncodePacket(&att.WriteRequest{Handle: db.OTAControlPoint, Value: []byte{ota.CommandPrepareDownload}})
	require.NoError(t, s.handleEvent(wire.Request{PDU: pdu}))

	require.Len(t, transport.errors, 1)
	assert.Equal(t, uint8(att.ErrApplication), transport.errors[0].code)
	engine.AssertNotCalled(t, "Start", mock.Anything)

	// Abort succeeds no matter what came before.
	engine.On("Abort").Return(errors.New("idle")).Once()
	pdu, _ = att.EncodePacket(&att.WriteRequest{Handle: db.OTAControlPoint, Value: []byte{ota.CommandAbort}})
	require.NoError(t, s.handleEvent(wire.Request{PDU: pdu}))
	assert.Len(t, transport.errors, 1)
	assert.Equal(t, []byte{att.OpWriteResponse}, transport.lastResponse())
}

func TestFirmwareUpdateOverTheAir(t *testing.T) {
	dir := t.TempDir()
	db, err := gatt.NewDatabase("bat")
	require.NoError(t, err)
	transport := newFakeTransport()
	rebooted := 0
	cfg := ota.DefaultConfig()
	cfg.RebootDelay = time.Millisecond

	s, err := New(Options{
		Transport: transport,
		Database:  db,
		Engine:    ota.NewFileEngine(dir, 0),
		Rebooter:  ota.RebootFunc(func() error { rebooted++; return nil }),
		OTA:       cfg,
		LocalMTU:  247,
	})
	require.NoError(t, err)

	send := func(pkt interface{}) {
		pdu, err := att.EncodePacket(pkt)
		require.NoError(t, err)
		require.NoError(t, s.handleEvent(wire.Request{PDU: pdu}))
	}
	command := func(cmd byte, arg uint32) []byte {
		b := []byte{cmd, 0, 0, 0, 0}
		binary.LittleEndian.PutUint32(b[1:], arg)
		return b
	}

	image := make([]byte, 1000)
	for i := range image {
		image[i] = byte(i % 251)
	}

	require.NoError(t, s.handleEvent(wire.Connected{ID: 3, Addr: []byte{6, 5, 4, 3, 2, 1}}))
	send(&att.ExchangeMTURequest{ClientRxMTU: 247})
	send(&att.WriteRequest{Handle: db.OTAControlPointCCCD, Value: gatt.EncodeCCCD(false, true)})
	send(&att.WriteRequest{Handle: db.OTAControlPoint, Value: []byte{ota.CommandPrepareDownload}})
	send(&att.WriteRequest{Handle: db.OTAControlPoint, Value: command(ota.CommandDownload, uint32(len(image)))})

	chunk := s.dispatcher.MTU() - 3
	for off := 0; off < len(image); off += chunk {
		end := min(off+chunk, len(image))
		send(&att.WriteCommand{Handle: db.OTAData, Value: image[off:end]})
	}

	send(&att.WriteRequest{Handle: db.OTAControlPoint, Value: command(ota.CommandVerify, crc32.ChecksumIEEE(image))})
	require.Empty(t, transport.errors)
	require.Len(t, transport.indications, 1)
	assert.Equal(t, valueMessage{db.OTAControlPoint, []byte{ota.StatusOK}}, transport.indications[0])
	assert.Equal(t, ota.StateValidated, s.session.State())

	send(&att.HandleValueConfirmation{})
	assert.Equal(t, 1, rebooted)

	published, err := os.ReadFile(filepath.Join(dir, ota.PendingImage))
	require.NoError(t, err)
	assert.Equal(t, image, published)
}

func TestServeLoop(t *testing.T) {
	db, err := gatt.NewDatabase("bat")
	require.NoError(t, err)
	transport := newFakeTransport()

	s, err := New(Options{
		Transport:       transport,
		Database:        db,
		Engine:          &mockEngine{},
		OTA:             ota.DefaultConfig(),
		BatteryInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	transport.events <- wire.Connected{ID: 1, Addr: []byte{1, 2, 3, 4, 5, 6}}
	subscribe, _ := att.EncodePacket(&att.WriteRequest{Handle: db.BatteryLevelCCCD, Value: gatt.EncodeCCCD(true, false)})
	transport.events <- wire.Request{PDU: subscribe}

	require.Eventually(t, func() bool {
		return transport.notificationCount() >= 2
	}, time.Second, 5*time.Millisecond)

	transport.mu.Lock()
	first := transport.notifications[0]
	transport.mu.Unlock()
	assert.Equal(t, db.BatteryLevel, first.handle)
	assert.Equal(t, []byte{98}, first.value)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestServeStopsWhenTransportCloses(t *testing.T) {
	ts := newTestServer(t)
	close(ts.transport.events)

	err := ts.Serve(context.Background())
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestServeStopsOnAdvertisingFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.transport.advErr = errors.New("rejected")
	ts.transport.events <- wire.Connected{ID: 2}
	ts.transport.events <- wire.Disconnected{}

	err := ts.Serve(context.Background())
	assert.ErrorIs(t, err, ErrAdvertisingRestart)
}

func TestCloseDetachesSession(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.Close())
	require.NoError(t, ts.Close())

	err := ts.Serve(context.Background())
	assert.Error(t, err)
}
