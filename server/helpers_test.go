package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/user/ble-battery-server/indicator"
	"github.com/user/ble-battery-server/ota"
	"github.com/user/ble-battery-server/wire"
	"github.com/user/ble-battery-server/wire/att"
	"github.com/user/ble-battery-server/wire/gatt"
)

type errorResponse struct {
	op     uint8
	handle uint16
	code   uint8
}

type valueMessage struct {
	handle uint16
	value  []byte
}

// fakeTransport records everything the server sends.
type fakeTransport struct {
	mu sync.Mutex

	events        chan wire.Event
	responses     [][]byte
	errors        []errorResponse
	notifications []valueMessage
	indications   []valueMessage
	mtu           int
	advStarts     int
	advErr        error

	holdReleases bool
	pending      []wire.ReleaseFunc
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan wire.Event, 16), mtu: att.DefaultMTU}
}

func (f *fakeTransport) Events() <-chan wire.Event { return f.events }

func (f *fakeTransport) SendResponse(pdu []byte, release wire.ReleaseFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, append([]byte{}, pdu...))
	if release != nil {
		if f.holdReleases {
			f.pending = append(f.pending, release)
		} else {
			release()
		}
	}
	return nil
}

func (f *fakeTransport) SendNotification(handle uint16, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, valueMessage{handle, append([]byte{}, value...)})
	return nil
}

func (f *fakeTransport) SendIndication(handle uint16, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indications = append(f.indications, valueMessage{handle, append([]byte{}, value...)})
	return nil
}

func (f *fakeTransport) SendError(op uint8, handle uint16, code uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, errorResponse{op, handle, code})
	return nil
}

func (f *fakeTransport) StartAdvertising() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advStarts++
	return f.advErr
}

func (f *fakeTransport) StopAdvertising() error { return nil }

func (f *fakeTransport) SetMTU(mtu int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mtu = mtu
}

func (f *fakeTransport) lastResponse() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return nil
	}
	return f.responses[len(f.responses)-1]
}

func (f *fakeTransport) notificationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notifications)
}

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Start(p ota.AgentParams) error              { return m.Called(p).Error(0) }
func (m *mockEngine) PrepareTransfer(p ota.TransferParams) error { return m.Called(p).Error(0) }
func (m *mockEngine) BeginDownload(total uint32) error           { return m.Called(total).Error(0) }
func (m *mockEngine) WriteChunk(data []byte) error               { return m.Called(data).Error(0) }
func (m *mockEngine) Verify(crc uint32) error                    { return m.Called(crc).Error(0) }
func (m *mockEngine) Abort() error                               { return m.Called().Error(0) }
func (m *mockEngine) Stop() error                                { return m.Called().Error(0) }
func (m *mockEngine) State() ota.EngineState {
	return m.Called().Get(0).(ota.EngineState)
}

type mockIndicator struct {
	mock.Mock
}

func (m *mockIndicator) SetPattern(p indicator.Pattern) error {
	return m.Called(p).Error(0)
}

type testServer struct {
	*Server
	transport *fakeTransport
	db        *gatt.Database
	engine    *mockEngine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := gatt.NewDatabase("bat")
	require.NoError(t, err)
	transport := newFakeTransport()
	engine := &mockEngine{}

	s, err := New(Options{
		Transport: transport,
		Database:  db,
		Engine:    engine,
		OTA:       ota.DefaultConfig(),
		LocalMTU:  247,
	})
	require.NoError(t, err)

	return &testServer{Server: s, transport: transport, db: db, engine: engine}
}

// connect attaches a central without going through Serve.
func (ts *testServer) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, ts.handleEvent(wire.Connected{ID: 7, Addr: []byte{1, 2, 3, 4, 5, 6}}))
}

// request runs one PDU through the server as the processing loop would.
func (ts *testServer) request(t *testing.T, pkt interface{}) {
	t.Helper()
	pdu, err := att.EncodePacket(pkt)
	require.NoError(t, err)
	require.NoError(t, ts.handleEvent(wire.Request{PDU: pdu}))
}
