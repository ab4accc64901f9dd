package ota

import (
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

	"github.com/user/ble-battery-server/wire/gatt"
)

var testHandles = Handles{ControlPoint: 16, ControlPointCCCD: 17, Data: 19}

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Start(params AgentParams) error              { return m.Called(params).Error(0) }
func (m *mockEngine) PrepareTransfer(params TransferParams) error { return m.Called(params).Error(0) }
func (m *mockEngine) BeginDownload(total uint32) error            { return m.Called(total).Error(0) }
func (m *mockEngine) WriteChunk(data []byte) error                { return m.Called(data).Error(0) }
func (m *mockEngine) Verify(crc uint32) error                     { return m.Called(crc).Error(0) }
func (m *mockEngine) Abort() error                                { return m.Called().Error(0) }
func (m *mockEngine) Stop() error                                 { return m.Called().Error(0) }
func (m *mockEngine) State() EngineState {
	return m.Called().Get(0).(EngineState)
}

type sent struct {
	indication bool
	handle     uint16
	value      []byte
}

type recordingNotifier struct {
	sent []sent
}

func (r *recordingNotifier) SendNotification(handle uint16, value []byte) error {
	r.sent = append(r.sent, sent{false, handle, append([]byte{}, value...)})
	return nil
}

func (r *recordingNotifier) SendIndication(handle uint16, value []byte) error {
	r.sent = append(r.sent, sent{true, handle, append([]byte{}, value...)})
	return nil
}

type countingRebooter struct {
	calls int
}

func (c *countingRebooter) Reboot() error {
	c.calls++
	return nil
}

func newTestSession(cfg Config, engine Engine) (*Session, *recordingNotifier, *countingRebooter) {
	n := &recordingNotifier{}
	r := &countingRebooter{}
	s := NewSession(cfg, testHandles, engine, n, r)
	s.sleep = func(time.Duration) {}
	s.Attach(1)
	return s, n, r
}

func u32(cmd byte, v uint32) []byte {
	b := make([]byte, 5)
	b[0] = cmd
	binary.LittleEndian.PutUint32(b[1:], v)
	return b
}

func TestSessionOwns(t *testing.T) {
	s, _, _ := newTestSession(DefaultConfig(), &mockEngine{})

	assert.True(t, s.Owns(testHandles.ControlPoint))
	assert.True(t, s.Owns(testHandles.ControlPointCCCD))
	assert.True(t, s.Owns(testHandles.Data))
	assert.False(t, s.Owns(12))
	assert.False(t, s.Owns(18))
}

func TestPrepareWithInvalidTagNeverStartsEngine(t *testing.T) {
	engine := &mockEngine{}
	cfg := DefaultConfig()
	cfg.Tag = TagInvalid
	s, _, _ := newTestSession(cfg, engine)

	err := s.HandleWrite(testHandles.ControlPoint, []byte{CommandPrepareDownload})
	require.Error(t, err)
	assert.True(t, errors.Is(err, gatt.ErrEngine))
	assert.True(t, errors.Is(err, ErrInvalidTag))
	assert.Equal(t, StateIdle, s.State())
	engine.AssertNotCalled(t, "Start", mock.Anything)
}

func TestPrepareStartsEngineAndPreparesTransfer(t *testing.T) {
	engine := &mockEngine{}
	s, _, _ := newTestSession(DefaultConfig(), engine)

	require.NoError(t, s.HandleWrite(testHandles.ControlPointCCCD, []byte{0x02, 0x00}))

	engine.On("Start", AgentParams{ValidateAfterReboot: true}).Return(nil).Once()
	engine.On("PrepareTransfer", mock.MatchedBy(func(p TransferParams) bool {
		return p.ConnID == 1 && p.ConfigDescriptor == 0x02 && p.SessionID == s.ID()
	})).Return(nil).Once()

	require.NoError(t, s.HandleWrite(testHandles.ControlPoint, []byte{CommandPrepareDownload}))
	assert.Equal(t, StatePreparing, s.State())
	engine.AssertExpectations(t)
}

func TestPrepareFailureKeepsState(t *testing.T) {
	engine := &mockEngine{}
	s, _, _ := newTestSession(DefaultConfig(), engine)

	engine.On("Start", mock.Anything).Return(errors.New("flash locked")).Once()

	err := s.HandleWrite(testHandles.ControlPoint, []byte{CommandPrepareDownload})
	require.Error(t, err)
	assert.Equal(t, uint8(0x80), gatt.Code(err))
	assert.Equal(t, StateIdle, s.State())
	engine.AssertNotCalled(t, "PrepareTransfer", mock.Anything)
}

func TestAbortAlwaysSucceeds(t *testing.T) {
	tests := []struct {
		name     string
		abortErr error
	}{
		{"engine ok", nil},
		{"engine fails", errors.New("nothing to abort")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &mockEngine{}
			engine.On("Abort").Return(tt.abortErr).Once()
			s, _, _ := newTestSession(DefaultConfig(), engine)

			assert.NoError(t, s.HandleWrite(testHandles.ControlPoint, []byte{CommandAbort}))
			assert.Equal(t, StateAborted, s.State())
			engine.AssertExpectations(t)
		})
	}
}

func TestCCCDCaptureNotForwarded(t *testing.T) {
	engine := &mockEngine{}
	s, _, _ := newTestSession(DefaultConfig(), engine)

	require.NoError(t, s.HandleWrite(testHandles.ControlPointCCCD, []byte{0x03, 0x00}))
	assert.Equal(t, uint8(0x03), s.ConfigDescriptor())

	require.NoError(t, s.HandleWrite(testHandles.ControlPointCCCD, []byte{0x01}))
	assert.Equal(t, uint8(0x01), s.ConfigDescriptor())

	assert.Empty(t, engine.Calls)
}

func TestMalformedCommands(t *testing.T) {
	engine := &mockEngine{}
	s, _, _ := newTestSession(DefaultConfig(), engine)

	err := s.HandleWrite(testHandles.ControlPoint, nil)
	assert.True(t, errors.Is(err, gatt.ErrInvalidPDU))

	err = s.HandleWrite(testHandles.ControlPoint, []byte{0x06})
	assert.True(t, errors.Is(err, gatt.ErrUnsupported))

	err = s.HandleWrite(testHandles.ControlPoint, []byte{CommandDownload, 0x01})
	assert.True(t, errors.Is(err, gatt.ErrInvalidPDU))

	err = s.HandleWrite(0x0042, []byte{1})
	assert.True(t, errors.Is(err, gatt.ErrUnsupported))
	assert.Empty(t, engine.Calls)
}

func TestVerifyFailureSendsBadStatus(t *testing.T) {
	engine := &mockEngine{}
	s, n, _ := newTestSession(DefaultConfig(), engine)
	require.NoError(t, s.HandleWrite(testHandles.ControlPointCCCD, []byte{0x01, 0x00}))

	engine.On("Verify", uint32(0xCAFEBABE)).Return(ErrChecksum).Once()

	err := s.HandleWrite(testHandles.ControlPoint, u32(CommandVerify, 0xCAFEBABE))
	require.Error(t, err)
	assert.True(t, errors.Is(err, gatt.ErrEngine))
	assert.Equal(t, StateError, s.State())

	require.Len(t, n.sent, 1)
	assert.False(t, n.sent[0].indication)
	assert.Equal(t, testHandles.ControlPoint, n.sent[0].handle)
	assert.Equal(t, []byte{StatusBad}, n.sent[0].value)
}

func TestConfirmationRebootsWhenComplete(t *testing.T) {
	engine := &mockEngine{}
	engine.On("State").Return(EngineComplete)
	s, _, r := newTestSession(DefaultConfig(), engine)

	var slept time.Duration
	s.sleep = func(d time.Duration) { slept = d }

	s.HandleConfirmation()
	assert.Equal(t, 1, r.calls)
	assert.Equal(t, DefaultRebootDelay, slept)
	engine.AssertNotCalled(t, "Stop")
}

func TestConfirmationStopsEngineOtherwise(t *testing.T) {
	tests := []struct {
		name   string
		state  EngineState
		reboot bool
	}{
		{"complete without reboot", EngineComplete, false},
		{"still downloading", EngineDownloading, true},
		{"engine error", EngineError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &mockEngine{}
			engine.On("State").Return(tt.state)
			engine.On("Stop").Return(nil).Once()

			cfg := DefaultConfig()
			cfg.RebootOnComplete = tt.reboot
			s, _, r := newTestSession(cfg, engine)

			s.HandleConfirmation()
			assert.Equal(t, 0, r.calls)
			assert.Equal(t, StateIdle, s.State())
			engine.AssertExpectations(t)
		})
	}
}

func TestDetachStopsActiveEngine(t *testing.T) {
	engine := &mockEngine{}
	engine.On("Start", mock.Anything).Return(nil)
	engine.On("PrepareTransfer", mock.Anything).Return(nil)
	engine.On("Stop").Return(nil).Once()
	s, _, _ := newTestSession(DefaultConfig(), engine)

	require.NoError(t, s.HandleWrite(testHandles.ControlPoint, []byte{CommandPrepareDownload}))
	s.Detach()
	s.Detach()

	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, uint8(0), s.ConfigDescriptor())
	engine.AssertNumberOfCalls(t, "Stop", 1)
}

func TestFullTransferWithFileEngine(t *testing.T) {
	dir := t.TempDir()
	engine := NewFileEngine(dir, 0)
	s, n, _ := newTestSession(DefaultConfig(), engine)

	image := make([]byte, 300)
	for i := range image {
		image[i] = byte(i * 7)
	}

	require.NoError(t, s.HandleWrite(testHandles.ControlPointCCCD, []byte{0x02, 0x00}))
	require.NoError(t, s.HandleWrite(testHandles.ControlPoint, []byte{CommandPrepareDownload}))

	// Chunks before the download command are rejected one by one.
	for i := 0; i < 2; i++ {
		err := s.HandleWrite(testHandles.Data, image[:20])
		require.Error(t, err)
		assert.True(t, errors.Is(err, gatt.ErrEngine))
	}

	require.NoError(t, s.HandleWrite(testHandles.ControlPoint, u32(CommandDownload, uint32(len(image)))))
	assert.Equal(t, StateDownloading, s.State())

	for off := 0; off < len(image); off += 100 {
		require.NoError(t, s.HandleWrite(testHandles.Data, image[off:off+100]))
	}

	require.NoError(t, s.HandleWrite(testHandles.ControlPoint, u32(CommandVerify, crc32.ChecksumIEEE(image))))
	assert.Equal(t, StateValidated, s.State())
	assert.Equal(t, EngineComplete, engine.State())

	require.Len(t, n.sent, 1)
	assert.True(t, n.sent[0].indication)
	assert.Equal(t, []byte{StatusOK}, n.sent[0].value)

	published, err := os.ReadFile(filepath.Join(dir, PendingImage))
	require.NoError(t, err)
	assert.Equal(t, image, published)
}

func TestGetStatusWithoutSubscription(t *testing.T) {
	engine := &mockEngine{}
	s, n, _ := newTestSession(DefaultConfig(), engine)

	require.NoError(t, s.HandleWrite(testHandles.ControlPoint, []byte{CommandGetStatus}))
	assert.Empty(t, n.sent)

	require.NoError(t, s.HandleWrite(testHandles.ControlPointCCCD, []byte{0x01, 0x00}))
	require.NoError(t, s.HandleWrite(testHandles.ControlPoint, []byte{CommandGetStatus}))
	require.Len(t, n.sent, 1)
	assert.Equal(t, []byte{StatusOK}, n.sent[0].value)
}
