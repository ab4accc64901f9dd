package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/user/ble-battery-server/logger"
	"github.com/user/ble-battery-server/wire/advertising"
	"github.com/user/ble-battery-server/wire/att"
	"github.com/user/ble-battery-server/wire/debug"
	"github.com/user/ble-battery-server/wire/l2cap"
)

// SocketExt marks peripheral sockets. The advertisement for a socket lives
// next to it with advertising.FileExt.
const SocketExt = ".sock"

const (
	handshakeTimeout = 2 * time.Second
	maxHandshakeLen  = 64
	eventBuffer      = 64
)

var (
	// ErrNotConnected is returned by sends while no central is attached.
	ErrNotConnected = errors.New("wire: no central connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("wire: transport closed")
)

// SocketOptions configures a SocketTransport.
type SocketOptions struct {
	// Dir holds the socket and advertisement files.
	Dir string
	// ID names the peripheral; a random one is generated when zero.
	ID uuid.UUID
	// Advertisement is published while advertising. Addr is filled from ID.
	Advertisement advertising.Advertisement
	Trace         *debug.Logger
}

// SocketTransport is a peripheral link over a Unix domain socket. Each
// connection carries L2CAP basic frames after a handshake in which both
// sides send [length u32 big endian][id string]. One central at a time.
type SocketTransport struct {
	id         uuid.UUID
	socketPath string
	advPath    string
	ad         advertising.Advertisement
	trace      *debug.Logger
	listener   net.Listener

	mu          sync.Mutex
	conn        net.Conn
	connID      uint16
	nextID      uint16
	peer        string
	advertising bool
	mtu         int

	writeMu sync.Mutex

	events       chan Event
	emitMu       sync.RWMutex
	eventsClosed bool

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSocketTransport listens on <Dir>/<ID>.sock. Advertising starts with
// StartAdvertising.
func NewSocketTransport(opts SocketOptions) (*SocketTransport, error) {
	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, errors.Wrap(err, "wire: create socket dir")
	}

	t := &SocketTransport{
		id:         id,
		socketPath: filepath.Join(opts.Dir, id.String()+SocketExt),
		advPath:    filepath.Join(opts.Dir, id.String()+advertising.FileExt),
		ad:         opts.Advertisement,
		trace:      opts.Trace,
		mtu:        att.DefaultMTU,
		events:     make(chan Event, eventBuffer),
		stop:       make(chan struct{}),
	}
	t.ad.Addr = AddrFromID(id)

	// Clean up a stale socket from a previous run
	os.Remove(t.socketPath)

	listener, err := net.Listen("unix", t.socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, "wire: listen on %s", t.socketPath)
	}
	t.listener = listener

	t.wg.Add(1)
	go t.acceptConnections()

	logger.Debug(t.prefix(), "👂 Listening on %s", t.socketPath)
	return t, nil
}

// AddrFromID derives the device address from the first six bytes of an ID.
func AddrFromID(id uuid.UUID) net.HardwareAddr {
	return net.HardwareAddr(append([]byte{}, id[:6]...))
}

// ID returns the peripheral's identifier.
func (t *SocketTransport) ID() uuid.UUID {
	return t.id
}

// SocketPath returns the path centrals dial.
func (t *SocketTransport) SocketPath() string {
	return t.socketPath
}

func (t *SocketTransport) Events() <-chan Event {
	return t.events
}

func (t *SocketTransport) prefix() string {
	return shortHash(t.id.String()) + " Wire"
}

func (t *SocketTransport) acceptConnections() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.stop:
				return
			default:
			}
			logger.Warn(t.prefix(), "⚠️  Accept failed: %v", err)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		t.wg.Add(1)
		go t.handleIncomingConnection(conn)
	}
}

func (t *SocketTransport) handleIncomingConnection(conn net.Conn) {
	defer t.wg.Done()

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	peer, err := readHandshake(conn)
	if err != nil {
		logger.Warn(t.prefix(), "❌ Handshake failed: %v", err)
		conn.Close()
		return
	}

	t.mu.Lock()
	if !t.connectable() {
		t.mu.Unlock()
		logger.Debug(t.prefix(), "🚫 Rejecting %s (not connectable)", shortHash(peer))
		conn.Close()
		return
	}
	t.nextID++
	if t.nextID == 0 {
		t.nextID = 1
	}
	id := t.nextID
	t.conn = conn
	t.connID = id
	t.peer = peer
	t.mtu = att.DefaultMTU
	t.advertising = false
	t.mu.Unlock()

	if err := writeHandshake(conn, t.id.String()); err != nil {
		logger.Warn(t.prefix(), "❌ Handshake reply to %s failed: %v", shortHash(peer), err)
	}
	conn.SetDeadline(time.Time{})
	os.Remove(t.advPath)

	addr := net.HardwareAddr(nil)
	if u, err := uuid.Parse(peer); err == nil {
		addr = AddrFromID(u)
	}
	logger.Info(t.prefix(), "🔗 Central %s connected (conn %d)", shortHash(peer), id)
	t.emit(Connected{ID: id, Addr: addr})
	t.emit(AdvertisingChanged{Mode: AdvertisingOff})

	t.wg.Add(1)
	go t.readMessages(conn, id, peer)
}

// connectable reports whether a central may attach. Caller holds mu.
func (t *SocketTransport) connectable() bool {
	select {
	case <-t.stop:
		return false
	default:
	}
	return t.advertising && t.conn == nil
}

// readMessages forwards ATT PDUs until the central goes away.
func (t *SocketTransport) readMessages(conn net.Conn, id uint16, peer string) {
	defer t.wg.Done()

	reason := "remote closed"
	for {
		pkt, err := l2cap.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				reason = err.Error()
			}
			break
		}

		if pkt.ChannelID != l2cap.ChannelATT {
			logger.Warn(t.prefix(), "⚠️  Unsupported L2CAP channel 0x%04X from %s", pkt.ChannelID, shortHash(peer))
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if mtu := t.MTU(); len(pkt.Payload) > mtu {
			logger.Warn(t.prefix(), "⚠️  Dropping %d byte PDU from %s (MTU %d)", len(pkt.Payload), shortHash(peer), mtu)
			continue
		}

		t.trace.LogATTPacket(debug.RX, peer, pkt.Payload)
		t.emit(Request{PDU: pkt.Payload})
	}

	conn.Close()
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		t.connID = 0
		t.peer = ""
		t.mtu = att.DefaultMTU
	}
	t.mu.Unlock()

	logger.Info(t.prefix(), "🔌 Central %s disconnected: %s", shortHash(peer), reason)
	t.emit(Disconnected{ID: id, Reason: reason})
}

// emit hands an event to the processing loop. It blocks while the loop is
// busy and gives up once the transport is closed.
func (t *SocketTransport) emit(ev Event) {
	t.emitMu.RLock()
	defer t.emitMu.RUnlock()
	if t.eventsClosed {
		return
	}
	select {
	case t.events <- ev:
	case <-t.stop:
	}
}

// MTU returns the ATT MTU of the current link.
func (t *SocketTransport) MTU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mtu
}

func (t *SocketTransport) SetMTU(mtu int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if mtu < att.DefaultMTU {
		mtu = att.DefaultMTU
	}
	t.mtu = mtu
}

func (t *SocketTransport) send(pdu []byte) error {
	t.mu.Lock()
	conn, peer := t.conn, t.peer
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := l2cap.WriteFrame(conn, l2cap.NewATTPacket(pdu)); err != nil {
		return errors.Wrapf(err, "wire: send %s", att.OpcodeName(pdu[0]))
	}
	t.trace.LogATTPacket(debug.TX, peer, pdu)
	return nil
}

func (t *SocketTransport) SendResponse(pdu []byte, release ReleaseFunc) error {
	if release != nil {
		defer release()
	}
	if len(pdu) == 0 {
		return errors.New("wire: empty response")
	}
	return t.send(pdu)
}

// SendNotification truncates value to MTU-3.
func (t *SocketTransport) SendNotification(handle uint16, value []byte) error {
	return t.sendValue(&att.HandleValueNotification{Handle: handle, Value: value})
}

// SendIndication truncates value to MTU-3. The confirmation arrives as a
// Request event.
func (t *SocketTransport) SendIndication(handle uint16, value []byte) error {
	return t.sendValue(&att.HandleValueIndication{Handle: handle, Value: value})
}

func (t *SocketTransport) sendValue(pkt interface{}) error {
	limit := t.MTU() - 3
	switch p := pkt.(type) {
	case *att.HandleValueNotification:
		if len(p.Value) > limit {
			p.Value = p.Value[:limit]
		}
	case *att.HandleValueIndication:
		if len(p.Value) > limit {
			p.Value = p.Value[:limit]
		}
	}

	pdu, err := att.EncodePacket(pkt)
	if err != nil {
		return err
	}
	return t.send(pdu)
}

func (t *SocketTransport) SendError(requestOpcode uint8, handle uint16, code uint8) error {
	pdu, err := att.EncodePacket(&att.ErrorResponse{RequestOpcode: requestOpcode, Handle: handle, ErrorCode: code})
	if err != nil {
		return err
	}
	return t.send(pdu)
}

// StartAdvertising publishes the advertisement file and makes the socket
// connectable.
func (t *SocketTransport) StartAdvertising() error {
	select {
	case <-t.stop:
		return ErrClosed
	default:
	}

	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return errors.New("wire: cannot advertise while connected")
	}
	ad := t.ad
	t.mu.Unlock()

	if err := advertising.WriteFile(t.advPath, &ad); err != nil {
		return err
	}

	t.mu.Lock()
	t.advertising = true
	t.mu.Unlock()

	logger.Debug(t.prefix(), "📡 Advertising as %q", ad.Name)
	t.emit(AdvertisingChanged{Mode: AdvertisingFast})
	return nil
}

func (t *SocketTransport) StopAdvertising() error {
	t.mu.Lock()
	was := t.advertising
	t.advertising = false
	t.mu.Unlock()

	if err := os.Remove(t.advPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "wire: withdraw advertisement")
	}
	if was {
		t.emit(AdvertisingChanged{Mode: AdvertisingOff})
	}
	return nil
}

// Close stops accepting, drops the central and removes the socket files.
// Events is closed once every goroutine has exited. Safe to call more than
// once.
func (t *SocketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.stop)
		t.listener.Close()

		t.mu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.advertising = false
		t.mu.Unlock()

		t.wg.Wait()
		os.Remove(t.advPath)
		os.Remove(t.socketPath)

		t.emitMu.Lock()
		t.eventsClosed = true
		close(t.events)
		t.emitMu.Unlock()
	})
	return nil
}

func writeHandshake(w io.Writer, id string) error {
	buf := make([]byte, 4+len(id))
	binary.BigEndian.PutUint32(buf, uint32(len(id)))
	copy(buf[4:], id)
	_, err := w.Write(buf)
	return err
}

func readHandshake(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if n == 0 || n > maxHandshakeLen {
		return "", fmt.Errorf("wire: handshake id of %d bytes", n)
	}
	id := make([]byte, n)
	if _, err := io.ReadFull(r, id); err != nil {
		return "", err
	}
	return string(id), nil
}
