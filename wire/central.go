package wire

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/user/ble-battery-server/logger"
	"github.com/user/ble-battery-server/wire/advertising"
	"github.com/user/ble-battery-server/wire/att"
	"github.com/user/ble-battery-server/wire/debug"
	"github.com/user/ble-battery-server/wire/gatt"
	"github.com/user/ble-battery-server/wire/l2cap"
)

// Peripheral is an advertising device found by Scan.
type Peripheral struct {
	ID            string
	SocketPath    string
	Advertisement *advertising.Advertisement
}

// Scan lists the peripherals currently advertising in dir.
func Scan(dir string) ([]Peripheral, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*"+advertising.FileExt))
	if err != nil {
		return nil, err
	}

	var found []Peripheral
	for _, path := range paths {
		ad, err := advertising.ReadFile(path)
		if err != nil {
			// Withdrawn between Glob and ReadFile, or being rewritten
			logger.Trace("SCAN", "skip %s: %v", filepath.Base(path), err)
			continue
		}
		id := strings.TrimSuffix(filepath.Base(path), advertising.FileExt)
		socket := filepath.Join(dir, id+SocketExt)
		if _, err := os.Stat(socket); err != nil {
			continue
		}
		found = append(found, Peripheral{ID: id, SocketPath: socket, Advertisement: ad})
	}
	return found, nil
}

// Notification is a value pushed by the peripheral.
type Notification struct {
	Handle     uint16
	Value      []byte
	Indication bool
}

// Central is the client side of one link. Requests are serialized: one ATT
// transaction at a time.
type Central struct {
	id      uuid.UUID
	peer    string
	conn    net.Conn
	tracker *att.RequestTracker
	trace   *debug.Logger

	reqMu   sync.Mutex
	writeMu sync.Mutex

	mu  sync.Mutex
	mtu int

	notifications chan Notification
	done          chan struct{}
	closeOnce     sync.Once
}

// DialOptions configures Dial.
type DialOptions struct {
	// ID identifies the central in the handshake; random when zero.
	ID uuid.UUID
	// Timeout bounds each ATT transaction; zero selects the ATT default.
	Timeout time.Duration
	Trace   *debug.Logger
}

// Dial connects to a peripheral socket and performs the handshake.
func Dial(ctx context.Context, socketPath string, opts DialOptions) (*Central, error) {
	id := opts.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, errors.Wrapf(err, "wire: dial %s", socketPath)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(handshakeTimeout))
	}
	if err := writeHandshake(conn, id.String()); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "wire: handshake")
	}
	peer, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "wire: peripheral refused connection")
	}
	conn.SetDeadline(time.Time{})

	c := &Central{
		id:            id,
		peer:          peer,
		conn:          conn,
		tracker:       att.NewRequestTracker(opts.Timeout),
		trace:         opts.Trace,
		mtu:           att.DefaultMTU,
		notifications: make(chan Notification, 32),
		done:          make(chan struct{}),
	}
	go c.readMessages()

	logger.Debug(c.prefix(), "🔗 Connected to %s", shortHash(peer))
	return c, nil
}

func (c *Central) prefix() string {
	return shortHash(c.id.String()) + " Central"
}

// Peer returns the peripheral's identifier from the handshake.
func (c *Central) Peer() string {
	return c.peer
}

// Notifications delivers notifications and indications. Indications are
// confirmed once delivered.
func (c *Central) Notifications() <-chan Notification {
	return c.notifications
}

// Done is closed when the link goes away.
func (c *Central) Done() <-chan struct{} {
	return c.done
}

// MTU returns the negotiated ATT MTU.
func (c *Central) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

func (c *Central) readMessages() {
	defer c.Close()

	for {
		pkt, err := l2cap.ReadFrame(c.conn)
		if err != nil {
			c.tracker.Fail(errors.Wrap(err, "wire: link lost"))
			return
		}
		if pkt.ChannelID != l2cap.ChannelATT || len(pkt.Payload) == 0 {
			continue
		}
		c.trace.LogATTPacket(debug.RX, c.peer, pkt.Payload)

		decoded, err := att.DecodePacket(pkt.Payload)
		if err != nil {
			logger.Warn(c.prefix(), "❌ Failed to decode ATT packet: %v", err)
			continue
		}

		switch p := decoded.(type) {
		case *att.HandleValueNotification:
			c.deliver(Notification{Handle: p.Handle, Value: p.Value})
		case *att.HandleValueIndication:
			c.deliver(Notification{Handle: p.Handle, Value: p.Value, Indication: true})
			if err := c.send(&att.HandleValueConfirmation{}); err != nil {
				logger.Warn(c.prefix(), "confirmation: %v", err)
			}
		default:
			if err := c.tracker.Complete(pkt.Payload[0], decoded); err != nil {
				logger.Warn(c.prefix(), "⚠️  %v", err)
			}
		}
	}
}

func (c *Central) deliver(n Notification) {
	select {
	case c.notifications <- n:
	case <-c.done:
	}
}

func (c *Central) send(pkt interface{}) error {
	pdu, err := att.EncodePacket(pkt)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := l2cap.WriteFrame(c.conn, l2cap.NewATTPacket(pdu)); err != nil {
		return errors.Wrap(err, "wire: send")
	}
	c.trace.LogATTPacket(debug.TX, c.peer, pdu)
	return nil
}

// request runs one ATT transaction. Error Responses come back as *att.Error.
func (c *Central) request(pkt interface{}, handle uint16) (interface{}, error) {
	pdu, err := att.EncodePacket(pkt)
	if err != nil {
		return nil, err
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	responseC, err := c.tracker.Start(pdu[0], handle)
	if err != nil {
		return nil, err
	}
	if err := c.send(pkt); err != nil {
		c.tracker.Fail(err)
		<-responseC
		return nil, err
	}

	resp := <-responseC
	return resp.Packet, resp.Error
}

// ExchangeMTU proposes mtu and records the agreed value.
func (c *Central) ExchangeMTU(mtu int) (int, error) {
	resp, err := c.request(&att.ExchangeMTURequest{ClientRxMTU: uint16(mtu)}, 0)
	if err != nil {
		return 0, err
	}
	agreed := min(mtu, int(resp.(*att.ExchangeMTUResponse).ServerRxMTU))
	if agreed < att.DefaultMTU {
		agreed = att.DefaultMTU
	}

	c.mu.Lock()
	c.mtu = agreed
	c.mu.Unlock()
	return agreed, nil
}

// Read returns the full value of handle, continuing with Read Blob while
// responses come back full.
func (c *Central) Read(handle uint16) ([]byte, error) {
	resp, err := c.request(&att.ReadRequest{Handle: handle}, handle)
	if err != nil {
		return nil, err
	}
	value := resp.(*att.ReadResponse).Value

	full := c.MTU() - 1
	for last := len(value); last == full; {
		resp, err := c.request(&att.ReadBlobRequest{Handle: handle, Offset: uint16(len(value))}, handle)
		if att.ErrorCode(err) == att.ErrInvalidOffset || att.ErrorCode(err) == att.ErrAttributeNotLong {
			break
		}
		if err != nil {
			return nil, err
		}
		part := resp.(*att.ReadBlobResponse).Value
		value = append(value, part...)
		last = len(part)
	}
	return value, nil
}

// ReadMultiple reads several handles with the variable-length request.
func (c *Central) ReadMultiple(handles ...uint16) ([][]byte, error) {
	if len(handles) < 2 {
		return nil, errors.New("wire: read multiple needs at least two handles")
	}
	resp, err := c.request(&att.ReadMultipleVariableRequest{Handles: handles}, handles[0])
	if err != nil {
		return nil, err
	}

	data := resp.(*att.ReadMultipleVariableResponse).Values
	var values [][]byte
	for len(data) >= 2 {
		n := int(binary.LittleEndian.Uint16(data))
		data = data[2:]
		if n > len(data) {
			n = len(data)
		}
		values = append(values, append([]byte{}, data[:n]...))
		data = data[n:]
	}
	return values, nil
}

// Write sends a Write Request, or a prepared write when value does not fit
// one PDU.
func (c *Central) Write(handle uint16, value []byte) error {
	mtu := c.MTU()
	if !att.ShouldFragment(mtu, value) {
		_, err := c.request(&att.WriteRequest{Handle: handle, Value: value}, handle)
		return err
	}

	fragments, err := att.FragmentWrite(handle, value, mtu)
	if err != nil {
		return err
	}
	for _, f := range fragments {
		if _, err := c.request(f, handle); err != nil {
			c.request(&att.ExecuteWriteRequest{Flags: att.ExecuteWriteCancel}, 0)
			return err
		}
	}
	_, err = c.request(&att.ExecuteWriteRequest{Flags: att.ExecuteWriteCommit}, 0)
	return err
}

// WriteCommand sends a write without response. Value is limited to MTU-3.
func (c *Central) WriteCommand(handle uint16, value []byte) error {
	if att.ShouldFragment(c.MTU(), value) {
		return errors.Errorf("wire: %d bytes exceed MTU %d", len(value), c.MTU())
	}
	return c.send(&att.WriteCommand{Handle: handle, Value: value})
}

// Subscribe writes a characteristic's configuration descriptor.
func (c *Central) Subscribe(cccd uint16, notify, indicate bool) error {
	return c.Write(cccd, gatt.EncodeCCCD(notify, indicate))
}

// Discover walks services, characteristics and descriptors.
func (c *Central) Discover() (*gatt.Profile, error) {
	profile := &gatt.Profile{}

	for start := uint16(1); ; {
		resp, err := c.request(&att.ReadByGroupTypeRequest{StartHandle: start, EndHandle: 0xFFFF, Type: gatt.UUIDPrimaryService}, start)
		if att.ErrorCode(err) == att.ErrAttributeNotFound {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "discover services")
		}
		r := resp.(*att.ReadByGroupTypeResponse)
		groups, err := gatt.ParseGroups(r.Length, r.AttributeData)
		if err != nil {
			return nil, errors.Wrap(err, "discover services")
		}
		if len(groups) == 0 {
			break
		}
		profile.Services = append(profile.Services, groups...)

		last := groups[len(groups)-1].End
		if last == 0xFFFF {
			break
		}
		start = last + 1
	}

	for _, svc := range profile.Services {
		for start := svc.Start; start <= svc.End; {
			resp, err := c.request(&att.ReadByTypeRequest{StartHandle: start, EndHandle: svc.End, Type: gatt.UUIDCharacteristic}, start)
			if att.ErrorCode(err) == att.ErrAttributeNotFound {
				break
			}
			if err != nil {
				return nil, errors.Wrapf(err, "discover characteristics of %s", gatt.UUIDString(svc.UUID))
			}
			r := resp.(*att.ReadByTypeResponse)
			chars, err := gatt.ParseCharacteristics(r.Length, r.AttributeData)
			if err != nil {
				return nil, errors.Wrap(err, "discover characteristics")
			}
			if len(chars) == 0 {
				break
			}
			profile.Characteristics = append(profile.Characteristics, chars...)

			last := chars[len(chars)-1].Value
			if last >= svc.End {
				break
			}
			start = last + 1
		}

		if err := c.discoverDescriptors(profile, svc); err != nil {
			return nil, err
		}
	}
	return profile, nil
}

func (c *Central) discoverDescriptors(profile *gatt.Profile, svc gatt.Group) error {
	for start := svc.Start; start <= svc.End; {
		resp, err := c.request(&att.FindInformationRequest{StartHandle: start, EndHandle: svc.End}, start)
		if att.ErrorCode(err) == att.ErrAttributeNotFound {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "discover descriptors")
		}
		r := resp.(*att.FindInformationResponse)
		descs, err := gatt.ParseDescriptors(r.Format, r.Data)
		if err != nil {
			return errors.Wrap(err, "discover descriptors")
		}
		if len(descs) == 0 {
			return nil
		}
		profile.Descriptors = append(profile.Descriptors, descs...)

		last := descs[len(descs)-1].Handle
		if last >= svc.End {
			return nil
		}
		start = last + 1
	}
	return nil
}

// Close drops the link. Safe to call more than once.
func (c *Central) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		c.tracker.Fail(errors.New("wire: connection closed"))
	})
	return err
}
