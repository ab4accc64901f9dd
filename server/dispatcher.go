package server

import (
	"github.com/pkg/errors"

	"github.com/user/ble-battery-server/logger"
	"github.com/user/ble-battery-server/ota"
	"github.com/user/ble-battery-server/wire"
	"github.com/user/ble-battery-server/wire/att"
	"github.com/user/ble-battery-server/wire/gatt"
)

// Dispatcher serves ATT requests from the connected central against the
// attribute database. It is not safe for concurrent use; the processing
// loop owns it.
type Dispatcher struct {
	db        *gatt.Database
	session   *ota.Session
	transport wire.Transport
	pool      *BufferPool
	queue     *att.PrepareQueue

	localMTU int
	mtu      int
}

// NewDispatcher creates a dispatcher. localMTU is the largest ATT MTU the
// server accepts; queueLimit bounds the prepared-write queue in bytes.
func NewDispatcher(db *gatt.Database, session *ota.Session, transport wire.Transport, localMTU, queueLimit int) *Dispatcher {
	if localMTU < att.DefaultMTU {
		localMTU = att.DefaultMTU
	}
	return &Dispatcher{
		db:        db,
		session:   session,
		transport: transport,
		pool:      NewBufferPool(localMTU, DefaultPoolBuffers),
		queue:     att.NewPrepareQueue(queueLimit),
		localMTU:  localMTU,
		mtu:       att.DefaultMTU,
	}
}

// MTU returns the negotiated ATT MTU.
func (d *Dispatcher) MTU() int { return d.mtu }

// Pool returns the response buffer pool.
func (d *Dispatcher) Pool() *BufferPool { return d.pool }

// Reset forgets per-connection state.
func (d *Dispatcher) Reset() {
	d.mtu = att.DefaultMTU
	d.queue.Reset()
}

// Dispatch serves one PDU. A non-nil error is to be reported to the central
// as an Error Response for the returned handle when the opcode is
// acknowledged (see att.NeedsErrorResponse); otherwise it is dropped.
func (d *Dispatcher) Dispatch(pdu []byte) (uint16, error) {
	if len(pdu) == 0 {
		return 0, gatt.InvalidPDU(errors.New("empty pdu"))
	}
	op := pdu[0]

	pkt, err := att.DecodePacket(pdu)
	if err != nil {
		if !served(op) {
			return 0, gatt.ErrUnsupported
		}
		return requestHandle(pdu), gatt.InvalidPDU(err)
	}

	switch p := pkt.(type) {
	case *att.ExchangeMTURequest:
		return 0, d.exchangeMTU(p)
	case *att.ReadRequest:
		return d.read(p.Handle, 0, att.OpReadResponse)
	case *att.ReadBlobRequest:
		return d.read(p.Handle, int(p.Offset), att.OpReadBlobResponse)
	case *att.ReadByTypeRequest:
		return d.readByType(p)
	case *att.ReadMultipleRequest:
		return d.readMultiple(p.Handles, false)
	case *att.ReadMultipleVariableRequest:
		return d.readMultiple(p.Handles, true)
	case *att.ReadByGroupTypeRequest:
		return d.readByGroupType(p)
	case *att.FindInformationRequest:
		return d.findInformation(p)
	case *att.WriteRequest:
		if err := d.write(p.Handle, p.Value); err != nil {
			return p.Handle, err
		}
		return 0, d.respond(&att.WriteResponse{})
	case *att.WriteCommand:
		d.writeCommand(p.Handle, p.Value)
		return 0, nil
	case *att.SignedWriteCommand:
		// The signature is not checked; no bonding keys exist.
		d.writeCommand(p.Handle, p.Value)
		return 0, nil
	case *att.PrepareWriteRequest:
		return d.prepareWrite(p)
	case *att.ExecuteWriteRequest:
		return d.executeWrite(p)
	case *att.HandleValueConfirmation:
		logger.Debug("GATT", "📥 confirmation")
		d.session.HandleConfirmation()
		return 0, nil
	case *att.HandleValueNotification:
		return 0, nil
	}

	logger.Debug("GATT", "⚠️  %s not served", att.OpcodeName(op))
	return 0, gatt.ErrUnsupported
}

// requestHandle is the handle an undecodable request is reported against.
// Only requests that lead with a handle have one.
func requestHandle(pdu []byte) uint16 {
	switch pdu[0] {
	case att.OpReadRequest,
		att.OpReadBlobRequest,
		att.OpReadByTypeRequest,
		att.OpReadByGroupTypeRequest,
		att.OpFindInformationRequest,
		att.OpWriteRequest,
		att.OpPrepareWriteRequest:
		if len(pdu) >= 3 {
			return uint16(pdu[1]) | uint16(pdu[2])<<8
		}
	}
	return 0
}

// served reports whether the dispatcher implements op.
func served(op uint8) bool {
	switch op {
	case att.OpExchangeMTURequest,
		att.OpReadRequest,
		att.OpReadBlobRequest,
		att.OpReadByTypeRequest,
		att.OpReadMultipleRequest,
		att.OpReadMultipleVariableRequest,
		att.OpReadByGroupTypeRequest,
		att.OpFindInformationRequest,
		att.OpWriteRequest,
		att.OpWriteCommand,
		att.OpSignedWriteCommand,
		att.OpPrepareWriteRequest,
		att.OpExecuteWriteRequest,
		att.OpHandleValueConfirmation:
		return true
	}
	return false
}

func (d *Dispatcher) exchangeMTU(req *att.ExchangeMTURequest) error {
	mtu := min(int(req.ClientRxMTU), d.localMTU)
	if mtu < att.DefaultMTU {
		mtu = att.DefaultMTU
	}

	// The transport must accept the larger MTU before the peer can use it.
	d.mtu = mtu
	d.transport.SetMTU(mtu)
	if err := d.respond(&att.ExchangeMTUResponse{ServerRxMTU: uint16(d.localMTU)}); err != nil {
		return err
	}
	logger.Debug("GATT", "✅ MTU %d (client %d, local %d)", mtu, req.ClientRxMTU, d.localMTU)
	return nil
}

// respond encodes and sends a response that needs no pooled buffer.
func (d *Dispatcher) respond(pkt interface{}) error {
	pdu, err := att.EncodePacket(pkt)
	if err != nil {
		return errors.Wrap(gatt.ErrInternal, err.Error())
	}
	d.send(pdu, nil)
	return nil
}

// send hands a response to the transport. Transport failures are the link's
// problem, not the request's, so they are only logged.
func (d *Dispatcher) send(pdu []byte, release wire.ReleaseFunc) {
	if err := d.transport.SendResponse(pdu, release); err != nil {
		logger.Warn("GATT", "❌ send %s: %v", att.OpcodeName(pdu[0]), err)
	}
}
