package server

import (
	"github.com/pkg/errors"

	"github.com/user/ble-battery-server/logger"
	"github.com/user/ble-battery-server/wire/att"
	"github.com/user/ble-battery-server/wire/gatt"
)

// write applies a value. Firmware-update handles go to the session, the
// rest to the store.
func (d *Dispatcher) write(handle uint16, value []byte) error {
	if d.session.Owns(handle) {
		if err := d.session.HandleWrite(handle, value); err != nil {
			return err
		}
		if handle == d.db.OTAControlPointCCCD {
			// Keep the descriptor readable like any other CCCD.
			return d.db.SetValue(handle, value[:min(len(value), 2)])
		}
		return nil
	}

	e, ok := d.db.Find(handle)
	if !ok {
		return gatt.ErrNotFound
	}
	if !e.Writable() {
		return gatt.ErrWriteNotPermitted
	}
	if err := d.db.SetValue(handle, value); err != nil {
		return err
	}
	logger.Trace("GATT", "✏️  0x%04X = % X", handle, value)
	return nil
}

// writeCommand applies an unacknowledged write. Failures cannot be reported.
func (d *Dispatcher) writeCommand(handle uint16, value []byte) {
	if err := d.write(handle, value); err != nil {
		logger.Debug("GATT", "write command to 0x%04X dropped: %v", handle, err)
	}
}

func (d *Dispatcher) prepareWrite(req *att.PrepareWriteRequest) (uint16, error) {
	e, ok := d.db.Find(req.Handle)
	if !ok {
		return req.Handle, gatt.ErrNotFound
	}
	if !e.Writable() && !d.session.Owns(req.Handle) {
		return req.Handle, gatt.ErrWriteNotPermitted
	}

	if err := d.queue.Add(req); err != nil {
		switch {
		case errors.Is(err, att.ErrQueueOffset):
			return req.Handle, gatt.ErrOffsetOutOfRange
		case errors.Is(err, att.ErrQueueFull):
			return req.Handle, gatt.ErrPrepareQueueFull
		}
		return req.Handle, errors.Wrap(gatt.ErrInternal, err.Error())
	}
	logger.Trace("GATT", "prepared %d bytes for 0x%04X at %d, %d queued", len(req.Value), req.Handle, req.Offset, d.queue.Len())

	return req.Handle, d.respond(&att.PrepareWriteResponse{
		Handle: req.Handle,
		Offset: req.Offset,
		Value:  req.Value,
	})
}

// executeWrite commits or cancels the queue. Committed values go through
// the normal write path, lowest handle first; the first failure stops the
// commit and the rest of the queue is dropped.
func (d *Dispatcher) executeWrite(req *att.ExecuteWriteRequest) (uint16, error) {
	defer d.queue.Reset()

	if req.Flags == att.ExecuteWriteCommit {
		for _, h := range d.queue.Handles() {
			if err := d.write(h, d.queue.Value(h)); err != nil {
				return h, err
			}
		}
	}
	return 0, d.respond(&att.ExecuteWriteResponse{})
}
