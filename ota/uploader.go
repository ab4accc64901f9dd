package ota

import (
	"context"
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"github.com/user/ble-battery-server/logger"
	"github.com/user/ble-battery-server/wire"
	"github.com/user/ble-battery-server/wire/gatt"
)

// ErrUpdateRejected is returned when the peripheral reports a bad status
// after verification.
var ErrUpdateRejected = errors.New("ota: peripheral rejected image")

// Link is the central side of a connection to an updatable peripheral.
// *wire.Central implements it.
type Link interface {
	Discover() (*gatt.Profile, error)
	Subscribe(cccd uint16, notify, indicate bool) error
	Write(handle uint16, value []byte) error
	WriteCommand(handle uint16, value []byte) error
	Notifications() <-chan wire.Notification
	MTU() int
}

func commandWithArg(cmd byte, arg uint32) []byte {
	b := make([]byte, 5)
	b[0] = cmd
	binary.LittleEndian.PutUint32(b[1:], arg)
	return b
}

// Upload pushes image through the control point and data characteristics
// and waits for the verification status. progress may be nil.
func Upload(ctx context.Context, link Link, image []byte, progress func(sent, total int)) error {
	profile, err := link.Discover()
	if err != nil {
		return errors.Wrap(err, "ota: discover")
	}
	control, ok := profile.Characteristic(gatt.UUIDOTAControlPoint)
	if !ok {
		return errors.New("ota: peer has no control point")
	}
	data, ok := profile.Characteristic(gatt.UUIDOTAData)
	if !ok {
		return errors.New("ota: peer has no data characteristic")
	}
	cccd, ok := profile.CCCD(control.Value)
	if !ok {
		return errors.New("ota: control point has no configuration descriptor")
	}

	if err := link.Subscribe(cccd, false, true); err != nil {
		return errors.Wrap(err, "ota: subscribe")
	}
	if err := link.Write(control.Value, []byte{CommandPrepareDownload}); err != nil {
		return errors.Wrap(err, "ota: prepare")
	}
	if err := link.Write(control.Value, commandWithArg(CommandDownload, uint32(len(image)))); err != nil {
		return errors.Wrap(err, "ota: download")
	}

	chunk := min(link.MTU()-3, gatt.MaxOTADataLen)
	for off := 0; off < len(image); off += chunk {
		if err := ctx.Err(); err != nil {
			link.Write(control.Value, []byte{CommandAbort})
			return err
		}
		end := min(off+chunk, len(image))
		if err := link.WriteCommand(data.Value, image[off:end]); err != nil {
			return errors.Wrapf(err, "ota: chunk at %d", off)
		}
		if progress != nil {
			progress(end, len(image))
		}
	}

	crc := crc32.ChecksumIEEE(image)
	logger.Debug("OTA", "📤 %d bytes sent, verifying crc 0x%08X", len(image), crc)
	if err := link.Write(control.Value, commandWithArg(CommandVerify, crc)); err != nil {
		return errors.Wrap(err, "ota: verify")
	}

	for {
		select {
		case n := <-link.Notifications():
			if n.Handle != control.Value || len(n.Value) != 1 {
				continue
			}
			if n.Value[0] != StatusOK {
				return ErrUpdateRejected
			}
			return nil
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "ota: waiting for status")
		}
	}
}
