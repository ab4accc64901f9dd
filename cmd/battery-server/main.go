// Command battery-server runs the battery and firmware-update GATT server on
// a Unix domain socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/ble-battery-server/config"
	"github.com/user/ble-battery-server/indicator"
	"github.com/user/ble-battery-server/logger"
	"github.com/user/ble-battery-server/ota"
	"github.com/user/ble-battery-server/server"
	"github.com/user/ble-battery-server/util"
	"github.com/user/ble-battery-server/wire"
	"github.com/user/ble-battery-server/wire/advertising"
	"github.com/user/ble-battery-server/wire/debug"
	"github.com/user/ble-battery-server/wire/gatt"
)

func main() {
	app := cli.NewApp()
	app.Name = "battery-server"
	app.Usage = "BLE battery service with firmware update over a Unix socket"
	app.Version = "0.1.0"
	app.Flags = config.Flags()
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logger.Error("MAIN", "❌ %v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.FromContext(c)
	if err != nil {
		return err
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	id, err := cfg.LoadDeviceID()
	if err != nil {
		return err
	}
	if cfg.SocketDir == "" {
		if cfg.SocketDir, err = util.GetSocketDir(cfg.DataDir); err != nil {
			return errors.Wrap(err, "socket dir")
		}
	}

	trace, err := debug.NewLogger(util.GetTraceDir(cfg.DataDir, id.String()), cfg.Trace)
	if err != nil {
		return err
	}

	db, err := gatt.NewDatabase(cfg.DeviceName)
	if err != nil {
		return err
	}

	led, err := indicator.NewLED(&indicator.LogSignal{})
	if err != nil {
		return err
	}

	transport, err := wire.NewSocketTransport(wire.SocketOptions{
		Dir: cfg.SocketDir,
		ID:  id,
		Advertisement: advertising.Advertisement{
			Name:        cfg.DeviceName,
			Appearance:  gatt.AppearanceGenericTag,
			Services16:  []uint16{0x180F},
			Services128: [][]byte{gatt.UUIDOTAService},
		},
		Trace: trace,
	})
	if err != nil {
		return err
	}
	defer transport.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// No bootloader here: a reboot ends the process and leaves pending.bin
	// for whatever supervises it.
	rebooter := ota.RebootFunc(func() error {
		logger.Info("MAIN", "🔄 Reboot requested, new image staged in %s", util.GetFirmwareDir(cfg.DataDir))
		cancel()
		return nil
	})

	srv, err := server.New(server.Options{
		Transport:         transport,
		Database:          db,
		Engine:            ota.NewFileEngine(util.GetFirmwareDir(cfg.DataDir), cfg.MaxImageSize),
		Rebooter:          rebooter,
		Indicator:         led,
		Trace:             trace,
		OTA:               cfg.OTA(),
		LocalMTU:          cfg.LocalMTU,
		PrepareQueueLimit: cfg.PrepareQueueLimit,
		BatteryInterval:   cfg.BatteryInterval,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	if err := transport.StartAdvertising(); err != nil {
		return errors.Wrap(err, "start advertising")
	}
	logger.Info("MAIN", "🔋 %s (%s) serving on %s", cfg.DeviceName, id, transport.SocketPath())
	fmt.Println(transport.SocketPath())

	err = srv.Serve(ctx)
	if errors.Cause(err) == server.ErrAdvertisingRestart {
		return cli.NewExitError(err.Error(), 2)
	}
	return err
}
