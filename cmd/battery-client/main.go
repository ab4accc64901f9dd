// Command battery-client scans for battery servers and talks to them as a
// central: discovery, battery reads and firmware uploads.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/ble-battery-server/logger"
	"github.com/user/ble-battery-server/ota"
	"github.com/user/ble-battery-server/util"
	"github.com/user/ble-battery-server/wire"
	"github.com/user/ble-battery-server/wire/gatt"
)

var (
	flgTimeout = cli.DurationFlag{Name: "tmo, t", Value: 5 * time.Second, Usage: "Timeout for the command"}
	flgName    = cli.StringFlag{Name: "name, n", Usage: "Name of remote device"}
	flgID      = cli.StringFlag{Name: "id", Usage: "ID of remote device"}
	flgHandle  = cli.StringFlag{Name: "handle", Usage: "Attribute handle (decimal or 0x hex)"}
)

func main() {
	app := cli.NewApp()
	app.Name = "battery-client"
	app.Usage = "Central for battery-server peripherals"
	app.Version = "0.1.0"
	app.Action = cli.ShowAppHelp
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "data-dir", Value: util.GetDataDir(), Usage: "data directory", EnvVar: util.DataDirEnv},
		cli.StringFlag{Name: "socket-dir", Usage: "socket directory (default <data-dir>/sockets)", EnvVar: "BATTERY_SERVER_SOCKET_DIR"},
		cli.StringFlag{Name: "log-level", Value: "warn", Usage: "trace, debug, info, warn or error"},
	}
	app.Before = func(c *cli.Context) error {
		logger.SetLevel(logger.ParseLevel(c.String("log-level")))
		return nil
	}

	app.Commands = []cli.Command{
		{
			Name:    "scan",
			Aliases: []string{"s"},
			Usage:   "List advertising peripherals",
			Action:  scan,
		},
		{
			Name:    "explore",
			Aliases: []string{"e"},
			Usage:   "Connect, discover and read every readable value",
			Action:  explore,
			Flags:   []cli.Flag{flgTimeout, flgName, flgID},
		},
		{
			Name:   "read",
			Usage:  "Read one attribute",
			Action: read,
			Flags:  []cli.Flag{flgTimeout, flgName, flgID, flgHandle},
		},
		{
			Name:   "write",
			Usage:  "Write one attribute",
			Action: write,
			Flags: []cli.Flag{flgTimeout, flgName, flgID, flgHandle,
				cli.StringFlag{Name: "hex, x", Usage: "value as hex"},
				cli.BoolFlag{Name: "cmd", Usage: "write without response"},
			},
		},
		{
			Name:    "monitor",
			Aliases: []string{"m"},
			Usage:   "Subscribe to battery level notifications",
			Action:  monitor,
			Flags: []cli.Flag{flgTimeout, flgName, flgID,
				cli.DurationFlag{Name: "duration, d", Value: 10 * time.Second, Usage: "how long to listen"},
			},
		},
		{
			Name:      "update",
			Aliases:   []string{"u"},
			Usage:     "Upload a firmware image",
			ArgsUsage: "<image>",
			Action:    update,
			Flags: []cli.Flag{flgTimeout, flgName, flgID,
				cli.IntFlag{Name: "mtu", Value: 247, Usage: "ATT MTU to propose"},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func socketDir(c *cli.Context) (string, error) {
	if dir := c.GlobalString("socket-dir"); dir != "" {
		return dir, nil
	}
	return util.GetSocketDir(c.GlobalString("data-dir"))
}

func scan(c *cli.Context) error {
	dir, err := socketDir(c)
	if err != nil {
		return err
	}
	found, err := wire.Scan(dir)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("no peripherals advertising")
		return nil
	}
	for _, p := range found {
		var services []string
		for _, u := range p.Advertisement.Services16 {
			services = append(services, fmt.Sprintf("0x%04X", u))
		}
		for _, u := range p.Advertisement.Services128 {
			services = append(services, gatt.UUIDString(u))
		}
		fmt.Printf("%s  %-20q  %s  [%s]\n", p.ID, p.Advertisement.Name, p.Advertisement.Addr, strings.Join(services, ", "))
	}
	return nil
}

// connect picks the first advertising peripheral matching the filters.
func connect(c *cli.Context) (*wire.Central, error) {
	dir, err := socketDir(c)
	if err != nil {
		return nil, err
	}
	found, err := wire.Scan(dir)
	if err != nil {
		return nil, err
	}

	for _, p := range found {
		if id := c.String("id"); id != "" && p.ID != id {
			continue
		}
		if name := c.String("name"); name != "" && p.Advertisement.Name != name {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.Duration("tmo"))
		defer cancel()
		return wire.Dial(ctx, p.SocketPath, wire.DialOptions{Timeout: c.Duration("tmo")})
	}
	return nil, errors.New("no matching peripheral advertising")
}

func explore(c *cli.Context) error {
	cln, err := connect(c)
	if err != nil {
		return err
	}
	defer cln.Close()

	profile, err := cln.Discover()
	if err != nil {
		return err
	}
	logger.DebugJSON("CLIENT", "profile", profile)
	for _, svc := range profile.Services {
		fmt.Printf("Service %s [0x%04X-0x%04X]\n", gatt.UUIDString(svc.UUID), svc.Start, svc.End)
		for _, ch := range profile.Characteristics {
			if ch.Declaration < svc.Start || ch.Declaration > svc.End {
				continue
			}
			fmt.Printf("  Characteristic %s handle 0x%04X props 0x%02X\n", gatt.UUIDString(ch.UUID), ch.Value, ch.Properties)
			if ch.Properties&gatt.PropRead == 0 {
				continue
			}
			value, err := cln.Read(ch.Value)
			if err != nil {
				fmt.Printf("    read failed: %v\n", err)
				continue
			}
			fmt.Printf("    value %x %q\n", value, value)
		}
	}
	return nil
}

func handleArg(c *cli.Context) (uint16, error) {
	h, err := strconv.ParseUint(c.String("handle"), 0, 16)
	if err != nil || h == 0 {
		return 0, errors.Errorf("invalid handle %q", c.String("handle"))
	}
	return uint16(h), nil
}

func read(c *cli.Context) error {
	handle, err := handleArg(c)
	if err != nil {
		return err
	}
	cln, err := connect(c)
	if err != nil {
		return err
	}
	defer cln.Close()

	value, err := cln.Read(handle)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", hex.EncodeToString(value))
	return nil
}

func write(c *cli.Context) error {
	handle, err := handleArg(c)
	if err != nil {
		return err
	}
	value, err := hex.DecodeString(c.String("hex"))
	if err != nil {
		return errors.Wrap(err, "value")
	}
	cln, err := connect(c)
	if err != nil {
		return err
	}
	defer cln.Close()

	if c.Bool("cmd") {
		return cln.WriteCommand(handle, value)
	}
	return cln.Write(handle, value)
}

func monitor(c *cli.Context) error {
	cln, err := connect(c)
	if err != nil {
		return err
	}
	defer cln.Close()

	profile, err := cln.Discover()
	if err != nil {
		return err
	}
	level, ok := profile.Characteristic(gatt.UUIDBatteryLevel)
	if !ok {
		return errors.New("peer has no battery level characteristic")
	}
	cccd, ok := profile.CCCD(level.Value)
	if !ok {
		return errors.New("battery level is not notifiable")
	}
	if err := cln.Subscribe(cccd, true, false); err != nil {
		return errors.Wrap(err, "subscribe")
	}

	deadline := time.After(c.Duration("duration"))
	for {
		select {
		case n := <-cln.Notifications():
			if n.Handle == level.Value && len(n.Value) == 1 {
				fmt.Printf("%s battery %d%%\n", time.Now().Format("15:04:05.000"), n.Value[0])
			}
		case <-cln.Done():
			return errors.New("peripheral disconnected")
		case <-deadline:
			return nil
		}
	}
}

func update(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: battery-client update <image>")
	}
	image, err := os.ReadFile(c.Args().First())
	if err != nil {
		return err
	}

	cln, err := connect(c)
	if err != nil {
		return err
	}
	defer cln.Close()

	if _, err := cln.ExchangeMTU(c.Int("mtu")); err != nil {
		return errors.Wrap(err, "exchange MTU")
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("tmo")+time.Duration(len(image))*time.Microsecond)
	defer cancel()
	err = ota.Upload(ctx, cln, image, func(sent, total int) {
		fmt.Printf("\r%d/%d bytes", sent, total)
	})
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Println("image verified, peripheral will reboot")
	return nil
}
