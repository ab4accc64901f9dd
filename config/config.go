// Package config holds the battery server's settings and their command-line
// bindings.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/user/ble-battery-server/ota"
	"github.com/user/ble-battery-server/util"
	"github.com/user/ble-battery-server/wire/att"
	"github.com/user/ble-battery-server/wire/gatt"
	"github.com/user/ble-battery-server/wire/l2cap"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BATTERY_SERVER_"

// DeviceIDFile persists the peripheral identity inside the data dir.
const DeviceIDFile = "device_id"

// Defaults.
const (
	DefaultDeviceName        = "Battery Server"
	DefaultLocalMTU          = 247
	DefaultPrepareQueueLimit = 512
	DefaultLogLevel          = "info"
)

// Config is everything the server command needs.
type Config struct {
	DeviceName string
	DeviceID   string
	DataDir    string
	SocketDir  string

	LocalMTU          int
	PrepareQueueLimit int
	BatteryInterval   time.Duration

	OTATag              uint32
	RebootOnComplete    bool
	RebootDelay         time.Duration
	ValidateAfterReboot bool
	MaxImageSize        uint32

	Trace    bool
	LogLevel string
}

// Default returns a configuration that passes Validate once DataDir exists.
func Default() Config {
	o := ota.DefaultConfig()
	return Config{
		DeviceName:          DefaultDeviceName,
		DataDir:             util.GetDataDir(),
		LocalMTU:            DefaultLocalMTU,
		PrepareQueueLimit:   DefaultPrepareQueueLimit,
		BatteryInterval:     time.Second,
		OTATag:              o.Tag,
		RebootOnComplete:    o.RebootOnComplete,
		RebootDelay:         o.RebootDelay,
		ValidateAfterReboot: o.ValidateAfterReboot,
		MaxImageSize:        ota.DefaultMaxImageSize,
		LogLevel:            DefaultLogLevel,
	}
}

var logLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate checks ranges. An empty SocketDir means util.GetSocketDir.
func (c *Config) Validate() error {
	if c.DeviceName == "" {
		return errors.New("config: device name is empty")
	}
	if len(c.DeviceName) > gatt.MaxDeviceNameLen {
		return errors.Errorf("config: device name longer than %d bytes", gatt.MaxDeviceNameLen)
	}
	if c.DeviceID != "" {
		if _, err := uuid.Parse(c.DeviceID); err != nil {
			return errors.Wrap(err, "config: device id")
		}
	}
	if c.DataDir == "" {
		return errors.New("config: data dir is empty")
	}
	if c.LocalMTU < att.DefaultMTU || c.LocalMTU > l2cap.MaxPayload {
		return errors.Errorf("config: local MTU %d outside [%d, %d]", c.LocalMTU, att.DefaultMTU, l2cap.MaxPayload)
	}
	if c.PrepareQueueLimit < 0 {
		return errors.Errorf("config: prepare queue limit %d is negative", c.PrepareQueueLimit)
	}
	if c.BatteryInterval <= 0 {
		return errors.Errorf("config: battery interval %v must be positive", c.BatteryInterval)
	}
	if c.RebootDelay < 0 {
		return errors.Errorf("config: reboot delay %v is negative", c.RebootDelay)
	}
	if c.MaxImageSize == 0 {
		return errors.New("config: max image size is zero")
	}
	if !logLevels[strings.ToLower(c.LogLevel)] {
		return errors.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// OTA returns the firmware session settings.
func (c *Config) OTA() ota.Config {
	return ota.Config{
		Tag:                 c.OTATag,
		RebootOnComplete:    c.RebootOnComplete,
		RebootDelay:         c.RebootDelay,
		ValidateAfterReboot: c.ValidateAfterReboot,
	}
}

// LoadDeviceID returns the configured ID, else the one persisted in the data
// dir, creating it on first use so the peripheral keeps its address across
// restarts.
func (c *Config) LoadDeviceID() (uuid.UUID, error) {
	if c.DeviceID != "" {
		return uuid.Parse(c.DeviceID)
	}

	path := filepath.Join(c.DataDir, DeviceIDFile)
	if data, err := os.ReadFile(path); err == nil {
		id, err := uuid.Parse(strings.TrimSpace(string(data)))
		if err != nil {
			return uuid.Nil, errors.Wrapf(err, "config: corrupt %s", path)
		}
		return id, nil
	} else if !os.IsNotExist(err) {
		return uuid.Nil, errors.Wrap(err, "config: read device id")
	}

	id := uuid.New()
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return uuid.Nil, errors.Wrap(err, "config: create data dir")
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0644); err != nil {
		return uuid.Nil, errors.Wrap(err, "config: persist device id")
	}
	return id, nil
}

func env(name string) string {
	return EnvPrefix + name
}

// Flags returns the server flags with their environment bindings.
func Flags() []cli.Flag {
	d := Default()
	return []cli.Flag{
		cli.StringFlag{Name: "name, n", Value: d.DeviceName, Usage: "GAP device name", EnvVar: env("NAME")},
		cli.StringFlag{Name: "id", Usage: "device UUID (persisted in the data dir when empty)", EnvVar: env("ID")},
		cli.StringFlag{Name: "data-dir", Value: d.DataDir, Usage: "data directory", EnvVar: util.DataDirEnv},
		cli.StringFlag{Name: "socket-dir", Usage: "socket directory (default <data-dir>/sockets)", EnvVar: env("SOCKET_DIR")},
		cli.IntFlag{Name: "mtu", Value: d.LocalMTU, Usage: "local ATT MTU", EnvVar: env("MTU")},
		cli.IntFlag{Name: "prepare-queue", Value: d.PrepareQueueLimit, Usage: "prepared write queue limit in bytes (0 = unlimited)", EnvVar: env("PREPARE_QUEUE")},
		cli.DurationFlag{Name: "battery-interval", Value: d.BatteryInterval, Usage: "battery level notification period", EnvVar: env("BATTERY_INTERVAL")},
		cli.StringFlag{Name: "ota-tag", Value: "0x" + strconv.FormatUint(uint64(d.OTATag), 16), Usage: "firmware session tag", EnvVar: env("OTA_TAG")},
		cli.BoolTFlag{Name: "reboot", Usage: "reboot after a validated update", EnvVar: env("REBOOT")},
		cli.DurationFlag{Name: "reboot-delay", Value: d.RebootDelay, Usage: "delay before reboot", EnvVar: env("REBOOT_DELAY")},
		cli.BoolTFlag{Name: "validate-after-reboot", Usage: "ask the bootloader to validate the new image", EnvVar: env("VALIDATE_AFTER_REBOOT")},
		cli.Uint64Flag{Name: "max-image", Value: uint64(d.MaxImageSize), Usage: "largest accepted firmware image in bytes", EnvVar: env("MAX_IMAGE")},
		cli.BoolFlag{Name: "trace", Usage: "write ATT packet traces", EnvVar: env("TRACE")},
		cli.StringFlag{Name: "log-level", Value: d.LogLevel, Usage: "trace, debug, info, warn or error", EnvVar: env("LOG_LEVEL")},
	}
}

// FromContext builds and validates a Config from parsed flags.
func FromContext(c *cli.Context) (Config, error) {
	tag, err := strconv.ParseUint(c.String("ota-tag"), 0, 32)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: ota tag")
	}
	maxImage := c.Uint64("max-image")
	if maxImage > 1<<32-1 {
		return Config{}, errors.Errorf("config: max image %d too large", maxImage)
	}

	cfg := Config{
		DeviceName:          c.String("name"),
		DeviceID:            c.String("id"),
		DataDir:             c.String("data-dir"),
		SocketDir:           c.String("socket-dir"),
		LocalMTU:            c.Int("mtu"),
		PrepareQueueLimit:   c.Int("prepare-queue"),
		BatteryInterval:     c.Duration("battery-interval"),
		OTATag:              uint32(tag),
		RebootOnComplete:    c.BoolT("reboot"),
		RebootDelay:         c.Duration("reboot-delay"),
		ValidateAfterReboot: c.BoolT("validate-after-reboot"),
		MaxImageSize:        uint32(maxImage),
		Trace:               c.Bool("trace"),
		LogLevel:            c.String("log-level"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
