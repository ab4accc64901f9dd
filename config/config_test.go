package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"github.com/user/ble-battery-server/ota"
)

func parse(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	var (
		cfg    Config
		cfgErr error
	)
	app := cli.NewApp()
	app.Flags = Flags()
	app.Action = func(c *cli.Context) error {
		cfg, cfgErr = FromContext(c)
		return nil
	}
	require.NoError(t, app.Run(append([]string{"battery-server"}, args...)))
	return cfg, cfgErr
}

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()
	require.NoError(t, cfg.Validate())
	assert.Empty(t, cfg.SocketDir)
	assert.Equal(t, ota.DefaultConfig(), cfg.OTA())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty name", func(c *Config) { c.DeviceName = "" }},
		{"long name", func(c *Config) { c.DeviceName = "a-device-name-well-over-thirty-two-bytes" }},
		{"bad id", func(c *Config) { c.DeviceID = "not-a-uuid" }},
		{"no data dir", func(c *Config) { c.DataDir = "" }},
		{"mtu too small", func(c *Config) { c.LocalMTU = 22 }},
		{"mtu too large", func(c *Config) { c.LocalMTU = 518 }},
		{"negative queue", func(c *Config) { c.PrepareQueueLimit = -1 }},
		{"zero interval", func(c *Config) { c.BatteryInterval = 0 }},
		{"negative reboot delay", func(c *Config) { c.RebootDelay = -time.Second }},
		{"zero image size", func(c *Config) { c.MaxImageSize = 0 }},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.DataDir = t.TempDir()
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFlags(t *testing.T) {
	dir := t.TempDir()
	cfg, err := parse(t,
		"--name", "bat",
		"--data-dir", dir,
		"--mtu", "185",
		"--battery-interval", "250ms",
		"--ota-tag", "0xDEADBEEF",
		"--reboot=false",
		"--trace",
	)
	require.NoError(t, err)

	assert.Equal(t, "bat", cfg.DeviceName)
	assert.Equal(t, 185, cfg.LocalMTU)
	assert.Equal(t, 250*time.Millisecond, cfg.BatteryInterval)
	assert.Equal(t, ota.TagInvalid, cfg.OTATag)
	assert.False(t, cfg.RebootOnComplete)
	assert.True(t, cfg.ValidateAfterReboot)
	assert.True(t, cfg.Trace)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestFlagsFromEnvironment(t *testing.T) {
	t.Setenv("BATTERY_SERVER_NAME", "from-env")
	t.Setenv("BATTERY_SERVER_DIR", t.TempDir())
	t.Setenv("BATTERY_SERVER_PREPARE_QUEUE", "0")

	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.DeviceName)
	assert.Equal(t, 0, cfg.PrepareQueueLimit)
	assert.Equal(t, ota.TagValid, cfg.OTATag)
}

func TestFlagsRejectBadValues(t *testing.T) {
	_, err := parse(t, "--data-dir", t.TempDir(), "--ota-tag", "0x1FFFFFFFF")
	assert.Error(t, err)

	_, err = parse(t, "--data-dir", t.TempDir(), "--mtu", "8")
	assert.Error(t, err)
}

func TestLoadDeviceID(t *testing.T) {
	cfg := Default()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")

	first, err := cfg.LoadDeviceID()
	require.NoError(t, err)
	second, err := cfg.LoadDeviceID()
	require.NoError(t, err)
	assert.Equal(t, first, second, "identity persists")

	cfg.DeviceID = "6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	pinned, err := cfg.LoadDeviceID()
	require.NoError(t, err)
	assert.Equal(t, cfg.DeviceID, pinned.String())

	cfg.DeviceID = ""
	require.NoError(t, os.WriteFile(filepath.Join(cfg.DataDir, DeviceIDFile), []byte("garbage"), 0644))
	_, err = cfg.LoadDeviceID()
	assert.Error(t, err)
}
