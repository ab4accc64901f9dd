package debug

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRecords(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		out = append(out, rec)
	}
	return out
}

func TestLogATTPacket(t *testing.T) {
	dir := t.TempDir()
	d, err := NewLogger(dir, true)
	require.NoError(t, err)

	d.LogATTPacket(RX, "peer-1", []byte{0x0A, 0x0C, 0x00})
	d.LogATTPacket(TX, "peer-1", []byte{0x01, 0x0A, 0x0C, 0x00, 0x02})
	d.LogATTPacket(TX, "peer-1", []byte{0x03, 0x17, 0x00})

	recs := readRecords(t, filepath.Join(dir, ATTPacketsFile))
	require.Len(t, recs, 3)

	assert.Equal(t, "rx", recs[0]["direction"])
	assert.Equal(t, "Read Request", recs[0]["opcode_name"])
	assert.Equal(t, "0x000C", recs[0]["handle"])
	assert.Equal(t, "0x000C", recs[1]["handle"])
	assert.Equal(t, float64(3), recs[2]["length"])
	assert.NotContains(t, recs[2], "handle")
}

func TestLogEvent(t *testing.T) {
	dir := t.TempDir()
	d, err := NewLogger(dir, true)
	require.NoError(t, err)

	d.LogEvent("connected", map[string]interface{}{"conn_id": 1, "addr": "00:11:22:33:44:55"})

	recs := readRecords(t, filepath.Join(dir, EventsFile))
	require.Len(t, recs, 1)
	assert.Equal(t, "connected", recs[0]["event"])
	assert.Equal(t, float64(1), recs[0]["conn_id"])
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	d, err := NewLogger(filepath.Join(dir, "trace"), false)
	require.NoError(t, err)

	d.LogATTPacket(RX, "peer", []byte{0x0A, 0x01, 0x00})
	d.LogEvent("x", nil)

	_, err = os.Stat(filepath.Join(dir, "trace"))
	assert.True(t, os.IsNotExist(err))

	var nilLogger *Logger
	nilLogger.LogATTPacket(RX, "peer", []byte{0x0A})
}
