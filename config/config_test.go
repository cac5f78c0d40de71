package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Clouded-Sabre/srft/lib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigMissingFileGivesDefaults(t *testing.T) {
	core, app, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, lib.DefaultSrftCoreConfig(), core)
	assert.Equal(t, DefaultAppConfig(), app)
	assert.False(t, core.Secure())
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server_ip: 10.1.1.2
server_port: 9000
window_size: 8
retransmit_timeout: 250ms
idle_timeout: 1m
psk_hex: 000102030405060708090a0b0c0d0e0f
filter: none
stats_file: /tmp/report.txt
`), 0o600))

	core, app, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint16(9000), core.ServerPort)
	assert.Equal(t, uint16(12346), core.ClientPort)
	assert.Equal(t, 8, core.WindowSize)
	assert.Equal(t, 250*time.Millisecond, core.RetransmitTimeout)
	assert.Equal(t, time.Minute, core.IdleTimeout)
	assert.Equal(t, 1024, core.MaxPayloadSize)
	assert.Len(t, core.PSK, 16)
	assert.True(t, core.Secure())
	assert.Equal(t, "10.1.1.2", app.ServerIP)
	assert.Equal(t, "none", app.Filter)
	assert.Equal(t, "/tmp/report.txt", app.StatsFile)
}

func TestParseConfigPSKFromEnvironment(t *testing.T) {
	t.Setenv("SRFT_TEST_PSK", "ffeeddccbbaa99887766554433221100")
	core, _, err := ParseConfig([]byte("psk_env: SRFT_TEST_PSK\npsk_hex: 00\n"))
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), core.PSK[0])

	_, _, err = ParseConfig([]byte("psk_env: SRFT_TEST_UNSET_PSK\n"))
	assert.Error(t, err)
}

func TestLoadShippedConfig(t *testing.T) {
	core, app, err := LoadConfig(filepath.Join("..", "config.yaml"))
	require.NoError(t, err)
	assert.False(t, core.Secure())
	assert.Equal(t, lib.DefaultSrftCoreConfig(), core)
	assert.Equal(t, "listener", app.Filter)
	assert.Equal(t, "127.0.0.1", app.ServerIP)
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	testCases := map[string]string{
		"short key":   "psk_hex: 0011\n",
		"not hex":     "psk_hex: zz\n",
		"zero window": "window_size: 0\n",
		"filter":      "filter: pf\n",
		"syntax":      "window_size: [\n",
		"huge chunk":  "max_payload_size: 70000\n",
		"no deadline": "completion_timeout: 0s\n",
		"no linger":   "linger_timeout: 0s\n",
		"wide window": "window_size: 100\npsk_hex: 000102030405060708090a0b0c0d0e0f\n",
	}
	for name, doc := range testCases {
		_, _, err := ParseConfig([]byte(doc))
		assert.Error(t, err, name)
	}
}
