package shared

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Clouded-Sabre/srft/lib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestWriteReportToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.txt")
	report := &lib.Report{Role: lib.RoleSender, FileName: "a.bin", State: "CLOSED", BytesSent: 5000, Duration: time.Second}

	require.NoError(t, WriteReport(report, path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "a.bin")
	assert.Contains(t, string(data), "5000")
}

func TestWriteReportNil(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.txt")
	require.NoError(t, WriteReport(nil, path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestNewLogger(t *testing.T) {
	for _, debug := range []bool{false, true} {
		logger, err := NewLogger(debug)
		require.NoError(t, err)
		assert.Equal(t, debug, logger.Core().Enabled(zapcore.DebugLevel), "debug level enabled")
	}
}
