package serialport

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpen_Validation(t *testing.T) {
	_, err := Open(Config{})
	require.ErrorContains(t, err, "device is required")

	_, err = Open(Config{Device: "/dev/ttyUSB2", Baud: -1})
	require.ErrorContains(t, err, "invalid baud")
}

func TestOpen_MissingDevice(t *testing.T) {
	_, err := Open(Config{Device: filepath.Join(t.TempDir(), "ttyNOPE"), Baud: 115200})
	require.Error(t, err)
	require.ErrorContains(t, err, "serialport: open")
}
