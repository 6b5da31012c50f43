package utility

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceSerial(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	dt := filepath.Join(dir, "serial-number")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0644))
	require.NoError(t, os.WriteFile(dt, []byte("1a2b3c4d\x00"), 0644))

	serial, err := DeviceSerial(filepath.Join(dir, "missing"), empty, dt)
	require.NoError(t, err)
	assert.Equal(t, "1a2b3c4d", serial)

	_, err = DeviceSerial(filepath.Join(dir, "missing"), empty)
	assert.Error(t, err)
}

func TestMakeParentDirs(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "var", "lib", "agent", "state.json")
	b := filepath.Join(dir, "var", "log", "reboots.log")

	require.NoError(t, MakeParentDirs(a, b))
	for _, p := range []string{a, b} {
		fi, err := os.Stat(filepath.Dir(p))
		require.NoError(t, err)
		assert.True(t, fi.IsDir())
	}
	require.NoError(t, MakeParentDirs(a))
}
