package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckFirmwareOptions(t *testing.T) {
	assert.NoError(t, checkFirmwareOptions(false, "", ""))
	assert.Error(t, checkFirmwareOptions(true, "", "https://fw.local/eg25"))
	assert.Error(t, checkFirmwareOptions(true, "/etc/modem-health/firmware.yaml", ""))
	assert.NoError(t, checkFirmwareOptions(true, "/etc/modem-health/firmware.yaml", "https://fw.local/eg25"))
}
