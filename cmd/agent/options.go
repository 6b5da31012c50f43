package main

import "github.com/pkg/errors"

// checkFirmwareOptions refuses to flash with the built-in table, whose
// digests are placeholders, or without a place to fetch images from.
func checkFirmwareOptions(flash bool, table, baseURL string) error {
	if !flash {
		return nil
	}
	if table == "" {
		return errors.New("--flash-firmware needs --firmware-table")
	}
	if baseURL == "" {
		return errors.New("--flash-firmware needs --firmware-url")
	}
	return nil
}
