package utility

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// SerialSources are read in order by DeviceSerial.
var SerialSources = []string{
	"/proc/device-tree/serial-number",
	"/sys/firmware/devicetree/base/serial-number",
	"/sys/class/dmi/id/product_serial",
	"/etc/machine-id",
}

func MakeDirIfNotExists(dirpath string) error {
	if _, err := os.Stat(dirpath); os.IsNotExist(err) {
		err := os.MkdirAll(dirpath, 0755)
		if err != nil {
			return err
		}
	}
	return nil
}

// MakeParentDirs creates the directory holding each of paths.
func MakeParentDirs(paths ...string) error {
	for _, p := range paths {
		if err := MakeDirIfNotExists(filepath.Dir(p)); err != nil {
			return errors.Wrapf(err, "unable to create directory for %s", p)
		}
	}
	return nil
}

// DeviceSerial returns the first non-empty serial found in sources, or in
// SerialSources when none are given. Device tree values carry a trailing
// NUL which is stripped.
func DeviceSerial(sources ...string) (string, error) {
	if len(sources) == 0 {
		sources = SerialSources
	}
	for _, src := range sources {
		raw, err := os.ReadFile(src)
		if err != nil {
			continue
		}
		serial := strings.TrimSpace(strings.Trim(string(raw), "\x00"))
		if serial != "" {
			return serial, nil
		}
	}
	return "", errors.Errorf("no device serial in %s", strings.Join(sources, ", "))
}
