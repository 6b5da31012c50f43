package netwatch

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// RebootTimeFormat is the layout of one line in the reboot log.
const RebootTimeFormat = "2006-01-02 15:04:05"

// RebootLog is an append-only text file of reboot times, one per line.
type RebootLog struct {
	Path string
}

// Last returns the most recent recorded reboot. ok is false when nothing
// has been recorded. Lines that do not parse are skipped.
func (l *RebootLog) Last() (t time.Time, ok bool, err error) {
	f, err := os.Open(l.Path)
	if os.IsNotExist(err) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "unable to open %s", l.Path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parsed, perr := time.ParseInLocation(RebootTimeFormat, line, time.Local)
		if perr != nil {
			continue
		}
		t, ok = parsed, true
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, false, errors.Wrapf(err, "unable to read %s", l.Path)
	}
	return t, ok, nil
}

// Record appends t and syncs the file.
func (l *RebootLog) Record(t time.Time) error {
	if err := os.MkdirAll(filepath.Dir(l.Path), 0755); err != nil {
		return errors.Wrapf(err, "unable to create %s", filepath.Dir(l.Path))
	}
	f, err := os.OpenFile(l.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "unable to open %s", l.Path)
	}
	if _, err := f.WriteString(t.In(time.Local).Format(RebootTimeFormat) + "\n"); err != nil {
		f.Close()
		return errors.Wrapf(err, "unable to append to %s", l.Path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrapf(err, "unable to sync %s", l.Path)
	}
	return f.Close()
}
