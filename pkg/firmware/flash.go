package firmware

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Flasher writes an extracted firmware image to the modem.
type Flasher interface {
	Flash(ctx context.Context, dir string) error
}

// DefaultFlashTimeout bounds one run of the flashing tool.
const DefaultFlashTimeout = 10 * time.Minute

// ToolFlasher runs an external flashing tool as `<Tool> -f <dir>`.
type ToolFlasher struct {
	Tool    string
	Timeout time.Duration
}

func (f *ToolFlasher) Flash(ctx context.Context, dir string) error {
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultFlashTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, f.Tool, "-f", dir).CombinedOutput()
	if err != nil {
		log.Error().Str("tool", f.Tool).Str("dir", dir).Bytes("output", out).Msg("flash tool failed")
		return errors.Wrapf(err, "%s -f %s", f.Tool, dir)
	}
	log.Debug().Str("tool", f.Tool).Str("dir", dir).Bytes("output", out).Msg("flash tool finished")
	return nil
}

// FirmwareKey is the counter key for a firmware version.
func FirmwareKey(version string) string {
	return firmwareKeyPrefix + version
}

// IsCounterKey reports whether key names a setting or firmware retry
// counter.
func IsCounterKey(key string) bool {
	return strings.HasPrefix(key, settingKeyPrefix) || strings.HasPrefix(key, firmwareKeyPrefix)
}

// FlashWithRollback puts target on the modem. On a tool failure, or when
// the internet was reachable before and is not after, fallback is flashed
// back and target's counter goes up by one. Nothing is flashed and no
// counter moves while target's image is not prepared.
func (m *Manager) FlashWithRollback(ctx context.Context, target, fallback string) bool {
	modem, err := m.locator.Locate(ctx)
	if modem == nil {
		log.Warn().Err(err).Msg("no modem to flash")
		return false
	}
	current, err := modem.FirmwareVersion(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read firmware version")
		return false
	}
	if current == target {
		log.Debug().Str("version", current).Msg("firmware up to date")
		return true
	}

	key := FirmwareKey(target)
	if n := m.counters.GetInt(key, 0); n >= m.cfg.FirmwareCeiling {
		log.Error().Str("version", target).Int("retries", n).Int("ceiling", m.cfg.FirmwareCeiling).Msg("retry ceiling reached, flash skipped")
		return false
	}
	if !m.ImageReady(target) {
		log.Warn().Str("version", target).Str("dir", m.ImageDir(target)).Msg("firmware image not prepared, flash skipped")
		return false
	}

	m.report("firmware", target, StateApplying)
	before := m.net.InternetReachable(ctx)
	flashErr := m.flash(ctx, target)

	m.report("firmware", target, StateVerifying)
	after := m.net.InternetReachable(ctx)
	if flashErr == nil && (!before || after) {
		m.report("firmware", target, StateCommitted)
		return true
	}

	m.report("firmware", fallback, StateRollingBack)
	if n, err := m.counters.Increment(key); err != nil {
		log.Error().Err(err).Str("version", target).Msg("failed to persist retry counter")
	} else {
		log.Error().Err(flashErr).Str("version", target).Int("retries", n).Msg("flash failed or lost connectivity, rolling back")
	}
	if fallback == "" || fallback == target || !m.ImageReady(fallback) {
		log.Error().Str("version", target).Str("fallback", fallback).Msg("no fallback image, rollback skipped")
		m.report("firmware", target, StateFailed)
		return false
	}
	if err := m.flash(ctx, fallback); err != nil {
		log.Error().Err(err).Str("version", fallback).Msg("rollback flash failed")
		m.report("firmware", fallback, StateFailed)
		return false
	}
	m.report("firmware", fallback, StateRolledBack)
	return false
}

// flash stops the modem manager, runs the tool against version's directory
// and brings the modem manager back. The modem manager is restarted even
// when the tool fails.
func (m *Manager) flash(ctx context.Context, version string) error {
	if err := m.services.StopAndWait(ctx, m.cfg.ModemUnit); err != nil {
		log.Warn().Err(err).Str("unit", m.cfg.ModemUnit).Msg("modem manager did not stop")
		if err := m.services.StartAndWait(ctx, m.cfg.ModemUnit); err != nil {
			log.Error().Err(err).Str("unit", m.cfg.ModemUnit).Msg("failed to start modem manager")
		}
		return errors.Wrap(err, "stop modem manager")
	}

	flashErr := m.flasher.Flash(ctx, m.ImageDir(version))

	if err := m.services.StartAndWait(ctx, m.cfg.ModemUnit); err != nil {
		log.Error().Err(err).Str("unit", m.cfg.ModemUnit).Msg("failed to start modem manager")
	}
	m.clock.Sleep(ctx, m.cfg.SettleTime)
	return flashErr
}
