// Package firmware keeps one modem family on known-good firmware and
// settings. Every change it makes is checked against internet reachability
// and undone when the device was online before and offline after.
package firmware

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ebobo/modem_health_go/pkg/clock"
	"github.com/ebobo/modem_health_go/pkg/download"
	"github.com/ebobo/modem_health_go/pkg/retry"
)

const (
	DefaultSettleTime      = 120 * time.Second
	DefaultSettingCeiling  = 30
	DefaultFirmwareCeiling = 10
	DefaultModemUnit       = "ModemManager.service"

	settingKeyPrefix  = "setting_retries_"
	firmwareKeyPrefix = "firmware_retries_"
)

// DefaultDownloadPolicy waits 5s then 10s between three attempts.
var DefaultDownloadPolicy = retry.Policy{Attempts: 3, Delay: 5 * time.Second, Factor: 2}

// Modem is the subset of modem operations the manager drives.
type Modem interface {
	UEMode(ctx context.Context) (string, error)
	SetUEMode(ctx context.Context, mode string) error
	ServiceDomain(ctx context.Context) (string, error)
	SetServiceDomain(ctx context.Context, domain string) error
	FirmwareVersion(ctx context.Context) (string, error)
	Revision(ctx context.Context) (string, error)
	Reset(ctx context.Context) error
	SimOperator(ctx context.Context) (string, error)
}

// Locator finds the supported modem. Locate returns nil, nil when no
// supported modem is attached.
type Locator interface {
	Ping(ctx context.Context) error
	Locate(ctx context.Context) (Modem, error)
}

// ServiceControl restarts and waits on system units.
type ServiceControl interface {
	Restart(ctx context.Context, unit string) error
	StopAndWait(ctx context.Context, unit string) error
	StartAndWait(ctx context.Context, unit string) error
}

// Reachability reports whether the wider internet answers.
type Reachability interface {
	InternetReachable(ctx context.Context) bool
}

// Fetcher downloads a file, resuming and validating it.
type Fetcher interface {
	DownloadWithResume(ctx context.Context, url, dest, expectedHash string, timeout time.Duration) error
}

// Counters persists retry counters across restarts.
type Counters interface {
	GetInt(key string, def int) int
	Increment(key string) (int, error)
}

// Config holds the manager's tunables. Zero values fall back to defaults.
type Config struct {
	FirmwareDir     string
	BaseURL         string
	ModemUnit       string
	SettleTime      time.Duration
	DownloadTimeout time.Duration
	DownloadPolicy  retry.Policy
	SettingCeiling  int
	FirmwareCeiling int

	DesiredUEMode        string
	DesiredServiceDomain string

	FlashEnabled    bool
	AllowedCarriers []string
}

func (c *Config) setDefaults() {
	if c.ModemUnit == "" {
		c.ModemUnit = DefaultModemUnit
	}
	if c.SettleTime == 0 {
		c.SettleTime = DefaultSettleTime
	}
	if c.DownloadPolicy.Attempts == 0 {
		c.DownloadPolicy = DefaultDownloadPolicy
	}
	if c.SettingCeiling == 0 {
		c.SettingCeiling = DefaultSettingCeiling
	}
	if c.FirmwareCeiling == 0 {
		c.FirmwareCeiling = DefaultFirmwareCeiling
	}
}

// Outcome is reported once per mutating action that reached a terminal state.
type Outcome struct {
	Action string
	Target string
	State  State
}

type Manager struct {
	cfg      Config
	table    *Table
	locator  Locator
	services ServiceControl
	net      Reachability
	fetcher  Fetcher
	flasher  Flasher
	counters Counters
	clock    clock.Clock

	// OnOutcome, when set, is told about every committed or rolled back action.
	OnOutcome func(Outcome)
}

func NewManager(cfg Config, table *Table, locator Locator, services ServiceControl, net Reachability, fetcher Fetcher, flasher Flasher, counters Counters, clk clock.Clock) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:      cfg,
		table:    table,
		locator:  locator,
		services: services,
		net:      net,
		fetcher:  fetcher,
		flasher:  flasher,
		counters: counters,
		clock:    clk,
	}
}

// EnsureHealth runs one full health cycle. Failures are logged and counted,
// never returned; the only error is a cancelled context.
func (m *Manager) EnsureHealth(ctx context.Context) error {
	if err := m.locator.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("unit", m.cfg.ModemUnit).Msg("modem manager unresponsive, restarting")
		if err := m.services.Restart(ctx, m.cfg.ModemUnit); err != nil {
			log.Error().Err(err).Str("unit", m.cfg.ModemUnit).Msg("failed to restart modem manager")
		}
		if err := m.clock.Sleep(ctx, m.cfg.SettleTime); err != nil {
			return err
		}
	}

	modem, err := m.locator.Locate(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to locate modem")
		return ctx.Err()
	}
	if modem == nil {
		log.Info().Msg("no supported modem attached")
		return ctx.Err()
	}

	revision, err := modem.Revision(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read modem revision")
	}
	images, known := m.table.Lookup(revision)
	if !known {
		log.Info().Str("revision", revision).Msg("no firmware mapped for revision, skipping firmware")
	} else if m.cfg.BaseURL == "" {
		log.Warn().Str("revision", revision).Msg("no firmware base url, images not fetched")
	} else {
		for _, version := range images.Versions() {
			if err := m.PrepareImage(ctx, version); err != nil {
				log.Error().Err(err).Str("version", version).Msg("failed to prepare firmware image")
			}
		}
	}

	for _, s := range m.Settings() {
		m.UpdateSettingWithRollback(ctx, s)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if !known || !m.cfg.FlashEnabled {
		return ctx.Err()
	}
	if !m.carrierAllowed(ctx) {
		return ctx.Err()
	}
	m.FlashWithRollback(ctx, images.Target, images.Fallback)
	return ctx.Err()
}

func (m *Manager) carrierAllowed(ctx context.Context) bool {
	modem, err := m.locator.Locate(ctx)
	if modem == nil {
		log.Warn().Err(err).Msg("modem gone before flashing, skipping")
		return false
	}
	op, err := modem.SimOperator(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read sim operator, skipping flash")
		return false
	}
	for _, allowed := range m.cfg.AllowedCarriers {
		if op == allowed {
			return true
		}
	}
	log.Info().Str("operator", op).Msg("carrier not on flash allow-list, skipping flash")
	return false
}

// ImageDir is where a version's archive is extracted.
func (m *Manager) ImageDir(version string) string {
	return filepath.Join(m.cfg.FirmwareDir, version)
}

// PrepareImage downloads and extracts version unless a complete image is
// already in place. Extraction goes to <dir>.tmp, which is renamed to dir
// only after it succeeded. The archive is removed once extraction has been
// attempted.
func (m *Manager) PrepareImage(ctx context.Context, version string) error {
	if m.ImageReady(version) {
		return nil
	}
	hash, ok := m.table.Hash(version)
	if !ok {
		return errors.Errorf("no archive digest for %s", version)
	}
	dir := m.ImageDir(version)
	staging := dir + ".tmp"
	name := ArchiveName(version)
	url := strings.TrimSuffix(m.cfg.BaseURL, "/") + "/" + name
	archive := filepath.Join(m.cfg.FirmwareDir, name)
	if err := os.MkdirAll(m.cfg.FirmwareDir, 0755); err != nil {
		return errors.Wrapf(err, "unable to create %s", m.cfg.FirmwareDir)
	}

	return retry.Do(ctx, m.clock, m.cfg.DownloadPolicy, "download "+name, func(ctx context.Context) error {
		if err := m.fetcher.DownloadWithResume(ctx, url, archive, hash, m.cfg.DownloadTimeout); err != nil {
			return err
		}
		defer os.Remove(archive)
		if err := os.RemoveAll(staging); err != nil {
			return errors.Wrapf(err, "unable to clear %s", staging)
		}
		if err := download.ExtractTarGz(archive, staging); err != nil {
			os.RemoveAll(staging)
			return err
		}
		if err := os.RemoveAll(dir); err != nil {
			os.RemoveAll(staging)
			return errors.Wrapf(err, "unable to clear %s", dir)
		}
		if err := os.Rename(staging, dir); err != nil {
			os.RemoveAll(staging)
			return errors.Wrapf(err, "unable to move %s into place", staging)
		}
		log.Info().Str("version", version).Str("dir", dir).Msg("firmware image ready")
		return nil
	})
}

// ImageReady reports whether version has a non-empty extracted image.
func (m *Manager) ImageReady(version string) bool {
	f, err := os.Open(m.ImageDir(version))
	if err != nil {
		return false
	}
	defer f.Close()
	names, _ := f.Readdirnames(1)
	return len(names) > 0
}

// resetAndSettle power cycles the modem, restarts its owning service and
// waits for it to be detected again.
func (m *Manager) resetAndSettle(ctx context.Context, modem Modem) {
	if err := modem.Reset(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to reset modem")
	}
	if err := m.services.Restart(ctx, m.cfg.ModemUnit); err != nil {
		log.Warn().Err(err).Str("unit", m.cfg.ModemUnit).Msg("failed to restart modem manager")
	}
	m.clock.Sleep(ctx, m.cfg.SettleTime)
}

func (m *Manager) report(action, target string, s State) {
	log.Info().Str("action", action).Str("target", target).Str("state", string(s)).Msg("state change")
	if m.OnOutcome != nil && s.Terminal() {
		m.OnOutcome(Outcome{Action: action, Target: target, State: s})
	}
}
