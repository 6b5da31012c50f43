package firmware

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/ebobo/modem_health_go/pkg/bus"
)

// State is a step of a mutating action.
type State string

const (
	StateIdle        State = "idle"
	StateApplying    State = "applying"
	StateVerifying   State = "verifying"
	StateCommitted   State = "committed"
	StateRollingBack State = "rolling_back"
	StateRolledBack  State = "rolled_back"
	StateFailed      State = "failed"
)

// Terminal reports whether s ends an action.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack || s == StateFailed
}

// Setting is one modem setting the manager keeps at a desired value.
type Setting struct {
	Name    string
	Desired string
	Ceiling int
	Get     func(ctx context.Context, m Modem) (string, error)
	Set     func(ctx context.Context, m Modem, value string) error
}

// Settings returns the settings table in the order they are applied.
func (m *Manager) Settings() []Setting {
	ueMode := m.cfg.DesiredUEMode
	if ueMode == "" {
		ueMode = bus.UEModeDataOnly
	}
	domain := m.cfg.DesiredServiceDomain
	if domain == "" {
		domain = bus.ServiceDomainPS
	}
	return []Setting{
		{
			Name:    "ue_mode",
			Desired: ueMode,
			Ceiling: m.cfg.SettingCeiling,
			Get:     func(ctx context.Context, md Modem) (string, error) { return md.UEMode(ctx) },
			Set:     func(ctx context.Context, md Modem, v string) error { return md.SetUEMode(ctx, v) },
		},
		{
			Name:    "service_domain",
			Desired: domain,
			Ceiling: m.cfg.SettingCeiling,
			Get:     func(ctx context.Context, md Modem) (string, error) { return md.ServiceDomain(ctx) },
			Set:     func(ctx context.Context, md Modem, v string) error { return md.SetServiceDomain(ctx, v) },
		},
	}
}

// SettingKey is the counter key for a setting.
func SettingKey(name string) string {
	return settingKeyPrefix + name
}

// UpdateSettingWithRollback moves s to its desired value. It returns true
// when the modem already had, or now has, the desired value with no loss of
// connectivity. A regression is rolled back and counted.
func (m *Manager) UpdateSettingWithRollback(ctx context.Context, s Setting) bool {
	key := SettingKey(s.Name)
	if n := m.counters.GetInt(key, 0); n >= s.Ceiling {
		log.Error().Str("setting", s.Name).Int("retries", n).Int("ceiling", s.Ceiling).Msg("retry ceiling reached, setting skipped")
		return false
	}

	modem, err := m.locator.Locate(ctx)
	if modem == nil {
		log.Warn().Err(err).Str("setting", s.Name).Msg("no modem to configure")
		return false
	}
	current, err := s.Get(ctx, modem)
	if err != nil {
		log.Warn().Err(err).Str("setting", s.Name).Msg("failed to read setting")
		return false
	}
	if current == s.Desired {
		log.Debug().Str("setting", s.Name).Str("value", current).Msg("setting already applied")
		return true
	}

	m.report(s.Name, s.Desired, StateApplying)
	before := m.net.InternetReachable(ctx)
	if err := s.Set(ctx, modem, s.Desired); err != nil {
		log.Warn().Err(err).Str("setting", s.Name).Msg("failed to write setting")
		m.report(s.Name, s.Desired, StateFailed)
		return false
	}
	got, err := s.Get(ctx, modem)
	if err != nil || got != s.Desired {
		log.Warn().Err(err).Str("setting", s.Name).Str("want", s.Desired).Str("got", got).Msg("setting did not stick")
		m.report(s.Name, s.Desired, StateFailed)
		return false
	}

	m.report(s.Name, s.Desired, StateVerifying)
	m.resetAndSettle(ctx, modem)
	after := m.net.InternetReachable(ctx)
	if !before || after {
		m.report(s.Name, s.Desired, StateCommitted)
		return true
	}

	m.report(s.Name, current, StateRollingBack)
	if n, err := m.counters.Increment(key); err != nil {
		log.Error().Err(err).Str("setting", s.Name).Msg("failed to persist retry counter")
	} else {
		log.Error().Str("setting", s.Name).Int("retries", n).Msg("setting lost connectivity, rolling back")
	}
	modem, err = m.locator.Locate(ctx)
	if modem == nil {
		log.Error().Err(err).Str("setting", s.Name).Msg("modem missing, rollback skipped")
		m.report(s.Name, current, StateFailed)
		return false
	}
	if err := s.Set(ctx, modem, current); err != nil {
		log.Error().Err(err).Str("setting", s.Name).Str("value", current).Msg("failed to restore setting")
	}
	m.report(s.Name, current, StateRolledBack)
	return false
}
