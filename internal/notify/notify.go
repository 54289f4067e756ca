// Package notify delivers user-facing notifications.
package notify

import (
	"github.com/rs/zerolog"

	"github.com/p-blackswan/ijoka/internal/models"
)

// Notifier delivers a notification with a title and body.
type Notifier interface {
	Notify(title, body string)
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier backed by logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (n *LogNotifier) Notify(title, body string) {
	n.logger.Info().Str("title", title).Str("body", body).Msg("notification")
}

// SettingsSource provides the current persisted settings.
type SettingsSource interface {
	Settings() (models.Settings, bool, error)
}

// Gated forwards notifications only while they are enabled in settings.
type Gated struct {
	next     Notifier
	settings SettingsSource
	logger   zerolog.Logger
}

// NewGated wraps next.
func NewGated(next Notifier, settings SettingsSource, logger zerolog.Logger) *Gated {
	return &Gated{
		next:     next,
		settings: settings,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
}

func (g *Gated) Notify(title, body string) {
	settings, _, err := g.settings.Settings()
	if err != nil {
		g.logger.Warn().Err(err).Msg("failed to read settings, notification suppressed")
		return
	}
	if !settings.NotificationsEnabled {
		return
	}
	g.next.Notify(title, body)
}
