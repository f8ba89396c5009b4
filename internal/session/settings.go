package session

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/egemennuss/zerenn/internal/core"
)

// Settings is the persisted user preference bag.
type Settings struct {
	Theme      string `json:"theme"`
	Sound      bool   `json:"sound"`
	AutoScroll bool   `json:"auto_scroll"`
}

func DefaultSettings() Settings {
	return Settings{Theme: "dark", Sound: true, AutoScroll: true}
}

// LoadSettings falls back to defaults when missing or unreadable.
func LoadSettings(ctx context.Context, storage core.Storage) Settings {
	data, err := storage.Get(ctx, core.SettingsKey)
	if err != nil {
		return DefaultSettings()
	}
	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("unreadable settings, using defaults")
		return DefaultSettings()
	}
	return s
}

func SaveSettings(ctx context.Context, storage core.Storage, s Settings) {
	data, err := json.Marshal(s)
	if err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("marshal settings")
		return
	}
	if err := storage.Set(ctx, core.SettingsKey, data, 0); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("save settings")
	}
}
