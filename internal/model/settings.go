package model

import "fmt"

// Theme names accepted by Settings.
const (
	ThemeLight = "light"
	ThemeDark  = "dark"
)

// Settings holds the independently togglable user preferences.
type Settings struct {
	PushNotifications bool   `json:"pushNotifications"`
	SoundAlerts       bool   `json:"soundAlerts"`
	Vibration         bool   `json:"vibration"`
	LocationTracking  bool   `json:"locationTracking"`
	AutoSOS           bool   `json:"autoSOS"`
	Language          string `json:"language"`
	Theme             string `json:"theme"`
}

// DefaultSettings returns the settings of a fresh install.
func DefaultSettings() Settings {
	return Settings{
		PushNotifications: true,
		SoundAlerts:       true,
		Vibration:         true,
		LocationTracking:  true,
		AutoSOS:           false,
		Language:          "en",
		Theme:             ThemeLight,
	}
}

// SettingsPatch is a partial settings update; nil fields are left unchanged.
type SettingsPatch struct {
	PushNotifications *bool   `json:"pushNotifications,omitempty"`
	SoundAlerts       *bool   `json:"soundAlerts,omitempty"`
	Vibration         *bool   `json:"vibration,omitempty"`
	LocationTracking  *bool   `json:"locationTracking,omitempty"`
	AutoSOS           *bool   `json:"autoSOS,omitempty"`
	Language          *string `json:"language,omitempty"`
	Theme             *string `json:"theme,omitempty"`
}

// Apply merges p into s and returns the result.
func (p SettingsPatch) Apply(s Settings) (Settings, error) {
	if p.PushNotifications != nil {
		s.PushNotifications = *p.PushNotifications
	}
	if p.SoundAlerts != nil {
		s.SoundAlerts = *p.SoundAlerts
	}
	if p.Vibration != nil {
		s.Vibration = *p.Vibration
	}
	if p.LocationTracking != nil {
		s.LocationTracking = *p.LocationTracking
	}
	if p.AutoSOS != nil {
		s.AutoSOS = *p.AutoSOS
	}
	if p.Language != nil {
		if *p.Language == "" {
			return Settings{}, fmt.Errorf("%w: language must not be empty", ErrInvalidInput)
		}
		s.Language = *p.Language
	}
	if p.Theme != nil {
		if *p.Theme != ThemeLight && *p.Theme != ThemeDark {
			return Settings{}, fmt.Errorf("%w: unknown theme %q", ErrInvalidInput, *p.Theme)
		}
		s.Theme = *p.Theme
	}
	return s, nil
}
