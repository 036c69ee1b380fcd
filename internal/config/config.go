package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Config lists the tunable parameters for the SOS server.
type Config struct {
	HTTPPort     int
	MetricsPort  int
	DatabasePath string

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	MQTTBroker   string
	MQTTClientID string
	DeviceID     string

	SOSCountdownSeconds  int
	LocationMinInterval  time.Duration
	LocationMinDistanceM float64
	NotifyTimeout        time.Duration
	PersistAlerts        bool

	BackendURL           string
	BackendAPIKey        string
	FirebaseCredentials  string
	LocationSyncSchedule string
	MDNSEnabled          bool
}

const envPrefix = "SOSGUARD"

const (
	defaultHTTPPort             = 8080
	defaultMetricsPort          = 9090
	defaultDatabasePath         = "data/sosguard.db"
	defaultLogLevel             = "info"
	defaultLogMaxSizeMB         = 50
	defaultLogMaxBackups        = 3
	defaultLogMaxAgeDays        = 14
	defaultMQTTBroker           = "tcp://localhost:1883"
	defaultDeviceID             = "default-device"
	defaultSOSCountdownSeconds  = 5
	defaultLocationMinInterval  = 5 * time.Second
	defaultLocationMinDistanceM = 10.0
	defaultNotifyTimeout        = 5 * time.Second
	defaultLocationSyncSchedule = "@every 30s"
)

// Load derives configuration values from SOSGUARD_* environment variables, falling back to defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http_port", defaultHTTPPort)
	v.SetDefault("metrics_port", defaultMetricsPort)
	v.SetDefault("database_path", defaultDatabasePath)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", defaultLogMaxSizeMB)
	v.SetDefault("log_max_backups", defaultLogMaxBackups)
	v.SetDefault("log_max_age_days", defaultLogMaxAgeDays)
	v.SetDefault("mqtt_broker", defaultMQTTBroker)
	v.SetDefault("mqtt_client_id", "")
	v.SetDefault("device_id", defaultDeviceID)
	v.SetDefault("sos_countdown_seconds", defaultSOSCountdownSeconds)
	v.SetDefault("location_min_interval", defaultLocationMinInterval.String())
	v.SetDefault("location_min_distance_m", defaultLocationMinDistanceM)
	v.SetDefault("notify_timeout", defaultNotifyTimeout.String())
	v.SetDefault("persist_alerts", false)
	v.SetDefault("backend_url", "")
	v.SetDefault("backend_api_key", "")
	v.SetDefault("firebase_credentials", "")
	v.SetDefault("location_sync_schedule", defaultLocationSyncSchedule)
	v.SetDefault("mdns_enabled", false)

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		DatabasePath:         v.GetString("database_path"),
		LogLevel:             v.GetString("log_level"),
		LogFile:              v.GetString("log_file"),
		MQTTBroker:           v.GetString("mqtt_broker"),
		MQTTClientID:         v.GetString("mqtt_client_id"),
		DeviceID:             v.GetString("device_id"),
		BackendURL:           strings.TrimRight(v.GetString("backend_url"), "/"),
		BackendAPIKey:        v.GetString("backend_api_key"),
		FirebaseCredentials:  v.GetString("firebase_credentials"),
		LocationSyncSchedule: v.GetString("location_sync_schedule"),
	}

	var err error
	if cfg.HTTPPort, err = port(v, "http_port"); err != nil {
		return Config{}, err
	}
	if cfg.MetricsPort, err = port(v, "metrics_port"); err != nil {
		return Config{}, err
	}
	if cfg.LogMaxSizeMB, err = intValue(v, "log_max_size_mb"); err != nil {
		return Config{}, err
	}
	if cfg.LogMaxBackups, err = intValue(v, "log_max_backups"); err != nil {
		return Config{}, err
	}
	if cfg.LogMaxAgeDays, err = intValue(v, "log_max_age_days"); err != nil {
		return Config{}, err
	}

	if cfg.SOSCountdownSeconds, err = intValue(v, "sos_countdown_seconds"); err != nil {
		return Config{}, err
	}
	if cfg.SOSCountdownSeconds <= 0 {
		return Config{}, fmt.Errorf("invalid %s: countdown must be positive", envName("sos_countdown_seconds"))
	}

	if cfg.LocationMinInterval, err = cast.ToDurationE(v.Get("location_min_interval")); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envName("location_min_interval"), err)
	}
	if cfg.LocationMinDistanceM, err = cast.ToFloat64E(v.Get("location_min_distance_m")); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envName("location_min_distance_m"), err)
	}
	if cfg.LocationMinDistanceM < 0 {
		return Config{}, fmt.Errorf("invalid %s: distance must not be negative", envName("location_min_distance_m"))
	}
	if cfg.NotifyTimeout, err = cast.ToDurationE(v.Get("notify_timeout")); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envName("notify_timeout"), err)
	}

	if cfg.PersistAlerts, err = cast.ToBoolE(v.Get("persist_alerts")); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envName("persist_alerts"), err)
	}
	if cfg.MDNSEnabled, err = cast.ToBoolE(v.Get("mdns_enabled")); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envName("mdns_enabled"), err)
	}

	if cfg.MQTTClientID == "" {
		cfg.MQTTClientID = "sosguard-" + cfg.DeviceID
	}

	return cfg, nil
}

func intValue(v *viper.Viper, key string) (int, error) {
	n, err := cast.ToIntE(v.Get(key))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", envName(key), err)
	}
	return n, nil
}

func port(v *viper.Viper, key string) (int, error) {
	p, err := intValue(v, key)
	if err != nil {
		return 0, err
	}
	if p < 1 || p > 65535 {
		return 0, fmt.Errorf("invalid %s: port %d out of range", envName(key), p)
	}
	return p, nil
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(key)
}
