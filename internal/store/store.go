package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cast"

	"sosguard/go-sos-server/internal/model"
	"sosguard/go-sos-server/internal/state"

	_ "modernc.org/sqlite"
)

const (
	userKey     = "user"
	contactsKey = "contacts"
	alertsKey   = "alerts"
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

var _ state.Persister = (*Store)(nil)

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// Put stores or replaces a raw value.
func (s *Store) Put(ctx context.Context, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO app_state (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get returns the raw value for key and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if s.db == nil {
		return "", false, fmt.Errorf("store not initialized")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_state WHERE key = ?;`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return raw, true, nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_state WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Load reads the persisted snapshot used to rehydrate the state container.
func (s *Store) Load(ctx context.Context) (state.Snapshot, error) {
	var snap state.Snapshot

	var user model.User
	found, err := s.getJSON(ctx, userKey, &user)
	if err != nil {
		return state.Snapshot{}, err
	}
	if found {
		snap.User = &user
	}

	if _, err := s.getJSON(ctx, contactsKey, &snap.Contacts); err != nil {
		return state.Snapshot{}, err
	}
	if _, err := s.getJSON(ctx, alertsKey, &snap.Alerts); err != nil {
		return state.Snapshot{}, err
	}

	settings, found, err := s.loadSettings(ctx)
	if err != nil {
		return state.Snapshot{}, err
	}
	if found {
		snap.Settings = &settings
	}

	return snap, nil
}

// SaveUser persists the signed-in user; nil removes it.
func (s *Store) SaveUser(ctx context.Context, user *model.User) error {
	if user == nil {
		return s.Delete(ctx, userKey)
	}
	return s.putJSON(ctx, userKey, user)
}

// SaveContacts persists the full contact list.
func (s *Store) SaveContacts(ctx context.Context, contacts []model.Contact) error {
	if contacts == nil {
		contacts = []model.Contact{}
	}
	return s.putJSON(ctx, contactsKey, contacts)
}

// SaveAlerts persists the full alert history.
func (s *Store) SaveAlerts(ctx context.Context, alerts []model.Alert) error {
	if alerts == nil {
		alerts = []model.Alert{}
	}
	return s.putJSON(ctx, alertsKey, alerts)
}

// SaveSettings persists every settings flag as its own row in one transaction.
func (s *Store) SaveSettings(ctx context.Context, settings model.Settings) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for key, value := range settingsRows(settings) {
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
			key,
			value,
		); err != nil {
			return fmt.Errorf("save setting %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}
	return nil
}

// Wipe removes contacts and alert history while preserving settings and the user.
func (s *Store) Wipe(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_state WHERE key IN (?, ?);`, contactsKey, alertsKey); err != nil {
		return fmt.Errorf("wipe data: %w", err)
	}
	return nil
}

func (s *Store) loadSettings(ctx context.Context) (model.Settings, bool, error) {
	if s.db == nil {
		return model.Settings{}, false, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings;`)
	if err != nil {
		return model.Settings{}, false, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	settings := model.DefaultSettings()
	found := false
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return model.Settings{}, false, fmt.Errorf("scan setting: %w", err)
		}
		if err := applySetting(&settings, key, value); err != nil {
			return model.Settings{}, false, err
		}
		found = true
	}

	if err := rows.Err(); err != nil {
		return model.Settings{}, false, fmt.Errorf("iterate settings: %w", err)
	}

	return settings, found, nil
}

func settingsRows(s model.Settings) map[string]string {
	return map[string]string{
		"pushNotifications": cast.ToString(s.PushNotifications),
		"soundAlerts":       cast.ToString(s.SoundAlerts),
		"vibration":         cast.ToString(s.Vibration),
		"locationTracking":  cast.ToString(s.LocationTracking),
		"autoSOS":           cast.ToString(s.AutoSOS),
		"language":          s.Language,
		"theme":             s.Theme,
	}
}

func applySetting(s *model.Settings, key, value string) error {
	var (
		flag *bool
		err  error
	)

	switch key {
	case "pushNotifications":
		flag = &s.PushNotifications
	case "soundAlerts":
		flag = &s.SoundAlerts
	case "vibration":
		flag = &s.Vibration
	case "locationTracking":
		flag = &s.LocationTracking
	case "autoSOS":
		flag = &s.AutoSOS
	case "language":
		s.Language = value
	case "theme":
		s.Theme = value
	default:
		// unknown keys come from newer builds; keep them on disk, ignore here
	}

	if flag != nil {
		if *flag, err = cast.ToBoolE(value); err != nil {
			return fmt.Errorf("decode setting %s: %w", key, err)
		}
	}
	return nil
}

func (s *Store) putJSON(ctx context.Context, key string, v any) error {
	bytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, string(bytes))
}

func (s *Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
