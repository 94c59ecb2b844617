// Package syncconfig reads the global dqsync settings: config.json and
// auth.json under the config directory, overridden by DQ_* environment
// variables.
package syncconfig

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// SyncConfig holds sync-related settings. Durations are strings such as "30s".
type SyncConfig struct {
	URL            string `json:"url"`
	Strategy       string `json:"strategy,omitempty"` // stream, snapshot or replay
	Policy         string `json:"policy,omitempty"`   // last-writer-wins or manual
	PullInterval   string `json:"pull_interval,omitempty"`
	PushInterval   string `json:"push_interval,omitempty"`
	StatusInterval string `json:"status_interval,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
	ReadTimeout    string `json:"read_timeout,omitempty"`
	PushBatchSize  *int   `json:"push_batch_size,omitempty"`
	HistoryRows    *int   `json:"history_rows,omitempty"`
	ReconcileStart *bool  `json:"reconcile_on_start,omitempty"` // nil = default true
}

// LogConfig controls the rotating log file.
type LogConfig struct {
	MaxSizeMB  int  `json:"max_size_mb,omitempty"`
	MaxBackups int  `json:"max_backups,omitempty"`
	MaxAgeDays int  `json:"max_age_days,omitempty"`
	Compress   bool `json:"compress,omitempty"`
}

// Config is the global config stored at <config dir>/config.json.
type Config struct {
	Sync SyncConfig `json:"sync"`
	Log  LogConfig  `json:"log"`
}

// AuthCredentials stores authentication state at <config dir>/auth.json.
type AuthCredentials struct {
	Token     string `json:"token"`
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	ServerURL string `json:"server_url,omitempty"`
	DeviceID  string `json:"device_id"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

const defaultServerURL = "http://localhost:8080"

// LoadEnv reads .env files into the process environment. Variables already
// set win, so the environment keeps priority over the file.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ConfigDir returns the config directory, creating it if necessary.
// DQ_CONFIG_DIR overrides the default ~/.config/dqsync.
func ConfigDir() (string, error) {
	dir := os.Getenv("DQ_CONFIG_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		dir = filepath.Join(home, ".config", "dqsync")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config. A missing file is an empty config.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config.json: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the global config.
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0644)
}

// LoadAuth reads auth credentials, returning nil when none are stored.
func LoadAuth() (*AuthCredentials, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var creds AuthCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse auth.json: %w", err)
	}
	return &creds, nil
}

// SaveAuth writes auth credentials (0600 perms).
func SaveAuth(creds *AuthCredentials) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "auth.json"), data, 0600)
}

// ClearAuth removes the auth.json file.
func ClearAuth() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "auth.json"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// LogPath is where the CLI writes its rotating log.
func LogPath() (string, error) {
	if v := os.Getenv("DQ_LOG_FILE"); v != "" {
		return v, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "dqsync.log"), nil
}

// GetServerURL returns the sync server URL.
// Priority: DQ_SYNC_URL env > auth.json server_url > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("DQ_SYNC_URL"); v != "" {
		return v
	}
	if creds, err := LoadAuth(); err == nil && creds != nil && creds.ServerURL != "" {
		return creds.ServerURL
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.URL != "" {
		return cfg.Sync.URL
	}
	return defaultServerURL
}

// GetToken returns the bearer token.
// Priority: DQ_TOKEN env > auth.json.
func GetToken() string {
	if v := os.Getenv("DQ_TOKEN"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.Token
	}
	return ""
}

// GetUserID returns the signed-in user.
// Priority: DQ_USER env > auth.json.
func GetUserID() string {
	if v := os.Getenv("DQ_USER"); v != "" {
		return v
	}
	creds, err := LoadAuth()
	if err == nil && creds != nil {
		return creds.UserID
	}
	return ""
}

// IsAuthenticated returns true if a token is available.
func IsAuthenticated() bool {
	return GetToken() != ""
}

// GetDeviceID returns the device id, generating and persisting one on first
// use. DQ_DEVICE_ID overrides it.
func GetDeviceID() (string, error) {
	if v := os.Getenv("DQ_DEVICE_ID"); v != "" {
		return v, nil
	}
	creds, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if creds != nil && creds.DeviceID != "" {
		return creds.DeviceID, nil
	}
	id, err := GenerateDeviceID()
	if err != nil {
		return "", err
	}
	if creds == nil {
		creds = &AuthCredentials{}
	}
	creds.DeviceID = id
	if err := SaveAuth(creds); err != nil {
		return "", err
	}
	return id, nil
}

// GenerateDeviceID creates a new random device ID (16 bytes hex).
func GenerateDeviceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GetStrategy returns the bootstrap strategy name.
// Priority: DQ_SYNC_STRATEGY env > config.json > "" (stream).
func GetStrategy() string {
	if v := os.Getenv("DQ_SYNC_STRATEGY"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil {
		return cfg.Sync.Strategy
	}
	return ""
}

// GetPolicy returns the conflict policy name.
// Priority: DQ_SYNC_POLICY env > config.json > "" (last-writer-wins).
func GetPolicy() string {
	if v := os.Getenv("DQ_SYNC_POLICY"); v != "" {
		return v
	}
	cfg, err := LoadConfig()
	if err == nil {
		return cfg.Sync.Policy
	}
	return ""
}

// GetPullInterval returns the background pull period.
// Priority: DQ_SYNC_PULL_INTERVAL env > config.json > 0 (orchestrator default).
func GetPullInterval() time.Duration {
	return durationSetting("DQ_SYNC_PULL_INTERVAL", func(s SyncConfig) string { return s.PullInterval })
}

// GetPushInterval returns the background push period.
// Priority: DQ_SYNC_PUSH_INTERVAL env > config.json > 0 (orchestrator default).
func GetPushInterval() time.Duration {
	return durationSetting("DQ_SYNC_PUSH_INTERVAL", func(s SyncConfig) string { return s.PushInterval })
}

// GetStatusInterval returns the status refresh period.
func GetStatusInterval() time.Duration {
	return durationSetting("DQ_SYNC_STATUS_INTERVAL", func(s SyncConfig) string { return s.StatusInterval })
}

// GetRequestTimeout bounds each HTTP request.
func GetRequestTimeout() time.Duration {
	return durationSetting("DQ_SYNC_REQUEST_TIMEOUT", func(s SyncConfig) string { return s.RequestTimeout })
}

// GetReadTimeout bounds each read on the bootstrap stream.
func GetReadTimeout() time.Duration {
	return durationSetting("DQ_SYNC_READ_TIMEOUT", func(s SyncConfig) string { return s.ReadTimeout })
}

// GetPushBatchSize returns how many events go up per request, 0 for the default.
func GetPushBatchSize() int {
	return intSetting("DQ_SYNC_PUSH_BATCH", func(s SyncConfig) *int { return s.PushBatchSize })
}

// GetHistoryRows returns the sync history cap, 0 for the default.
func GetHistoryRows() int {
	return intSetting("DQ_SYNC_HISTORY_ROWS", func(s SyncConfig) *int { return s.HistoryRows })
}

// GetReconcileOnStart returns whether the daemon reconciles duplicates at start.
// Priority: DQ_RECONCILE_ON_START env > config.json > true.
func GetReconcileOnStart() bool {
	if v := parseBoolEnv("DQ_RECONCILE_ON_START"); v != nil {
		return *v
	}
	cfg, err := LoadConfig()
	if err == nil && cfg.Sync.ReconcileStart != nil {
		return *cfg.Sync.ReconcileStart
	}
	return true
}

// GetLogConfig returns the log rotation settings with defaults filled in.
func GetLogConfig() LogConfig {
	lc := LogConfig{}
	if cfg, err := LoadConfig(); err == nil {
		lc = cfg.Log
	}
	if lc.MaxSizeMB <= 0 {
		lc.MaxSizeMB = 10
	}
	if lc.MaxBackups <= 0 {
		lc.MaxBackups = 3
	}
	if lc.MaxAgeDays <= 0 {
		lc.MaxAgeDays = 28
	}
	return lc
}

func durationSetting(envKey string, fromFile func(SyncConfig) string) time.Duration {
	if v := os.Getenv(envKey); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	cfg, err := LoadConfig()
	if err == nil {
		if s := fromFile(cfg.Sync); s != "" {
			if d, err := time.ParseDuration(s); err == nil && d > 0 {
				return d
			}
		}
	}
	return 0
}

func intSetting(envKey string, fromFile func(SyncConfig) *int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	cfg, err := LoadConfig()
	if err == nil {
		if n := fromFile(cfg.Sync); n != nil && *n > 0 {
			return *n
		}
	}
	return 0
}

// parseBoolEnv returns nil if env not set, pointer to bool if set.
func parseBoolEnv(envKey string) *bool {
	v := strings.ToLower(os.Getenv(envKey))
	switch v {
	case "1", "true", "yes":
		b := true
		return &b
	case "0", "false", "no":
		b := false
		return &b
	}
	return nil
}
