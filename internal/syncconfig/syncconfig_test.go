package syncconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// useTempDir points DQ_CONFIG_DIR at a fresh directory and clears overrides.
func useTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DQ_CONFIG_DIR", dir)
	for _, k := range []string{"DQ_SYNC_URL", "DQ_TOKEN", "DQ_USER", "DQ_DEVICE_ID", "DQ_SYNC_STRATEGY",
		"DQ_SYNC_POLICY", "DQ_SYNC_PULL_INTERVAL", "DQ_SYNC_PUSH_BATCH", "DQ_RECONCILE_ON_START"} {
		t.Setenv(k, "")
	}
	return dir
}

// writeTestConfig writes config.json into the temp config dir.
func writeTestConfig(t *testing.T, cfg *Config) {
	t.Helper()
	dir := useTempDir(t)
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func intPtr(n int) *int    { return &n }
func boolPtr(b bool) *bool { return &b }

func TestServerURLDefault(t *testing.T) {
	useTempDir(t)
	if got := GetServerURL(); got != defaultServerURL {
		t.Fatalf("default url: got %q", got)
	}
}

func TestServerURLPriority(t *testing.T) {
	writeTestConfig(t, &Config{Sync: SyncConfig{URL: "https://file.example"}})
	if got := GetServerURL(); got != "https://file.example" {
		t.Fatalf("file url: got %q", got)
	}

	if err := SaveAuth(&AuthCredentials{Token: "tok", ServerURL: "https://auth.example"}); err != nil {
		t.Fatal(err)
	}
	if got := GetServerURL(); got != "https://auth.example" {
		t.Fatalf("auth url: got %q", got)
	}

	t.Setenv("DQ_SYNC_URL", "https://env.example")
	if got := GetServerURL(); got != "https://env.example" {
		t.Fatalf("env url: got %q", got)
	}
}

func TestTokenEnvOverridesAuthFile(t *testing.T) {
	useTempDir(t)
	if IsAuthenticated() {
		t.Fatal("expected unauthenticated with no auth.json")
	}
	if err := SaveAuth(&AuthCredentials{Token: "from-file", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if GetToken() != "from-file" || GetUserID() != "u1" {
		t.Fatalf("file creds: %q %q", GetToken(), GetUserID())
	}
	t.Setenv("DQ_TOKEN", "from-env")
	if GetToken() != "from-env" {
		t.Fatalf("env token: %q", GetToken())
	}
}

func TestAuthFilePermissions(t *testing.T) {
	dir := useTempDir(t)
	if err := SaveAuth(&AuthCredentials{Token: "secret"}); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(filepath.Join(dir, "auth.json"))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("auth.json perms = %o, want 600", perm)
	}
	if err := ClearAuth(); err != nil {
		t.Fatal(err)
	}
	if err := ClearAuth(); err != nil {
		t.Errorf("clearing twice: %v", err)
	}
}

func TestDeviceIDIsPersisted(t *testing.T) {
	useTempDir(t)
	first, err := GetDeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 32 {
		t.Fatalf("device id %q, want 32 hex chars", first)
	}
	second, err := GetDeviceID()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("device id changed: %s -> %s", first, second)
	}

	t.Setenv("DQ_DEVICE_ID", "pinned")
	if got, _ := GetDeviceID(); got != "pinned" {
		t.Errorf("env device id = %q", got)
	}
}

func TestDurationSettings(t *testing.T) {
	writeTestConfig(t, &Config{Sync: SyncConfig{PullInterval: "45s", PushInterval: "bogus"}})

	if d := GetPullInterval(); d != 45*time.Second {
		t.Errorf("pull interval from file = %v", d)
	}
	if d := GetPushInterval(); d != 0 {
		t.Errorf("invalid push interval should fall back to 0, got %v", d)
	}
	t.Setenv("DQ_SYNC_PULL_INTERVAL", "2m")
	if d := GetPullInterval(); d != 2*time.Minute {
		t.Errorf("pull interval from env = %v", d)
	}
	t.Setenv("DQ_SYNC_PULL_INTERVAL", "-1s")
	if d := GetPullInterval(); d != 45*time.Second {
		t.Errorf("negative env should fall through to file, got %v", d)
	}
}

func TestIntSettings(t *testing.T) {
	writeTestConfig(t, &Config{Sync: SyncConfig{PushBatchSize: intPtr(25)}})
	if n := GetPushBatchSize(); n != 25 {
		t.Errorf("push batch = %d", n)
	}
	t.Setenv("DQ_SYNC_PUSH_BATCH", "not-a-number")
	if n := GetPushBatchSize(); n != 25 {
		t.Errorf("invalid env should fall through, got %d", n)
	}
	if n := GetHistoryRows(); n != 0 {
		t.Errorf("history rows default = %d", n)
	}
}

func TestReconcileOnStart(t *testing.T) {
	useTempDir(t)
	if !GetReconcileOnStart() {
		t.Error("default should be true")
	}
	writeTestConfig(t, &Config{Sync: SyncConfig{ReconcileStart: boolPtr(false)}})
	if GetReconcileOnStart() {
		t.Error("expected false from config")
	}
	t.Setenv("DQ_RECONCILE_ON_START", "yes")
	if !GetReconcileOnStart() {
		t.Error("expected env to override config")
	}
}

func TestLogConfigDefaults(t *testing.T) {
	writeTestConfig(t, &Config{Log: LogConfig{MaxBackups: 7}})
	lc := GetLogConfig()
	if lc.MaxSizeMB != 10 || lc.MaxBackups != 7 || lc.MaxAgeDays != 28 {
		t.Errorf("log config = %+v", lc)
	}
}

func TestLoadEnvDoesNotOverrideEnvironment(t *testing.T) {
	useTempDir(t)
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("DQ_SYNC_POLICY=manual\nDQ_SYNC_STRATEGY=replay\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DQ_SYNC_STRATEGY", "snapshot")
	os.Unsetenv("DQ_SYNC_POLICY")
	t.Cleanup(func() { os.Unsetenv("DQ_SYNC_POLICY") })

	if err := LoadEnv(envFile); err != nil {
		t.Fatal(err)
	}
	if GetPolicy() != "manual" {
		t.Errorf("policy = %q, want manual from .env", GetPolicy())
	}
	if GetStrategy() != "snapshot" {
		t.Errorf("strategy = %q, the environment must win", GetStrategy())
	}
	if err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing .env should be ignored: %v", err)
	}
}
