package share

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "aiotunnel.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}
	return path
}

func TestConfigReloadPushesLogLevelIntoLogger(t *testing.T) {
	path := writeTestConfig(t, `{"log_level": "debug"}`)
	logger := NewLogger("test", LogLevelInfo)

	cfg, err := LoadConfig(logger, path, LogLevelInfo, 5*time.Minute, false)
	if err != nil {
		t.Fatalf("LoadConfig: %s", err)
	}
	defer cfg.Close()

	if got := logger.GetLogLevel(); got != LogLevelDebug {
		t.Fatalf("logger level after initial load = %d, want debug(%d)", got, LogLevelDebug)
	}

	if err := os.WriteFile(path, []byte(`{"log_level": "warning"}`), 0644); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}
	if err := cfg.reload(); err != nil {
		t.Fatalf("reload: %s", err)
	}

	if got := logger.GetLogLevel(); got != LogLevelWarning {
		t.Errorf("logger level after reload = %d, want warning(%d)", got, LogLevelWarning)
	}
	if got := cfg.LogLevel(); got != LogLevelWarning {
		t.Errorf("cfg.LogLevel() after reload = %d, want warning(%d)", got, LogLevelWarning)
	}
}

func TestConfigReloadHonorsVerboseOverride(t *testing.T) {
	path := writeTestConfig(t, `{"log_level": "warning"}`)
	logger := NewLogger("test", LogLevelDebug)

	cfg, err := LoadConfig(logger, path, LogLevelDebug, 5*time.Minute, true)
	if err != nil {
		t.Fatalf("LoadConfig: %s", err)
	}
	defer cfg.Close()

	if got := logger.GetLogLevel(); got != LogLevelDebug {
		t.Fatalf("verbose-overridden logger level = %d, want debug(%d) (unchanged by config file)", got, LogLevelDebug)
	}
	// The config's own notion of the level still updates, for callers (like
	// BackoffMax's sibling field) that want the file's value regardless.
	if got := cfg.LogLevel(); got != LogLevelWarning {
		t.Errorf("cfg.LogLevel() = %d, want warning(%d) even with verboseOverride", got, LogLevelWarning)
	}
}

func TestConfigBackoffMaxIsLiveAfterReload(t *testing.T) {
	path := writeTestConfig(t, `{"backoff_max": "1s"}`)
	logger := NewLogger("test", LogLevelInfo)

	cfg, err := LoadConfig(logger, path, LogLevelInfo, 5*time.Minute, false)
	if err != nil {
		t.Fatalf("LoadConfig: %s", err)
	}
	defer cfg.Close()

	getMax := cfg.BackoffMax
	if d := getMax(); d != time.Second {
		t.Fatalf("BackoffMax() = %s, want 1s", d)
	}

	if err := os.WriteFile(path, []byte(`{"backoff_max": "2m"}`), 0644); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}
	if err := cfg.reload(); err != nil {
		t.Fatalf("reload: %s", err)
	}

	if d := getMax(); d != 2*time.Minute {
		t.Errorf("BackoffMax() after reload = %s, want 2m (method value must stay live)", d)
	}
}
