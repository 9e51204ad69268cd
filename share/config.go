package share

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileConfig is the shape of the optional JSON config file (spec.md §6).
// Every field also has an environment-variable/flag equivalent; the
// config file, when given, takes precedence and is watched for changes
// for the fields listed below.
type FileConfig struct {
	LogLevel   string `json:"log_level"`
	BackoffMax string `json:"backoff_max"`
}

// Config is the live, reloadable view of FileConfig. Reading its fields
// is safe from any goroutine; a background watcher updates them in place
// when the backing file changes, matching the environment-variable
// driven configuration style of the source's aiotunnel/__init__.py
// module, extended to support hot reload the way the teacher's
// fsnotify dependency implies but never wires up.
type Config struct {
	mu              sync.RWMutex
	logLevel        LogLevel
	backoffMax      time.Duration
	path            string
	watcher         *fsnotify.Watcher
	logger          Logger
	verboseOverride bool
}

// LoadConfig reads path (a JSON file matching FileConfig) and starts
// watching it for changes. If path is empty, the returned Config simply
// holds the given defaults and no watcher is started. verboseOverride, when
// true, means the caller pinned the log level from elsewhere (e.g. -v on the
// command line) and a reloaded config file must not override it.
func LoadConfig(logger Logger, path string, defaultLevel LogLevel, defaultBackoffMax time.Duration, verboseOverride bool) (*Config, error) {
	c := &Config{
		logLevel:        defaultLevel,
		backoffMax:      defaultBackoffMax,
		path:            path,
		logger:          logger,
		verboseOverride: verboseOverride,
	}
	if path == "" {
		return c, nil
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	c.watcher = w
	go c.watch(logger)
	return c, nil
}

func (c *Config) watch(logger Logger) {
	for {
		select {
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := c.reload(); err != nil {
				logger.WLogf("config reload of %s failed, keeping previous values: %s", c.path, err)
			} else {
				logger.ILogf("reloaded config from %s", c.path)
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			logger.WLogf("config watcher error: %s", err)
		}
	}
}

func (c *Config) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return err
	}
	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return err
	}
	c.mu.Lock()
	if fc.LogLevel != "" {
		if lvl := StringToLogLevel(fc.LogLevel); lvl != LogLevelUnknown {
			c.logLevel = lvl
		}
	}
	if fc.BackoffMax != "" {
		if d, err := time.ParseDuration(fc.BackoffMax); err == nil {
			c.backoffMax = d
		}
	}
	logLevel := c.logLevel
	c.mu.Unlock()

	// Push the reloaded level straight into the logger: BackoffMax is read
	// live by every caller (see BackoffMax below), but the log level is only
	// consulted once at startup, so a hot reload would otherwise have no
	// observable effect until the process restarted.
	if c.logger != nil && !c.verboseOverride {
		c.logger.SetLogLevel(logLevel)
	}
	return nil
}

// LogLevel returns the currently configured log level.
func (c *Config) LogLevel() LogLevel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logLevel
}

// BackoffMax returns the currently configured maximum retry interval.
func (c *Config) BackoffMax() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backoffMax
}

// Close stops the file watcher, if one was started.
func (c *Config) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}
