package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Config is the durable, hot-reloadable camera/transcoding configuration.
// It is distinct from BootstrapConfig: these fields can change while the
// process is running, either via POST /config or an external edit to the
// backing file.
type Config struct {
	Account   AccountConfig   `json:"account"`
	Transcode TranscodeConfig `json:"transcode"`
	LogLevel  string          `json:"logLevel"`
}

type AccountConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Country  string `json:"country"`
	Language string `json:"language"`
}

type TranscodeConfig struct {
	Preset         string `json:"preset"`
	CRF            int    `json:"crf"`
	Scale          string `json:"scale"`
	Threads        int    `json:"threads"`
	ShortKeyframes bool   `json:"shortKeyframes"`
	MaxBitrateKbps int    `json:"maxBitrateKbps"`
}

// mutableKeys is the whitelist of top-level dotted paths POST /config may
// change. Anything else in the request body is rejected as invalid.
var mutableKeys = map[string]bool{
	"account.username":         true,
	"account.password":         true,
	"account.country":          true,
	"account.language":         true,
	"transcode.preset":         true,
	"transcode.crf":            true,
	"transcode.scale":          true,
	"transcode.threads":        true,
	"transcode.shortKeyframes": true,
	"transcode.maxBitrateKbps": true,
	"logLevel":                 true,
}

// IsMutableKey reports whether key is one POST /config is allowed to set.
func IsMutableKey(key string) bool {
	return mutableKeys[key]
}

// Store owns the on-disk config.json file: it loads it at startup, allows
// atomic in-process updates, and watches the file for external edits.
type Store struct {
	path string
	log  zerolog.Logger

	mu  sync.RWMutex
	cfg Config

	watcher *fsnotify.Watcher
}

// OpenStore loads (or creates, with defaults) the config file at path.
func OpenStore(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{path: path, log: log}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating config dir: %w", err)
		}
		if err := s.writeLocked(Config{
			Transcode: TranscodeConfig{Preset: "veryfast", CRF: 23, Threads: 2, MaxBitrateKbps: 4000},
			LogLevel:  "info",
		}); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}
	}

	if err := s.reload(); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching config dir: %w", err)
	}
	s.watcher = watcher

	go s.watchLoop()

	return s, nil
}

func (s *Store) watchLoop() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.log.Warn().Err(err).Msg("failed to reload config after external edit")
			} else {
				s.log.Info().Msg("reloaded config from external edit")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set applies the whitelisted changes in patch (a dotted-key -> value map,
// already validated against IsMutableKey by the caller) and persists the
// result. It returns only the keys whose stored value actually changed, so
// that applying the same patch twice in a row reports no changes the second
// time.
func (s *Store) Set(patch map[string]any) ([]string, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	var changed []string
	for key, val := range patch {
		if !IsMutableKey(key) {
			return nil, fmt.Errorf("key %q is not mutable", key)
		}
		before := fieldValue(cfg, key)
		if err := applyPatch(&cfg, key, val); err != nil {
			return nil, err
		}
		if fieldValue(cfg, key) != before {
			changed = append(changed, key)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(cfg); err != nil {
		return nil, err
	}
	s.cfg = cfg
	return changed, nil
}

// fieldValue returns the current value addressed by a dotted config key, so
// Set can tell whether applying a patch actually changed anything.
func fieldValue(cfg Config, key string) any {
	switch key {
	case "account.username":
		return cfg.Account.Username
	case "account.password":
		return cfg.Account.Password
	case "account.country":
		return cfg.Account.Country
	case "account.language":
		return cfg.Account.Language
	case "transcode.preset":
		return cfg.Transcode.Preset
	case "transcode.crf":
		return cfg.Transcode.CRF
	case "transcode.scale":
		return cfg.Transcode.Scale
	case "transcode.threads":
		return cfg.Transcode.Threads
	case "transcode.shortKeyframes":
		return cfg.Transcode.ShortKeyframes
	case "transcode.maxBitrateKbps":
		return cfg.Transcode.MaxBitrateKbps
	case "logLevel":
		return cfg.LogLevel
	default:
		return nil
	}
}

func (s *Store) writeLocked(cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func applyPatch(cfg *Config, key string, val any) error {
	asString := func() (string, bool) { v, ok := val.(string); return v, ok }
	asInt := func() (int, bool) {
		switch v := val.(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		}
		return 0, false
	}
	asBool := func() (bool, bool) { v, ok := val.(bool); return v, ok }

	switch key {
	case "account.username":
		v, ok := asString()
		if !ok {
			return fmt.Errorf("account.username must be a string")
		}
		cfg.Account.Username = v
	case "account.password":
		v, ok := asString()
		if !ok {
			return fmt.Errorf("account.password must be a string")
		}
		cfg.Account.Password = v
	case "account.country":
		v, ok := asString()
		if !ok {
			return fmt.Errorf("account.country must be a string")
		}
		cfg.Account.Country = v
	case "account.language":
		v, ok := asString()
		if !ok {
			return fmt.Errorf("account.language must be a string")
		}
		cfg.Account.Language = v
	case "transcode.preset":
		v, ok := asString()
		if !ok {
			return fmt.Errorf("transcode.preset must be a string")
		}
		cfg.Transcode.Preset = v
	case "transcode.crf":
		v, ok := asInt()
		if !ok {
			return fmt.Errorf("transcode.crf must be a number")
		}
		cfg.Transcode.CRF = v
	case "transcode.scale":
		v, ok := asString()
		if !ok {
			return fmt.Errorf("transcode.scale must be a string")
		}
		cfg.Transcode.Scale = v
	case "transcode.threads":
		v, ok := asInt()
		if !ok {
			return fmt.Errorf("transcode.threads must be a number")
		}
		cfg.Transcode.Threads = v
	case "transcode.shortKeyframes":
		v, ok := asBool()
		if !ok {
			return fmt.Errorf("transcode.shortKeyframes must be a bool")
		}
		cfg.Transcode.ShortKeyframes = v
	case "transcode.maxBitrateKbps":
		v, ok := asInt()
		if !ok {
			return fmt.Errorf("transcode.maxBitrateKbps must be a number")
		}
		cfg.Transcode.MaxBitrateKbps = v
	case "logLevel":
		v, ok := asString()
		if !ok {
			return fmt.Errorf("logLevel must be a string")
		}
		cfg.LogLevel = v
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}
