// Package config assembles the application configuration from defaults, a
// settings file and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/park285/chess-overlay/internal/board"
	yaml "gopkg.in/yaml.v3"
)

const (
	DefaultSettingsPath = "settings.yaml"
	legacyConfigPath    = "config.json"
	legacyRegionPath    = "region.json"
)

// Settings is the user-tunable subset persisted by SaveSettings. JSON
// documents are valid YAML, so config.json from older installs loads as is.
type Settings struct {
	Region    *board.Region   `yaml:"region,omitempty"`
	Stockfish StockfishConfig `yaml:"stockfish"`
	Side      string          `yaml:"side,omitempty"`
	Board     string          `yaml:"orientation,omitempty"`
	AutoFlip  bool            `yaml:"auto_orientation,omitempty"`
}

type StockfishConfig struct {
	Depth   int `yaml:"depth"`
	MultiPV int `yaml:"multipv"`
}

type AppConfig struct {
	SettingsPath string
	Settings     Settings

	StockfishPath    string
	EngineThreads    int
	EngineHashMB     int
	CancelPolicy     string
	ReconnectBackoff time.Duration

	CaptureFile    string
	FPS            int
	CaptureBackoff time.Duration

	VisionURL       string
	VisionTimeout   time.Duration
	VisionInputSize int
	DetectThreshold float64

	DebounceFrames      int
	ConfidenceThreshold float64
	MaxUnsettled        int

	RenderHz     int
	ListenAddr   string
	MessagesDir  string
	RedisURL     string
	CacheTTL     time.Duration
	DatabaseURL  string
	SaveOnExit   bool
	AutoStart    bool
	JournalQueue int
}

func defaults() *AppConfig {
	return &AppConfig{
		SettingsPath:        DefaultSettingsPath,
		Settings:            Settings{Stockfish: StockfishConfig{Depth: 15, MultiPV: 3}, Side: "white", Board: "white-bottom"},
		StockfishPath:       "stockfish",
		EngineThreads:       2,
		EngineHashMB:        64,
		CancelPolicy:        "hard",
		ReconnectBackoff:    5 * time.Second,
		FPS:                 2,
		CaptureBackoff:      2 * time.Second,
		VisionTimeout:       2 * time.Second,
		VisionInputSize:     640,
		DebounceFrames:      3,
		ConfidenceThreshold: 0.35,
		MaxUnsettled:        30,
		RenderHz:            30,
		ListenAddr:          "127.0.0.1:7878",
		CacheTTL:            6 * time.Hour,
		AutoStart:           true,
		JournalQueue:        64,
	}
}

// Load reads OVERLAY_SETTINGS (or settings.yaml), falls back to config.json
// and then region.json, and applies environment overrides.
func Load() (*AppConfig, error) {
	cfg := defaults()
	if v := strings.TrimSpace(os.Getenv("OVERLAY_SETTINGS")); v != "" {
		cfg.SettingsPath = v
	}
	if err := cfg.loadSettings(); err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadSettings() error {
	dir := filepath.Dir(c.SettingsPath)
	for _, p := range []string{c.SettingsPath, filepath.Join(dir, legacyConfigPath)} {
		raw, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read settings %s: %w", p, err)
		}
		s := c.Settings
		if err := yaml.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("parse settings %s: %w", p, err)
		}
		c.Settings = s
		return nil
	}
	raw, err := os.ReadFile(filepath.Join(dir, legacyRegionPath))
	if err != nil {
		return nil
	}
	var r board.Region
	if err := yaml.Unmarshal(raw, &r); err == nil && r.Valid() {
		c.Settings.Region = &r
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	setString(&c.StockfishPath, "STOCKFISH_PATH")
	setString(&c.CaptureFile, "CAPTURE_FILE")
	setString(&c.VisionURL, "VISION_URL")
	setString(&c.ListenAddr, "OVERLAY_LISTEN")
	setString(&c.MessagesDir, "MESSAGES_DIR")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.CancelPolicy, "CANCEL_POLICY")
	setString(&c.Settings.Side, "SUGGEST_SIDE")
	setString(&c.Settings.Board, "BOARD_ORIENTATION")

	setInt(&c.FPS, "OVERLAY_FPS")
	setInt(&c.Settings.Stockfish.Depth, "ANALYSIS_DEPTH")
	setInt(&c.Settings.Stockfish.MultiPV, "ANALYSIS_LINES")
	setInt(&c.DebounceFrames, "DEBOUNCE_FRAMES")
	setInt(&c.MaxUnsettled, "MAX_UNSETTLED_FRAMES")
	setInt(&c.EngineThreads, "ENGINE_THREADS")
	setInt(&c.EngineHashMB, "ENGINE_HASH_MB")
	setInt(&c.RenderHz, "RENDER_HZ")
	setInt(&c.VisionInputSize, "VISION_INPUT_SIZE")

	setFloat(&c.ConfidenceThreshold, "CONFIDENCE_THRESHOLD")
	setFloat(&c.DetectThreshold, "DETECT_THRESHOLD")
	if c.DetectThreshold == 0 {
		c.DetectThreshold = c.ConfidenceThreshold
	}

	setDuration(&c.VisionTimeout, "VISION_TIMEOUT")
	setDuration(&c.ReconnectBackoff, "RECONNECT_BACKOFF")
	setDuration(&c.CaptureBackoff, "CAPTURE_BACKOFF")
	setDuration(&c.CacheTTL, "CACHE_TTL")

	setBool(&c.Settings.AutoFlip, "AUTO_ORIENTATION")
	setBool(&c.SaveOnExit, "SAVE_SETTINGS_ON_EXIT")
	setBool(&c.AutoStart, "AUTO_START")
}

// Validate rejects configurations the pipeline cannot run with.
func (c *AppConfig) Validate() error {
	if strings.TrimSpace(c.StockfishPath) == "" {
		return errors.New("STOCKFISH_PATH is required")
	}
	if strings.TrimSpace(c.VisionURL) == "" {
		return errors.New("VISION_URL is required")
	}
	if c.FPS <= 0 || c.FPS > 60 {
		return fmt.Errorf("OVERLAY_FPS out of range: %d", c.FPS)
	}
	if d := c.Settings.Stockfish.Depth; d < 1 || d > 60 {
		return fmt.Errorf("analysis depth out of range: %d", d)
	}
	if n := c.Settings.Stockfish.MultiPV; n < 1 || n > 10 {
		return fmt.Errorf("analysis lines out of range: %d", n)
	}
	if c.DebounceFrames < 1 {
		return fmt.Errorf("DEBOUNCE_FRAMES must be positive: %d", c.DebounceFrames)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD out of range: %v", c.ConfidenceThreshold)
	}
	if c.DetectThreshold <= 0 || c.DetectThreshold >= 1 {
		return fmt.Errorf("DETECT_THRESHOLD out of range: %v", c.DetectThreshold)
	}
	// every kept detection must clear the reconciler floor
	if c.ConfidenceThreshold > c.DetectThreshold {
		return fmt.Errorf("CONFIDENCE_THRESHOLD %v is above DETECT_THRESHOLD %v", c.ConfidenceThreshold, c.DetectThreshold)
	}
	if _, err := board.ParseSide(c.Settings.Side); err != nil {
		return err
	}
	if _, err := board.ParseOrientation(c.Settings.Board); err != nil {
		return err
	}
	if r := c.Settings.Region; r != nil && !r.Valid() {
		return fmt.Errorf("settings region too small: %+v", *r)
	}
	return nil
}

// SaveSettings writes the user-tunable subset to path.
func SaveSettings(path string, s Settings) error {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// setDuration accepts Go durations ("750ms") or plain milliseconds.
func setDuration(dst *time.Duration, key string) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil && n >= 0 {
		*dst = time.Duration(n) * time.Millisecond
	}
}
