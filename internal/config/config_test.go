package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/park285/chess-overlay/internal/board"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("OVERLAY_SETTINGS", filepath.Join(dir, "settings.yaml"))
	t.Setenv("STOCKFISH_PATH", "/usr/bin/stockfish")
	t.Setenv("VISION_URL", "http://127.0.0.1:9000")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t, t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 15, cfg.Settings.Stockfish.Depth)
	require.Equal(t, 3, cfg.DebounceFrames)
	require.Nil(t, cfg.Settings.Region)
	require.Equal(t, "hard", cfg.CancelPolicy)
}

func TestLoadLegacyConfigJSON(t *testing.T) {
	dir := t.TempDir()
	setBaseEnv(t, dir)
	body := `{"region":{"x":10,"y":20,"width":400,"height":400},"stockfish":{"depth":12,"multipv":2}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, &board.Region{X: 10, Y: 20, Width: 400, Height: 400}, cfg.Settings.Region)
	require.Equal(t, 12, cfg.Settings.Stockfish.Depth)
	require.Equal(t, 2, cfg.Settings.Stockfish.MultiPV)
}

func TestLoadLegacyRegionJSON(t *testing.T) {
	dir := t.TempDir()
	setBaseEnv(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "region.json"), []byte(`{"x":1,"y":2,"width":320,"height":320}`), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Settings.Region)
	require.Equal(t, 320, cfg.Settings.Region.Width)
	require.Equal(t, 15, cfg.Settings.Stockfish.Depth, "defaults kept")
}

func TestEnvOverridesSettings(t *testing.T) {
	dir := t.TempDir()
	setBaseEnv(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.yaml"), []byte("stockfish:\n  depth: 10\n  multipv: 1\nside: black\n"), 0o644))
	t.Setenv("ANALYSIS_DEPTH", "20")
	t.Setenv("RECONNECT_BACKOFF", "250")
	t.Setenv("VISION_TIMEOUT", "1500ms")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 20, cfg.Settings.Stockfish.Depth)
	require.Equal(t, 1, cfg.Settings.Stockfish.MultiPV)
	require.Equal(t, "black", cfg.Settings.Side)
	require.Equal(t, 250*time.Millisecond, cfg.ReconnectBackoff)
	require.Equal(t, 1500*time.Millisecond, cfg.VisionTimeout)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*AppConfig){
		"no engine":   func(c *AppConfig) { c.StockfishPath = "" },
		"no vision":   func(c *AppConfig) { c.VisionURL = "" },
		"fps":         func(c *AppConfig) { c.FPS = 0 },
		"depth":       func(c *AppConfig) { c.Settings.Stockfish.Depth = 0 },
		"lines":       func(c *AppConfig) { c.Settings.Stockfish.MultiPV = 11 },
		"confidence":  func(c *AppConfig) { c.ConfidenceThreshold = 1.5 },
		"side":        func(c *AppConfig) { c.Settings.Side = "green" },
		"tiny region": func(c *AppConfig) { c.Settings.Region = &board.Region{Width: 2, Height: 2} },
		"debounce":    func(c *AppConfig) { c.DebounceFrames = 0 },
		"orientation": func(c *AppConfig) { c.Settings.Board = "sideways" },
		"detect":      func(c *AppConfig) { c.DetectThreshold = 1 },
		"floor above detector": func(c *AppConfig) {
			c.ConfidenceThreshold, c.DetectThreshold = 0.5, 0.35
		},
	}
	valid := func() *AppConfig {
		c := defaults()
		c.VisionURL = "http://x"
		c.DetectThreshold = c.ConfidenceThreshold
		return c
	}
	require.NoError(t, valid().Validate())
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestDetectThresholdFollowsConfidence(t *testing.T) {
	setBaseEnv(t, t.TempDir())
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, cfg.ConfidenceThreshold, cfg.DetectThreshold)

	t.Setenv("CONFIDENCE_THRESHOLD", "0.25")
	cfg, err = Load()
	require.NoError(t, err)
	require.InDelta(t, 0.25, cfg.DetectThreshold, 1e-9)

	t.Setenv("DETECT_THRESHOLD", "0.4")
	cfg, err = Load()
	require.NoError(t, err)
	require.InDelta(t, 0.4, cfg.DetectThreshold, 1e-9)

	t.Setenv("CONFIDENCE_THRESHOLD", "0.6")
	_, err = Load()
	require.ErrorContains(t, err, "DETECT_THRESHOLD")
}

func TestSaveSettingsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	setBaseEnv(t, dir)
	s := Settings{Region: &board.Region{X: 5, Y: 6, Width: 200, Height: 200}, Stockfish: StockfishConfig{Depth: 9, MultiPV: 2}, Side: "black", Board: "black-bottom", AutoFlip: true}
	require.NoError(t, SaveSettings(filepath.Join(dir, "settings.yaml"), s))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, s, cfg.Settings)
}
