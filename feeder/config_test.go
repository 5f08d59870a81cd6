package feeder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Patterns:          "/tmp/does-not-matter-*",
		BatchSize:         8,
		ValuesPerShard:    100,
		PreprocessWorkers: 4,
		ImageFeature:      "image/data",
		CaptionFeature:    "image/caption_ids",
		ImageWidth:        32,
		ImageHeight:       32,
	}
}

func TestConfigValidateOK(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestConfigOddWorkersWithFlip(t *testing.T) {
	cfg := validConfig()
	cfg.SupportFlip = true
	cfg.FlipCaptionFeature = "image/flip_caption_ids"
	cfg.PreprocessWorkers = 3
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "even")

	cfg.PreprocessWorkers = 4
	assert.NoError(t, cfg.Validate())
}

func TestConfigRejections(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"zero batch":           func(c *Config) { c.BatchSize = 0 },
		"no image feature":     func(c *Config) { c.ImageFeature = "" },
		"no caption feature":   func(c *Config) { c.CaptionFeature = "" },
		"flip without feature": func(c *Config) { c.SupportFlip = true },
		"bad image shape":      func(c *Config) { c.ImageWidth = 0 },
		"attributes w/o vocab": func(c *Config) { c.WithAttributes = true },
	} {
		cfg := validConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}

// Configuration errors must fail at NewDataset, never at first batch.
func TestNewDatasetFailsFast(t *testing.T) {
	cfg := validConfig()
	cfg.SupportFlip = true
	cfg.FlipCaptionFeature = "image/flip_caption_ids"
	cfg.PreprocessWorkers = 5
	_, err := NewDataset(cfg)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "even"), err.Error())
}
