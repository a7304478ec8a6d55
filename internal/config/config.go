// Package config loads the YAML configuration of the host-side tools.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Config describes an NBD serving setup.
type Config struct {
	Listen    string `yaml:"listen"`
	Export    string `yaml:"export"`
	Backend   string `yaml:"backend"`   // "ram" or "badger"
	Image     string `yaml:"image"`     // flash image file (ram) or store dir (badger)
	FlashSize int    `yaml:"flashSize"` // emulated device capacity in bytes
}

// Load reads path and fills in defaults for anything left unset.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	config.applyDefaults()
	return config, nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var config Config
	config.applyDefaults()
	return config
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":10809"
	}
	if c.Export == "" {
		c.Export = "spiftl"
	}
	if c.Backend == "" {
		c.Backend = "ram"
	}
	if c.Image == "" {
		c.Image = "flash.bin"
	}
	if c.FlashSize == 0 {
		c.FlashSize = 1024 * 1024
	}
}
