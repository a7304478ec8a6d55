package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte("listen: \":4242\"\nflashSize: 262144\n"), 0o644)
	assert.NoError(t, err)

	c, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, ":4242", c.Listen)
	assert.Equal(t, 262144, c.FlashSize)
	assert.Equal(t, "spiftl", c.Export)
	assert.Equal(t, "ram", c.Backend)
	assert.Equal(t, "flash.bin", c.Image)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	assert.NoError(t, os.WriteFile(path, []byte("listen: [unclosed"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, ":10809", c.Listen)
	assert.Equal(t, 1024*1024, c.FlashSize)
}
