package models

import (
	"os"
	"path/filepath"
)

type Config struct {
	Verbose bool

	// BindNow resolves every PLT entry at link time instead of lazily.
	BindNow bool

	// MaxInstructions bounds the run loop. 0 means no ceiling.
	MaxInstructions uint64

	StackSize uint64
	HeapSize  uint64

	// LoadPrefix is prepended to library names when the linker looks for
	// DT_NEEDED files on the host.
	LoadPrefix string

	Args []string
	Env  []string
}

func (c *Config) Init() *Config {
	if c.StackSize == 0 {
		c.StackSize = 8 * 1024 * 1024
	}
	if c.HeapSize == 0 {
		c.HeapSize = 16 * 1024 * 1024
	}
	return c
}

func (c *Config) PrefixPath(path string, force bool) string {
	if c.LoadPrefix == "" {
		return path
	}
	target := path
	if filepath.IsAbs(path) {
		target = filepath.Join(c.LoadPrefix, path)
	} else {
		target = filepath.Join(c.LoadPrefix, filepath.Base(path))
	}
	if force {
		return target
	}
	if _, err := os.Stat(target); err == nil {
		return target
	}
	return path
}
