package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BootFilename is the default name of the boot configuration file.
const BootFilename = "rvkern.yaml"

// Boot describes a machine boot request.
type Boot struct {
	// MemoryMB is the guest RAM size. The frame pool only ever covers
	// [EKernel, MemoryEnd), so values beyond 8MB just leave slack.
	MemoryMB uint64 `yaml:"memoryMB,omitempty"`

	// Init names the embedded application seeded as the first process.
	Init string `yaml:"init,omitempty"`

	// DiskImage optionally points at an easy-fs image to attach.
	DiskImage string `yaml:"diskImage,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"logLevel,omitempty"`
}

func (b *Boot) normalize() {
	if b.MemoryMB == 0 {
		b.MemoryMB = (MemoryEnd - RAMBase) >> 20
	}
	if b.Init == "" {
		b.Init = "initproc"
	}
	if b.LogLevel == "" {
		b.LogLevel = "info"
	}
}

// DefaultBoot returns the configuration used when no file is present.
func DefaultBoot() Boot {
	var b Boot
	b.normalize()
	return b
}

// LoadBoot reads a boot configuration from path.
func LoadBoot(path string) (Boot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Boot{}, fmt.Errorf("read %s: %w", path, err)
	}
	var b Boot
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Boot{}, fmt.Errorf("parse %s: %w", path, err)
	}
	b.normalize()
	return b, nil
}

// SaveBoot writes the configuration back out, for `rvkern init`-style setup.
func SaveBoot(path string, b Boot) error {
	data, err := yaml.Marshal(&b)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
