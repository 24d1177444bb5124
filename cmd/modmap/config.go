package main

import (
	"fmt"
	"math"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/s2e-env/modmap/pkg/modulemap"
)

func defaultConfig() modulemap.Config {
	return modulemap.Config{
		KernelStart:  math.MaxUint64,
		LogConflicts: true,
	}
}

// loadConfig reads the optional configuration file on top of the defaults.
// A non-empty kernelStart overrides the file.
func loadConfig(path string, kernelStart string) (modulemap.Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if kernelStart != "" {
		addr, err := parseAddress(kernelStart)
		if err != nil {
			return cfg, fmt.Errorf("kernel-start: %w", err)
		}
		cfg.KernelStart = addr
	}
	return cfg, cfg.Validate()
}

func parseAddress(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}
