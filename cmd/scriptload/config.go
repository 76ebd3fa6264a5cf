package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const defaultConfigFile = ".scriptload.yaml"

type fileConfig struct {
	LoadPath          []string `yaml:"load_path"`
	Require           []string `yaml:"require"`
	RecursionLimit    int      `yaml:"recursion_limit"`
	MaxCachedPrograms int      `yaml:"max_cached_programs"`
	Verbose           bool     `yaml:"verbose"`
}

// loadFileConfig reads path, or defaultConfigFile when path is empty. A missing
// default file yields an empty config. Relative load_path entries are resolved
// against the directory holding the file.
func loadFileConfig(path string) (fileConfig, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigFile
	}

	f, err := os.Open(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return fileConfig{}, nil
		}
		return fileConfig{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	var cfg fileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return fileConfig{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.RecursionLimit < 0 {
		return fileConfig{}, fmt.Errorf("config: recursion_limit must be positive, got %d", cfg.RecursionLimit)
	}

	base := filepath.Dir(path)
	for i, dir := range cfg.LoadPath {
		if !filepath.IsAbs(dir) {
			cfg.LoadPath[i] = filepath.Join(base, dir)
		}
	}
	return cfg, nil
}
