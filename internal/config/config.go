//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

// Package config loads the configuration of the civitdl command.
//
// Sources are applied in order, each one overriding the previous: built-in
// defaults, the YAML config file, a .env file, CIVITDL_* environment
// variables and finally the command line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	downloader "github.com/civitdl/downloader"
)

// Config defines configuration for the civitdl CLI.
type Config struct {
	OutputDir         string        `yaml:"output_dir" env:"CIVITDL_OUTPUT_DIR" validate:"required"`
	Concurrency       int           `yaml:"concurrency" env:"CIVITDL_CONCURRENCY" validate:"gte=1,lte=64"`
	Timeout           time.Duration `yaml:"timeout" env:"CIVITDL_TIMEOUT" validate:"gt=0"`
	ChunkSize         string        `yaml:"chunk_size" env:"CIVITDL_CHUNK_SIZE" validate:"required"`
	Proxy             string        `yaml:"proxy" env:"CIVITDL_PROXY" validate:"omitempty,url"`
	NoVerify          bool          `yaml:"no_verify" env:"CIVITDL_NO_VERIFY"`
	Token             string        `yaml:"token" env:"CIVITDL_TOKEN"`
	NoResume          bool          `yaml:"no_resume" env:"CIVITDL_NO_RESUME"`
	CheckDiskSpace    bool          `yaml:"check_disk_space" env:"CIVITDL_CHECK_DISK_SPACE"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"CIVITDL_REQUESTS_PER_SECOND" validate:"gte=0"`
	HistoryDir        string        `yaml:"history_dir" env:"CIVITDL_HISTORY_DIR"`
	LogLevel          string        `yaml:"log_level" env:"CIVITDL_LOG_LEVEL" validate:"oneof=DEBUG INFO WARN ERROR"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	historyDir := ""
	if dir, err := os.UserConfigDir(); err == nil {
		historyDir = filepath.Join(dir, "civitdl")
	}
	return Config{
		OutputDir:      downloader.DefaultOutputDir,
		Concurrency:    downloader.DefaultConcurrency,
		Timeout:        downloader.DefaultTimeout,
		ChunkSize:      humanize.IBytes(downloader.DefaultChunkSize),
		CheckDiskSpace: true,
		HistoryDir:     historyDir,
		LogLevel:       "WARN",
	}
}

// Load builds the configuration from the defaults, the YAML file at path
// (skipped if path is empty), the .env file of the working directory and the
// environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromFile overrides c with the keys present in a YAML file.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv overrides c with the CIVITDL_* environment variables that
// are set.
func (c *Config) LoadFromEnv() error {
	if _, err := env.UnmarshalFromEnviron(c); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.ChunkBytes(); err != nil {
		return err
	}
	return nil
}

// ChunkBytes parses ChunkSize ("8KiB", "64 kB", "65536").
func (c Config) ChunkBytes() (int, error) {
	n, err := humanize.ParseBytes(c.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("config: parse chunk_size: %w", err)
	}
	if n == 0 || n > 64*humanize.MiByte {
		return 0, fmt.Errorf("config: chunk_size %s out of range", c.ChunkSize)
	}
	return int(n), nil
}

// Engine returns the download engine settings described by c.
func (c Config) Engine(log *slog.Logger) (downloader.EngineConfig, error) {
	chunkSize, err := c.ChunkBytes()
	if err != nil {
		return downloader.EngineConfig{}, err
	}
	return downloader.EngineConfig{
		OutputDir:         c.OutputDir,
		Concurrency:       c.Concurrency,
		RequestsPerSecond: c.RequestsPerSecond,
		Logger:            log,
		Transfer: downloader.Config{
			BearerToken:         c.Token,
			Proxy:               c.Proxy,
			InsecureSkipVerify:  c.NoVerify,
			Timeout:             c.Timeout,
			ChunkSize:           chunkSize,
			DoNotResumeDownload: c.NoResume,
			CheckDiskSpace:      c.CheckDiskSpace,
			Logger:              log,
		},
	}, nil
}
