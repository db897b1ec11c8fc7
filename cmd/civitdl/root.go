//
// Copyright 2018-2025 Cristian Maglie. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
//

package main

import (
	"log/slog"
	"strings"

	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"

	"github.com/civitdl/downloader/internal/config"
)

// Version is set via ldflags during build.
var Version = "dev"

type rootOptions struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "civitdl",
		Short:         "Resumable concurrent downloader for model files",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (DEBUG, INFO, WARN, ERROR)")

	cmd.AddCommand(newGetCmd(opts), newHistoryCmd(opts))
	return cmd
}

// load reads the configuration and applies the global flags.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return config.Config{}, &exitError{code: exitConfig, err: err}
	}
	if o.logLevel != "" {
		cfg.LogLevel = strings.ToUpper(o.logLevel)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	return logs.GetLoggerFromString(cfg.LogLevel)
}
