// Copyright 2026 Memweave Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/memweave/memweave/internal/log"
	"github.com/memweave/memweave/internal/version"
	"github.com/memweave/memweave/pkg/config"
	"github.com/memweave/memweave/pkg/lifecycle"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memory daemon in the foreground",
	RunE:  runServe,
}

// loadSettings reads settings.json, then applies command-line overrides.
func loadSettings() (*config.Settings, error) {
	set, err := config.Load(config.SettingsPath())
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		set.DataDir = flagDataDir
	}
	if flagPort != 0 {
		set.WorkerPort = flagPort
	}
	if flagLogLevel != "" {
		set.LogLevel = flagLogLevel
	}
	return set, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	set, err := loadSettings()
	if err != nil {
		return err
	}

	logPath, err := log.Init(filepath.Join(set.DataDir, "logs"), set.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger := log.Logger()
	logger.Info("logging to file", zap.String("path", logPath))

	// Log level changes apply live; everything else needs a restart.
	logDir := filepath.Join(set.DataDir, "logs")
	lastLevel := set.LogLevel
	unwatch, err := config.Watch(config.SettingsPath(), func(ns *config.Settings) {
		if ns.LogLevel != lastLevel {
			lastLevel = ns.LogLevel
			log.Reinit(logDir, ns.LogLevel)
			logger.Info("log level updated", zap.String("level", ns.LogLevel))
			return
		}
		logger.Info("settings changed on disk; restart the daemon to apply")
	})
	if err == nil {
		defer unwatch()
	}

	sup := lifecycle.New(lifecycle.Options{
		Settings: set,
		Version:  version.Get(),
		Logger:   logger,
	})

	if err := sup.Run(cmd.Context()); err != nil {
		if errors.Is(err, lifecycle.ErrAlreadyRunning) {
			logger.Info("daemon already running, nothing to do")
			return nil
		}
		return err
	}
	return nil
}
