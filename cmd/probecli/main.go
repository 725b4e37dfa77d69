// Copyright 2026 The Probe Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command probecli is an interactive shell over a probe.Table[string,
// string]. When stdin is not a terminal it reads commands line by line
// without prompting.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	histFileEnv     = "PROBECLI_HISTFILE"
	histFileDefault = ".probecli_history"
	prompt          = "probe> "
)

func main() {
	verbose := flag.Bool("v", false, "log table resizes")
	history := flag.String("history", "", "history file (default $"+histFileEnv+" or ~/"+histFileDefault+")")
	flag.Parse()

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probecli: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	sh := newShell(os.Stdout, logger)
	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		err = repl(sh, historyPath(*history))
	} else {
		err = sh.runBatch(os.Stdin)
	}
	if err != nil {
		logger.Error("probecli failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if verbose {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	config.OutputPaths = []string{"stderr"}
	return config.Build()
}

// historyPath returns the flag value, then the environment override, then a
// dotfile in the home directory. An empty result disables the history file.
func historyPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path, ok := os.LookupEnv(histFileEnv); ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, histFileDefault)
}

func repl(sh *shell, historyFile string) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if historyFile != "" {
		if err := loadHistory(line, historyFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			sh.logger.Warn("loading history", zap.String("path", historyFile), zap.Error(err))
		}
	}

	for {
		input, err := line.Prompt(prompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("reading command: %w", err)
		}
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if err := sh.exec(input); err != nil {
			if errors.Is(err, errQuit) {
				break
			}
			sh.printError(err)
		}
	}

	if historyFile != "" {
		if err := saveHistory(line, historyFile); err != nil {
			sh.logger.Warn("saving history", zap.String("path", historyFile), zap.Error(err))
		}
	}
	return nil
}

func loadHistory(line *liner.State, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = line.ReadHistory(bytes.NewReader(content))
	return err
}

func saveHistory(line *liner.State, path string) error {
	var buf bytes.Buffer
	if _, err := line.WriteHistory(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0600)
}
