// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

// Command logship reads log lines from stdin and ships them to
// Elasticsearch. Connection settings are read from LOGSHIP_* environment
// variables, see logappender.EnvConfig.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/elastic/go-logappender"
)

type options struct {
	envPrefix    string
	level        string
	marker       string
	loggerName   string
	closeTimeout time.Duration
	debug        bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "logship",
		Short:        "Ship log lines from stdin to Elasticsearch",
		Long:         "logship indexes every line read from stdin as a log document, in batches.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cmd.InOrStdin(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.envPrefix, "env-prefix", "LOGSHIP", "Prefix of the environment variables holding the appender configuration")
	cmd.Flags().StringVar(&opts.level, "level", "info", "Level of shipped lines: debug|info|warn|error")
	cmd.Flags().StringVar(&opts.marker, "marker", "", "Marker attached to every shipped line")
	cmd.Flags().StringVar(&opts.loggerName, "logger-name", "logship", "Logger name attached to every shipped line")
	cmd.Flags().DurationVar(&opts.closeTimeout, "close-timeout", 10*time.Second, "Maximum time to wait for buffered lines to be delivered on exit")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "Log appender diagnostics at debug level")
	return cmd
}

func run(ctx context.Context, in io.Reader, opts options) error {
	level, err := zapcore.ParseLevel(opts.level)
	if err != nil {
		return fmt.Errorf("invalid --level: %w", err)
	}
	diag, err := newDiagnosticLogger(opts.debug)
	if err != nil {
		return err
	}
	defer diag.Sync()

	cfg, err := logappender.ConfigFromEnv(opts.envPrefix)
	if err != nil {
		return err
	}
	cfg.Logger = diag
	appender, err := logappender.New(cfg)
	if err != nil {
		return err
	}
	diag.Info("shipping stdin",
		zap.String("index", appender.Index()),
		zap.String("marker", opts.marker),
	)

	logger := zap.New(logappender.NewCore(appender, level)).Named(opts.loggerName)
	var fields []zap.Field
	if opts.marker != "" {
		fields = append(fields, logappender.Marker(opts.marker))
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			if ce := logger.Check(level, line); ce != nil {
				ce.Write(fields...)
			}
		case <-ctx.Done():
			diag.Info("interrupted, flushing buffered lines")
			break loop
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), opts.closeTimeout)
	defer cancel()
	if err := appender.Close(closeCtx); err != nil {
		return fmt.Errorf("failed to deliver buffered lines: %w", err)
	}
	stats := appender.Stats()
	diag.Info("done",
		zap.Int64("added", stats.Added),
		zap.Int64("indexed", stats.Indexed),
		zap.Int64("failed", stats.Failed),
		zap.Int64("dropped", stats.Dropped),
	)
	select {
	case err := <-readErr:
		if err != nil {
			return fmt.Errorf("failed reading input: %w", err)
		}
	default:
	}
	return nil
}

func newDiagnosticLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}
