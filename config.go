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

package logappender

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	defaultBatchSize         = 5
	defaultPort              = 9200
	defaultScheme            = "http"
	defaultFlushTimeout      = 10 * time.Second
	defaultMaxPendingBatches = 64
)

// Config holds configuration for Appender.
type Config struct {
	// Host holds the Elasticsearch host name or address.
	//
	// Host is ignored if Client or Deliverer is set.
	Host string

	// Port holds the Elasticsearch HTTP port.
	//
	// If Port is zero, the default of 9200 will be used.
	Port int

	// Scheme holds the URL scheme, "http" or "https".
	//
	// If Scheme is empty, "http" will be used.
	Scheme string

	// Username and Password hold optional basic authentication credentials.
	Username string
	Password string

	// Index holds the name of the index documents are written to.
	Index string

	// Type holds the document type. Leave empty for typeless indices.
	Type string

	// IndexDateSuffix holds an optional time layout appended to Index,
	// e.g. "2006.01.02" for daily indices.
	IndexDateSuffix string

	// BatchSize holds the number of documents delivered per bulk request.
	// A batch is only sent once it is full, when FlushInterval elapses, or
	// when the appender is closed.
	//
	// If BatchSize is zero, the default of 5 will be used.
	BatchSize int

	// FlushInterval holds the maximum time a partially filled batch is
	// buffered for.
	//
	// If FlushInterval is zero, partial batches are only flushed on Close.
	FlushInterval time.Duration

	// FlushTimeout holds the timeout of a single batch delivery, including
	// retries.
	//
	// If FlushTimeout is zero, the default of 10 seconds will be used.
	FlushTimeout time.Duration

	// Async delivers batches from a background goroutine. Otherwise queued
	// batches are delivered by an appending goroutine, possibly including
	// batches filled by other goroutines. Under sustained load that
	// goroutine keeps delivering until the queue is empty, so a single
	// Append may block for longer than FlushTimeout.
	//
	// In both modes batches are delivered one at a time, in fill order.
	Async bool

	// MaxPendingBatches holds the number of full batches that may wait for
	// delivery. Batches filled while the limit is reached are dropped.
	//
	// If MaxPendingBatches is zero, the default of 64 will be used.
	MaxPendingBatches int

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). The special value -1 (gzip.DefaultCompression)
	// selects the default compression level.
	CompressionLevel int

	// Refresh holds the refresh parameter sent with bulk requests.
	Refresh string

	// Pipeline holds the ingest pipeline ID.
	Pipeline string

	// Backoff returns the retry policy used for each batch. Only
	// transient errors are retried.
	//
	// If Backoff is nil, batches are sent once.
	Backoff func() backoff.BackOff

	// Client holds an optional Elasticsearch client, used instead of
	// Host and Port.
	Client esapi.Transport

	// Deliverer holds an optional Deliverer, used instead of Client.
	Deliverer Deliverer

	// Logger holds an optional Logger used to report failed deliveries.
	//
	// Logger must not write to a Core created from this Appender.
	//
	// If Logger is nil, logging will be disabled.
	Logger *zap.Logger

	// Tracer holds an optional apm.Tracer used to trace bulk requests.
	// Each delivery is traced as a transaction.
	Tracer *apm.Tracer

	// TracerProvider holds an optional OTel TracerProvider. Each delivery
	// is traced as a span.
	TracerProvider trace.TracerProvider

	// MeterProvider holds the OTel MeterProvider to be used to create and
	// record appender metrics.
	//
	// If unset, the global OTel MeterProvider will be used.
	MeterProvider metric.MeterProvider

	// MetricAttributes holds any extra attributes to set in the recorded
	// metrics.
	MetricAttributes attribute.Set
}

// Target returns the delivery target described by cfg.
func (cfg Config) Target() Target {
	return Target{
		Index:           cfg.Index,
		Type:            cfg.Type,
		IndexDateSuffix: cfg.IndexDateSuffix,
	}
}

// DefaultConfig returns a copy of cfg with zero values replaced by defaults.
func DefaultConfig(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Scheme == "" {
		cfg.Scheme = defaultScheme
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.MaxPendingBatches <= 0 {
		cfg.MaxPendingBatches = defaultMaxPendingBatches
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

// Validate returns a *ConfigError describing the first invalid value in cfg.
// Validate expects defaults to have been applied.
func (cfg Config) Validate() error {
	if err := validateIndexName(cfg.Index); err != nil {
		return err
	}
	if cfg.IndexDateSuffix != "" {
		suffix := time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC).Format(cfg.IndexDateSuffix)
		if err := validateIndexName(cfg.Index + "-" + suffix); err != nil {
			return &ConfigError{Field: "IndexDateSuffix", Reason: err.(*ConfigError).Reason}
		}
	}
	if strings.ContainsAny(cfg.Type, `/\ "`) {
		return &ConfigError{Field: "Type", Reason: "must not contain '/', '\\', '\"' or spaces"}
	}
	if cfg.BatchSize <= 0 {
		return &ConfigError{Field: "BatchSize", Reason: "must be positive"}
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return &ConfigError{Field: "CompressionLevel", Reason: "must be in range [-1,9]"}
	}
	switch cfg.Refresh {
	case "", "true", "false", "wait_for":
	default:
		return &ConfigError{Field: "Refresh", Reason: `must be one of "true", "false" or "wait_for"`}
	}
	if cfg.Deliverer != nil || cfg.Client != nil {
		return nil
	}
	if cfg.Host == "" {
		return &ConfigError{Field: "Host", Reason: "must be set if neither Client nor Deliverer is"}
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return &ConfigError{Field: "Port", Reason: "must be in range [1,65535]"}
	}
	if cfg.Scheme != "http" && cfg.Scheme != "https" {
		return &ConfigError{Field: "Scheme", Reason: `must be "http" or "https"`}
	}
	return nil
}

// validateIndexName applies the Elasticsearch index naming rules.
func validateIndexName(name string) error {
	switch {
	case name == "":
		return &ConfigError{Field: "Index", Reason: "must not be empty"}
	case name == "." || name == "..":
		return &ConfigError{Field: "Index", Reason: `must not be "." or ".."`}
	case len(name) > 255:
		return &ConfigError{Field: "Index", Reason: "must not be longer than 255 bytes"}
	case strings.ToLower(name) != name:
		return &ConfigError{Field: "Index", Reason: "must be lowercase"}
	case strings.ContainsAny(name, `\/*?"<>| ,#:`):
		return &ConfigError{Field: "Index", Reason: `must not contain \, /, *, ?, ", <, >, |, space, comma, # or :`}
	case strings.IndexAny(name[:1], "-_+") == 0:
		return &ConfigError{Field: "Index", Reason: "must not start with '-', '_' or '+'"}
	}
	return nil
}
