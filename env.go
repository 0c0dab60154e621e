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
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kelseyhightower/envconfig"
)

// EnvConfig holds the subset of Config that can be set from the
// environment. With the prefix "LOGSHIP", Index is read from LOGSHIP_INDEX.
type EnvConfig struct {
	Host              string        `envconfig:"HOST" default:"localhost"`
	Port              int           `envconfig:"PORT" default:"9200"`
	Scheme            string        `envconfig:"SCHEME" default:"http"`
	Username          string        `envconfig:"USERNAME"`
	Password          string        `envconfig:"PASSWORD"`
	Index             string        `envconfig:"INDEX" required:"true"`
	Type              string        `envconfig:"TYPE"`
	IndexDateSuffix   string        `envconfig:"INDEX_DATE_SUFFIX"`
	BatchSize         int           `envconfig:"BATCH_SIZE" default:"5"`
	FlushInterval     time.Duration `envconfig:"FLUSH_INTERVAL"`
	FlushTimeout      time.Duration `envconfig:"FLUSH_TIMEOUT" default:"10s"`
	Async             bool          `envconfig:"ASYNC"`
	MaxPendingBatches int           `envconfig:"MAX_PENDING_BATCHES" default:"64"`
	CompressionLevel  int           `envconfig:"COMPRESSION_LEVEL"`
	Refresh           string        `envconfig:"REFRESH"`
	Pipeline          string        `envconfig:"PIPELINE"`

	// MaxRetries enables exponential backoff retries of transient
	// failures when positive.
	MaxRetries uint64 `envconfig:"MAX_RETRIES"`
}

// ConfigFromEnv reads an EnvConfig using prefix and returns the
// corresponding Config. Fields that cannot be set from the environment,
// such as Logger, are left zero.
func ConfigFromEnv(prefix string) (Config, error) {
	var env EnvConfig
	if err := envconfig.Process(prefix, &env); err != nil {
		return Config{}, fmt.Errorf("failed to read configuration from environment: %w", err)
	}
	return env.Config(), nil
}

// Config returns the Config described by env.
func (env EnvConfig) Config() Config {
	cfg := Config{
		Host:              env.Host,
		Port:              env.Port,
		Scheme:            env.Scheme,
		Username:          env.Username,
		Password:          env.Password,
		Index:             env.Index,
		Type:              env.Type,
		IndexDateSuffix:   env.IndexDateSuffix,
		BatchSize:         env.BatchSize,
		FlushInterval:     env.FlushInterval,
		FlushTimeout:      env.FlushTimeout,
		Async:             env.Async,
		MaxPendingBatches: env.MaxPendingBatches,
		CompressionLevel:  env.CompressionLevel,
		Refresh:           env.Refresh,
		Pipeline:          env.Pipeline,
	}
	if maxRetries := env.MaxRetries; maxRetries > 0 {
		cfg.Backoff = func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries)
		}
	}
	return cfg
}
