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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"go.uber.org/zap"
)

// Deliverer sends a batch to the backend.
//
// Deliver returns an error if the bulk request as a whole failed. Documents
// rejected individually are reported in the returned stat. Implementations
// own the retry policy; Appender calls Deliver exactly once per batch.
type Deliverer interface {
	Deliver(ctx context.Context, batch *Batch) (BulkIndexerResponseStat, error)
}

// ClientConfig holds configuration for Client.
type ClientConfig struct {
	// Transport holds the Elasticsearch client.
	Transport esapi.Transport

	// DocumentType holds the document type of indexed documents.
	DocumentType string

	// CompressionLevel holds the gzip compression level of bulk requests.
	CompressionLevel int

	// Refresh holds the refresh parameter of bulk requests.
	Refresh string

	// Pipeline holds the ingest pipeline ID.
	Pipeline string

	// Backoff returns the retry policy for a single batch. Only transient
	// errors, as reported by IsTransient, are retried.
	//
	// If Backoff is nil, each batch is sent once.
	Backoff func() backoff.BackOff

	// Logger holds an optional Logger used to log retries.
	Logger *zap.Logger
}

// Client delivers batches to Elasticsearch with bulk requests.
//
// Client is safe for concurrent use; concurrent deliveries are serialised.
type Client struct {
	mu      sync.Mutex
	indexer *BulkIndexer
	backoff func() backoff.BackOff
	logger  *zap.Logger

	bytesFlushed             int
	bytesUncompressedFlushed int
}

// NewClient returns a new Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	indexer, err := NewBulkIndexer(BulkIndexerConfig{
		Client:           cfg.Transport,
		DocumentType:     cfg.DocumentType,
		CompressionLevel: cfg.CompressionLevel,
		Refresh:          cfg.Refresh,
		Pipeline:         cfg.Pipeline,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating bulk indexer: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{indexer: indexer, backoff: cfg.Backoff, logger: logger}, nil
}

// Deliver sends batch in a single bulk request, retrying transient failures
// according to the configured backoff.
func (c *Client) Deliver(ctx context.Context, batch *Batch) (BulkIndexerResponseStat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesFlushed = 0
	c.bytesUncompressedFlushed = 0
	if c.backoff == nil {
		return c.send(ctx, batch)
	}

	var stat BulkIndexerResponseStat
	op := func() error {
		var err error
		stat, err = c.send(ctx, batch)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("bulk request failed, retrying",
			zap.Error(err),
			zap.Duration("backoff", wait),
			zap.Int("documents", batch.Len()),
		)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(c.backoff(), ctx), notify)
	return stat, err
}

// BytesFlushed returns the number of bytes sent by the last delivery,
// summed over retries.
func (c *Client) BytesFlushed() (compressed, uncompressed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesFlushed, c.bytesUncompressedFlushed
}

func (c *Client) send(ctx context.Context, batch *Batch) (BulkIndexerResponseStat, error) {
	c.indexer.Reset()
	for i := range batch.Documents {
		doc := &batch.Documents[i]
		if err := c.indexer.Add(BulkIndexerItem{Index: doc.Index, Body: doc}); err != nil {
			return BulkIndexerResponseStat{}, err
		}
	}
	stat, err := c.indexer.Flush(ctx)
	c.bytesFlushed += c.indexer.BytesFlushed()
	c.bytesUncompressedFlushed += c.indexer.BytesUncompressedFlushed()
	return stat, err
}
