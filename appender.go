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
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.elastic.co/apm/module/apmzap/v2"
	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Appender ships log events to Elasticsearch in batches of Config.BatchSize
// documents.
//
// Appender is safe for concurrent use. Append never blocks on Elasticsearch
// unless the calling goroutine is the one delivering a batch (Config.Async
// unset), and never reports delivery failures to the caller: they are logged
// with Config.Logger and counted in Stats.
type Appender struct {
	docsAdded        atomic.Int64
	docsActive       atomic.Int64
	bulkRequests     atomic.Int64
	docsIndexed      atomic.Int64
	docsFailed       atomic.Int64
	docsFailedClient atomic.Int64
	docsFailedServer atomic.Int64
	tooManyRequests  atomic.Int64
	docsDropped      atomic.Int64
	droppedPending   atomic.Int64
	bytesTotal       atomic.Int64
	bytesUncompTotal atomic.Int64

	config     Config
	target     Target
	encoder    *Encoder
	buffer     *Buffer
	dispatcher *dispatcher
	deliverer  Deliverer
	metrics    metrics

	// closeMu guards closing. Append holds it for reading while adding to
	// the buffer, so no document is added after Close flushed the buffer.
	closeMu sync.RWMutex
	closing bool
	closed  chan struct{}

	errgroup errgroup.Group

	// ctx is the parent of all delivery contexts. It is cancelled when
	// Close returns.
	ctx    context.Context
	cancel context.CancelCauseFunc

	// tracer is an OTel tracer, and should not be confused with `a.config.Tracer`
	// which is an Elastic APM Tracer.
	tracer trace.Tracer
}

// Stats holds Appender statistics.
type Stats struct {
	// Added holds the number of events appended.
	Added int64

	// Active holds the number of documents buffered or waiting for
	// delivery.
	Active int64

	// BulkRequests holds the number of delivered batches, successful or
	// not.
	BulkRequests int64

	// Indexed holds the number of documents Elasticsearch acknowledged.
	Indexed int64

	// Failed holds the number of documents that could not be indexed.
	// FailedClient, FailedServer and TooManyRequests break it down by
	// status code class where one is known.
	Failed          int64
	FailedClient    int64
	FailedServer    int64
	TooManyRequests int64

	// Dropped holds the number of documents discarded without a delivery
	// attempt, because the delivery queue was full or the appender closed.
	Dropped int64

	// PendingBatches holds the number of batches waiting for delivery,
	// including the one being delivered.
	PendingBatches int64

	// BytesTotal and BytesUncompressedTotal hold the number of request body
	// bytes sent, when the Deliverer reports them.
	BytesTotal             int64
	BytesUncompressedTotal int64
}

// New returns a new Appender.
//
// New returns a *ConfigError if cfg is invalid.
func New(cfg Config) (*Appender, error) {
	cfg = DefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ms, err := newMetrics(cfg)
	if err != nil {
		return nil, err
	}
	deliverer := cfg.Deliverer
	if deliverer == nil {
		transport := cfg.Client
		if transport == nil {
			if transport, err = newElasticsearchClient(cfg); err != nil {
				return nil, err
			}
		}
		deliverer, err = NewClient(ClientConfig{
			Transport:        transport,
			DocumentType:     cfg.Type,
			CompressionLevel: cfg.CompressionLevel,
			Refresh:          cfg.Refresh,
			Pipeline:         cfg.Pipeline,
			Backoff:          cfg.Backoff,
			Logger:           cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
	}

	a := &Appender{
		config:    cfg,
		target:    cfg.Target(),
		deliverer: deliverer,
		metrics:   ms,
		closed:    make(chan struct{}),
	}
	a.encoder = NewEncoder(a.target)
	a.dispatcher = newDispatcher(cfg.MaxPendingBatches, a.deliver)
	a.buffer = NewBuffer(cfg.BatchSize, a.handoff)
	a.ctx, a.cancel = context.WithCancelCause(context.Background())
	if cfg.TracerProvider != nil {
		a.tracer = cfg.TracerProvider.Tracer("github.com/elastic/go-logappender")
	}
	if cfg.Async {
		a.errgroup.Go(func() error {
			a.runDispatcher()
			return nil
		})
	}
	if cfg.FlushInterval > 0 {
		a.errgroup.Go(func() error {
			a.runFlushTimer()
			return nil
		})
	}
	return a, nil
}

func newElasticsearchClient(cfg Config) (*elasticsearch.Client, error) {
	address := url.URL{
		Scheme: cfg.Scheme,
		Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}
	esConfig := elasticsearch.Config{
		Addresses: []string{address.String()},
		Username:  cfg.Username,
		Password:  cfg.Password,
		// Retries are owned by the Deliverer.
		DisableRetry: true,
	}
	if cfg.Tracer != nil {
		esConfig.Transport = apmelasticsearch.WrapRoundTripper(http.DefaultTransport)
	}
	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, fmt.Errorf("error creating elasticsearch client: %w", err)
	}
	return client, nil
}

// Index returns the configured index name.
func (a *Appender) Index() string {
	return a.target.Index
}

// Type returns the configured document type.
func (a *Appender) Type() string {
	return a.target.Type
}

// Target returns the configured delivery target.
func (a *Appender) Target() Target {
	return a.target
}

// Append encodes ev and adds it to the current batch. If the batch is full
// it is handed off for delivery.
//
// Append never returns an error. Events appended after Close are dropped.
// ctx is only used to find the trace the event belongs to.
func (a *Appender) Append(ctx context.Context, ev Event) {
	if ev.TraceID == "" && ev.SpanID == "" {
		if tc := traceContextFromContext(ctx); tc != nil {
			ev.TraceID, ev.SpanID = tc.traceID(), tc.spanID()
		}
	}
	doc := a.encoder.Encode(ev)

	attrs := metric.WithAttributeSet(a.config.MetricAttributes)
	a.closeMu.RLock()
	if a.closing {
		a.closeMu.RUnlock()
		a.docsDropped.Add(1)
		a.metrics.docsDropped.Add(context.Background(), 1, attrs,
			metric.WithAttributes(attribute.String("reason", "closed")),
		)
		return
	}
	a.docsAdded.Add(1)
	a.docsActive.Add(1)
	a.metrics.docsAdded.Add(context.Background(), 1, attrs)
	a.metrics.docsActive.Add(context.Background(), 1, attrs)
	a.buffer.Add(doc)
	a.closeMu.RUnlock()
	a.reportDropped()

	if !a.config.Async {
		a.dispatcher.drain()
	}
}

// Sync blocks until every batch handed off so far has been delivered, or
// ctx is done. It does not flush the partially filled batch.
func (a *Appender) Sync(ctx context.Context) error {
	if !a.config.Async {
		a.dispatcher.drain()
	}
	return a.dispatcher.wait(ctx)
}

// Close flushes the partially filled batch, waits for all batches to be
// delivered and stops the appender.
//
// If ctx is done before delivery completes, Close cancels the deliveries in
// flight and returns ctx.Err(). Calling Close more than once returns nil.
func (a *Appender) Close(ctx context.Context) error {
	a.closeMu.Lock()
	if a.closing {
		a.closeMu.Unlock()
		return nil
	}
	a.closing = true
	a.closeMu.Unlock()

	if a.buffer.Flush() {
		a.config.Logger.Debug("flushed partial batch on close")
	}
	a.reportDropped()
	close(a.closed)

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.errgroup.Wait()
		a.dispatcher.drain()
	}()
	err := func() error {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		// A goroutine blocked in Append may still be draining.
		return a.dispatcher.wait(ctx)
	}()
	a.cancel(ErrClosed)
	return err
}

// Stats returns the appender statistics.
func (a *Appender) Stats() Stats {
	return Stats{
		Added:                  a.docsAdded.Load(),
		Active:                 a.docsActive.Load(),
		BulkRequests:           a.bulkRequests.Load(),
		Indexed:                a.docsIndexed.Load(),
		Failed:                 a.docsFailed.Load(),
		FailedClient:           a.docsFailedClient.Load(),
		FailedServer:           a.docsFailedServer.Load(),
		TooManyRequests:        a.tooManyRequests.Load(),
		Dropped:                a.docsDropped.Load(),
		PendingBatches:         int64(a.dispatcher.pending()),
		BytesTotal:             a.bytesTotal.Load(),
		BytesUncompressedTotal: a.bytesUncompTotal.Load(),
	}
}

// handoff is called by the buffer, with its lock held, for every detached
// batch. Dropped batches are only counted here and reported by
// reportDropped once the lock is released.
func (a *Appender) handoff(b *Batch) {
	if a.dispatcher.enqueue(b) {
		return
	}
	n := int64(b.Len())
	a.docsDropped.Add(n)
	a.docsActive.Add(-n)
	a.droppedPending.Add(n)
}

// reportDropped records and logs the batches handoff dropped since the last
// call. It must not be called with the buffer lock held.
func (a *Appender) reportDropped() {
	n := a.droppedPending.Swap(0)
	if n == 0 {
		return
	}
	attrs := metric.WithAttributeSet(a.config.MetricAttributes)
	a.metrics.docsActive.Add(context.Background(), -n, attrs)
	a.metrics.docsDropped.Add(context.Background(), n, attrs,
		metric.WithAttributes(attribute.String("reason", "queue_full")),
	)
	a.config.Logger.Error("delivery queue full, dropping batch",
		zap.Int64("documents", n),
		zap.Int("max_pending_batches", a.config.MaxPendingBatches),
	)
}

func (a *Appender) runDispatcher() {
	for {
		select {
		case <-a.dispatcher.notify:
			a.dispatcher.drain()
		case <-a.closed:
			a.dispatcher.drain()
			return
		}
	}
}

func (a *Appender) runFlushTimer() {
	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			flushed := a.buffer.Flush()
			a.reportDropped()
			if flushed && !a.config.Async {
				a.dispatcher.drain()
			}
		case <-a.closed:
			return
		}
	}
}

// deliver sends a single batch and records the outcome. It is only called
// by the dispatcher, one batch at a time.
func (a *Appender) deliver(b *Batch) {
	n := b.Len()
	attrs := metric.WithAttributeSet(a.config.MetricAttributes)
	defer func() {
		a.docsActive.Add(-int64(n))
		a.bulkRequests.Add(1)
		a.metrics.docsActive.Add(context.Background(), -int64(n), attrs)
		a.metrics.bulkRequests.Add(context.Background(), 1, attrs)
	}()

	a.metrics.bufferDuration.Record(context.Background(), b.detached.Sub(b.Created).Seconds(), attrs)

	ctx, cancel := context.WithTimeout(a.ctx, a.config.FlushTimeout)
	defer cancel()

	logger := a.config.Logger
	var tx *apm.Transaction
	if a.config.Tracer != nil {
		tx = a.config.Tracer.StartTransaction("logappender.flush", "output")
		tx.Context.SetLabel("documents", n)
		defer tx.End()
		ctx = apm.ContextWithTransaction(ctx, tx)

		// Add trace IDs to logger, to associate any per-item errors
		// below with the trace.
		logger = logger.With(apmzap.TraceContext(ctx)...)
	}
	var span trace.Span
	if a.otelTracingEnabled() {
		ctx, span = a.tracer.Start(ctx, "logappender.flush", trace.WithAttributes(
			attribute.Int("documents", n),
		))
		defer span.End()

		logger = logger.With(
			zap.String("traceId", span.SpanContext().TraceID().String()),
			zap.String("spanId", span.SpanContext().SpanID().String()),
		)
	}

	var resp BulkIndexerResponseStat
	var err error
	took := timeFunc(func() {
		resp, err = a.safeDeliver(ctx, b)
	})
	a.metrics.flushDuration.Record(context.Background(), took.Seconds(), attrs)
	a.recordBytes()

	if err != nil {
		a.recordFailedBatch(logger, n, err)
		if tx != nil {
			apm.CaptureError(ctx, err).Send()
			tx.Outcome = "failure"
		}
		if a.otelTracingEnabled() && span.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, "bulk indexing request failed")
		}
		return
	}

	var tooMany, clientFailed, serverFailed int64
	var failedCount map[BulkIndexerResponseItem]int
	if len(resp.FailedDocs) > 0 {
		failedCount = make(map[BulkIndexerResponseItem]int, len(resp.FailedDocs))
	}
	for _, info := range resp.FailedDocs {
		switch {
		case info.Status == http.StatusTooManyRequests:
			tooMany++
		case info.Status >= 500:
			serverFailed++
		default:
			clientFailed++
		}
		info.Position = 0 // reset position so that the response item can be used as key in the map
		failedCount[info]++
		if a.otelTracingEnabled() && span.IsRecording() {
			e := errors.New(info.Error.Reason)
			span.RecordError(e)
			span.SetStatus(codes.Error, e.Error())
		}
	}
	for key, count := range failedCount {
		logger.Error(fmt.Sprintf("failed to index documents in '%s' (%s): %s",
			key.Index, key.Error.Type, key.Error.Reason,
		), zap.Int("documents", count), zap.Int("status", key.Status))
	}

	docsFailed := int64(len(resp.FailedDocs))
	a.docsIndexed.Add(resp.Indexed)
	a.docsFailed.Add(docsFailed)
	a.tooManyRequests.Add(tooMany)
	a.docsFailedClient.Add(clientFailed)
	a.docsFailedServer.Add(serverFailed)
	for status, count := range map[string]int64{
		"Success":      resp.Indexed,
		"TooMany":      tooMany,
		"FailedClient": clientFailed,
		"FailedServer": serverFailed,
	} {
		if count > 0 {
			a.metrics.docsIndexed.Add(context.Background(), count, attrs,
				metric.WithAttributes(attribute.String("status", status)),
			)
		}
	}
	logger.Debug(
		"bulk request completed",
		zap.Int64("docs_indexed", resp.Indexed),
		zap.Int64("docs_failed", docsFailed),
		zap.Int64("docs_rate_limited", tooMany),
		zap.Duration("took", took),
	)
	if a.otelTracingEnabled() && span.IsRecording() && docsFailed == 0 {
		span.SetStatus(codes.Ok, "")
	}
}

// safeDeliver calls the Deliverer, turning a panic into an error.
func (a *Appender) safeDeliver(ctx context.Context, b *Batch) (resp BulkIndexerResponseStat, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliverer panicked: %v", r)
		}
	}()
	return a.deliverer.Deliver(ctx, b)
}

// recordFailedBatch accounts for a batch that failed as a whole. The batch
// is dropped.
func (a *Appender) recordFailedBatch(logger *zap.Logger, n int, err error) {
	status := "Failed"
	var errFailed ErrorFlushFailed
	switch {
	case errors.As(err, &errFailed):
		switch {
		case errFailed.tooMany:
			status = "TooMany"
			a.tooManyRequests.Add(int64(n))
		case errFailed.clientError:
			status = "FailedClient"
			a.docsFailedClient.Add(int64(n))
		case errFailed.serverError:
			status = "FailedServer"
			a.docsFailedServer.Add(int64(n))
		}
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		status = "Timeout"
	}
	a.docsFailed.Add(int64(n))
	a.metrics.docsIndexed.Add(context.Background(), int64(n),
		metric.WithAttributeSet(a.config.MetricAttributes),
		metric.WithAttributes(attribute.String("status", status)),
	)

	fields := []zap.Field{
		zap.Error(err),
		zap.Int("documents", n),
		zap.String("status", status),
	}
	if IsTransient(err) {
		logger.Warn("bulk indexing request failed, dropping batch", fields...)
		return
	}
	logger.Error("bulk indexing request failed, dropping batch", fields...)
}

func (a *Appender) recordBytes() {
	reporter, ok := a.deliverer.(interface {
		BytesFlushed() (compressed, uncompressed int)
	})
	if !ok {
		return
	}
	compressed, uncompressed := reporter.BytesFlushed()
	attrs := metric.WithAttributeSet(a.config.MetricAttributes)
	if compressed > 0 {
		a.bytesTotal.Add(int64(compressed))
		a.metrics.bytesTotal.Add(context.Background(), int64(compressed), attrs)
	}
	if uncompressed > 0 {
		a.bytesUncompTotal.Add(int64(uncompressed))
		a.metrics.bytesUncompressedTotal.Add(context.Background(), int64(uncompressed), attrs)
	}
}

// otelTracingEnabled checks whether we should be doing tracing
// using otel tracer.
func (a *Appender) otelTracingEnabled() bool {
	return a.tracer != nil
}

func timeFunc(f func()) time.Duration {
	t0 := time.Now()
	if f != nil {
		f()
	}
	return time.Since(t0)
}
