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

package logappender_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/v2/apmtest"
	"go.elastic.co/apm/v2/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/metric/metricdata/metricdatatest"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/elastic/go-logappender"
	"github.com/elastic/go-logappender/logappendertest"
)

// recordingDeliverer records delivered batches. If release is non-nil,
// Deliver blocks until it is closed or ctx is done.
type recordingDeliverer struct {
	mu      sync.Mutex
	batches []*logappender.Batch

	started chan struct{}
	release chan struct{}
	panic   bool
}

func (d *recordingDeliverer) Deliver(ctx context.Context, b *logappender.Batch) (logappender.BulkIndexerResponseStat, error) {
	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return logappender.BulkIndexerResponseStat{}, ctx.Err()
		}
	}
	if d.panic {
		panic("deliverer failure")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches = append(d.batches, b)
	return logappender.BulkIndexerResponseStat{Indexed: int64(b.Len())}, nil
}

func (d *recordingDeliverer) Batches() []*logappender.Batch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*logappender.Batch(nil), d.batches...)
}

func newAppender(t testing.TB, cfg logappender.Config) *logappender.Appender {
	if cfg.Index == "" {
		cfg.Index = "logs"
	}
	a, err := logappender.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func appendEvents(a *logappender.Appender, marker string, from, to int) {
	for i := from; i < to; i++ {
		a.Append(context.Background(), logappender.Event{
			Level:   zapcore.ErrorLevel,
			Message: "message %02d",
			Args:    []any{i},
			Marker:  marker,
		})
	}
}

func messages(docs []logappendertest.Document) []string {
	out := make([]string, len(docs))
	for i, doc := range docs {
		out[i] = doc.Message
	}
	return out
}

func TestAppenderBatchVisibility(t *testing.T) {
	es, client := logappendertest.NewMockElasticsearch(t)
	a := newAppender(t, logappender.Config{Client: client, Index: "logs"})
	assert.Equal(t, "logs", a.Index())
	assert.Equal(t, "", a.Type())

	appendEvents(a, "m-visibility", 0, 4)
	assert.Empty(t, es.Search("logs*", "m-visibility"))
	assert.Equal(t, 0, es.Requests())

	appendEvents(a, "m-visibility", 4, 5)
	docs := es.Search("logs*", "m-visibility")
	require.Len(t, docs, 5)
	assert.Equal(t, []string{"message 00", "message 01", "message 02", "message 03", "message 04"}, messages(docs))
	for _, doc := range docs {
		assert.Equal(t, "ERROR", doc.Level)
		assert.Equal(t, "m-visibility", doc.Marker.Name)
		assert.Equal(t, "logs", doc.Action.Index)
		assert.NotEmpty(t, doc.Timestamp)
	}
	assert.Equal(t, 1, es.Requests())
}

func TestAppenderSingleEventNotDelivered(t *testing.T) {
	es, client := logappendertest.NewMockElasticsearch(t)
	a := newAppender(t, logappender.Config{Client: client})

	appendEvents(a, "m-single", 0, 1)
	require.NoError(t, a.Sync(context.Background()))
	assert.Empty(t, es.Search("logs*", "m-single"))
	assert.Equal(t, logappender.Stats{Added: 1, Active: 1}, a.Stats())
}

func TestAppenderConcurrentMarkers(t *testing.T) {
	const (
		M         = 8
		batchSize = 5
	)
	es, client := logappendertest.NewMockElasticsearch(t)
	a := newAppender(t, logappender.Config{Client: client, BatchSize: batchSize})

	var wg sync.WaitGroup
	for g := 0; g < M; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			appendEvents(a, fmt.Sprintf("m-%d", g), 0, batchSize)
		}(g)
	}
	wg.Wait()
	require.NoError(t, a.Sync(context.Background()))

	assert.Equal(t, M, es.Requests())
	assert.Len(t, es.Documents(), M*batchSize)
	for g := 0; g < M; g++ {
		docs := es.Search("logs*", fmt.Sprintf("m-%d", g))
		assert.Equal(t, []string{"message 00", "message 01", "message 02", "message 03", "message 04"}, messages(docs))
	}
	stats := a.Stats()
	assert.Equal(t, int64(M*batchSize), stats.Indexed)
	assert.Equal(t, int64(0), stats.Active)
}

func TestAppenderBatchOrder(t *testing.T) {
	for _, async := range []bool{false, true} {
		t.Run(fmt.Sprintf("async=%v", async), func(t *testing.T) {
			es, client := logappendertest.NewMockElasticsearch(t)
			a := newAppender(t, logappender.Config{Client: client, BatchSize: 3, Async: async})

			appendEvents(a, "m-order", 0, 30)
			require.NoError(t, a.Sync(context.Background()))

			// Documents are received in append order, across batches.
			docs := es.Documents()
			require.Len(t, docs, 30)
			for i, doc := range docs {
				assert.Equal(t, fmt.Sprintf("message %02d", i), doc.Message)
			}
			assert.Equal(t, 10, es.Requests())
		})
	}
}

func TestAppenderIdenticalShape(t *testing.T) {
	es1, client1 := logappendertest.NewMockElasticsearch(t)
	es2, client2 := logappendertest.NewMockElasticsearch(t)
	a1 := newAppender(t, logappender.Config{Client: client1, BatchSize: 1})
	a2 := newAppender(t, logappender.Config{Client: client2, BatchSize: 1, Type: "logevent", CompressionLevel: 5})

	ev := logappender.Event{
		Level:      zapcore.WarnLevel,
		Message:    "disk %d%% full",
		Args:       []any{91},
		Marker:     "m-shape",
		Time:       time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		LoggerName: "disk",
		Fields:     map[string]any{"mount": "/var"},
	}
	a1.Append(context.Background(), ev)
	a2.Append(context.Background(), ev)

	docs1, docs2 := es1.Documents(), es2.Documents()
	require.Len(t, docs1, 1)
	require.Len(t, docs2, 1)
	assert.Equal(t, string(docs1[0].Source), string(docs2[0].Source))
	assert.Equal(t, "disk 91% full", docs1[0].Message)
	assert.Equal(t, "", docs1[0].Action.Type)
	assert.Equal(t, "logevent", docs2[0].Action.Type)
}

func TestAppenderCloseFlushesPartialBatch(t *testing.T) {
	es, client := logappendertest.NewMockElasticsearch(t)
	a, err := logappender.New(logappender.Config{Client: client, Index: "logs"})
	require.NoError(t, err)

	appendEvents(a, "m-close", 0, 3)
	assert.Empty(t, es.Documents())
	require.NoError(t, a.Close(context.Background()))
	assert.Len(t, es.Search("logs", "m-close"), 3)

	// Events appended after Close are dropped.
	appendEvents(a, "m-close", 3, 4)
	assert.NoError(t, a.Close(context.Background()))
	assert.Equal(t, 1, es.Requests())
	stats := a.Stats()
	stats.BytesTotal = 0             // Asserted elsewhere.
	stats.BytesUncompressedTotal = 0 // Asserted elsewhere.
	assert.Equal(t, logappender.Stats{
		Added:        3,
		BulkRequests: 1,
		Indexed:      3,
		Dropped:      1,
	}, stats)
}

func TestAppenderDeliveryFailure(t *testing.T) {
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	es, client := logappendertest.NewMockElasticsearch(t)
	es.FailNext(http.StatusInternalServerError, http.StatusBadRequest)
	a := newAppender(t, logappender.Config{Client: client, Logger: zap.New(core)})

	assert.NotPanics(t, func() {
		appendEvents(a, "m-fail", 0, 10)
	})
	assert.Empty(t, es.Documents())

	logs := observed.FilterMessage("bulk indexing request failed, dropping batch").All()
	require.Len(t, logs, 2)
	assert.Equal(t, zapcore.WarnLevel, logs[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, logs[1].Level)
	assert.Equal(t, int64(5), logs[0].ContextMap()["documents"])

	// The appender keeps working once Elasticsearch recovers.
	appendEvents(a, "m-fail", 10, 15)
	assert.Len(t, es.Search("logs*", "m-fail"), 5)

	stats := a.Stats()
	assert.Equal(t, int64(15), stats.Added)
	assert.Equal(t, int64(3), stats.BulkRequests)
	assert.Equal(t, int64(5), stats.Indexed)
	assert.Equal(t, int64(10), stats.Failed)
	assert.Equal(t, int64(5), stats.FailedServer)
	assert.Equal(t, int64(5), stats.FailedClient)
}

func TestAppenderRetry(t *testing.T) {
	es, client := logappendertest.NewMockElasticsearch(t)
	es.FailNext(http.StatusTooManyRequests, http.StatusServiceUnavailable)
	a := newAppender(t, logappender.Config{Client: client, Backoff: constantBackoff(3)})

	appendEvents(a, "m-retry", 0, 5)
	assert.Len(t, es.Search("logs*", "m-retry"), 5)
	assert.Equal(t, 3, es.Requests())
	stats := a.Stats()
	assert.Equal(t, int64(1), stats.BulkRequests)
	assert.Equal(t, int64(5), stats.Indexed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestAppenderDelivererPanics(t *testing.T) {
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	a := newAppender(t, logappender.Config{
		Deliverer: &recordingDeliverer{panic: true},
		Logger:    zap.New(core),
	})
	assert.NotPanics(t, func() {
		appendEvents(a, "m-panic", 0, 5)
	})
	assert.Equal(t, int64(5), a.Stats().Failed)
	logs := observed.FilterMessage("bulk indexing request failed, dropping batch").All()
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].ContextMap()["error"], "deliverer panicked")
}

func TestAppenderIndexFailedLogging(t *testing.T) {
	client := logappendertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, result := logappendertest.DecodeBulkRequest(r)
		for i, itemsMap := range result.Items {
			for k, item := range itemsMap {
				result.HasErrors = true
				item.Status = http.StatusBadRequest
				item.Error.Type = "error_type"
				item.Error.Reason = "error_reason_even. Preview of field's value: 'abc'"
				if i > 2 {
					item.Error.Reason = "error_reason_odd"
				}
				itemsMap[k] = item
			}
		}
		json.NewEncoder(w).Encode(result)
	})

	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	a := newAppender(t, logappender.Config{Client: client, Logger: zap.New(core)})
	appendEvents(a, "m-failed-docs", 0, 5)

	entries := observed.FilterMessageSnippet("failed to index documents").TakeAll()
	require.Len(t, entries, 2)
	counts := map[string]int64{}
	for _, entry := range entries {
		counts[entry.Message] = entry.ContextMap()["documents"].(int64)
	}
	assert.Equal(t, map[string]int64{
		"failed to index documents in 'logs' (error_type): error_reason_even": 3,
		"failed to index documents in 'logs' (error_type): error_reason_odd":  2,
	}, counts)
	stats := a.Stats()
	assert.Equal(t, int64(5), stats.Failed)
	assert.Equal(t, int64(5), stats.FailedClient)
}

func TestAppenderAsyncQueueFull(t *testing.T) {
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	d := &recordingDeliverer{
		started: make(chan struct{}, 10),
		release: make(chan struct{}),
	}
	a := newAppender(t, logappender.Config{
		Deliverer:         d,
		BatchSize:         1,
		Async:             true,
		MaxPendingBatches: 1,
		Logger:            zap.New(core),
	})

	appendEvents(a, "m-full", 0, 1)
	select {
	case <-d.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery to start")
	}
	appendEvents(a, "m-full", 1, 3)

	stats := a.Stats()
	assert.Equal(t, int64(3), stats.Added)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, int64(2), stats.Active)
	assert.Equal(t, int64(2), stats.PendingBatches)
	assert.Equal(t, 1, observed.FilterMessage("delivery queue full, dropping batch").Len())

	close(d.release)
	require.NoError(t, a.Close(context.Background()))
	batches := d.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, "message 00", batches[0].Documents[0].Message)
	assert.Equal(t, "message 01", batches[1].Documents[0].Message)
	assert.Equal(t, int64(0), a.Stats().Active)
}

func TestAppenderCloseContext(t *testing.T) {
	d := &recordingDeliverer{release: make(chan struct{})}
	a, err := logappender.New(logappender.Config{
		Index:     "logs",
		Deliverer: d,
		BatchSize: 1,
		Async:     true,
	})
	require.NoError(t, err)
	appendEvents(a, "m-close-ctx", 0, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Close(ctx), context.DeadlineExceeded)

	// The delivery in flight is cancelled once Close returns.
	assert.Eventually(t, func() bool {
		return a.Stats().Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, d.Batches())
}

func TestAppenderFlushTimeout(t *testing.T) {
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	rdr := sdkmetric.NewManualReader()
	d := &recordingDeliverer{release: make(chan struct{})}
	a := newAppender(t, logappender.Config{
		Deliverer:     d,
		BatchSize:     2,
		FlushTimeout:  20 * time.Millisecond,
		Logger:        zap.New(core),
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr)),
	})

	start := time.Now()
	appendEvents(a, "m-timeout", 0, 2)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, d.Batches())

	stats := a.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(0), stats.Indexed)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.BulkRequests)

	logs := observed.FilterMessage("bulk indexing request failed, dropping batch").All()
	require.Len(t, logs, 1)
	assert.Equal(t, zapcore.WarnLevel, logs[0].Level)
	assert.Equal(t, "Timeout", logs[0].ContextMap()["status"])
	assert.Equal(t, int64(2), logs[0].ContextMap()["documents"])

	var rm metricdata.ResourceMetrics
	require.NoError(t, rdr.Collect(context.Background(), &rm))
	processed := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "elasticsearch.events.processed" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				status, _ := dp.Attributes.Value(attribute.Key("status"))
				processed[status.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"Timeout": 2}, processed)
}

func TestAppenderInlineDrainer(t *testing.T) {
	d := &recordingDeliverer{
		started: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	a := newAppender(t, logappender.Config{Deliverer: d, BatchSize: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		appendEvents(a, "m-inline", 0, 1)
	}()
	select {
	case <-d.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery to start")
	}

	// A second goroutine filling a batch while the first one is delivering
	// returns at once, leaving its batch to the goroutine already draining.
	appendEvents(a, "m-inline", 1, 2)
	assert.Empty(t, d.Batches())
	assert.Equal(t, int64(2), a.Stats().PendingBatches)

	close(d.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the draining goroutine")
	}
	batches := d.Batches()
	require.Len(t, batches, 2)
	assert.Equal(t, "message 00", batches[0].Documents[0].Message)
	assert.Equal(t, "message 01", batches[1].Documents[0].Message)
}

func TestAppenderAppendDuringClose(t *testing.T) {
	const (
		goroutines = 8
		perRoutine = 500
	)
	d := &recordingDeliverer{}
	a, err := logappender.New(logappender.Config{
		Index:             "logs",
		Deliverer:         d,
		BatchSize:         3,
		MaxPendingBatches: goroutines * perRoutine,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			appendEvents(a, "m-closing", 0, perRoutine)
		}()
	}
	assert.Eventually(t, func() bool {
		return a.Stats().Added >= goroutines
	}, 2*time.Second, time.Millisecond)
	require.NoError(t, a.Close(context.Background()))
	wg.Wait()

	var delivered int64
	for _, b := range d.Batches() {
		delivered += int64(b.Len())
	}
	stats := a.Stats()
	assert.Equal(t, stats.Added, stats.Indexed)
	assert.Equal(t, stats.Added, delivered)
	assert.Equal(t, int64(goroutines*perRoutine), stats.Added+stats.Dropped)
	assert.Equal(t, int64(0), stats.Active)
}

func TestAppenderQueueFullLoggerReentry(t *testing.T) {
	var self atomic.Pointer[logappender.Appender]
	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	logger := zap.New(core, zap.Hooks(func(e zapcore.Entry) error {
		// Log the drop through the appender whose queue is full.
		if a := self.Load(); a != nil && e.Message == "delivery queue full, dropping batch" {
			a.Append(context.Background(), logappender.Event{Level: e.Level, Message: e.Message})
		}
		return nil
	}))
	d := &recordingDeliverer{
		started: make(chan struct{}, 10),
		release: make(chan struct{}),
	}
	a := newAppender(t, logappender.Config{
		Deliverer:         d,
		BatchSize:         2,
		Async:             true,
		MaxPendingBatches: 1,
		Logger:            logger,
	})
	self.Store(a)

	appendEvents(a, "m-reentry", 0, 2)
	select {
	case <-d.started:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery to start")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		appendEvents(a, "m-reentry", 2, 6)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Append blocked while logging a dropped batch")
	}

	stats := a.Stats()
	assert.Equal(t, int64(7), stats.Added)
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Equal(t, 1, observed.FilterMessage("delivery queue full, dropping batch").Len())

	close(d.release)
	require.NoError(t, a.Close(context.Background()))
	batches := d.Batches()
	require.Len(t, batches, 3)
	assert.Equal(t, "message 02", batches[1].Documents[0].Message)
	assert.Equal(t, "delivery queue full, dropping batch", batches[2].Documents[0].Message)
}

func TestAppenderFlushInterval(t *testing.T) {
	for _, async := range []bool{false, true} {
		t.Run(fmt.Sprintf("async=%v", async), func(t *testing.T) {
			es, client := logappendertest.NewMockElasticsearch(t)
			a := newAppender(t, logappender.Config{
				Client:        client,
				FlushInterval: 20 * time.Millisecond,
				Async:         async,
			})
			appendEvents(a, "m-interval", 0, 2)
			assert.Eventually(t, func() bool {
				return len(es.Search("logs*", "m-interval")) == 2
			}, 2*time.Second, 10*time.Millisecond)
		})
	}
}

func TestAppenderIndexDateSuffix(t *testing.T) {
	es, client := logappendertest.NewMockElasticsearch(t)
	a := newAppender(t, logappender.Config{
		Client:          client,
		Index:           "app-logs",
		IndexDateSuffix: "2006.01.02",
		BatchSize:       1,
	})
	a.Append(context.Background(), logappender.Event{
		Message: "dated",
		Marker:  "m-dated",
		Time:    time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC),
	})
	docs := es.Search("app-logs*", "m-dated")
	require.Len(t, docs, 1)
	assert.Equal(t, "app-logs-2024.02.29", docs[0].Action.Index)
}

func TestAppenderTraceContext(t *testing.T) {
	es, client := logappendertest.NewMockElasticsearch(t)
	a := newAppender(t, logappender.Config{Client: client, BatchSize: 1})

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	a.Append(ctx, logappender.Event{Message: "traced", Marker: "m-trace"})
	span.End()

	docs := es.Search("logs*", "m-trace")
	require.Len(t, docs, 1)
	assert.Equal(t, span.SpanContext().TraceID().String(), docs[0].Trace.ID)
	assert.Equal(t, span.SpanContext().SpanID().String(), docs[0].Span.ID)
}

func TestAppenderCompression(t *testing.T) {
	var bytesTotal atomic.Int64
	es := &logappendertest.MockElasticsearch{}
	client := logappendertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		bytesTotal.Add(r.ContentLength)
		es.ServeBulk(w, r)
	})
	a := newAppender(t, logappender.Config{Client: client, CompressionLevel: 9})
	appendEvents(a, "m-gzip", 0, 5)

	assert.Len(t, es.Search("logs*", "m-gzip"), 5)
	stats := a.Stats()
	assert.Equal(t, bytesTotal.Load(), stats.BytesTotal)
	assert.Greater(t, stats.BytesUncompressedTotal, stats.BytesTotal)
}

func TestAppenderMetrics(t *testing.T) {
	var bytesTotal atomic.Int64
	var first atomic.Bool
	client := logappendertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		bytesTotal.Add(r.ContentLength)
		_, result := logappendertest.DecodeBulkRequest(r)
		if first.CompareAndSwap(false, true) {
			result.HasErrors = true
			// Respond with an error for the first three items of the first
			// request. These will be recorded as failures in indexing stats.
			for i := range result.Items {
				if i > 2 {
					break
				}
				status := http.StatusInternalServerError
				switch i {
				case 1:
					status = http.StatusTooManyRequests
				case 2:
					status = http.StatusUnauthorized
				}
				for action, item := range result.Items[i] {
					item.Status = status
					result.Items[i][action] = item
				}
			}
		}
		json.NewEncoder(w).Encode(result)
	})

	rdr := sdkmetric.NewManualReader(sdkmetric.WithTemporalitySelector(
		func(ik sdkmetric.InstrumentKind) metricdata.Temporality {
			return metricdata.DeltaTemporality
		},
	))
	indexerAttrs := attribute.NewSet(
		attribute.String("a", "b"), attribute.String("c", "d"),
	)
	a, err := logappender.New(logappender.Config{
		Client:           client,
		Index:            "logs",
		MeterProvider:    sdkmetric.NewMeterProvider(sdkmetric.WithReader(rdr)),
		MetricAttributes: indexerAttrs,
	})
	require.NoError(t, err)

	const N = 12
	appendEvents(a, "m-metrics", 0, N)
	require.NoError(t, a.Close(context.Background()))

	stats := a.Stats()
	failed := int64(3)
	assert.Equal(t, logappender.Stats{
		Added:                  N,
		BulkRequests:           3,
		Indexed:                N - failed,
		Failed:                 failed,
		FailedClient:           1,
		FailedServer:           1,
		TooManyRequests:        1,
		BytesTotal:             bytesTotal.Load(),
		BytesUncompressedTotal: bytesTotal.Load(),
	}, stats)

	var rm metricdata.ResourceMetrics
	require.NoError(t, rdr.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	var asserted int
	assertCounter := func(m metricdata.Metrics, expected int64) {
		asserted++
		var total int64
		switch data := m.Data.(type) {
		case metricdata.Sum[int64]:
			for _, dp := range data.DataPoints {
				metricdatatest.AssertHasAttributes(t, dp, indexerAttrs.ToSlice()...)
				total += dp.Value
			}
		default:
			t.Fatalf("unexpected metric type %T for %s", m.Data, m.Name)
		}
		assert.Equal(t, expected, total, m.Name)
	}
	processed := map[string]int64{}
	unexpectedMetrics := []string{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		switch m.Name {
		case "elasticsearch.events.count":
			assertCounter(m, stats.Added)
		case "elasticsearch.events.queued":
			assertCounter(m, stats.Active)
		case "elasticsearch.bulk_requests.count":
			assertCounter(m, stats.BulkRequests)
		case "elasticsearch.flushed.bytes":
			assertCounter(m, stats.BytesTotal)
		case "elasticsearch.flushed.uncompressed.bytes":
			assertCounter(m, stats.BytesUncompressedTotal)
		case "elasticsearch.events.processed":
			asserted++
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				status, ok := dp.Attributes.Value(attribute.Key("status"))
				require.True(t, ok)
				processed[status.AsString()] += dp.Value
			}
		case "elasticsearch.buffer.latency", "elasticsearch.flushed.latency":
			asserted++
			histo := m.Data.(metricdata.Histogram[float64])
			require.Len(t, histo.DataPoints, 1)
			assert.Equal(t, uint64(3), histo.DataPoints[0].Count)
			assert.Equal(t, indexerAttrs, histo.DataPoints[0].Attributes)
		default:
			unexpectedMetrics = append(unexpectedMetrics, m.Name)
		}
	}
	assert.Empty(t, unexpectedMetrics)
	assert.Equal(t, 8, asserted)
	assert.Equal(t, map[string]int64{
		"Success":      stats.Indexed,
		"FailedClient": stats.FailedClient,
		"FailedServer": stats.FailedServer,
		"TooMany":      stats.TooManyRequests,
	}, processed)
}

func TestAppenderTracing(t *testing.T) {
	testAppenderTracing(t, 200, "success")
	testAppenderTracing(t, 400, "failure")
}

func testAppenderTracing(t *testing.T, statusCode int, expectedOutcome string) {
	client := logappendertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(statusCode)
		_, result := logappendertest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})

	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))
	tracer := apmtest.NewRecordingTracer()
	defer tracer.Close()

	const N = 100
	a, err := logappender.New(logappender.Config{
		Client:    client,
		Index:     "logs",
		BatchSize: N,
		Logger:    zap.New(core),
		Tracer:    tracer.Tracer,
	})
	require.NoError(t, err)
	defer a.Close(context.Background())

	appendEvents(a, "m-apm", 0, N)
	require.NoError(t, a.Close(context.Background()))

	tracer.Flush(nil)
	payloads := tracer.Payloads()
	require.Len(t, payloads.Transactions, 1)
	require.Len(t, payloads.Spans, 1)

	assert.Equal(t, expectedOutcome, payloads.Transactions[0].Outcome)
	assert.Equal(t, "output", payloads.Transactions[0].Type)
	assert.Equal(t, model.IfaceMapItem{Key: "documents", Value: float64(N)},
		payloads.Transactions[0].Context.Tags[0],
	)
	assert.Equal(t, "logappender.flush", payloads.Transactions[0].Name)
	assert.Equal(t, "Elasticsearch: POST _bulk", payloads.Spans[0].Name)
	assert.Equal(t, "db", payloads.Spans[0].Type)
	assert.Equal(t, "elasticsearch", payloads.Spans[0].Subtype)

	correlatedLogs := observed.FilterFieldKey("transaction.id").All()
	assert.NotEmpty(t, correlatedLogs)
	for _, entry := range correlatedLogs {
		fields := entry.ContextMap()
		assert.Equal(t, fmt.Sprintf("%x", payloads.Transactions[0].ID), fields["transaction.id"])
		assert.Equal(t, fmt.Sprintf("%x", payloads.Transactions[0].TraceID), fields["trace.id"])
	}
}

func TestAppenderOtelTracing(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		testTracedAppend(t, 200, sdktrace.Status{
			Code:        codes.Ok,
			Description: "",
		})
	})
	t.Run("failure", func(t *testing.T) {
		testTracedAppend(t, 400, sdktrace.Status{
			Code:        codes.Error,
			Description: "bulk indexing request failed",
		})
	})
}

func testTracedAppend(t *testing.T, responseCode int, status sdktrace.Status) {
	client := logappendertest.NewMockElasticsearchClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(responseCode)
		_, result := logappendertest.DecodeBulkRequest(r)
		json.NewEncoder(w).Encode(result)
	})

	core, observed := observer.New(zap.NewAtomicLevelAt(zapcore.DebugLevel))

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exp),
	)
	defer tp.Shutdown(context.Background())

	const N = 10
	a, err := logappender.New(logappender.Config{
		Client:    client,
		Index:     "logs",
		BatchSize: N,
		Logger:    zap.New(core),
		// NOTE: Tracer must be nil to use otel tracing only
		Tracer:         nil,
		TracerProvider: tp,
	})
	require.NoError(t, err)
	defer a.Close(context.Background())

	appendEvents(a, "m-otel", 0, N)

	spans := exp.GetSpans()
	require.Len(t, spans, 1)

	gotSpan := spans[0]
	assert.Equal(t, "logappender.flush", gotSpan.Name)
	assert.Equal(t, status, gotSpan.Status)
	for _, attr := range gotSpan.Attributes {
		if attr.Key == "documents" {
			assert.Equal(t, int64(N), attr.Value.AsInt64())
		}
	}

	correlatedLogs := observed.FilterFieldKey("traceId").All()
	require.NotEmpty(t, correlatedLogs)

	log := correlatedLogs[0]
	assert.Equal(t, gotSpan.SpanContext.TraceID().String(), log.ContextMap()["traceId"])
	assert.Equal(t, gotSpan.SpanContext.SpanID().String(), log.ContextMap()["spanId"])
}

func TestAppenderNewErrors(t *testing.T) {
	_, err := logappender.New(logappender.Config{})
	var configErr *logappender.ConfigError
	require.True(t, errors.As(err, &configErr))
	assert.Equal(t, "Index", configErr.Field)
	assert.EqualError(t, err, "invalid Index: must not be empty")
}

func TestAppenderDefaultClient(t *testing.T) {
	// Nothing listens on port 1: the batch fails with a network error.
	a, err := logappender.New(logappender.Config{Host: "localhost", Port: 1, Index: "logs"})
	require.NoError(t, err)
	appendEvents(a, "m-unreachable", 0, 5)
	assert.NoError(t, a.Close(context.Background()))
	assert.Equal(t, int64(5), a.Stats().Failed)
}
