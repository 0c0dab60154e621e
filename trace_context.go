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
	"encoding/hex"

	"go.elastic.co/apm/v2"
	"go.opentelemetry.io/otel/trace"
)

// eventTraceContext identifies the trace an event was logged in.
type eventTraceContext struct {
	TraceID [16]byte
	SpanID  [8]byte
}

func (c eventTraceContext) traceID() string { return hex.EncodeToString(c.TraceID[:]) }
func (c eventTraceContext) spanID() string  { return hex.EncodeToString(c.SpanID[:]) }

// traceContextFromContext returns the trace context of the OTel span in
// ctx, falling back to the current APM span or transaction. It returns nil
// if ctx carries neither.
func traceContextFromContext(ctx context.Context) *eventTraceContext {
	if tc := newEventTraceContextFromOTEL(trace.SpanContextFromContext(ctx)); tc != nil {
		return tc
	}
	if span := apm.SpanFromContext(ctx); span != nil {
		return newEventTraceContextFromAPM(span.TraceContext())
	}
	if tx := apm.TransactionFromContext(ctx); tx != nil {
		return newEventTraceContextFromAPM(tx.TraceContext())
	}
	return nil
}

func newEventTraceContextFromAPM(ctx apm.TraceContext) *eventTraceContext {
	if err := ctx.Trace.Validate(); err != nil {
		return nil
	}
	return &eventTraceContext{
		TraceID: ctx.Trace,
		SpanID:  ctx.Span,
	}
}

func newEventTraceContextFromOTEL(ctx trace.SpanContext) *eventTraceContext {
	if !ctx.HasTraceID() || !ctx.HasSpanID() {
		return nil
	}
	return &eventTraceContext{
		TraceID: ctx.TraceID(),
		SpanID:  ctx.SpanID(),
	}
}
