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

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// MarkerKey is the field key holding the event marker.
	MarkerKey = "marker"

	// Field keys set by apmzap.TraceContext.
	traceIDKey       = "trace.id"
	spanIDKey        = "span.id"
	transactionIDKey = "transaction.id"
)

// Marker returns a field tagging a log entry with a marker. Entries written
// to a Core are searchable by an exact match on marker.name.
func Marker(name string) zap.Field {
	return zap.String(MarkerKey, name)
}

type core struct {
	zapcore.LevelEnabler
	appender *Appender
	fields   []zapcore.Field
}

// NewCore returns a zapcore.Core appending entries enabled by enab to a.
//
// Marker and trace identifier fields are mapped to the corresponding
// document fields. Every other field is indexed under "context".
// Write never fails: delivery errors are handled by the appender.
func NewCore(a *Appender, enab zapcore.LevelEnabler) zapcore.Core {
	return &core{LevelEnabler: enab, appender: a}
}

func (c *core) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return &clone
}

func (c *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	ev := Event{
		Level:      ent.Level,
		Message:    ent.Message,
		Time:       ent.Time,
		LoggerName: ent.LoggerName,
	}
	m := enc.Fields
	ev.Marker = popString(m, MarkerKey)
	ev.TraceID = popString(m, traceIDKey)
	ev.SpanID = popString(m, spanIDKey)
	if txID := popString(m, transactionIDKey); ev.SpanID == "" {
		ev.SpanID = txID
	}
	if ent.Caller.Defined {
		m["caller"] = ent.Caller.TrimmedPath()
	}
	if ent.Stack != "" {
		m["stacktrace"] = ent.Stack
	}
	if len(m) > 0 {
		ev.Fields = m
	}
	c.appender.Append(context.Background(), ev)
	return nil
}

// Sync waits for batches handed off so far to be delivered, for at most
// the appender's flush timeout.
func (c *core) Sync() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.appender.config.FlushTimeout)
	defer cancel()
	return c.appender.Sync(ctx)
}

func popString(m map[string]any, key string) string {
	v, ok := m[key].(string)
	if ok {
		delete(m, key)
	}
	return v
}
