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
	"time"

	"go.uber.org/zap/zapcore"
)

// Event is a single log event as emitted by the host logger.
type Event struct {
	Level zapcore.Level

	// Message holds the log message. If Args is non-empty, Message is
	// treated as a format string and rendered with fmt.Sprintf.
	Message string
	Args    []any

	// Marker holds an optional correlation tag. Documents can be found
	// by an exact match on marker.name.
	Marker string

	// Time holds the time the event was emitted. If zero, the time the
	// event is appended is used.
	Time time.Time

	LoggerName string

	// Fields holds optional structured context, indexed under "context".
	Fields map[string]any

	// TraceID and SpanID hold optional hex-encoded trace identifiers.
	// If empty, they are taken from the span or APM transaction found in
	// the context passed to Appender.Append.
	TraceID string
	SpanID  string
}

// Target identifies where documents are indexed.
type Target struct {
	// Index holds the index name, or the index name prefix if
	// IndexDateSuffix is set.
	Index string

	// Type holds the document type written as _type in bulk action lines.
	// Leave empty for typeless Elasticsearch versions.
	Type string

	// IndexDateSuffix holds an optional time layout. When set, documents
	// are indexed into "<Index>-<event time in UTC formatted with layout>",
	// e.g. "logs-2024.01.31" for the layout "2006.01.02".
	IndexDateSuffix string
}

// IndexFor returns the index name for a document emitted at t.
func (t Target) IndexFor(ts time.Time) string {
	if t.IndexDateSuffix == "" {
		return t.Index
	}
	return t.Index + "-" + ts.UTC().Format(t.IndexDateSuffix)
}
