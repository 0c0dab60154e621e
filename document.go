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

	"go.elastic.co/fastjson"
)

// TimestampFormat is the layout of the @timestamp field of indexed documents.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// Document is the indexable form of a single log event.
//
// A Document is produced by Encoder and owned by the Buffer until the batch
// holding it has been delivered.
type Document struct {
	// Index holds the name of the index the document is written to.
	Index string

	Timestamp time.Time
	Level     string
	Message   string
	Logger    string

	// Marker holds the correlation marker name. It is written as
	// {"marker":{"name":...}} and omitted when empty.
	Marker string

	TraceID string
	SpanID  string

	// Context holds the JSON encoding of the event's structured fields,
	// or nil if the event had none.
	Context []byte
}

// MarshalFastJSON writes the document source. Keys are always written in
// the same order, so documents from differently configured appenders have
// an identical shape.
func (d *Document) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawString(`{"@timestamp":`)
	w.Time(d.Timestamp.UTC(), TimestampFormat)
	w.RawString(`,"level":`)
	w.String(d.Level)
	w.RawString(`,"message":`)
	w.String(d.Message)
	if d.Logger != "" {
		w.RawString(`,"logger":`)
		w.String(d.Logger)
	}
	if d.Marker != "" {
		w.RawString(`,"marker":{"name":`)
		w.String(d.Marker)
		w.RawByte('}')
	}
	if d.TraceID != "" {
		w.RawString(`,"trace":{"id":`)
		w.String(d.TraceID)
		w.RawByte('}')
	}
	if d.SpanID != "" {
		w.RawString(`,"span":{"id":`)
		w.String(d.SpanID)
		w.RawByte('}')
	}
	if len(d.Context) > 0 {
		w.RawString(`,"context":`)
		w.RawBytes(d.Context)
	}
	w.RawByte('}')
	return nil
}
