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
	"strings"
	"time"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
	"go.elastic.co/fastjson"
)

var fieldsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Encoder converts events into documents.
//
// Encoding never fails: a message that cannot be rendered is replaced by a
// placeholder, and structured fields that cannot be encoded are replaced by
// an encoding_error entry.
type Encoder struct {
	target Target
	now    func() time.Time
}

// NewEncoder returns an Encoder producing documents for target.
func NewEncoder(target Target) *Encoder {
	return &Encoder{target: target, now: time.Now}
}

// Encode returns the document for ev.
func (e *Encoder) Encode(ev Event) Document {
	ts := ev.Time
	if ts.IsZero() {
		ts = e.now()
	}
	return Document{
		Index:     e.target.IndexFor(ts),
		Timestamp: ts,
		Level:     ev.Level.CapitalString(),
		Message:   renderMessage(ev.Message, ev.Args),
		Logger:    ev.LoggerName,
		Marker:    ev.Marker,
		TraceID:   ev.TraceID,
		SpanID:    ev.SpanID,
		Context:   encodeFields(ev.Fields),
	}
}

func renderMessage(format string, args []any) (msg string) {
	msg = format
	if len(args) > 0 {
		defer func() {
			if r := recover(); r != nil {
				msg = fmt.Sprintf("<unrenderable message %q: %v>", format, r)
			}
		}()
		msg = fmt.Sprintf(format, args...)
	}
	if !utf8.ValidString(msg) {
		msg = strings.ToValidUTF8(msg, string(utf8.RuneError))
	}
	return msg
}

func encodeFields(fields map[string]any) (out []byte) {
	if len(fields) == 0 {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			out = encodingError(fmt.Errorf("%v", r))
		}
	}()
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		// error values have no exported fields and would encode as {}.
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		values[k] = v
	}
	b, err := fieldsJSON.Marshal(values)
	if err != nil {
		return encodingError(err)
	}
	return b
}

func encodingError(err error) []byte {
	var w fastjson.Writer
	w.RawString(`{"encoding_error":`)
	w.String(err.Error())
	w.RawByte('}')
	return w.Bytes()
}
