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

// Package logappendertest provides an in-memory Elasticsearch bulk endpoint
// for testing log appenders.
package logappendertest

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Action holds a decoded bulk action line.
type Action struct {
	// Name holds the action name, e.g. "index".
	Name  string
	Index string
	Type  string
}

// Document holds a decoded log document.
type Document struct {
	Timestamp string `json:"@timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Logger    string `json:"logger,omitempty"`
	Marker    struct {
		Name string `json:"name"`
	} `json:"marker"`
	Trace struct {
		ID string `json:"id"`
	} `json:"trace"`
	Span struct {
		ID string `json:"id"`
	} `json:"span"`
	Context map[string]any `json:"context,omitempty"`

	// Action holds the action line the document was sent with.
	Action Action `json:"-"`

	// Source holds the document as sent.
	Source []byte `json:"-"`
}

// DecodeBulkRequest decodes a /_bulk request's body, returning the decoded
// documents and a response body acknowledging all of them.
func DecodeBulkRequest(r *http.Request) ([]Document, esutil.BulkIndexerResponse) {
	body := io.Reader(r.Body)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(body)
		if err != nil {
			panic(err)
		}
		defer gz.Close()
		body = gz
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var docs []Document
	var result esutil.BulkIndexerResponse
	for scanner.Scan() {
		var meta map[string]struct {
			Index string `json:"_index"`
			Type  string `json:"_type"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil {
			panic(err)
		}
		var action Action
		for name, m := range meta {
			action = Action{Name: name, Index: m.Index, Type: m.Type}
		}
		if !scanner.Scan() {
			panic("expected source")
		}

		source := append([]byte{}, scanner.Bytes()...)
		var doc Document
		if err := json.Unmarshal(source, &doc); err != nil {
			panic(fmt.Errorf("invalid JSON: %s: %w", source, err))
		}
		doc.Action = action
		doc.Source = source
		docs = append(docs, doc)

		item := esutil.BulkIndexerResponseItem{Index: action.Index, Status: http.StatusCreated}
		result.Items = append(result.Items, map[string]esutil.BulkIndexerResponseItem{action.Name: item})
	}
	if err := scanner.Err(); err != nil {
		panic(err)
	}
	return docs, result
}

// NewMockElasticsearchClient returns an elasticsearch.Client which sends /_bulk requests to bulkHandler.
func NewMockElasticsearchClient(t testing.TB, bulkHandler http.HandlerFunc) *elasticsearch.Client {
	mux := http.NewServeMux()
	HandleBulk(mux, bulkHandler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:    []string{srv.URL},
		DisableRetry: true,
		Transport:    apmelasticsearch.WrapRoundTripper(http.DefaultTransport),
	})
	require.NoError(t, err)
	return client
}

// HandleBulk registers bulkHandler with mux for handling /_bulk requests,
// wrapping bulkHandler to conform with go-elasticsearch version checking.
func HandleBulk(mux *http.ServeMux, bulkHandler http.HandlerFunc) {
	mux.HandleFunc("/_bulk", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		bulkHandler.ServeHTTP(w, r)
	})
}

// MockElasticsearch is an in-memory document store serving /_bulk.
type MockElasticsearch struct {
	mu       sync.Mutex
	docs     []Document
	requests int
	failures []int
}

// NewMockElasticsearch returns a MockElasticsearch and a client sending bulk
// requests to it.
func NewMockElasticsearch(t testing.TB) (*MockElasticsearch, *elasticsearch.Client) {
	m := &MockElasticsearch{}
	return m, NewMockElasticsearchClient(t, m.ServeBulk)
}

// Handler returns an http.Handler serving /_bulk requests from m.
func (m *MockElasticsearch) Handler() http.Handler {
	mux := http.NewServeMux()
	HandleBulk(mux, m.ServeBulk)
	return mux
}

// FailNext makes the next len(statusCodes) bulk requests fail with the given
// status codes, in order. Failed requests index nothing.
func (m *MockElasticsearch) FailNext(statusCodes ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, statusCodes...)
}

// ServeBulk handles a /_bulk request.
func (m *MockElasticsearch) ServeBulk(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests++
	if len(m.failures) > 0 {
		status := m.failures[0]
		m.failures = m.failures[1:]
		m.mu.Unlock()
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"error":{"type":"mock_exception","reason":"status %d"},"status":%d}`, status, status)
		return
	}
	m.mu.Unlock()

	docs, result := DecodeBulkRequest(r)
	m.mu.Lock()
	m.docs = append(m.docs, docs...)
	m.mu.Unlock()
	if err := json.NewEncoder(w).Encode(result); err != nil {
		panic(err)
	}
}

// Requests returns the number of bulk requests received.
func (m *MockElasticsearch) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// Documents returns all indexed documents in the order they were received.
func (m *MockElasticsearch) Documents() []Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Document(nil), m.docs...)
}

// Search returns the documents indexed into indices matching pattern with
// marker.name equal to marker, sorted by message. A trailing '*' in pattern
// matches any index name suffix.
func (m *MockElasticsearch) Search(pattern, marker string) []Document {
	var found []Document
	for _, doc := range m.Documents() {
		if !matchIndex(pattern, doc.Action.Index) || doc.Marker.Name != marker {
			continue
		}
		found = append(found, doc)
	}
	sort.SliceStable(found, func(i, j int) bool {
		return found[i].Message < found[j].Message
	})
	return found
}

func matchIndex(pattern, index string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(index, prefix)
	}
	return pattern == index
}
