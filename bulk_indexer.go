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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unsafe"

	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	"go.elastic.co/fastjson"
)

// BulkIndexerConfig holds configuration for BulkIndexer.
type BulkIndexerConfig struct {
	// Client holds the Elasticsearch client.
	Client esapi.Transport

	// DocumentType holds the document type written as _type in every
	// action line. If empty, no _type is written.
	DocumentType string

	// CompressionLevel holds the gzip compression level, from 0 (gzip.NoCompression)
	// to 9 (gzip.BestCompression). Higher values provide greater compression, at a
	// greater cost of CPU. The special value -1 (gzip.DefaultCompression) selects the
	// default compression level.
	CompressionLevel int

	// Refresh holds the refresh parameter of bulk requests: "", "true",
	// "false" or "wait_for".
	Refresh string

	// Pipeline holds the ingest pipeline ID.
	//
	// If Pipeline is empty, no ingest pipeline will be specified in the Bulk request.
	Pipeline string
}

// BulkIndexer encodes documents into a single bulk request body and sends
// it to Elasticsearch.
//
// BulkIndexer is not safe for concurrent use.
type BulkIndexer struct {
	config                   BulkIndexerConfig
	itemsAdded               int
	bytesFlushed             int
	bytesUncompressed        int
	bytesUncompressedFlushed int
	jsonw                    fastjson.Writer
	writer                   io.Writer
	gzipw                    *gzip.Writer
	buf                      bytes.Buffer
}

// BulkIndexerResponseStat summarises a bulk response.
type BulkIndexerResponseStat struct {
	Indexed    int64
	FailedDocs []BulkIndexerResponseItem
}

// BulkIndexerResponseItem represents the Elasticsearch response item.
type BulkIndexerResponseItem struct {
	Index  string `json:"_index"`
	Status int    `json:"status"`

	// Position holds the position of the document in the bulk request.
	Position int

	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

// BulkIndexerItem is a single document to be indexed.
type BulkIndexerItem struct {
	Index string
	Body  fastjson.Marshaler
}

func init() {
	jsoniter.RegisterTypeDecoderFunc("logappender.BulkIndexerResponseStat", func(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
		stat := (*BulkIndexerResponseStat)(ptr)
		iter.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
			if s != "items" {
				i.Skip()
				return true
			}
			var idx int
			i.ReadArrayCB(func(i *jsoniter.Iterator) bool {
				// Each item is keyed by its action, e.g. {"index":{...}}.
				return i.ReadMapCB(func(i *jsoniter.Iterator, _ string) bool {
					var item BulkIndexerResponseItem
					i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
						switch s {
						case "_index":
							item.Index = i.ReadString()
						case "status":
							item.Status = i.ReadInt()
						case "error":
							i.ReadObjectCB(func(i *jsoniter.Iterator, s string) bool {
								switch s {
								case "type":
									item.Error.Type = i.ReadString()
								case "reason":
									// Drop the field value preview appended by
									// mapper errors, it may hold log content.
									item.Error.Reason, _, _ = strings.Cut(
										i.ReadString(), ". Preview",
									)
								default:
									i.Skip()
								}
								return true
							})
						default:
							i.Skip()
						}
						return true
					})
					item.Position = idx
					idx++
					if item.Error.Type != "" || item.Status > 201 {
						stat.FailedDocs = append(stat.FailedDocs, item)
					} else {
						stat.Indexed++
					}
					return true
				})
			})
			// no need to proceed further, return early
			return false
		})
	})
}

// NewBulkIndexer returns a bulk indexer that issues bulk requests to Elasticsearch.
func NewBulkIndexer(cfg BulkIndexerConfig) (*BulkIndexer, error) {
	if cfg.Client == nil {
		return nil, errors.New("client is nil")
	}
	if cfg.CompressionLevel < -1 || cfg.CompressionLevel > 9 {
		return nil, fmt.Errorf(
			"expected CompressionLevel in range [-1,9], got %d",
			cfg.CompressionLevel,
		)
	}
	b := &BulkIndexer{config: cfg}
	if cfg.CompressionLevel != gzip.NoCompression {
		b.gzipw, _ = gzip.NewWriterLevel(&b.buf, cfg.CompressionLevel)
		b.writer = b.gzipw
	} else {
		b.writer = &b.buf
	}
	return b, nil
}

// Reset discards any buffered items, ready for a new request.
func (b *BulkIndexer) Reset() {
	b.resetBuf()
	b.bytesFlushed = 0
	b.bytesUncompressedFlushed = 0
}

func (b *BulkIndexer) resetBuf() {
	b.itemsAdded = 0
	b.bytesUncompressed = 0
	b.buf.Reset()
	if b.gzipw != nil {
		b.gzipw.Reset(&b.buf)
	}
}

// Items returns the number of buffered items.
func (b *BulkIndexer) Items() int {
	return b.itemsAdded
}

// Len returns the number of buffered bytes.
func (b *BulkIndexer) Len() int {
	return b.buf.Len()
}

// UncompressedLen returns the number of uncompressed buffered bytes.
func (b *BulkIndexer) UncompressedLen() int {
	return b.bytesUncompressed
}

// BytesFlushed returns the number of bytes flushed by the last request.
func (b *BulkIndexer) BytesFlushed() int {
	return b.bytesFlushed
}

// BytesUncompressedFlushed returns the number of uncompressed bytes flushed
// by the last request.
func (b *BulkIndexer) BytesUncompressedFlushed() int {
	return b.bytesUncompressedFlushed
}

// Add encodes an item in the buffer.
func (b *BulkIndexer) Add(item BulkIndexerItem) error {
	if item.Body == nil {
		return errors.New("missing document body")
	}
	defer b.jsonw.Reset()
	b.writeMeta(item.Index)
	if err := item.Body.MarshalFastJSON(&b.jsonw); err != nil {
		return fmt.Errorf("failed to encode bulk indexer item: %w", err)
	}
	b.jsonw.RawByte('\n')
	n, err := b.writer.Write(b.jsonw.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write bulk indexer item: %w", err)
	}
	b.bytesUncompressed += n
	b.itemsAdded++
	return nil
}

func (b *BulkIndexer) writeMeta(index string) {
	b.jsonw.RawString(`{"index":{`)
	b.jsonw.RawString(`"_index":`)
	b.jsonw.String(index)
	if b.config.DocumentType != "" {
		b.jsonw.RawString(`,"_type":`)
		b.jsonw.String(b.config.DocumentType)
	}
	b.jsonw.RawString("}}\n")
}

// Flush executes a bulk request if there are any items buffered, and clears out the buffer.
func (b *BulkIndexer) Flush(ctx context.Context) (BulkIndexerResponseStat, error) {
	if b.itemsAdded == 0 {
		return BulkIndexerResponseStat{}, nil
	}
	defer b.resetBuf()

	if b.gzipw != nil {
		if err := b.gzipw.Close(); err != nil {
			return BulkIndexerResponseStat{}, fmt.Errorf("failed closing the gzip writer: %w", err)
		}
	}

	req := esapi.BulkRequest{
		Body:       &b.buf,
		Header:     make(http.Header),
		FilterPath: []string{"items.*._index", "items.*.status", "items.*.error.type", "items.*.error.reason"},
		Refresh:    b.config.Refresh,
		Pipeline:   b.config.Pipeline,
	}
	if b.gzipw != nil {
		req.Header.Set("Content-Encoding", "gzip")
	}

	bytesFlushed := b.buf.Len()
	bytesUncompressed := b.bytesUncompressed
	res, err := req.Do(ctx, b.config.Client)
	if err != nil {
		return BulkIndexerResponseStat{}, fmt.Errorf("failed to execute the request: %w", err)
	}
	defer res.Body.Close()

	// Record the number of flushed bytes only when err == nil. The body may
	// not have been sent otherwise.
	b.bytesFlushed = bytesFlushed
	b.bytesUncompressedFlushed = bytesUncompressed
	var resp BulkIndexerResponseStat
	if res.IsError() {
		return resp, newErrorFlushFailed(res.StatusCode, res.String())
	}
	if err := jsoniter.NewDecoder(res.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("error decoding bulk response: %w", err)
	}
	return resp, nil
}
