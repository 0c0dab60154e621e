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
	"io"
	"net"
	"net/http"
	"syscall"
)

// ErrClosed is the cancellation cause of deliveries still in progress
// when Appender.Close returns.
var ErrClosed = errors.New("log appender closed")

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrorFlushFailed is returned when Elasticsearch rejects a bulk request as
// a whole.
type ErrorFlushFailed struct {
	resp        string
	statusCode  int
	tooMany     bool
	clientError bool
	serverError bool
}

func newErrorFlushFailed(statusCode int, resp string) ErrorFlushFailed {
	return ErrorFlushFailed{
		resp:        resp,
		statusCode:  statusCode,
		tooMany:     statusCode == http.StatusTooManyRequests,
		clientError: statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests,
		serverError: statusCode >= 500,
	}
}

func (e ErrorFlushFailed) Error() string {
	return fmt.Sprintf("flush failed (%d): %s", e.statusCode, e.resp)
}

// StatusCode returns the HTTP status code of the bulk response.
func (e ErrorFlushFailed) StatusCode() int {
	return e.statusCode
}

// IsTransient reports whether err is likely to go away if the request is
// repeated: timeouts, failures to dial, read from or write to the
// connection, and 429 and 5xx responses. Any other error, such as a 4xx
// response or a TLS certificate error, is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var flushErr ErrorFlushFailed
	if errors.As(err, &flushErr) {
		return flushErr.tooMany || flushErr.serverError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// *url.Error implements net.Error for any cause, so only trust its
	// Timeout method.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
