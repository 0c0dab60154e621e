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

// Package logappender ships structured log events to Elasticsearch in
// fixed-size batches using the _bulk API.
//
// Events are encoded into documents as they are logged and accumulated in a
// bounded buffer. When the buffer holds BatchSize documents the whole batch
// is detached and delivered in a single bulk request; documents below that
// threshold stay buffered until more events arrive, the optional flush
// interval elapses, or the appender is closed.
//
// Delivery is best-effort. Failed batches are logged and dropped, and no
// error is ever returned into the logging call that produced the event.
// Batches are delivered one at a time, in the order they were filled.
package logappender
