// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package callout defines the boundary between the processing core and
// user-supplied business logic. A Handler sees one narrowed view per phase
// and answers with a ProcessingResponse, nil for "no change", or an error
// that the core resolves according to its failure policy.
package callout

import (
	"context"
	"fmt"
	"strings"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
)

// Handler receives the phase messages of one HTTP transaction. Implementations
// must be safe for concurrent use: one Handler instance serves every stream.
//
// A phase method may return:
//   - a ProcessingResponse matching the phase (or an immediate response),
//   - nil, nil to pass the phase through unmodified,
//   - an error, resolved by the server's failure policy.
//
// The context is cancelled when the proxy resets the stream or the phase
// budget expires; handlers doing external lookups should honor it.
type Handler interface {
	OnRequestHeaders(ctx context.Context, headers *extprocv3.HttpHeaders) (*extprocv3.ProcessingResponse, error)
	OnResponseHeaders(ctx context.Context, headers *extprocv3.HttpHeaders) (*extprocv3.ProcessingResponse, error)
	OnRequestBody(ctx context.Context, body *extprocv3.HttpBody) (*extprocv3.ProcessingResponse, error)
	OnResponseBody(ctx context.Context, body *extprocv3.HttpBody) (*extprocv3.ProcessingResponse, error)
	OnRequestTrailers(ctx context.Context, trailers *extprocv3.HttpTrailers) (*extprocv3.ProcessingResponse, error)
	OnResponseTrailers(ctx context.Context, trailers *extprocv3.HttpTrailers) (*extprocv3.ProcessingResponse, error)
}

// PassThrough is a Handler that leaves every phase untouched. Embed it and
// override only the phases a callout cares about.
type PassThrough struct{}

var _ Handler = PassThrough{}

func (PassThrough) OnRequestHeaders(context.Context, *extprocv3.HttpHeaders) (*extprocv3.ProcessingResponse, error) {
	return nil, nil
}

func (PassThrough) OnResponseHeaders(context.Context, *extprocv3.HttpHeaders) (*extprocv3.ProcessingResponse, error) {
	return nil, nil
}

func (PassThrough) OnRequestBody(context.Context, *extprocv3.HttpBody) (*extprocv3.ProcessingResponse, error) {
	return nil, nil
}

func (PassThrough) OnResponseBody(context.Context, *extprocv3.HttpBody) (*extprocv3.ProcessingResponse, error) {
	return nil, nil
}

func (PassThrough) OnRequestTrailers(context.Context, *extprocv3.HttpTrailers) (*extprocv3.ProcessingResponse, error) {
	return nil, nil
}

func (PassThrough) OnResponseTrailers(context.Context, *extprocv3.HttpTrailers) (*extprocv3.ProcessingResponse, error) {
	return nil, nil
}

// DeniedError is returned by a handler to reject the transaction with a
// specific HTTP status instead of the failure policy's generic outcome.
// The reason is sent as the response body.
type DeniedError struct {
	Code   typev3.StatusCode
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("denied with status %d: %s", e.Code, e.Reason)
}

// Deny builds a DeniedError.
func Deny(code typev3.StatusCode, reason string) *DeniedError {
	return &DeniedError{Code: code, Reason: reason}
}

// HeaderValue returns the value of the first header in the map named key, or
// "" if absent. The lookup ignores case since Envoy lowercases header names.
// Envoy populates RawValue on current versions and Value on older ones; both
// are handled. Header maps are small, so a linear scan is fine.
func HeaderValue(headers *corev3.HeaderMap, key string) string {
	if headers == nil {
		return ""
	}
	for _, h := range headers.Headers {
		if strings.EqualFold(h.Key, key) {
			if h.RawValue != nil {
				return string(h.RawValue)
			}
			return h.Value
		}
	}
	return ""
}
