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

// Package mutation builds the ext_proc response messages a callout sends back
// to Envoy: header mutations, body mutations, and immediate responses. All
// constructors are pure; they allocate fresh messages and never touch the
// network or shared state.
package mutation

import (
	"fmt"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"google.golang.org/protobuf/types/known/structpb"
)

// DynamicForwardingNamespace is the metadata namespace the dynamic forwarding
// feature of Application Load Balancers reads endpoint selections from.
const DynamicForwardingNamespace = "com.google.envoy.dynamic_forwarding.selected_endpoints"

// HeaderOp is a single header edit. Append distinguishes "add another value
// for this key" from plain set semantics; keys are compared case-sensitively.
type HeaderOp struct {
	Key    string
	Value  string
	Append bool
}

// NewHeaderMutation turns an ordered list of header edits and a list of keys
// to remove into a HeaderMutation. When two set ops name the same key the
// later value wins, keeping the position of the first occurrence; append ops
// are never collapsed. The returned mutation is non-nil even when both inputs
// are empty so that Envoy sees an explicit "no changes" rather than a missing
// field.
func NewHeaderMutation(ops []HeaderOp, remove []string) *extprocv3.HeaderMutation {
	m := &extprocv3.HeaderMutation{}

	setIndex := make(map[string]int)
	for _, op := range ops {
		if !op.Append {
			if i, ok := setIndex[op.Key]; ok {
				m.SetHeaders[i].Header.RawValue = []byte(op.Value)
				continue
			}
		}
		hvo := &corev3.HeaderValueOption{
			Header: &corev3.HeaderValue{
				Key:      op.Key,
				RawValue: []byte(op.Value),
			},
			AppendAction: corev3.HeaderValueOption_OVERWRITE_IF_EXISTS_OR_ADD,
		}
		if op.Append {
			hvo.AppendAction = corev3.HeaderValueOption_APPEND_IF_EXISTS_OR_ADD
		} else {
			setIndex[op.Key] = len(m.SetHeaders)
		}
		m.SetHeaders = append(m.SetHeaders, hvo)
	}

	m.RemoveHeaders = append(m.RemoveHeaders, remove...)
	return m
}

// NewHeadersResponse builds the reply for a headers phase. clearRouteCache
// asks Envoy to re-run route selection after applying the mutation, which is
// required when the edits can change the matched route.
func NewHeadersResponse(ops []HeaderOp, remove []string, clearRouteCache bool) *extprocv3.HeadersResponse {
	return &extprocv3.HeadersResponse{
		Response: &extprocv3.CommonResponse{
			HeaderMutation:  NewHeaderMutation(ops, remove),
			ClearRouteCache: clearRouteCache,
		},
	}
}

// NewBodyResponse builds a reply that replaces the buffered body wholesale
// with body. A zero-length body is a replacement with empty bytes, not a
// no-op; use NewClearBodyResponse to drop the body instead.
func NewBodyResponse(body []byte, clearRouteCache bool) *extprocv3.BodyResponse {
	return &extprocv3.BodyResponse{
		Response: &extprocv3.CommonResponse{
			BodyMutation: &extprocv3.BodyMutation{
				Mutation: &extprocv3.BodyMutation_Body{Body: body},
			},
			ClearRouteCache: clearRouteCache,
		},
	}
}

// NewClearBodyResponse builds a reply that removes the body entirely.
func NewClearBodyResponse(clearRouteCache bool) *extprocv3.BodyResponse {
	return &extprocv3.BodyResponse{
		Response: &extprocv3.CommonResponse{
			BodyMutation: &extprocv3.BodyMutation{
				Mutation: &extprocv3.BodyMutation_ClearBody{ClearBody: true},
			},
			ClearRouteCache: clearRouteCache,
		},
	}
}

// NewImmediateResponse builds a reply that answers the downstream client
// directly with the given status, body, and header edits. Sending it ends
// ext_proc processing for the transaction; no further phases are offered.
func NewImmediateResponse(code typev3.StatusCode, body string, ops []HeaderOp, remove []string) *extprocv3.ImmediateResponse {
	return &extprocv3.ImmediateResponse{
		Status:  &typev3.HttpStatus{Code: code},
		Headers: NewHeaderMutation(ops, remove),
		Body:    body,
	}
}

// DynamicForwardingMetadata builds the dynamic metadata struct that selects
// endpoint:port as the primary backend for the transaction.
func DynamicForwardingMetadata(endpoint string, port int) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		DynamicForwardingNamespace: map[string]any{
			"primary": fmt.Sprintf("%s:%d", endpoint, port),
		},
	})
}

// The wrappers below lift a phase reply into the ProcessingResponse envelope
// the stream actually carries. The oneof boilerplate is otherwise repeated at
// every call site.

// RequestHeaders wraps r as the reply to a request-headers message.
func RequestHeaders(r *extprocv3.HeadersResponse) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestHeaders{RequestHeaders: r},
	}
}

// ResponseHeaders wraps r as the reply to a response-headers message.
func ResponseHeaders(r *extprocv3.HeadersResponse) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseHeaders{ResponseHeaders: r},
	}
}

// RequestBody wraps r as the reply to a request-body message.
func RequestBody(r *extprocv3.BodyResponse) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestBody{RequestBody: r},
	}
}

// ResponseBody wraps r as the reply to a response-body message.
func ResponseBody(r *extprocv3.BodyResponse) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseBody{ResponseBody: r},
	}
}

// RequestTrailers wraps m as the reply to a request-trailers message.
func RequestTrailers(m *extprocv3.HeaderMutation) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_RequestTrailers{
			RequestTrailers: &extprocv3.TrailersResponse{HeaderMutation: m},
		},
	}
}

// ResponseTrailers wraps m as the reply to a response-trailers message.
func ResponseTrailers(m *extprocv3.HeaderMutation) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ResponseTrailers{
			ResponseTrailers: &extprocv3.TrailersResponse{HeaderMutation: m},
		},
	}
}

// Immediate wraps r as a short-circuit reply.
func Immediate(r *extprocv3.ImmediateResponse) *extprocv3.ProcessingResponse {
	return &extprocv3.ProcessingResponse{
		Response: &extprocv3.ProcessingResponse_ImmediateResponse{ImmediateResponse: r},
	}
}
