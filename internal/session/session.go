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

// Package session drives the processing of one ext_proc stream: it tracks
// which phase of the HTTP transaction is expected next, routes each inbound
// message to the matching handler slot, and renders the handler's outcome
// into exactly one reply per message.
package session

import (
	"context"
	"fmt"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/service-extensions-sub003/pkg/callout"
)

// phase identifies the populated variant of a ProcessingRequest.
type phase int

const (
	phaseRequestHeaders phase = iota
	phaseRequestBody
	phaseRequestTrailers
	phaseResponseHeaders
	phaseResponseBody
	phaseResponseTrailers
)

var phaseNames = map[phase]string{
	phaseRequestHeaders:   "request_headers",
	phaseRequestBody:      "request_body",
	phaseRequestTrailers:  "request_trailers",
	phaseResponseHeaders:  "response_headers",
	phaseResponseBody:     "response_body",
	phaseResponseTrailers: "response_trailers",
}

func (p phase) String() string { return phaseNames[p] }

func (p phase) isTrailers() bool {
	return p == phaseRequestTrailers || p == phaseResponseTrailers
}

// state is what the transaction is waiting for next.
type state int

const (
	stateRequestHeaders state = iota
	stateRequestBody
	stateResponseHeaders
	stateResponseBody
	stateResponseTrailers
	stateImmediateSent
	stateDone
)

var stateNames = map[state]string{
	stateRequestHeaders:   "awaiting request headers",
	stateRequestBody:      "awaiting request body",
	stateResponseHeaders:  "awaiting response headers",
	stateResponseBody:     "awaiting response body",
	stateResponseTrailers: "awaiting response trailers",
	stateImmediateSent:    "immediate response sent",
	stateDone:             "done",
}

func (s state) String() string { return stateNames[s] }

// ProtocolError reports a message that does not fit the transaction's current
// phase, or a message with no usable payload. The stream must be aborted; the
// proxy's intent cannot be guessed.
type ProtocolError struct {
	State state
	Got   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: got %s while %s", e.Got, e.State)
}

// Session is the per-stream state of one HTTP transaction. It is owned by the
// goroutine serving the stream and is not safe for concurrent use; the only
// shared objects it touches (handler, policy) are read-only.
type Session struct {
	id      string
	handler callout.Handler
	policy  Policy
	log     *zap.SugaredLogger

	state state
	done  bool
}

// New creates a Session in its initial state. id correlates log lines of one
// stream.
func New(id string, h callout.Handler, p Policy, log *zap.SugaredLogger) *Session {
	return &Session{
		id:      id,
		handler: h,
		policy:  p.withDefaults(),
		log:     log.With("stream", id),
	}
}

// Advance consumes one inbound message and produces exactly one reply, or an
// error when the stream must be aborted. Ordering is enforced here: only the
// variants permitted by the current state are accepted.
func (s *Session) Advance(ctx context.Context, req *extprocv3.ProcessingRequest) (*extprocv3.ProcessingResponse, error) {
	if s.state == stateDone || s.state == stateImmediateSent {
		return nil, &ProtocolError{State: s.state, Got: variantName(req)}
	}
	if req == nil || req.GetRequest() == nil {
		return nil, &ProtocolError{State: s.state, Got: "empty message"}
	}

	p, ok := phaseOf(req)
	if !ok {
		return nil, &ProtocolError{State: s.state, Got: "malformed message"}
	}
	if !s.accepts(p) {
		return nil, &ProtocolError{State: s.state, Got: p.String()}
	}

	resp, err := s.dispatch(ctx, p, req)
	if err != nil {
		return nil, err
	}

	if resp.GetImmediateResponse() != nil {
		s.state = stateImmediateSent
		s.log.Debugw("immediate response, transaction closed",
			"phase", p.String(),
			"status", resp.GetImmediateResponse().GetStatus().GetCode())
		return resp, nil
	}

	s.transition(p, req)
	return resp, nil
}

// Finish marks the transaction complete. Idempotent; called when the proxy
// closes the stream or the session aborts.
func (s *Session) Finish() {
	if s.done {
		return
	}
	s.done = true
	s.state = stateDone
	s.log.Debugw("stream finished")
}

// accepts reports whether phase p is a permitted successor in the current
// state. Body phases repeat until end_of_stream and may be absent entirely;
// trailer phases only appear when the proxy is configured to send them.
func (s *Session) accepts(p phase) bool {
	switch s.state {
	case stateRequestHeaders:
		return p == phaseRequestHeaders
	case stateRequestBody:
		return p == phaseRequestBody || p == phaseRequestTrailers || p == phaseResponseHeaders
	case stateResponseHeaders:
		return p == phaseRequestTrailers || p == phaseResponseHeaders
	case stateResponseBody:
		return p == phaseResponseBody || p == phaseResponseTrailers
	case stateResponseTrailers:
		return p == phaseResponseTrailers
	}
	return false
}

// transition advances the state after a successfully handled, non-immediate
// phase.
func (s *Session) transition(p phase, req *extprocv3.ProcessingRequest) {
	switch p {
	case phaseRequestHeaders:
		if req.GetRequestHeaders().GetEndOfStream() {
			s.state = stateResponseHeaders
		} else {
			s.state = stateRequestBody
		}
	case phaseRequestBody:
		if req.GetRequestBody().GetEndOfStream() {
			s.state = stateResponseHeaders
		}
	case phaseRequestTrailers:
		s.state = stateResponseHeaders
	case phaseResponseHeaders:
		if req.GetResponseHeaders().GetEndOfStream() {
			s.state = stateDone
			s.done = true
		} else {
			s.state = stateResponseBody
		}
	case phaseResponseBody:
		if req.GetResponseBody().GetEndOfStream() {
			s.state = stateResponseTrailers
		}
	case phaseResponseTrailers:
		s.state = stateDone
		s.done = true
	}
}

func phaseOf(req *extprocv3.ProcessingRequest) (phase, bool) {
	switch req.GetRequest().(type) {
	case *extprocv3.ProcessingRequest_RequestHeaders:
		return phaseRequestHeaders, req.GetRequestHeaders() != nil
	case *extprocv3.ProcessingRequest_RequestBody:
		return phaseRequestBody, req.GetRequestBody() != nil
	case *extprocv3.ProcessingRequest_RequestTrailers:
		return phaseRequestTrailers, req.GetRequestTrailers() != nil
	case *extprocv3.ProcessingRequest_ResponseHeaders:
		return phaseResponseHeaders, req.GetResponseHeaders() != nil
	case *extprocv3.ProcessingRequest_ResponseBody:
		return phaseResponseBody, req.GetResponseBody() != nil
	case *extprocv3.ProcessingRequest_ResponseTrailers:
		return phaseResponseTrailers, req.GetResponseTrailers() != nil
	}
	return 0, false
}

func variantName(req *extprocv3.ProcessingRequest) string {
	if req == nil || req.GetRequest() == nil {
		return "empty message"
	}
	if p, ok := phaseOf(req); ok {
		return p.String()
	}
	return "unknown variant"
}
