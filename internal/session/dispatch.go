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

package session

import (
	"context"
	"errors"
	"fmt"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"

	"github.com/GoogleCloudPlatform/service-extensions-sub003/pkg/callout"
	"github.com/GoogleCloudPlatform/service-extensions-sub003/pkg/mutation"
)

var errBudgetExceeded = errors.New("phase budget exceeded")

type outcome struct {
	resp *extprocv3.ProcessingResponse
	err  error
}

// dispatch invokes the handler slot for phase p under the phase budget and
// resolves the outcome. Handler failures and overruns never surface as stream
// errors; they are converted to a reply per the failure policy. The returned
// error is non-nil only when the stream itself must stop (client disconnect).
func (s *Session) dispatch(ctx context.Context, p phase, req *extprocv3.ProcessingRequest) (*extprocv3.ProcessingResponse, error) {
	bctx, cancel := context.WithTimeout(ctx, s.policy.PhaseBudget)
	defer cancel()

	// The handler runs in its own goroutine so a stuck handler cannot hang
	// the stream past the budget. A late result is discarded; the buffered
	// channel lets the goroutine exit.
	ch := make(chan outcome, 1)
	go func() {
		resp, err := s.invoke(bctx, p, req)
		ch <- outcome{resp, err}
	}()

	var o outcome
	select {
	case o = <-ch:
	case <-bctx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o = outcome{err: errBudgetExceeded}
	}

	if o.err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return s.failureResponse(p, o.err), nil
	}
	if o.resp == nil {
		return defaultResponse(p), nil
	}
	if !matchesPhase(o.resp, p) {
		return s.failureResponse(p, fmt.Errorf("handler returned a reply for the wrong phase")), nil
	}
	return o.resp, nil
}

func (s *Session) invoke(ctx context.Context, p phase, req *extprocv3.ProcessingRequest) (*extprocv3.ProcessingResponse, error) {
	switch p {
	case phaseRequestHeaders:
		return s.handler.OnRequestHeaders(ctx, req.GetRequestHeaders())
	case phaseRequestBody:
		return s.handler.OnRequestBody(ctx, req.GetRequestBody())
	case phaseRequestTrailers:
		return s.handler.OnRequestTrailers(ctx, req.GetRequestTrailers())
	case phaseResponseHeaders:
		return s.handler.OnResponseHeaders(ctx, req.GetResponseHeaders())
	case phaseResponseBody:
		return s.handler.OnResponseBody(ctx, req.GetResponseBody())
	case phaseResponseTrailers:
		return s.handler.OnResponseTrailers(ctx, req.GetResponseTrailers())
	}
	return nil, fmt.Errorf("no handler slot for phase %s", p)
}

// failureResponse maps a handler failure to the configured outcome for the
// phase. A DeniedError carries its own status; everything else is either
// passed through (fail-open) or answered with a 500 (fail-closed).
func (s *Session) failureResponse(p phase, err error) *extprocv3.ProcessingResponse {
	var denied *callout.DeniedError
	if errors.As(err, &denied) {
		s.log.Infow("handler denied transaction",
			"phase", p.String(), "status", denied.Code, "reason", denied.Reason)
		return mutation.Immediate(mutation.NewImmediateResponse(denied.Code, denied.Reason, nil, nil))
	}

	policy := s.policy.Failure
	if p.isTrailers() {
		policy = s.policy.TrailerFailure
	}
	s.log.Errorw("handler failed", "phase", p.String(), "policy", policy.String(), "error", err)

	if policy == FailOpen {
		return defaultResponse(p)
	}
	return mutation.Immediate(mutation.NewImmediateResponse(
		typev3.StatusCode_InternalServerError, "", nil, nil))
}

// defaultResponse is the empty, phase-matched pass-through reply.
func defaultResponse(p phase) *extprocv3.ProcessingResponse {
	switch p {
	case phaseRequestHeaders:
		return mutation.RequestHeaders(&extprocv3.HeadersResponse{})
	case phaseRequestBody:
		return mutation.RequestBody(&extprocv3.BodyResponse{})
	case phaseRequestTrailers:
		return mutation.RequestTrailers(nil)
	case phaseResponseHeaders:
		return mutation.ResponseHeaders(&extprocv3.HeadersResponse{})
	case phaseResponseBody:
		return mutation.ResponseBody(&extprocv3.BodyResponse{})
	case phaseResponseTrailers:
		return mutation.ResponseTrailers(nil)
	}
	return &extprocv3.ProcessingResponse{}
}

// matchesPhase reports whether resp answers phase p. An immediate response is
// valid at any phase.
func matchesPhase(resp *extprocv3.ProcessingResponse, p phase) bool {
	if resp.GetImmediateResponse() != nil {
		return true
	}
	switch resp.GetResponse().(type) {
	case *extprocv3.ProcessingResponse_RequestHeaders:
		return p == phaseRequestHeaders
	case *extprocv3.ProcessingResponse_RequestBody:
		return p == phaseRequestBody
	case *extprocv3.ProcessingResponse_RequestTrailers:
		return p == phaseRequestTrailers
	case *extprocv3.ProcessingResponse_ResponseHeaders:
		return p == phaseResponseHeaders
	case *extprocv3.ProcessingResponse_ResponseBody:
		return p == phaseResponseBody
	case *extprocv3.ProcessingResponse_ResponseTrailers:
		return p == phaseResponseTrailers
	}
	return false
}
