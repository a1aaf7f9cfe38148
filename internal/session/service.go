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
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/GoogleCloudPlatform/service-extensions-sub003/pkg/callout"
)

// Service implements the ExternalProcessor gRPC service. One Service instance
// serves every stream; each accepted stream gets its own Session, so streams
// never share mutable state.
type Service struct {
	extprocv3.UnimplementedExternalProcessorServer

	handler callout.Handler
	policy  Policy
	log     *zap.SugaredLogger
	seq     atomic.Uint64
}

// NewService wires a handler and policy into a stream-serving Service.
func NewService(h callout.Handler, p Policy, log *zap.SugaredLogger) *Service {
	return &Service{handler: h, policy: p, log: log}
}

// Process serves one ext_proc stream: read a phase message, advance the
// session, write the reply, until the proxy closes the stream or the session
// aborts. A client disconnect is a normal termination, not an error.
func (svc *Service) Process(stream extprocv3.ExternalProcessor_ProcessServer) error {
	ctx := stream.Context()
	sess := New(fmt.Sprintf("%08x", svc.seq.Add(1)), svc.handler, svc.policy, svc.log)
	defer sess.Finish()

	for {
		req, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			svc.log.Warnw("stream receive failed", "error", err)
			return err
		}

		resp, err := sess.Advance(ctx, req)
		if err != nil {
			var perr *ProtocolError
			if errors.As(err, &perr) {
				svc.log.Warnw("aborting stream", "error", perr)
				return status.Error(codes.FailedPrecondition, perr.Error())
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := stream.Send(resp); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
