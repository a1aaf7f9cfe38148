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
	"io"
	"net"
	"testing"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/GoogleCloudPlatform/service-extensions-sub003/examples/dynamicforwarding"
	"github.com/GoogleCloudPlatform/service-extensions-sub003/examples/redirect"
	"github.com/GoogleCloudPlatform/service-extensions-sub003/pkg/callout"
	"github.com/GoogleCloudPlatform/service-extensions-sub003/pkg/mutation"
)

func startService(t *testing.T, h callout.Handler, p Policy) extprocv3.ExternalProcessorClient {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	gs := grpc.NewServer()
	extprocv3.RegisterExternalProcessorServer(gs, NewService(h, p, zap.NewNop().Sugar()))
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)

	conn, err := grpc.Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return extprocv3.NewExternalProcessorClient(conn)
}

func openStream(t *testing.T, client extprocv3.ExternalProcessorClient) extprocv3.ExternalProcessor_ProcessClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	stream, err := client.Process(ctx)
	require.NoError(t, err)
	return stream
}

func headerValue(m *extprocv3.HeaderMutation, key string) string {
	for _, h := range m.GetSetHeaders() {
		if h.GetHeader().GetKey() == key {
			return string(h.GetHeader().GetRawValue())
		}
	}
	return ""
}

func TestRedirectStream(t *testing.T) {
	client := startService(t, redirect.New(map[string]string{"abc.com": "xyz.com"}), DefaultPolicy())
	stream := openStream(t, client)

	require.NoError(t, stream.Send(requestHeadersMsg(true,
		":authority", "abc.com", ":scheme", "http", ":path", "/index.html")))

	resp, err := stream.Recv()
	require.NoError(t, err)
	im := resp.GetImmediateResponse()
	require.NotNil(t, im)
	assert.Equal(t, typev3.StatusCode_MovedPermanently, im.Status.Code)
	assert.Equal(t, "http://xyz.com/index.html", headerValue(im.Headers, "Location"))
}

func TestRedirectStreamPassThrough(t *testing.T) {
	client := startService(t, redirect.New(map[string]string{"abc.com": "xyz.com"}), DefaultPolicy())
	stream := openStream(t, client)

	require.NoError(t, stream.Send(requestHeadersMsg(true, ":authority", "example.com")))
	resp, err := stream.Recv()
	require.NoError(t, err)
	hr := resp.GetRequestHeaders()
	require.NotNil(t, hr)
	assert.Nil(t, resp.GetImmediateResponse())
	assert.Empty(t, hr.GetResponse().GetHeaderMutation().GetSetHeaders())

	// The transaction continues normally on the response side.
	require.NoError(t, stream.Send(responseHeadersMsg(true)))
	resp, err = stream.Recv()
	require.NoError(t, err)
	require.NotNil(t, resp.GetResponseHeaders())
}

func TestDynamicForwardingStream(t *testing.T) {
	client := startService(t, dynamicforwarding.New(), DefaultPolicy())

	t.Run("header override", func(t *testing.T) {
		stream := openStream(t, client)
		require.NoError(t, stream.Send(requestHeadersMsg(true, "ip-to-return", "34.12.0.1")))
		resp, err := stream.Recv()
		require.NoError(t, err)
		require.NotNil(t, resp.GetRequestHeaders())

		ns := resp.GetDynamicMetadata().GetFields()[mutation.DynamicForwardingNamespace]
		require.NotNil(t, ns)
		assert.Equal(t, "34.12.0.1:80", ns.GetStructValue().GetFields()["primary"].GetStringValue())
	})

	t.Run("default endpoint", func(t *testing.T) {
		stream := openStream(t, client)
		require.NoError(t, stream.Send(requestHeadersMsg(true)))
		resp, err := stream.Recv()
		require.NoError(t, err)

		ns := resp.GetDynamicMetadata().GetFields()[mutation.DynamicForwardingNamespace]
		require.NotNil(t, ns)
		assert.Equal(t, "10.1.10.3:80", ns.GetStructValue().GetFields()["primary"].GetStringValue())
	})
}

func TestProtocolViolationAbortsStream(t *testing.T) {
	client := startService(t, callout.PassThrough{}, DefaultPolicy())
	stream := openStream(t, client)

	require.NoError(t, stream.Send(responseBodyMsg("x", true)))
	_, err := stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestSiblingStreamsAreIsolated(t *testing.T) {
	client := startService(t, callout.PassThrough{}, DefaultPolicy())

	// Drive the first stream deep into the response side.
	a := openStream(t, client)
	require.NoError(t, a.Send(requestHeadersMsg(true)))
	_, err := a.Recv()
	require.NoError(t, err)
	require.NoError(t, a.Send(responseHeadersMsg(false)))
	_, err = a.Recv()
	require.NoError(t, err)

	// A fresh stream still starts at request headers.
	b := openStream(t, client)
	require.NoError(t, b.Send(requestHeadersMsg(true)))
	resp, err := b.Recv()
	require.NoError(t, err)
	require.NotNil(t, resp.GetRequestHeaders())

	// And the first stream is unaffected by its sibling.
	require.NoError(t, a.Send(responseBodyMsg("done", true)))
	resp, err = a.Recv()
	require.NoError(t, err)
	require.NotNil(t, resp.GetResponseBody())
}

func TestClientCloseEndsStreamCleanly(t *testing.T) {
	client := startService(t, callout.PassThrough{}, DefaultPolicy())
	stream := openStream(t, client)

	require.NoError(t, stream.Send(requestHeadersMsg(true)))
	_, err := stream.Recv()
	require.NoError(t, err)

	require.NoError(t, stream.CloseSend())
	_, err = stream.Recv()
	// io.EOF means the server finished without a status error.
	assert.ErrorIs(t, err, io.EOF)
}
