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

package callout

import (
	"context"
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPassThroughLeavesEveryPhaseUntouched(t *testing.T) {
	ctx := context.Background()
	p := PassThrough{}

	resp, err := p.OnRequestHeaders(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
	resp, err = p.OnResponseBody(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
	resp, err = p.OnRequestTrailers(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestDeny(t *testing.T) {
	err := Deny(typev3.StatusCode_Forbidden, "blocked by policy")
	assert.Equal(t, typev3.StatusCode_Forbidden, err.Code)
	assert.Contains(t, err.Error(), "blocked by policy")
}

func TestHeaderValue(t *testing.T) {
	hm := &corev3.HeaderMap{Headers: []*corev3.HeaderValue{
		{Key: "x-raw", RawValue: []byte("raw-value")},
		{Key: "x-plain", Value: "plain-value"},
		{Key: "X-Mixed-Case", RawValue: []byte("mixed")},
	}}

	assert.Equal(t, "raw-value", HeaderValue(hm, "x-raw"))
	assert.Equal(t, "plain-value", HeaderValue(hm, "x-plain"))
	assert.Equal(t, "mixed", HeaderValue(hm, "x-mixed-case"))
	assert.Equal(t, "", HeaderValue(hm, "missing"))
	assert.Equal(t, "", HeaderValue(nil, "anything"))
}
