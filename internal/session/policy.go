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

import "time"

// FailurePolicy selects what a stream does when a handler fails or overruns
// its phase budget.
type FailurePolicy int

const (
	// FailClosed answers the phase with an immediate 500, ending the
	// transaction.
	FailClosed FailurePolicy = iota
	// FailOpen answers the phase with an empty pass-through response.
	FailOpen
)

func (p FailurePolicy) String() string {
	if p == FailOpen {
		return "fail-open"
	}
	return "fail-closed"
}

// Policy holds the per-deployment knobs of the processing core.
type Policy struct {
	// Failure applies to the headers and body phases.
	Failure FailurePolicy
	// TrailerFailure applies to the trailer phases, which are optional in
	// every deployment and default to pass-through on failure.
	TrailerFailure FailurePolicy
	// PhaseBudget bounds a single handler invocation. It must stay below
	// Envoy's ext_proc message_timeout or the proxy gives up first.
	PhaseBudget time.Duration
}

// DefaultPolicy matches the common deployment: deny on failure except for
// trailer phases, and half of Envoy's default 1s message timeout per phase.
func DefaultPolicy() Policy {
	return Policy{
		Failure:        FailClosed,
		TrailerFailure: FailOpen,
		PhaseBudget:    500 * time.Millisecond,
	}
}

func (p Policy) withDefaults() Policy {
	if p.PhaseBudget <= 0 {
		p.PhaseBudget = 500 * time.Millisecond
	}
	return p
}
