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

// calloutserver runs one of the sample callout handlers behind the ext_proc
// listener stack. The handler is picked with -example or the EXAMPLE_TYPE
// environment variable.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/service-extensions-sub003/examples/addbody"
	"github.com/GoogleCloudPlatform/service-extensions-sub003/examples/addheader"
	"github.com/GoogleCloudPlatform/service-extensions-sub003/examples/basic"
	"github.com/GoogleCloudPlatform/service-extensions-sub003/examples/dynamicforwarding"
	"github.com/GoogleCloudPlatform/service-extensions-sub003/examples/jwtauth"
	"github.com/GoogleCloudPlatform/service-extensions-sub003/examples/redirect"
	"github.com/GoogleCloudPlatform/service-extensions-sub003/internal/server"
	"github.com/GoogleCloudPlatform/service-extensions-sub003/internal/session"
	"github.com/GoogleCloudPlatform/service-extensions-sub003/pkg/callout"
)

func main() {
	var (
		doHelp            bool
		debug             bool
		address           string
		insecureAddress   string
		healthAddress     string
		certFile          string
		keyFile           string
		secureHealthCheck bool
		example           string
		publicKeyFile     string
		failOpen          bool
		phaseBudget       time.Duration
		shutdownGrace     time.Duration
	)

	flag.BoolVar(&doHelp, "h", false, "Print help message")
	flag.BoolVar(&debug, "d", false, "Enable debug logging")
	flag.StringVar(&address, "address", "0.0.0.0:8443", "TLS gRPC bind address")
	flag.StringVar(&insecureAddress, "insecure-address", "0.0.0.0:8181", "Plaintext gRPC bind address, empty to disable")
	flag.StringVar(&healthAddress, "health-address", "0.0.0.0:8000", "HTTP health check bind address, empty to disable")
	flag.StringVar(&certFile, "cert", "", "TLS certificate file for the secure listener")
	flag.StringVar(&keyFile, "key", "", "TLS key file for the secure listener")
	flag.BoolVar(&secureHealthCheck, "secure-health-check", false, "Serve the health check over TLS")
	flag.StringVar(&example, "example", "", "Handler to run: basic, redirect, add_header, add_body, jwt_auth or dynamic_forwarding (defaults to EXAMPLE_TYPE)")
	flag.StringVar(&publicKeyFile, "public-key", "", "PEM public key used by the jwt_auth handler")
	flag.BoolVar(&failOpen, "fail-open", false, "Pass phases through on handler failure instead of returning 500")
	flag.DurationVar(&phaseBudget, "phase-budget", 0, "Per-phase handler deadline, 0 for the default")
	flag.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Drain window for in-flight streams on shutdown, 0 for the default")
	flag.Parse()

	if !flag.Parsed() || doHelp {
		flag.PrintDefaults()
		os.Exit(2)
	}

	var err error
	var zapLogger *zap.Logger
	if debug {
		zapLogger, err = zap.NewDevelopment()
	} else {
		zapLogger, err = zap.NewProduction()
	}
	if err != nil {
		panic(fmt.Sprintf("Can't initialize logger: %s", err))
	}
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if example == "" {
		example = os.Getenv("EXAMPLE_TYPE")
	}
	handler, err := buildHandler(example, publicKeyFile)
	if err != nil {
		log.Fatalw("invalid configuration", "error", err)
	}
	log.Infow("starting callout server", "example", example)

	policy := session.DefaultPolicy()
	if failOpen {
		policy.Failure = session.FailOpen
	}
	if phaseBudget > 0 {
		policy.PhaseBudget = phaseBudget
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(server.Config{
		Address:            address,
		InsecureAddress:    insecureAddress,
		HealthCheckAddress: healthAddress,
		CertFile:           certFile,
		KeyFile:            keyFile,
		SecureHealthCheck:  secureHealthCheck,
		ShutdownGrace:      shutdownGrace,
	}, log)

	svc := session.NewService(handler, policy, log)
	if err := srv.Serve(ctx, svc); err != nil {
		log.Fatalw("server exited", "error", err)
	}
}

func buildHandler(example, publicKeyFile string) (callout.Handler, error) {
	switch example {
	case "", "basic":
		return basic.New(), nil
	case "redirect":
		return redirect.New(map[string]string{"abc.com": "xyz.com"}), nil
	case "add_header":
		return addheader.New(), nil
	case "add_body":
		return addbody.New(), nil
	case "dynamic_forwarding":
		return dynamicforwarding.New(), nil
	case "jwt_auth":
		if publicKeyFile == "" {
			return nil, fmt.Errorf("jwt_auth requires -public-key")
		}
		return jwtauth.NewFromFile(publicKeyFile)
	default:
		return nil, fmt.Errorf("unknown example %q", example)
	}
}
