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

// echoserver runs the demo origin that sits behind Envoy when trying out the
// callout server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/service-extensions-sub003/internal/upstream"
)

func main() {
	var doHelp bool
	var debug bool
	var port int

	flag.BoolVar(&doHelp, "h", false, "Print help message")
	flag.BoolVar(&debug, "d", false, "Enable debug logging")
	flag.IntVar(&port, "p", -1, "TCP listen port")
	flag.Parse()

	if !flag.Parsed() || doHelp || port < 0 {
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := upstream.New(zapLogger.Sugar())
	if err := srv.Serve(ctx, fmt.Sprintf("0.0.0.0:%d", port)); err != nil {
		zapLogger.Sugar().Fatalw("upstream exited", "error", err)
	}
}
