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

// Package server owns the network entry points of a callout server: a TLS
// gRPC listener, a plaintext gRPC listener, and a plain-HTTP health check
// listener. The three are independent failure domains; losing one never takes
// down the others.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	extprocv3 "github.com/envoyproxy/go-control-plane/envoy/service/ext_proc/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Config is the immutable process configuration. It is assembled once at
// startup and shared read-only by every stream.
type Config struct {
	// Address is the TLS gRPC bind address. Served only when a cert/key
	// pair is configured and loads.
	Address string
	// InsecureAddress is the plaintext gRPC bind address; "" disables it.
	InsecureAddress string
	// HealthCheckAddress is the HTTP health listener bind address; ""
	// disables it.
	HealthCheckAddress string
	// CertFile and KeyFile hold the TLS material for the secure listener.
	// Leaving either empty disables the secure listener without failing
	// the process.
	CertFile string
	KeyFile  string
	// SecureHealthCheck serves the health listener over the same
	// certificate as the secure gRPC listener.
	SecureHealthCheck bool
	// ShutdownGrace bounds how long in-flight streams may drain before
	// they are cancelled. Zero means 10s.
	ShutdownGrace time.Duration
}

func (c Config) shutdownGrace() time.Duration {
	if c.ShutdownGrace <= 0 {
		return 10 * time.Second
	}
	return c.ShutdownGrace
}

// CalloutServer runs the listeners for one ext_proc service.
type CalloutServer struct {
	cfg  Config
	cert *tls.Certificate // nil when the secure listener is disabled
	log  *zap.SugaredLogger
}

// New prepares a CalloutServer. A missing cert/key pair disables the secure
// listener; a pair that is configured but fails to load does the same, since
// a broken secure listener must not keep the plaintext listener from serving.
func New(cfg Config, log *zap.SugaredLogger) *CalloutServer {
	s := &CalloutServer{cfg: cfg, log: log}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			log.Errorw("loading server certificate failed, secure listener disabled",
				"cert", cfg.CertFile, "key", cfg.KeyFile, "error", err)
		} else {
			s.cert = &cert
		}
	}
	return s
}

// TLSEnabled reports whether the secure listener has usable certificate
// material.
func (s *CalloutServer) TLSEnabled() bool { return s.cert != nil }

// Serve starts every configured listener and blocks until ctx is cancelled,
// then drains. A bind failure on one listener is logged and skipped; Serve
// returns an error only when no listener at all could start.
func (s *CalloutServer) Serve(ctx context.Context, svc extprocv3.ExternalProcessorServer) error {
	var wg sync.WaitGroup
	started := 0

	var grpcServers []*grpc.Server

	if s.cfg.Address != "" && s.cert != nil {
		lis, err := net.Listen("tcp", s.cfg.Address)
		if err != nil {
			s.log.Errorw("secure listener failed to bind", "address", s.cfg.Address, "error", err)
		} else {
			creds := credentials.NewServerTLSFromCert(s.cert)
			gs := s.newGRPCServer(svc, grpc.Creds(creds))
			grpcServers = append(grpcServers, gs)
			started++
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.log.Infow("secure gRPC listener serving", "address", s.cfg.Address)
				if err := gs.Serve(lis); err != nil {
					s.log.Errorw("secure gRPC listener stopped", "error", err)
				}
			}()
		}
	}

	if s.cfg.InsecureAddress != "" {
		lis, err := net.Listen("tcp", s.cfg.InsecureAddress)
		if err != nil {
			s.log.Errorw("insecure listener failed to bind", "address", s.cfg.InsecureAddress, "error", err)
		} else {
			gs := s.newGRPCServer(svc)
			grpcServers = append(grpcServers, gs)
			started++
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.log.Infow("insecure gRPC listener serving", "address", s.cfg.InsecureAddress)
				if err := gs.Serve(lis); err != nil {
					s.log.Errorw("insecure gRPC listener stopped", "error", err)
				}
			}()
		}
	}

	var healthServer *http.Server
	if s.cfg.HealthCheckAddress != "" {
		lis, err := net.Listen("tcp", s.cfg.HealthCheckAddress)
		if err != nil {
			s.log.Errorw("health listener failed to bind", "address", s.cfg.HealthCheckAddress, "error", err)
		} else {
			healthServer = s.newHealthServer()
			started++
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.log.Infow("health check listener serving", "address", s.cfg.HealthCheckAddress)
				var err error
				if healthServer.TLSConfig != nil {
					err = healthServer.ServeTLS(lis, "", "")
				} else {
					err = healthServer.Serve(lis)
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Errorw("health check listener stopped", "error", err)
				}
			}()
		}
	}

	if started == 0 {
		return errors.New("no listener could be started")
	}

	<-ctx.Done()
	s.log.Infow("shutting down", "grace", s.cfg.shutdownGrace())

	grace := time.AfterFunc(s.cfg.shutdownGrace(), func() {
		for _, gs := range grpcServers {
			gs.Stop()
		}
	})
	for _, gs := range grpcServers {
		gs.GracefulStop()
	}
	grace.Stop()

	if healthServer != nil {
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.shutdownGrace())
		defer cancel()
		if err := healthServer.Shutdown(sctx); err != nil {
			healthServer.Close()
		}
	}

	wg.Wait()
	return nil
}

// newGRPCServer builds a gRPC server with the ext_proc service, server
// reflection, and the standard gRPC health service registered.
func (s *CalloutServer) newGRPCServer(svc extprocv3.ExternalProcessorServer, opts ...grpc.ServerOption) *grpc.Server {
	gs := grpc.NewServer(opts...)
	extprocv3.RegisterExternalProcessorServer(gs, svc)
	reflection.Register(gs)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return gs
}

// newHealthServer builds the HTTP health listener: 200 to any request, no
// dependency on stream state.
func (s *CalloutServer) newHealthServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	hs := &http.Server{Handler: mux}
	if s.cfg.SecureHealthCheck && s.cert != nil {
		hs.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*s.cert}}
	}
	return hs
}
