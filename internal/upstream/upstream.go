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

// Package upstream is a small HTTP/2-capable origin used behind Envoy when
// exercising the callout server. Its routes make callout mutations visible:
// /headers reflects the request headers the origin actually received, /echo
// returns the request body, and /data generates payloads of a chosen size.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	defaultDataSize = 100
	dataPattern     = "0123456789"
)

const helpMessage = `GET  /              : Print default message
GET  /help          : Print this message
GET  /hello         : Return a fixed greeting
GET  /headers       : Return the received request headers as JSON
POST /echo          : Echo back whatever you posted
GET  /data?size=xxx : Return arbitrary characters xxx bytes long
`

// Server is the demo origin.
type Server struct {
	log *zap.SugaredLogger
}

// New builds a Server logging through log.
func New(log *zap.SugaredLogger) *Server {
	return &Server{log: log}
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", s.handleIndex)
	router.GET("/help", s.handleHelp)
	router.GET("/hello", s.handleHello)
	router.GET("/headers", s.handleHeaders)
	router.POST("/echo", s.handleEcho)
	router.GET("/data", s.handleData)
	return router
}

// Serve runs the origin on addr with h2c so Envoy can reach it over HTTP/2
// without TLS. It blocks until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, addr string) error {
	h2Server := http2.Server{}
	server := http.Server{
		Addr:    addr,
		Handler: h2c.NewHandler(s.Handler(), &h2Server),
	}

	go func() {
		<-ctx.Done()
		server.Shutdown(context.Background())
	}()

	s.log.Infow("upstream listening", "address", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleIndex(resp http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	resp.Header().Add("content-type", "text/plain")
	resp.WriteHeader(http.StatusOK)
	resp.Write([]byte("Use /help to find out what is possible\n"))
}

func (s *Server) handleHelp(resp http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	resp.Header().Add("content-type", "text/plain")
	resp.WriteHeader(http.StatusOK)
	resp.Write([]byte(helpMessage))
}

func (s *Server) handleHello(resp http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	resp.Header().Add("content-type", "text/plain")
	resp.WriteHeader(http.StatusOK)
	resp.Write([]byte("Hello, World!"))
}

// handleHeaders reports the request headers in sorted order so callout header
// mutations can be asserted from the client side.
func (s *Server) handleHeaders(resp http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	names := make([]string, 0, len(req.Header))
	for name := range req.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	for _, name := range names {
		seen[name] = req.Header.Get(name)
	}

	resp.Header().Add("content-type", "application/json")
	resp.WriteHeader(http.StatusOK)
	json.NewEncoder(resp).Encode(seen)
}

func (s *Server) handleEcho(resp http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	resp.Header().Add("content-type", req.Header.Get("content-type"))
	io.Copy(resp, req.Body)
}

func (s *Server) handleData(resp http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	size := defaultDataSize
	if sizeStr := req.URL.Query().Get("size"); sizeStr != "" {
		size, _ = strconv.Atoi(sizeStr)
	}
	resp.Header().Add("content-type", "application/octet-stream")
	resp.Header().Add("content-length", strconv.Itoa(size))
	resp.Write(makeData(size))
}

func makeData(size int) []byte {
	buf := bytes.Buffer{}
	for pos := 0; pos < size; pos += len(dataPattern) {
		remaining := size - pos
		if remaining < len(dataPattern) {
			buf.WriteString(dataPattern[:remaining])
		} else {
			buf.WriteString(dataPattern)
		}
	}
	return buf.Bytes()
}
