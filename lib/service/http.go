// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// HTTPServerConfig configures an HTTPServer.
type HTTPServerConfig struct {
	// Name labels log lines ("api", "metrics"). Defaults to "http".
	Name string

	// Address is the TCP listen address (":8000", "127.0.0.1:0").
	// Required.
	Address string

	// Handler serves requests. Required.
	Handler http.Handler

	// WriteTimeout bounds writing one response, which for the query
	// API means serializing the whole measurement list. Defaults to
	// 30 seconds.
	WriteTimeout time.Duration

	// ShutdownTimeout bounds the wait for in-flight requests after
	// the context is cancelled. Defaults to 10 seconds.
	ShutdownTimeout time.Duration

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// HTTPServer serves an http.Handler on a TCP listener with the same
// Ready/Addr/Serve lifecycle as ConnServer. Each request is logged at
// Debug with a request_id, and a panicking handler is answered with
// 500 and logged instead of taking the process down.
type HTTPServer struct {
	address         string
	handler         http.Handler
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger

	ready chan struct{}
	addr  net.Addr

	requests atomic.Uint64
	panics   atomic.Uint64
}

// NewHTTPServer creates a server. Call Serve to start listening.
func NewHTTPServer(config HTTPServerConfig) *HTTPServer {
	if config.Address == "" {
		panic("service.HTTPServer: Address is required")
	}
	if config.Handler == nil {
		panic("service.HTTPServer: Handler is required")
	}
	if config.Logger == nil {
		panic("service.HTTPServer: Logger is required")
	}
	name := config.Name
	if name == "" {
		name = "http"
	}
	writeTimeout := config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	return &HTTPServer{
		address:         config.Address,
		handler:         config.Handler,
		writeTimeout:    writeTimeout,
		shutdownTimeout: shutdownTimeout,
		logger:          config.Logger.With("listener", name),
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel that is closed once the listener is bound.
func (s *HTTPServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed.
func (s *HTTPServer) Addr() net.Addr {
	return s.addr
}

// Requests returns the number of requests served since Serve started.
func (s *HTTPServer) Requests() uint64 {
	return s.requests.Load()
}

// Panics returns the number of requests whose handler panicked.
func (s *HTTPServer) Panics() uint64 {
	return s.panics.Load()
}

// Serve listens and serves until ctx is cancelled, then stops
// accepting and waits up to ShutdownTimeout for in-flight requests. A
// bind failure is returned immediately.
func (s *HTTPServer) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           http.HandlerFunc(s.serveRequest),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	s.logger.Info("http server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(listener)
	}()

	select {
	case err := <-serveDone:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http on %s: %w", s.addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http server shutdown incomplete", "error", err)
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("http server stopped", "requests", s.requests.Load())
	return nil
}

// serveRequest wraps the handler with panic recovery and an access
// log line.
func (s *HTTPServer) serveRequest(writer http.ResponseWriter, request *http.Request) {
	s.requests.Add(1)
	recorder := &statusRecorder{ResponseWriter: writer, status: http.StatusOK}
	logger := s.logger.With(
		"request_id", uuid.NewString(),
		"method", request.Method,
		"path", request.URL.Path,
	)
	started := time.Now() //nolint:realclock request latency

	defer func() {
		if recovered := recover(); recovered != nil {
			if recovered == http.ErrAbortHandler {
				panic(recovered)
			}
			s.panics.Add(1)
			logger.Error("http handler panicked", "panic", fmt.Sprint(recovered))
			if !recorder.wroteHeader {
				http.Error(recorder, "internal server error", http.StatusInternalServerError)
			}
		}
		logger.Debug("http request",
			"status", recorder.status,
			"duration", time.Since(started), //nolint:realclock request latency
		)
	}()

	s.handler.ServeHTTP(recorder, request)
}

// statusRecorder remembers the status code written through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(data)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
