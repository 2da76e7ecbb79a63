/*
 * Copyright 2025 Quarry Labs
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package health exposes the pipeline's operational surface over HTTP:
// liveness, readiness against the broker and shard store, and a metrics
// snapshot of queue depths and worker counters.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quarrylabs/quarry/ai"
	"github.com/quarrylabs/quarry/queue"
	"github.com/quarrylabs/quarry/storage"
	"github.com/quarrylabs/quarry/worker"
)

const probeTimeout = 5 * time.Second

// Server serves the health and metrics endpoints.
type Server struct {
	broker  queue.Broker
	shards  storage.ShardRepository
	metrics *worker.MetricsMonitor
	parses  ai.ParseFailureCounter
	srv     *http.Server
	logger  *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsMonitor wires the worker counters into /metrics.
func WithMetricsMonitor(m *worker.MetricsMonitor) Option {
	return func(s *Server) { s.metrics = m }
}

// WithParseFailureCounter wires the extractor's parse-failure counter into
// /metrics.
func WithParseFailureCounter(c ai.ParseFailureCounter) Option {
	return func(s *Server) { s.parses = c }
}

// New creates the health server listening on addr.
func New(addr string, broker queue.Broker, shards storage.ShardRepository, opts ...Option) *Server {
	s := &Server{
		broker: broker,
		shards: shards,
		logger: slog.Default().With("component", "health"),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", s.handleHealth)
	router.GET("/liveness", s.handleLiveness)
	router.GET("/readiness", s.handleReadiness)
	router.GET("/metrics", s.handleMetrics)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called. It blocks; run it on its own
// goroutine.
func (s *Server) Start() error {
	s.logger.Info("health server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// handleReadiness probes the dependencies a worker needs to make progress.
func (s *Server) handleReadiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	checks := gin.H{}
	ready := true

	if err := s.broker.Ping(ctx); err != nil {
		checks["broker"] = err.Error()
		ready = false
	} else {
		checks["broker"] = "ok"
	}
	if err := s.shards.Ping(ctx); err != nil {
		checks["storage"] = err.Error()
		ready = false
	} else {
		checks["storage"] = "ok"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}

func (s *Server) handleMetrics(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	body := gin.H{}

	depths, err := s.broker.Depths(ctx)
	if err != nil {
		s.logger.Error("error reading queue depths", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue depths unavailable"})
		return
	}
	total := 0
	for _, d := range depths {
		total += d
	}
	body["queueDepths"] = depths
	body["totalDepth"] = total

	if s.metrics != nil {
		body["workers"] = s.metrics.Snapshot()
	}
	if s.parses != nil {
		body["extractorParseFailures"] = s.parses.ParseFailures()
	}

	c.JSON(http.StatusOK, body)
}
