// Package webhook receives engine completion callbacks over HTTP and forwards them to
// the bus. It also serves the health, readiness and metrics endpoints.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-pipeline/internal/config"
	"github.com/book-expert/tts-pipeline/internal/core"
)

const (
	maxBodyBytes      = 1 << 20
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Response codes in the body envelope.
const (
	CodeSuccess      = 200
	CodeBadRequest   = 10400
	CodePublishError = 10500
)

// CallbackAccepted is the data field of a successful callback response.
const CallbackAccepted = "回调消息已发送到消息队列"

// CallbackSender publishes an engine callback.
type CallbackSender interface {
	SendCallback(ctx context.Context, req core.CallbackRequest) error
}

// Response is the body of every callback reply.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Server is the HTTP front of the pipeline.
type Server struct {
	cfg     config.WebhookConfig
	sender  CallbackSender
	ready   func() bool
	metrics http.Handler
	log     *logger.Logger

	httpServer *http.Server
}

// NewServer creates a server. ready reports whether the bus is usable; metrics may be nil.
func NewServer(
	cfg config.WebhookConfig,
	sender CallbackSender,
	ready func() bool,
	metrics http.Handler,
	log *logger.Logger,
) *Server {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = "/synthesis/callback"
	}

	if ready == nil {
		ready = func() bool { return true }
	}

	return &Server{cfg: cfg, sender: sender, ready: ready, metrics: metrics, log: log}
}

// Handler returns the routes served by the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+s.cfg.CallbackPath, s.handleCallback)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}

	return mux
}

// Run listens on the configured address until ctx is cancelled, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}

	return s.Serve(ctx, listener)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errChan := make(chan error, 1)

	go func() {
		serveErr := s.httpServer.Serve(listener)
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errChan <- serveErr
		}

		close(errChan)
	}()

	s.log.System("Webhook listening on %s%s", listener.Addr(), s.cfg.CallbackPath)

	select {
	case err := <-errChan:
		return fmt.Errorf("webhook server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("webhook shutdown failed: %w", err)
	}

	s.log.System("Webhook stopped")

	return nil
}

// handleCallback forwards the engine payload unchanged. The reply reflects only
// whether publishing succeeded.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req core.CallbackRequest

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))

	err := decoder.Decode(&req)
	if err != nil {
		s.log.Warn("Rejecting malformed callback: %v", err)
		writeJSON(w, http.StatusBadRequest, Response{Code: CodeBadRequest, Message: "malformed callback body"})

		return
	}

	if req.JobID == "" {
		s.log.Warn("Rejecting callback without job id")
		writeJSON(w, http.StatusBadRequest, Response{Code: CodeBadRequest, Message: "job_id is required"})

		return
	}

	err = s.sender.SendCallback(r.Context(), req)
	if err != nil {
		s.log.Error("Failed to forward callback for job %s: %v", req.JobID, err)
		writeJSON(w, http.StatusInternalServerError, Response{Code: CodePublishError, Message: "failed to forward callback"})

		return
	}

	s.log.Info("Forwarded %s callback for job %s", req.Status, req.JobID)
	writeJSON(w, http.StatusOK, Response{Code: CodeSuccess, Message: "success", Data: CallbackAccepted})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))

		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
