// Package httpapi is lingerd's HTTP surface: the channel/topic/message
// resources clients produce and consume through, plus the admin listings,
// /stats, /healthz, and /metrics.
package httpapi

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/adred-codev/lingerd/internal/broker"
	"github.com/adred-codev/lingerd/internal/metrics"
	"github.com/adred-codev/lingerd/internal/snsadapter"
)

// Guard is the admission-control surface the server consults before doing
// work. A nil Guard admits everything (tests, embedded use).
type Guard interface {
	ShouldAcceptRequest() (accept bool, reason string)
	AllowPublish() bool
	AllowGetMessage() bool
	GetStats() map[string]any
}

// Config holds the HTTP layer's own knobs, separate from the engine's.
type Config struct {
	// DefaultTimeout is the visibility timeout applied when a client omits
	// ?timeout= on a produce or subscribe request.
	DefaultTimeout time.Duration
	// DefaultLongPoll bounds how long a GET without ?timeout= parks before
	// resolving with 204. Zero means park until the client disconnects.
	DefaultLongPoll time.Duration
	// MaxBodyBytes caps request bodies. Zero applies a 1 MiB default.
	MaxBodyBytes int64
	// Inflight, when set, is the shared in-flight request counter the
	// resource guard also reads. When nil the server keeps its own.
	Inflight *int64
}

// Server routes HTTP requests into the broker engine.
type Server struct {
	broker *broker.Broker
	sns    *snsadapter.Adapter
	guard  Guard
	logger zerolog.Logger
	cfg    Config
	router *httprouter.Router

	inflight *int64
}

// New wires the full route table. sns may be nil to disable SNS ingestion.
func New(b *broker.Broker, sns *snsadapter.Adapter, guard Guard, logger zerolog.Logger, cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Inflight == nil {
		cfg.Inflight = new(int64)
	}
	s := &Server{
		broker:   b,
		sns:      sns,
		guard:    guard,
		logger:   logger,
		cfg:      cfg,
		router:   httprouter.New(),
		inflight: cfg.Inflight,
	}

	s.route(http.MethodPost, "/channels/:name", s.handleAddMessage)
	s.route(http.MethodGet, "/channels/:name", s.handleGetMessage)
	s.route(http.MethodDelete, "/channels/:name", s.handleDrainChannel)
	s.route(http.MethodGet, "/channels/:name/stats", s.handleChannelStats)
	s.route(http.MethodGet, "/channels/:name/topics", s.handleListTopicsForChannel)
	s.route(http.MethodPut, "/channels/:name/topics/:topic", s.handlePutSubscription)
	s.route(http.MethodDelete, "/channels/:name/topics/:topic", s.handleDeleteSubscription)
	s.route(http.MethodGet, "/channels", s.handleListChannels)

	s.route(http.MethodPost, "/topics/:topic", s.handlePublish)
	s.route(http.MethodGet, "/topics/:topic/channels", s.handleListChannelsForTopic)
	s.route(http.MethodGet, "/topics", s.handleListTopics)

	s.route(http.MethodDelete, "/messages/:id", s.handleDeleteMessage)
	s.route(http.MethodPost, "/messages/:id/touch", s.handleTouchMessage)

	s.route(http.MethodGet, "/stats", s.handleStats)

	// Liveness and metrics bypass admission control: they must answer even
	// when the guard is rejecting work.
	s.router.HandlerFunc(http.MethodGet, "/healthz", s.handleHealthz)
	s.router.Handler(http.MethodGet, "/metrics", metrics.Handler())

	return s
}

// Handler returns the root handler to mount on an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Inflight exposes the in-flight request counter the resource guard reads.
func (s *Server) Inflight() *int64 {
	return s.inflight
}

// route registers one queue-surface handler behind the shared middleware:
// in-flight accounting, admission control, body capping, and per-route
// metrics.
func (s *Server) route(method, path string, h httprouter.Handle) {
	routeLabel := method + " " + path
	s.router.Handle(method, path, func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		atomic.AddInt64(s.inflight, 1)
		defer atomic.AddInt64(s.inflight, -1)

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}

		if s.guard != nil {
			if accept, reason := s.guard.ShouldAcceptRequest(); !accept {
				s.logger.Warn().Str("route", routeLabel).Str("reason", reason).Msg("request rejected by resource guard")
				http.Error(sw, "server overloaded", http.StatusServiceUnavailable)
				metrics.ObserveHTTPRequest(routeLabel, statusClass(sw.code()), time.Since(start))
				return
			}
		}

		r.Body = http.MaxBytesReader(sw, r.Body, s.cfg.MaxBodyBytes)
		h(sw, r, ps)
		metrics.ObserveHTTPRequest(routeLabel, statusClass(sw.code()), time.Since(start))
	})
}

// statusWriter captures the response status for metrics. A handler that
// never calls WriteHeader implicitly responded 200.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	if sw.status == 0 {
		sw.status = status
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Write(p []byte) (int, error) {
	if sw.status == 0 {
		sw.status = http.StatusOK
	}
	return sw.ResponseWriter.Write(p)
}

func (sw *statusWriter) code() int {
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

func statusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write json response")
	}
}

// writeBrokerError maps engine errors onto HTTP status codes.
func (s *Server) writeBrokerError(w http.ResponseWriter, err error) {
	switch {
	case broker.IsInvalidArgument(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case broker.IsNotFound(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.logger.Error().Err(err).Msg("engine error")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
