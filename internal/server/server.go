// Package server exposes the replication endpoints peers call, plus health and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/replimesh/replimesh/internal/logging/audit"
	"github.com/replimesh/replimesh/internal/metrics"
	"github.com/replimesh/replimesh/internal/registry"
	"github.com/replimesh/replimesh/internal/replerr"
	"github.com/replimesh/replimesh/internal/replication"
	"github.com/replimesh/replimesh/pkg/proto"
)

// Registry is the part of the instance registry the endpoints drive.
type Registry interface {
	HandleRegister(ctx context.Context, uri, name, receiveKey, requestKey string) (proto.RegisterStatus, *proto.RegisterResponse, error)
	HandleUnregister(ctx context.Context, uri string) error
	HandleUpdateKey(ctx context.Context, uri, newReceiveKey string) error
	Verify(uri, key, signedKey string) (*registry.Instance, error)
}

// Inbox accepts verified inbound messages.
type Inbox interface {
	Add(ctx context.Context, env *replication.Envelope, body io.Reader, from *registry.Instance) error
}

// Waker wakes the outbound queue of an instance.
type Waker interface {
	Ping(uri string)
}

// Config contains configuration for the server.
type Config struct {
	Listen       string
	EndpointRoot string
	TLSCertFile  string
	TLSKeyFile   string

	Registry Registry
	Inbox    Inbox
	Sender   Waker

	Audit   *audit.Logger
	Metrics *metrics.ReplicationMetrics

	MetricsPath string // empty disables /metrics
	RateLimit   rate.Limit
	RateBurst   int
	Version     string
	Logger      zerolog.Logger
}

// Server serves the replication protocol.
type Server struct {
	config  Config
	mux     *http.ServeMux
	limiter *rate.Limiter
	audit   *audit.Logger
	metrics *metrics.ReplicationMetrics
	logger  zerolog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	started    time.Time
}

// New creates a server and registers its routes.
func New(config Config) *Server {
	if config.EndpointRoot == "" {
		config.EndpointRoot = proto.DefaultEndpointRoot
	}
	config.EndpointRoot = "/" + strings.Trim(config.EndpointRoot, "/")
	if config.Audit == nil {
		config.Audit = audit.Nop()
	}

	s := &Server{
		config:  config,
		mux:     http.NewServeMux(),
		audit:   config.Audit,
		metrics: config.Metrics,
		logger:  config.Logger.With().Str("component", "server").Logger(),
		started: time.Now(),
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(config.RateLimit, burst)
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	root := s.config.EndpointRoot
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc(root+proto.PathRegister, s.handleRegister)
	s.mux.HandleFunc(root+proto.PathPing, s.handlePing)
	s.mux.HandleFunc(root+proto.PathMessage, s.handleMessage)
	s.mux.HandleFunc(root+proto.PathUpdateKey, s.handleUpdateKey)
	s.mux.HandleFunc(root+proto.PathUnregister, s.handleUnregister)
	if s.config.MetricsPath != "" {
		s.mux.Handle(s.config.MetricsPath, metrics.Handler())
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Listen, err)
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.listener = ln
	s.mu.Unlock()

	tlsEnabled := s.config.TLSCertFile != ""
	s.logger.Info().
		Str("listen", ln.Addr().String()).
		Str("endpoint_root", s.config.EndpointRoot).
		Bool("tls", tlsEnabled).
		Msg("Starting replication server")

	go func() {
		var err error
		if tlsEnabled {
			err = srv.ServeTLS(ln, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Replication server failed")
		}
	}()
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting calls and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info().Msg("Stopping replication server")
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": s.config.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	const endpoint = "register"
	if !s.allowMethod(w, r, endpoint, http.MethodPut) {
		return
	}
	q := r.URL.Query()
	uri := proto.NormalizeURI(q.Get(proto.ParamURI))
	if uri == "" {
		s.textError(w, endpoint, "missing "+proto.ParamURI, http.StatusBadRequest)
		return
	}

	status, answer, err := s.config.Registry.HandleRegister(r.Context(), uri,
		q.Get(proto.ParamName), q.Get(proto.ParamReceiveKey), q.Get(proto.ParamRequestKey))
	if err != nil {
		if replerr.IsInvalidMessage(err) {
			s.audit.LogAuth(uri, endpoint, "denied", err.Error(), r.RemoteAddr)
		}
		s.fail(w, endpoint, err)
		return
	}

	code := status.HTTPStatus()
	s.metrics.Request(endpoint, code)
	if status != proto.RegisterComplete {
		w.WriteHeader(code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(answer)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	const endpoint = "ping"
	if !s.allowMethod(w, r, endpoint, http.MethodPost) {
		return
	}
	inst, ok := s.authenticate(w, r, endpoint)
	if !ok {
		return
	}
	if s.config.Sender != nil {
		s.config.Sender.Ping(inst.URI)
	}
	s.ok(w, endpoint)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	const endpoint = "message"
	if !s.allowMethod(w, r, endpoint, http.MethodPut) {
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		s.textError(w, endpoint, "too many messages", http.StatusTooManyRequests)
		return
	}
	inst, ok := s.authenticate(w, r, endpoint)
	if !ok {
		return
	}
	if !inst.IsRegistered() {
		s.textError(w, endpoint, fmt.Sprintf("%s is not registered", inst.URI), http.StatusNotFound)
		return
	}

	env, err := parseEnvelope(r)
	if err != nil {
		s.fail(w, endpoint, err)
		return
	}
	if err := s.config.Inbox.Add(r.Context(), env, r.Body, inst); err != nil {
		s.logger.Error().Err(err).Str("id", env.ID).Str("from", inst.URI).Msg("failed to accept message")
		s.fail(w, endpoint, err)
		return
	}
	s.ok(w, endpoint)
}

func (s *Server) handleUpdateKey(w http.ResponseWriter, r *http.Request) {
	const endpoint = "updatekey"
	if !s.allowMethod(w, r, endpoint, http.MethodPost) {
		return
	}
	inst, ok := s.authenticate(w, r, endpoint)
	if !ok {
		return
	}
	newKey := r.URL.Query().Get(proto.ParamNewReceiveKey)
	if newKey == "" {
		s.textError(w, endpoint, "missing "+proto.ParamNewReceiveKey, http.StatusBadRequest)
		return
	}
	if err := s.config.Registry.HandleUpdateKey(r.Context(), inst.URI, newKey); err != nil {
		s.fail(w, endpoint, err)
		return
	}
	s.ok(w, endpoint)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	const endpoint = "unregister"
	if !s.allowMethod(w, r, endpoint, http.MethodPut) {
		return
	}
	inst, ok := s.authenticate(w, r, endpoint)
	if !ok {
		return
	}
	if err := s.config.Registry.HandleUnregister(r.Context(), inst.URI); err != nil {
		s.fail(w, endpoint, err)
		return
	}
	s.ok(w, endpoint)
}

// authenticate verifies the signature of a call and returns the caller.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, endpoint string) (*registry.Instance, bool) {
	q := r.URL.Query()
	uri := proto.NormalizeURI(q.Get(proto.ParamURI))
	if uri == "" {
		s.audit.LogAuth("", endpoint, "denied", "missing "+proto.ParamURI, r.RemoteAddr)
		s.textError(w, endpoint, "missing "+proto.ParamURI, http.StatusBadRequest)
		return nil, false
	}

	inst, err := s.config.Registry.Verify(uri, q.Get(proto.ParamKey), q.Get(proto.ParamSignedKey))
	if err != nil {
		s.audit.LogAuth(uri, endpoint, "denied", err.Error(), r.RemoteAddr)
		if errors.Is(err, registry.ErrUnknownInstance) {
			s.textError(w, endpoint, "unknown instance "+uri, http.StatusNotFound)
		} else {
			s.textError(w, endpoint, "signature verification failed", http.StatusForbidden)
		}
		return nil, false
	}
	s.audit.LogAuth(uri, endpoint, "allowed", "", r.RemoteAddr)
	return inst, true
}

// parseEnvelope reads the routing fields of an inbound message from the query and
// headers.
func parseEnvelope(r *http.Request) (*replication.Envelope, error) {
	q := r.URL.Query()
	env := &replication.Envelope{
		ID:       q.Get(proto.ParamID),
		Type:     q.Get(proto.ParamType),
		Source:   proto.NormalizeURI(q.Get(proto.ParamSource)),
		Metadata: replication.Metadata{},
	}
	if env.ID == "" {
		return nil, replerr.Invalid("", "missing %s", proto.ParamID)
	}
	date, err := proto.ParseDate(q.Get(proto.ParamDate))
	if err != nil {
		return nil, replerr.Invalid(env.ID, "invalid %s: %v", proto.ParamDate, err)
	}
	env.Date = date

	for name, values := range r.Header {
		if strings.EqualFold(name, proto.HeaderReceivers) {
			for _, v := range values {
				env.Receivers = append(env.Receivers, proto.SplitValues(v)...)
			}
			continue
		}
		key, ok := proto.MetadataKey(name)
		if !ok {
			continue
		}
		for _, v := range values {
			env.Metadata.Add(key, proto.SplitValues(v)...)
		}
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func (s *Server) allowMethod(w http.ResponseWriter, r *http.Request, endpoint, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	s.textError(w, endpoint, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

// fail maps err to a status code.
func (s *Server) fail(w http.ResponseWriter, endpoint string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrUnknownInstance):
		code = http.StatusNotFound
	case replerr.IsInvalidMessage(err):
		code = http.StatusBadRequest
	case errors.Is(err, registry.ErrSelf), errors.Is(err, registry.ErrInvalidState):
		code = http.StatusConflict
	}
	s.textError(w, endpoint, err.Error(), code)
}

func (s *Server) ok(w http.ResponseWriter, endpoint string) {
	s.metrics.Request(endpoint, http.StatusOK)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "OK\n")
}

func (s *Server) textError(w http.ResponseWriter, endpoint, message string, code int) {
	s.metrics.Request(endpoint, code)
	http.Error(w, message, code)
}
