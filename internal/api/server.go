// Package api exposes the chat service over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/folio/internal/errs"
	"github.com/seanblong/folio/internal/ledger"
	"github.com/seanblong/folio/internal/ratelimit"
	"github.com/seanblong/folio/pkg/models"
)

const (
	maxBodyBytes          = 64 << 10
	defaultRequestTimeout = 60 * time.Second
	statusTimeout         = 3 * time.Second
)

// Responder answers chat requests.
type Responder interface {
	Respond(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error)
}

// Pinger checks store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// UsageReporter reports ledger usage.
type UsageReporter interface {
	Status(ctx context.Context) (ledger.Status, error)
	Limits() ledger.Limits
}

// Server holds the handler dependencies. Usage and Limiter may be nil.
type Server struct {
	Chat    Responder
	Store   Pinger
	Usage   UsageReporter
	Limiter *ratelimit.Limiter
	Logger  zerolog.Logger

	// RequestTimeout bounds a single chat request.
	RequestTimeout time.Duration
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
}

// UsageBody is the GET /usage response.
type UsageBody struct {
	ledger.Status
	Limits ledger.Limits `json:"limits"`
}

// StatusBody is the GET /status response.
type StatusBody struct {
	Store string `json:"store"`
	Error string `json:"error,omitempty"`
}

// Routes registers the endpoints on a new mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /chat", s.handleChat)
	if s.Usage != nil {
		mux.HandleFunc("GET /usage", s.handleUsage)
	}
	return mux
}

// Handler returns the routes wrapped in request-scoped logging, request ids
// and access logging.
func (s *Server) Handler() http.Handler {
	return hlog.NewHandler(s.Logger)(
		RequestID(
			hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("size", size).
					Dur("dur", dur).
					Msg("http")
			})(s.Routes()),
		),
	)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.Limiter != nil {
		if ok, wait := s.Limiter.Allow(ClientKey(r)); !ok {
			secs := int(math.Ceil(wait.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
			writeError(w, r, http.StatusTooManyRequests, "too many requests, slow down", "rate_limited")
			return
		}
	}

	var req models.ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large", string(errs.KindValidation))
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid JSON body", string(errs.KindValidation))
		return
	}

	timeout := s.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp, err := s.Chat.Respond(ctx, req)
	if err != nil {
		writeError(w, r, errs.StatusOf(err), err.Error(), string(errs.KindOf(err)))
		return
	}
	if math.IsNaN(resp.Metadata.Cost) || math.IsInf(resp.Metadata.Cost, 0) {
		resp.Metadata.Cost = 0
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Store ping failed")
		writeJSON(w, r, http.StatusServiceUnavailable, StatusBody{Store: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, r, http.StatusOK, StatusBody{Store: "ok"})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), statusTimeout)
	defer cancel()
	st, err := s.Usage.Status(ctx)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to read usage")
		writeError(w, r, http.StatusInternalServerError, "usage unavailable", "")
		return
	}
	writeJSON(w, r, http.StatusOK, UsageBody{Status: st, Limits: s.Usage.Limits()})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg, kind string) {
	writeJSON(w, r, status, ErrorBody{Success: false, Error: msg, Kind: kind})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("failed to encode response")
	}
}
