// Package server exposes the dispatcher over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pario-ai/switchboard/pkg/budget"
	"github.com/pario-ai/switchboard/pkg/dispatch"
	"github.com/pario-ai/switchboard/pkg/health"
	"github.com/pario-ai/switchboard/pkg/models"
	"github.com/pario-ai/switchboard/pkg/provider"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// maxBodyBytes caps dispatch request bodies.
const maxBodyBytes = 4 << 20

// statusClientClosedRequest is reported when the caller went away.
const statusClientClosedRequest = 499

// Server is the switchboard HTTP front end.
type Server struct {
	listen     string
	dispatcher *dispatch.Dispatcher
	health     *health.Registry
	budget     *budget.Engine
	providers  *provider.Registry
	mux        *http.ServeMux
}

// New creates a Server. A nil gatherer disables /metrics.
func New(listen string, d *dispatch.Dispatcher, h *health.Registry, b *budget.Engine, p *provider.Registry, g prometheus.Gatherer) *Server {
	s := &Server{
		listen:     listen,
		dispatcher: d,
		health:     h,
		budget:     b,
		providers:  p,
		mux:        http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/dispatch", s.handleDispatch)
	s.mux.HandleFunc("GET /v1/providers", s.handleProviders)
	s.mux.HandleFunc("GET /v1/budget", s.handleBudget)
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if g != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.listen).Info("switchboard listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

// DispatchRequest is the body of POST /v1/dispatch.
type DispatchRequest struct {
	Request  models.Request  `json:"request"`
	Criteria models.Criteria `json:"criteria"`
	Owners   []models.Owner  `json:"owners"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", "failed to read request body")
		return
	}
	var req DispatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_body", fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	strategy, err := models.ParseStrategy(string(req.Criteria.Strategy))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, string(dispatch.KindCallerError), err.Error())
		return
	}
	req.Criteria.Strategy = strategy
	for i, o := range req.Owners {
		kind, err := models.ParseOwnerKind(string(o.Kind))
		if err != nil || (o.ID == "" && kind != models.OwnerGlobal) {
			writeJSONError(w, http.StatusBadRequest, string(dispatch.KindCallerError), fmt.Sprintf("invalid owner %q/%q", o.Kind, o.ID))
			return
		}
		req.Owners[i].Kind = kind
	}
	if req.Request.CorrelationID == "" {
		req.Request.CorrelationID = r.Header.Get("X-Correlation-ID")
	}

	res, err := s.dispatcher.Dispatch(r.Context(), &req.Request, req.Criteria, req.Owners)
	if err != nil {
		code, kind := statusFor(err)
		if code >= http.StatusInternalServerError {
			log.WithError(err).Warn("dispatch failed")
		}
		writeJSONError(w, code, kind, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func statusFor(err error) (int, string) {
	var de *dispatch.Error
	if !errors.As(err, &de) {
		return http.StatusInternalServerError, "internal_error"
	}
	switch de.Kind {
	case dispatch.KindNoEligibleModel:
		return http.StatusUnprocessableEntity, string(de.Kind)
	case dispatch.KindBudgetExceeded:
		return http.StatusPaymentRequired, string(de.Kind)
	case dispatch.KindCallerError:
		return http.StatusBadRequest, string(de.Kind)
	case dispatch.KindAllProvidersFailed:
		return http.StatusBadGateway, string(de.Kind)
	case dispatch.KindDispatchTimeout:
		return http.StatusGatewayTimeout, string(de.Kind)
	case dispatch.KindCanceled:
		return statusClientClosedRequest, string(de.Kind)
	default:
		return http.StatusInternalServerError, string(de.Kind)
	}
}

func (s *Server) handleProviders(w http.ResponseWriter, _ *http.Request) {
	snap := s.health.Snapshot()
	records := snap.Sorted()
	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.Provider] = true
	}
	if s.providers != nil {
		for _, name := range s.providers.Names() {
			if !known[name] {
				records = append(records, models.HealthRecord{Provider: name, Status: models.StatusHealthy})
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"at":        snap.At,
		"providers": records,
	})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	kind, err := models.ParseOwnerKind(r.URL.Query().Get("kind"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	owner := models.Owner{Kind: kind, ID: r.URL.Query().Get("owner")}
	if owner.ID == "" && kind != models.OwnerGlobal {
		writeJSONError(w, http.StatusBadRequest, "invalid_query", "owner is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"owner":  owner,
		"scopes": s.budget.Status(owner),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("write response")
	}
}

func writeJSONError(w http.ResponseWriter, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":%q,"code":%d}}`, message, kind, code)
}
