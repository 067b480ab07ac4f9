// Package adminapi exposes the list manager's operations over a small
// authenticated HTTP surface for operators and the delivery pipeline.
package adminapi

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/corvid-mail/rook/bounce"
	"github.com/corvid-mail/rook/consts"
	"github.com/corvid-mail/rook/list"
	"github.com/corvid-mail/rook/logger"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP admin API server.
type Server struct {
	addr   string
	apiKey string
	svc    *list.Service
	server *http.Server
}

// ServerOptions holds the admin API configuration.
type ServerOptions struct {
	Addr   string
	APIKey string
}

// New creates the admin API server.
func New(svc *list.Service, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for admin API server")
	}
	return &Server{
		addr:   options.Addr,
		apiKey: options.APIKey,
		svc:    svc,
	}, nil
}

// Start runs the server until err or ctx cancellation, reporting fatal
// errors on errChan.
func Start(ctx context.Context, svc *list.Service, options ServerOptions, errChan chan error) {
	server, err := New(svc, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create admin API server: %w", err)
		return
	}
	logger.Info("admin API: starting server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("admin API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		logger.Info("admin API: shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin API: error shutting down server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Router builds the route table. Exported for httptest.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/admin/pending", s.handleCreatePending).Methods("POST")
	r.HandleFunc("/admin/pending/{cookie}/confirm", s.handleConfirmPending).Methods("POST")
	r.HandleFunc("/admin/lists/{list}/bounces", s.handleRegisterBounce).Methods("POST")
	r.HandleFunc("/admin/lists/{list}/members/{address}", s.handleGetMember).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.Use(s.loggingMiddleware, s.authMiddleware)
	return r
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("admin API: request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Utility functions

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("admin API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps domain sentinels onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consts.ErrPendingNotFound),
		errors.Is(err, consts.ErrNotAMember),
		errors.Is(err, consts.ErrListNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, consts.ErrMemberExists),
		errors.Is(err, consts.ErrListExists):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, consts.ErrLockTimeout):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("admin API: internal error", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Request/Response types

type CreatePendingRequest struct {
	Kind       string `json:"kind"` // subscription, unsubscription, address_change, held_message
	List       string `json:"list"`
	Address    string `json:"address,omitempty"`
	Password   string `json:"password,omitempty"`
	Language   string `json:"language,omitempty"`
	Digest     bool   `json:"digest,omitempty"`
	NewAddress string `json:"new_address,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

type CreatePendingResponse struct {
	Cookie string `json:"cookie"`
}

type ConfirmPendingResponse struct {
	Kind    string `json:"kind"`
	List    string `json:"list"`
	Address string `json:"address,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type RegisterBounceRequest struct {
	Address string `json:"address"`
	// Original is the bounced message, base64-encoded. Optional; without
	// it notices go out without the attachment.
	Original string `json:"original,omitempty"`
}

type RegisterBounceResponse struct {
	Disposition string `json:"disposition"`
	Action      string `json:"action,omitempty"`
	ActionOK    bool   `json:"action_ok,omitempty"`
	Notified    bool   `json:"notified,omitempty"`
	Suppressed  bool   `json:"suppressed,omitempty"`
}

type MemberResponse struct {
	List            string    `json:"list"`
	Address         string    `json:"address"`
	Digest          bool      `json:"digest"`
	DeliveryEnabled bool      `json:"delivery_enabled"`
	Language        string    `json:"language"`
	CreatedAt       time.Time `json:"created_at"`
}

// Handler functions

func (s *Server) handleCreatePending(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreatePendingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.List == "" {
		s.writeError(w, http.StatusBadRequest, "list is required")
		return
	}

	ctx := r.Context()
	var cookie string
	var err error
	switch req.Kind {
	case "subscription":
		cookie, err = s.svc.RequestSubscription(ctx, req.List, req.Address, req.Password, req.Language, req.Digest)
	case "unsubscription":
		cookie, err = s.svc.RequestUnsubscription(ctx, req.List, req.Address)
	case "address_change":
		cookie, err = s.svc.RequestAddressChange(ctx, req.List, req.Address, req.NewAddress)
	case "held_message":
		cookie, err = s.svc.HoldMessage(ctx, req.List, req.MessageID)
	default:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown pending kind %q", req.Kind))
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, CreatePendingResponse{Cookie: cookie})
}

func (s *Server) handleConfirmPending(w http.ResponseWriter, r *http.Request) {
	cookie := mux.Vars(r)["cookie"]
	expunge := true
	if v := r.URL.Query().Get("expunge"); v != "" {
		expunge = v != "false" && v != "0"
	}

	res, err := s.svc.Confirm(r.Context(), cookie, expunge)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ConfirmPendingResponse{
		Kind:    res.Kind.String(),
		List:    res.List,
		Address: res.Address,
		Detail:  res.Detail,
	})
}

func (s *Server) handleRegisterBounce(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	listName := mux.Vars(r)["list"]

	var req RegisterBounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Address == "" {
		s.writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	var original []byte
	if req.Original != "" {
		var err error
		original, err = base64.StdEncoding.DecodeString(req.Original)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "original must be base64-encoded")
			return
		}
	}

	out, err := s.svc.HandleBounce(r.Context(), listName, req.Address, original)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	resp := RegisterBounceResponse{
		Disposition: string(out.Disposition),
		Notified:    out.Notified,
		Suppressed:  out.Suppressed,
	}
	if out.Disposition == bounce.DispositionEscalated {
		resp.Action = out.Action.String()
		resp.ActionOK = out.ActionOK
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	m, err := s.svc.MemberStatus(r.Context(), vars["list"], vars["address"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MemberResponse{
		List:            m.List,
		Address:         m.Address,
		Digest:          m.Digest,
		DeliveryEnabled: m.DeliveryEnabled,
		Language:        m.Language,
		CreatedAt:       m.CreatedAt,
	})
}
