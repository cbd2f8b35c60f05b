package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/udpmail/consts"
	"github.com/migadu/udpmail/logger"
	"github.com/migadu/udpmail/pkg/health"
	"github.com/migadu/udpmail/pkg/metrics"
	"github.com/migadu/udpmail/storage"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 64 * 1024

// AccountDirectory is the part of the account directory the API uses.
type AccountDirectory interface {
	Register(ctx context.Context, username, password string) error
	Exists(username string) bool
	Usernames() []string
	Count() int
}

// MailboxStore is the part of the mailbox store the API uses.
type MailboxStore interface {
	List(ctx context.Context, username string) ([]storage.MessageInfo, error)
	Read(ctx context.Context, username, id string) ([]byte, error)
	Stats() storage.Stats
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	directory    AccountDirectory
	store        MailboxStore
	health       *health.HealthMonitor
	startedAt    time.Time
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	// Health backs the health endpoint. May be nil.
	Health *health.HealthMonitor
}

// New creates a new HTTP API server
func New(directory AccountDirectory, store MailboxStore, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if directory == nil || store == nil {
		return nil, fmt.Errorf("directory and store are required for HTTP API server")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		directory:    directory,
		store:        store,
		health:       options.Health,
		startedAt:    time.Now(),
	}, nil
}

// Start runs the HTTP API server until ctx is done.
func Start(ctx context.Context, directory AccountDirectory, store MailboxStore, options ServerOptions, errChan chan error) {
	server, err := New(directory, store, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("Starting HTTP API server", "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP API server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/accounts", s.handleCreateAccount).Methods("POST")
	v1.HandleFunc("/accounts", s.handleListAccounts).Methods("GET")
	v1.HandleFunc("/accounts/{username}", s.handleGetAccount).Methods("GET")
	v1.HandleFunc("/accounts/{username}/messages", s.handleListMessages).Methods("GET")
	v1.HandleFunc("/accounts/{username}/messages/{id}", s.handleGetMessage).Methods("GET")

	v1.HandleFunc("/stats", s.handleStats).Methods("GET")
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("HTTP API request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

// allowedHostsMiddleware matches the connection's peer address only;
// forwarding headers are not trusted.
func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		ip := net.ParseIP(clientIP)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") && ip != nil {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil && cidr.Contains(ip) {
					allowed = true
					break
				}
			}
		}

		if !allowed {
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, found := strings.Cut(authHeader, " ")
		if !found || !strings.EqualFold(scheme, "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Request/Response types

type CreateAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AccountResponse struct {
	Username string `json:"username"`
	Exists   bool   `json:"exists"`
}

type ListAccountsResponse struct {
	Accounts []string `json:"accounts"`
	Count    int      `json:"count"`
}

type ListMessagesResponse struct {
	Username string                `json:"username"`
	Messages []storage.MessageInfo `json:"messages"`
	Count    int                   `json:"count"`
}

type StatsResponse struct {
	Accounts      int       `json:"accounts"`
	Mailboxes     int       `json:"mailboxes"`
	Messages      int       `json:"messages"`
	StartedAt     time.Time `json:"started_at"`
	UptimeSeconds int64     `json:"uptime_seconds"`
}

type HealthResponse struct {
	Status     health.ComponentStatus `json:"status"`
	Components []health.CheckReport   `json:"components"`
}

// Handler functions

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req CreateAccountRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	if req.Username == "" || req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	ctx := context.WithValue(r.Context(), consts.RemoteAddrKey, r.RemoteAddr)
	err := s.directory.Register(ctx, req.Username, req.Password)
	switch {
	case err == nil:
		metrics.AccountsRegistered.Inc()
		metrics.AccountsCurrent.Set(float64(s.directory.Count()))
		s.writeJSON(w, http.StatusCreated, map[string]string{
			"username": req.Username,
			"message":  "Account created successfully",
		})
	case errors.Is(err, consts.ErrAccountExists):
		s.writeError(w, http.StatusConflict, "Account already exists")
	case errors.Is(err, consts.ErrInvalidUsername):
		s.writeError(w, http.StatusBadRequest, "Invalid username")
	case errors.Is(err, consts.ErrInvalidPassword):
		s.writeError(w, http.StatusBadRequest, "Invalid password")
	default:
		logger.Error("HTTP API: failed to create account", "username", req.Username, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Cannot create account")
	}
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.directory.Usernames()
	s.writeJSON(w, http.StatusOK, ListAccountsResponse{Accounts: accounts, Count: len(accounts)})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if !s.directory.Exists(username) {
		s.writeError(w, http.StatusNotFound, "Account not found")
		return
	}
	s.writeJSON(w, http.StatusOK, AccountResponse{Username: username, Exists: true})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	if !s.directory.Exists(username) {
		s.writeError(w, http.StatusNotFound, "Account not found")
		return
	}

	infos, err := s.store.List(r.Context(), username)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Cannot retrieve emails")
		return
	}
	if infos == nil {
		infos = []storage.MessageInfo{}
	}
	s.writeJSON(w, http.StatusOK, ListMessagesResponse{Username: username, Messages: infos, Count: len(infos)})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	username, id := vars["username"], vars["id"]
	if !s.directory.Exists(username) {
		s.writeError(w, http.StatusNotFound, "Account not found")
		return
	}

	data, err := s.store.Read(r.Context(), username, id)
	switch {
	case err == nil:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	case errors.Is(err, consts.ErrMessageNotFound):
		s.writeError(w, http.StatusNotFound, "Email not found")
	default:
		s.writeError(w, http.StatusInternalServerError, "Cannot read email")
	}
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.store.Stats()
	s.writeJSON(w, http.StatusOK, StatsResponse{
		Accounts:      s.directory.Count(),
		Mailboxes:     st.Mailboxes,
		Messages:      st.Messages,
		StartedAt:     s.startedAt,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.writeJSON(w, http.StatusOK, HealthResponse{Status: health.StatusHealthy, Components: []health.CheckReport{}})
		return
	}

	resp := HealthResponse{Status: s.health.GetOverallStatus(), Components: s.health.Reports()}
	sort.Slice(resp.Components, func(i, j int) bool { return resp.Components[i].Name < resp.Components[j].Name })

	status := http.StatusOK
	if resp.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
