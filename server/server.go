// Package server exposes the recovery service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnosh/nutrecovery/apperr"
	"github.com/elnosh/nutrecovery/jobs"
	"github.com/elnosh/nutrecovery/metrics"
	"github.com/elnosh/nutrecovery/payment"
	"github.com/elnosh/nutrecovery/recovery"
	"github.com/elnosh/nutrecovery/settlement"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

const (
	defaultMaxBodyBytes = 10 << 20
	shutdownTimeout     = 10 * time.Second
	swapWalletPrefix    = "nutrecovery-swap"
)

type Config struct {
	Port string
	// comma separated list of allowed origins
	CORSOrigin string

	RateLimitMax         int
	RateLimitRecoveryMax int
	RateLimitWindow      time.Duration
	MaxBodyBytes         int64

	Limits recovery.Limits
}

// Gate decides whether a recovery may be submitted.
type Gate interface {
	Check(ctx context.Context, identity, tokenstr string) error
}

type Server struct {
	httpServer *http.Server
	router     *mux.Router

	jobs    *jobs.Manager
	gate    Gate
	wallet  settlement.Wallet
	metrics *metrics.Metrics
	logger  *slog.Logger

	limits          recovery.Limits
	maxBodyBytes    int64
	globalLimiter   *ipLimiter
	recoveryLimiter *ipLimiter

	mu       sync.Mutex
	listener net.Listener
}

// New sets up the routes. A nil gate lets every recovery through.
func New(
	config Config,
	manager *jobs.Manager,
	gate Gate,
	wallet settlement.Wallet,
	metrics *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}

	s := &Server{
		router:          mux.NewRouter(),
		jobs:            manager,
		gate:            gate,
		wallet:          wallet,
		metrics:         metrics,
		logger:          logger,
		limits:          config.Limits,
		maxBodyBytes:    config.MaxBodyBytes,
		globalLimiter:   newIPLimiter("global", config.RateLimitMax, config.RateLimitWindow, metrics),
		recoveryLimiter: newIPLimiter("recovery", config.RateLimitRecoveryMax, config.RateLimitWindow, metrics),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              ":" + config.Port,
		Handler:           s.handler(config.CORSOrigin),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.globalLimiter.middleware)

	api.Handle("/recovery", s.recoveryLimiter.middleware(http.HandlerFunc(s.handleSubmitRecovery))).
		Methods(http.MethodPost)
	api.HandleFunc("/recovery/{jobId}", s.handleGetRecovery).Methods(http.MethodGet)
	api.HandleFunc("/recovery/{jobId}/ws", s.handleRecoveryWS).Methods(http.MethodGet)
	api.Handle("/recovery/{jobId}/sweep", s.recoveryLimiter.middleware(http.HandlerFunc(s.handleSweep))).
		Methods(http.MethodPost)
	api.HandleFunc("/swap", s.handleSwap).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		writeErrorDetail(rw, http.StatusNotFound, apperr.NotFound.String(), "Route not found")
	})
}

func (s *Server) handler(corsOrigin string) http.Handler {
	origins := []string{}
	for _, origin := range strings.Split(corsOrigin, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}),
		handlers.AllowedHeaders([]string{"Content-Type", payment.Header}),
		handlers.ExposedHeaders([]string{payment.Header}),
	)

	return handlers.ProxyHeaders(requestLogger(s.logger)(cors(s.router)))
}

// Handler returns the root handler with every middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until ctx is done and then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				s.globalLimiter.prune(now)
				s.recoveryLimiter.prune(now)
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = s.httpServer.Shutdown(shutdownCtx)
				return
			}
		}
	}()

	s.logger.Info("recovery server listening", slog.String("addr", ln.Addr().String()))
	err = s.httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("recovery server stopped")
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleHealth(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decodeBody(rw http.ResponseWriter, req *http.Request, dst any, caller string) error {
	req.Body = http.MaxBytesReader(rw, req.Body, s.maxBodyBytes)
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return &apperr.Error{
				Kind:    apperr.Validation,
				Message: "Request body is too large",
				Params:  apperr.Params{"caller": caller, "limit": maxBytesErr.Limit},
			}
		}
		return apperr.WrapValidation(err, apperr.Params{"caller": caller}, "Invalid request body")
	}
	return nil
}

func (s *Server) handleSubmitRecovery(rw http.ResponseWriter, req *http.Request) {
	var request recovery.Request
	if err := s.decodeBody(rw, req, &request, "POST /api/recovery"); err != nil {
		s.writeError(rw, req, err)
		return
	}
	if err := request.Validate(s.limits); err != nil {
		s.writeError(rw, req, err)
		return
	}

	// the slot is taken before the gate so an accepted
	// payment or free request always gets its job
	reservation, err := s.jobs.Reserve()
	if err != nil {
		s.writeError(rw, req, err)
		return
	}
	defer reservation.Release()

	if s.gate != nil {
		// a settlement in progress is not abandoned if the client goes away
		ctx := context.WithoutCancel(req.Context())
		if err := s.gate.Check(ctx, clientIP(req), req.Header.Get(payment.Header)); err != nil {
			s.writeError(rw, req, err)
			return
		}
	}

	response, err := reservation.Submit(request)
	if err != nil {
		s.writeError(rw, req, err)
		return
	}
	s.logger.Info("recovery job created", slog.String("jobId", response.JobId),
		slog.String("mintUrl", request.MintURL), slog.String("keysetId", request.KeysetId),
		slog.Int("batches", len(request.Batches)))

	writeJSON(rw, http.StatusOK, response)
}

type recoveryStatusResponse struct {
	Status jobs.Status      `json:"status"`
	Result *recovery.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func (s *Server) handleGetRecovery(rw http.ResponseWriter, req *http.Request) {
	job, err := s.jobs.Get(mux.Vars(req)["jobId"])
	if err != nil {
		s.writeError(rw, req, err)
		return
	}
	writeJSON(rw, http.StatusOK, recoveryStatusResponse{Status: job.Status, Result: job.Result, Error: job.Error})
}

type tokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleSweep(rw http.ResponseWriter, req *http.Request) {
	token, err := s.jobs.Sweep(req.Context(), mux.Vars(req)["jobId"])
	if err != nil {
		s.writeError(rw, req, err)
		return
	}
	writeJSON(rw, http.StatusOK, tokenResponse{Token: token})
}

type swapRequest struct {
	Token string `json:"token"`
	JobId string `json:"jobId,omitempty"`
}

// handleSwap receives a token in a new settlement wallet and sends
// the whole balance back as a freshly denominated token.
func (s *Server) handleSwap(rw http.ResponseWriter, req *http.Request) {
	var request swapRequest
	if err := s.decodeBody(rw, req, &request, "POST /api/swap"); err != nil {
		s.writeError(rw, req, err)
		return
	}
	if strings.TrimSpace(request.Token) == "" {
		s.writeError(rw, req, apperr.Validationf(apperr.Params{"caller": "POST /api/swap"},
			"Missing required field: token"))
		return
	}

	name := swapWalletPrefix
	if request.JobId != "" {
		name += "-" + request.JobId
	}
	s.logger.Info("starting denomination swap", slog.String("jobId", request.JobId))

	ctx := req.Context()
	wallet, err := s.wallet.CreateWallet(ctx, name, request.Token)
	if err != nil {
		s.writeError(rw, req, err)
		return
	}
	token, err := s.wallet.SendAll(ctx, wallet.AccessKey)
	if err != nil {
		s.writeError(rw, req, err)
		return
	}

	s.logger.Info("denomination swap complete", slog.String("walletName", wallet.Name))
	writeJSON(rw, http.StatusOK, tokenResponse{Token: token})
}
