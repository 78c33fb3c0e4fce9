// Package api exposes the ledger over HTTP: transaction submission, read
// endpoints for wallets and requests, a websocket event stream and an
// operator endpoint guarded by a JWT.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/terminal-bench/multisigledger/internal/approval"
	"github.com/terminal-bench/multisigledger/internal/dispatch"
	"github.com/terminal-bench/multisigledger/internal/ledger"
	"github.com/terminal-bench/multisigledger/internal/metrics"
	"github.com/terminal-bench/multisigledger/pkg/amount"
)

// Submitter applies signed envelopes.
type Submitter interface {
	Submit(ctx context.Context, env dispatch.Envelope) (dispatch.Result, error)
}

// Deps are the collaborators a Server routes to. Wallets defaults to
// Backend; Hub, Admin and Metrics are optional.
type Deps struct {
	Submitter Submitter
	Backend   ledger.Backend
	Wallets   ledger.AccountReader
	Quorum    approval.QuorumPolicy
	Hub       *Hub
	Admin     *AdminAuth
	Metrics   *metrics.Collector
	Logger    *zap.Logger
}

// Server is the HTTP front end.
type Server struct {
	deps   Deps
	router *gin.Engine
	logger *zap.Logger
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Wallets == nil {
		deps.Wallets = deps.Backend
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		deps:   deps,
		router: router,
		logger: deps.Logger.With(zap.String("component", "api")),
	}
	if deps.Metrics != nil {
		router.Use(s.metricsMiddleware())
	}
	s.setupRoutes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// HTTPServer wraps the router in an http.Server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/transactions", s.submitTransaction)

		v1.GET("/wallets/:key", s.getWallet)
		v1.GET("/wallets/:key/history", s.getHistory)
		v1.GET("/multisig/:id", s.getRequest)

		if s.deps.Hub != nil {
			v1.GET("/ws", s.deps.Hub.serve)
		}

		if s.deps.Admin != nil {
			admin := v1.Group("/admin")
			admin.Use(s.deps.Admin.middleware())
			admin.GET("/state", s.getState)
		}
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.deps.Metrics.HTTPRequest(route, c.Writer.Status())
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) submitTransaction(c *gin.Context) {
	var env dispatch.Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  dispatch.CodeEncodingError,
			"error": "invalid envelope",
		})
		return
	}

	res, _ := s.deps.Submitter.Submit(c.Request.Context(), env)
	c.JSON(statusFor(res.Code), res)
}

// statusFor maps a result code onto an HTTP status.
func statusFor(code approval.Code) int {
	switch {
	case code == approval.CodeOK:
		return http.StatusOK
	case code == approval.CodeReservationInvariantViolated || code == dispatch.CodeInternalError:
		return http.StatusInternalServerError
	case code >= dispatch.CodeEncodingError && code <= dispatch.CodeUnknownOperation:
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

type walletView struct {
	Identity      ledger.Identity `json:"identity"`
	Name          string          `json:"name"`
	Balance       amount.Units    `json:"balance"`
	Reserved      amount.Units    `json:"reserved"`
	Available     amount.Units    `json:"available"`
	HistoryLen    uint64          `json:"history_len"`
	HistoryDigest string          `json:"history_digest"`
}

func (s *Server) getWallet(c *gin.Context) {
	id, ok := s.identityParam(c)
	if !ok {
		return
	}
	acct, err := s.deps.Wallets.Account(c.Request.Context(), id)
	if err != nil {
		s.readError(c, err, "wallet not found")
		return
	}
	c.JSON(http.StatusOK, walletView{
		Identity:      acct.Identity,
		Name:          acct.Name,
		Balance:       amount.Units(acct.Balance),
		Reserved:      amount.Units(acct.Reserved),
		Available:     amount.Units(acct.Available()),
		HistoryLen:    acct.HistoryLen,
		HistoryDigest: acct.HistoryDigest,
	})
}

func (s *Server) getHistory(c *gin.Context) {
	id, ok := s.identityParam(c)
	if !ok {
		return
	}
	hist, err := s.deps.Wallets.History(c.Request.Context(), id)
	if err != nil {
		s.readError(c, err, "wallet not found")
		return
	}
	if hist == nil {
		hist = []ledger.RequestID{}
	}
	c.JSON(http.StatusOK, gin.H{"identity": id, "history": hist})
}

type requestView struct {
	ledger.PendingRequest
	Amount     amount.Units             `json:"amount"`
	Signers    int                      `json:"signers"`
	Signatures []ledger.SignatureRecord `json:"signatures"`
}

func (s *Server) getRequest(c *gin.Context) {
	id, err := ledger.ParseRequestID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	req, err := s.deps.Backend.Request(ctx, id)
	if err != nil {
		s.readError(c, err, "request not found")
		return
	}
	signers, err := s.deps.Backend.CountDistinctSigners(ctx, id)
	if err != nil {
		s.readError(c, err, "")
		return
	}
	sigs, err := s.deps.Backend.Signatures(ctx, id)
	if err != nil {
		s.readError(c, err, "")
		return
	}
	if sigs == nil {
		sigs = []ledger.SignatureRecord{}
	}
	c.JSON(http.StatusOK, requestView{
		PendingRequest: req,
		Amount:         amount.Units(req.Amount),
		Signers:        signers,
		Signatures:     sigs,
	})
}

func (s *Server) getState(c *gin.Context) {
	snap, err := s.deps.Backend.Snapshot(c.Request.Context())
	if err != nil {
		s.readError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state_hash":       ledger.StateHash(snap),
		"quorum_policy":    string(s.deps.Quorum),
		"wallets":          len(snap.Accounts),
		"pending_requests": snap.PendingRequests,
		"settled_requests": snap.SettledRequests,
		"signatures":       snap.Signatures,
		"signature_digest": snap.SignatureDigest,
	})
}

func (s *Server) identityParam(c *gin.Context) (ledger.Identity, bool) {
	id, err := ledger.ParseIdentity(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return id, true
}

func (s *Server) readError(c *gin.Context, err error, notFound string) {
	if notFound != "" && errors.Is(err, ledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": notFound})
		return
	}
	s.logger.Error("read failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// Shutdown closes stream clients. The http.Server is shut down by the caller.
func (s *Server) Shutdown() {
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
}
