// Package httpapi is the HTTP facade over the entitlement core: wallet and
// purchase endpoints, the chat gate, and the video job lifecycle. Sessions are
// validated by tauth; all domain decisions stay in the core packages.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"

	"github.com/reelmuse/entitlement/internal/chatgate"
	"github.com/reelmuse/entitlement/internal/payment"
	"github.com/reelmuse/entitlement/internal/scheduler"
	"github.com/reelmuse/entitlement/pkg/catalog"
	"github.com/reelmuse/entitlement/pkg/entitlement"
)

// Responder produces the persona's chat reply once the gate admits a message.
type Responder interface {
	Reply(ctx context.Context, personaID string, message string) (string, error)
}

// CannedResponder is the development responder. It echoes a fixed
// acknowledgement instead of calling a model provider.
type CannedResponder struct{}

// Reply returns the canned acknowledgement.
func (CannedResponder) Reply(_ context.Context, personaID string, _ string) (string, error) {
	return fmt.Sprintf("(%s is thinking of a reply...)", personaID), nil
}

// Server wires the router over the domain collaborators.
type Server struct {
	cfg       Config
	logger    *zap.Logger
	ledger    *entitlement.Service
	gate      *chatgate.Gate
	jobs      *scheduler.Scheduler
	pricing   *catalog.Catalog
	charger   payment.Charger
	responder Responder
	router    *gin.Engine
}

// New validates cfg and builds the router.
func New(cfg Config, logger *zap.Logger, ledger *entitlement.Service, gate *chatgate.Gate, jobs *scheduler.Scheduler, pricing *catalog.Catalog, charger payment.Charger, responder Responder) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ledger == nil || gate == nil || jobs == nil || pricing == nil || charger == nil {
		return nil, fmt.Errorf("%w: missing collaborator", entitlement.ErrInvalidServiceConfig)
	}
	if responder == nil {
		responder = CannedResponder{}
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	server := &Server{
		cfg:       cfg,
		logger:    logger,
		ledger:    ledger,
		gate:      gate,
		jobs:      jobs,
		pricing:   pricing,
		charger:   charger,
		responder: responder,
	}
	server.router = server.setupRouter(sessionValidator)
	return server, nil
}

// Router exposes the gin engine, mainly for tests.
func (server *Server) Router() *gin.Engine {
	return server.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("httpapi listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter(validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(validator.GinMiddleware("auth_claims"))

	api.GET("/session", server.handleSession)
	api.GET("/catalog", server.handleCatalog)
	api.GET("/wallet", server.handleWallet)
	api.POST("/purchases", server.handlePurchase)
	api.POST("/messages", server.handleMessage)
	api.POST("/jobs", server.handleCreateJob)
	api.GET("/jobs", server.handleListJobs)
	api.GET("/jobs/:id", server.handleGetJob)
	api.POST("/jobs/:id/cancel", server.handleCancelJob)
	api.DELETE("/jobs/:id", server.handleDeleteJob)

	return router
}

func (server *Server) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":    claims.GetUserID(),
		"email":      claims.GetUserEmail(),
		"display":    claims.GetUserDisplayName(),
		"avatar_url": claims.GetUserAvatarURL(),
		"roles":      claims.GetUserRoles(),
		"expires":    claims.GetExpiresAt().Unix(),
	})
}

func (server *Server) handleCatalog(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"plans": server.pricing.Plans(),
		"packs": server.pricing.Packs(),
	})
}

func (server *Server) handleWallet(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	server.respondWithWallet(ctx, claims.GetUserID())
}

type purchaseRequest struct {
	ItemID   string         `json:"item_id"`
	Metadata map[string]any `json:"metadata"`
}

func (server *Server) handlePurchase(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := entitlement.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", err.Error()))
		return
	}

	priceCents, isPlan, err := server.resolvePrice(request.ItemID)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}

	metadata := request.Metadata
	if metadata == nil {
		metadata = map[string]any{"action": "purchase", "item_id": request.ItemID}
	}
	metadataJSON, err := entitlement.NewMetadataJSON(marshalMetadata(metadata))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_metadata", err.Error()))
		return
	}
	reference := "purchase:" + uuid.NewString()
	idempotencyKey, err := entitlement.NewIdempotencyKey(reference)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_reference", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	if err := server.charger.Charge(requestCtx, userID.String(), priceCents, reference); err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	if isPlan {
		err = server.ledger.ApplySubscription(requestCtx, userID, request.ItemID, idempotencyKey, metadataJSON)
	} else {
		err = server.ledger.ApplyTopUp(requestCtx, userID, request.ItemID, idempotencyKey, metadataJSON)
	}
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	server.respondWithWallet(ctx, userID.String())
}

func (server *Server) resolvePrice(itemID string) (int64, bool, error) {
	if pack, err := server.pricing.Pack(itemID); err == nil {
		if !pack.Active {
			return 0, false, fmt.Errorf("%w: %s", catalog.ErrInactivePack, itemID)
		}
		return pack.PriceCents, false, nil
	}
	plan, err := server.pricing.Plan(itemID)
	if err != nil {
		return 0, false, err
	}
	return plan.PriceCents, true, nil
}

type messageRequest struct {
	PersonaID string `json:"persona_id"`
	Message   string `json:"message"`
}

func (server *Server) handleMessage(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request messageRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := entitlement.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", err.Error()))
		return
	}
	personaID, err := entitlement.NewPersonaID(request.PersonaID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_persona", err.Error()))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	decision, err := server.gate.CanSend(requestCtx, userID, personaID)
	if err != nil {
		if errors.Is(err, entitlement.ErrQuotaExceeded) {
			ctx.JSON(http.StatusPaymentRequired, gin.H{
				"error":   gin.H{"code": "quota_exceeded", "message": "free message quota exhausted"},
				"used":    decision.Used,
				"limit":   decision.Limit,
				"allowed": false,
			})
			return
		}
		server.respondDomainError(ctx, err)
		return
	}
	reply, err := server.responder.Reply(requestCtx, personaID.String(), request.Message)
	if err != nil {
		server.logger.Error("responder failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("responder_error", "reply unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"allowed": true,
		"used":    decision.Used,
		"limit":   decision.Limit,
		"reply":   reply,
	})
}

type createJobRequest struct {
	TemplateID string `json:"template_id"`
	Prompt     string `json:"prompt"`
	Quality    string `json:"quality"`
}

func (server *Server) handleCreateJob(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	var request createJobRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := entitlement.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", err.Error()))
		return
	}
	jobID, err := server.jobs.Submit(ctx.Request.Context(), userID, scheduler.Spec{
		TemplateID: request.TemplateID,
		Prompt:     request.Prompt,
		Quality:    scheduler.Quality(request.Quality),
	})
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": scheduler.StatusQueued.String()})
}

func (server *Server) handleListJobs(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	userID, err := entitlement.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", err.Error()))
		return
	}
	jobs, err := server.jobs.List(ctx.Request.Context(), userID, jobListLimit)
	if err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	payloads := make([]jobPayload, 0, len(jobs))
	for _, job := range jobs {
		payloads = append(payloads, mapJobPayload(job))
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs": payloads})
}

func (server *Server) handleGetJob(ctx *gin.Context) {
	job, ok := server.ownedJob(ctx)
	if !ok {
		return
	}
	ctx.JSON(http.StatusOK, mapJobPayload(job))
}

func (server *Server) handleCancelJob(ctx *gin.Context) {
	job, ok := server.ownedJob(ctx)
	if !ok {
		return
	}
	if err := server.jobs.Cancel(ctx.Request.Context(), job.JobID); err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job_id": job.JobID, "status": scheduler.StatusCancelled.String()})
}

func (server *Server) handleDeleteJob(ctx *gin.Context) {
	job, ok := server.ownedJob(ctx)
	if !ok {
		return
	}
	if err := server.jobs.Delete(ctx.Request.Context(), job.JobID); err != nil {
		server.respondDomainError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job_id": job.JobID, "deleted": true})
}

// ownedJob loads the path job and enforces ownership. Foreign jobs read as
// not found so job ids do not leak across users.
func (server *Server) ownedJob(ctx *gin.Context) (scheduler.Job, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return scheduler.Job{}, false
	}
	job, err := server.jobs.Status(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		server.respondDomainError(ctx, err)
		return scheduler.Job{}, false
	}
	if job.OwnerUserID != claims.GetUserID() {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "job not found"))
		return scheduler.Job{}, false
	}
	return job, true
}

func (server *Server) respondWithWallet(ctx *gin.Context, rawUserID string) {
	userID, err := entitlement.NewUserID(rawUserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user", err.Error()))
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), server.cfg.RequestTimeout)
	defer cancel()
	balance, err := server.ledger.Balance(requestCtx, userID)
	if err != nil {
		server.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	entries, err := server.ledger.Entries(requestCtx, userID, 0, walletHistoryLimit)
	if err != nil {
		server.logger.Error("wallet history fetch failed", zap.Error(err))
		ctx.JSON(http.StatusBadGateway, errorResponse("ledger_error", "wallet unavailable"))
		return
	}
	entryPayloads := make([]entryPayload, 0, len(entries))
	for _, entry := range entries {
		entryPayloads = append(entryPayloads, entryPayload{
			EntryID:        entry.EntryID,
			Type:           entry.Type.String(),
			AmountCredits:  entry.AmountCredits.Int64(),
			ReservationID:  entry.ReservationID,
			Metadata:       json.RawMessage(entry.MetadataJSON),
			CreatedUnixUTC: entry.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletResponse{
		Balance: balancePayload{
			TotalCredits:     balance.TotalCredits.Int64(),
			AvailableCredits: balance.AvailableCredits.Int64(),
			Tier:             balance.Tier.String(),
			ExpiresAtUnixUTC: balance.ExpiresAtUnixUTC,
		},
		Entries: entryPayloads,
	}})
}

func (server *Server) respondDomainError(ctx *gin.Context, err error) {
	status, code := mapDomainError(err)
	if status == http.StatusInternalServerError {
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(status, errorResponse(code, "internal error"))
		return
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func mapDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, entitlement.ErrInsufficientCredits):
		return http.StatusPaymentRequired, "insufficient_credits"
	case errors.Is(err, entitlement.ErrQuotaExceeded):
		return http.StatusPaymentRequired, "quota_exceeded"
	case errors.Is(err, payment.ErrPaymentFailed):
		return http.StatusBadGateway, "payment_failed"
	case errors.Is(err, scheduler.ErrRetryLater):
		return http.StatusTooManyRequests, "retry_later"
	case errors.Is(err, scheduler.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, scheduler.ErrInvalidQuality):
		return http.StatusBadRequest, "invalid_quality"
	case errors.Is(err, scheduler.ErrSchedulerStopped):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, scheduler.ErrNotFound), errors.Is(err, entitlement.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, entitlement.ErrUnknownReservation):
		return http.StatusNotFound, "unknown_reservation"
	case errors.Is(err, entitlement.ErrReservationClosed):
		return http.StatusConflict, "reservation_closed"
	case errors.Is(err, catalog.ErrUnknownPlan), errors.Is(err, catalog.ErrUnknownPack):
		return http.StatusNotFound, "unknown_item"
	case errors.Is(err, catalog.ErrInactivePack):
		return http.StatusBadRequest, "inactive_item"
	}
	return http.StatusInternalServerError, "internal_error"
}

func marshalMetadata(metadata any) string {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get("auth_claims")
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type walletResponse struct {
	Balance balancePayload `json:"balance"`
	Entries []entryPayload `json:"entries"`
}

type balancePayload struct {
	TotalCredits     int64  `json:"total_credits"`
	AvailableCredits int64  `json:"available_credits"`
	Tier             string `json:"tier"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc,omitempty"`
}

type entryPayload struct {
	EntryID        string          `json:"entry_id"`
	Type           string          `json:"type"`
	AmountCredits  int64           `json:"amount_credits"`
	ReservationID  string          `json:"reservation_id,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type jobPayload struct {
	JobID          string `json:"job_id"`
	TemplateID     string `json:"template_id,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	Quality        string `json:"quality"`
	CostCredits    int64  `json:"cost_credits"`
	Status         string `json:"status"`
	Progress       int    `json:"progress"`
	ResultRef      string `json:"result_ref,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func mapJobPayload(job scheduler.Job) jobPayload {
	return jobPayload{
		JobID:          job.JobID,
		TemplateID:     job.Spec.TemplateID,
		Prompt:         job.Spec.Prompt,
		Quality:        job.Spec.Quality.String(),
		CostCredits:    job.CostCredits,
		Status:         job.Status.String(),
		Progress:       job.Progress,
		ResultRef:      job.ResultRef,
		FailureReason:  job.FailureReason,
		CreatedUnixUTC: job.CreatedUnixUTC,
	}
}
