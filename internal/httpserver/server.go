// Package httpserver is the HTTP surface of the billing engine: balance and
// history reads, payment confirmation, send quoting, authorization and
// settlement, scheduled-send booking, and the administrative endpoints.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/narau/billing/internal/metrics"
	"github.com/narau/billing/pkg/billing"
)

// AdminStore is the persistence the HTTP surface needs beyond the billing
// service: booking storage, pricing administration and the referral graph.
type AdminStore interface {
	CreateScheduledSend(ctx context.Context, send billing.ScheduledSend) (billing.ScheduledSend, error)
	ListScheduledSends(ctx context.Context, accountID string, limit int) ([]billing.ScheduledSend, error)
	CreatePricingRule(ctx context.Context, rule billing.PricingRule) (billing.PricingRule, error)
	ListPricingRules(ctx context.Context, channel billing.Channel) ([]billing.PricingRule, error)
	RetirePricingRule(ctx context.Context, ruleID int64) (bool, error)
	SetReferrer(ctx context.Context, referredAccountID, referrerAccountID string) error
}

// Server wires the router over the billing service.
type Server struct {
	service *billing.Service
	store   AdminStore
	logger  *zap.Logger
	config  Config
}

// New validates the configuration and builds a Server.
func New(service *billing.Service, store AdminStore, logger *zap.Logger, config Config) (*Server, error) {
	if service == nil || store == nil {
		return nil, errors.New("httpserver: service and store are required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		service: service,
		store:   store,
		logger:  logger,
		config:  config.withDefaults(),
	}, nil
}

// Router builds the gin engine.
func (server *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     server.config.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := router.Group("/api")
	api.Use(authMiddleware(server.config.JWTSigningKey, server.config.JWTIssuer))

	api.GET("/balances", server.handleBalances)
	api.GET("/transactions", server.handleTransactions)
	api.POST("/payments/confirm", server.handlePaymentConfirm)
	api.POST("/sends/quote", server.handleQuote)
	api.POST("/sends/authorize", server.handleAuthorize)
	api.POST("/sends/settle", server.handleSettle)
	api.POST("/sends/schedule", server.handleSchedule)
	api.GET("/sends/scheduled", server.handleListScheduled)

	admin := api.Group("/admin")
	admin.Use(requireRole(roleAdmin))
	admin.POST("/grants", server.handleAdminGrant)
	admin.POST("/refunds", server.handleAdminRefund)
	admin.POST("/penalties", server.handleAdminPenalty)
	admin.GET("/reconcile/:account_id", server.handleAdminReconcile)
	admin.POST("/pricing-rules", server.handleAdminCreateRule)
	admin.GET("/pricing-rules", server.handleAdminListRules)
	admin.POST("/pricing-rules/:rule_id/retire", server.handleAdminRetireRule)
	admin.POST("/referrals", server.handleAdminSetReferrer)

	return router
}

// Run serves until the context ends, then drains in-flight requests.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.config.ListenAddr,
		Handler: server.Router(),
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("billing api listening", zap.String("addr", server.config.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), server.config.ShutdownGrace)
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

func (server *Server) handleBalances(ctx *gin.Context) {
	accountID, ok := server.callerAccount(ctx)
	if !ok {
		return
	}
	report, err := server.service.Balances(ctx.Request.Context(), accountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"advertising": report.Advertising.Int64(),
		"reward":      report.Reward.Int64(),
	})
}

func (server *Server) handleTransactions(ctx *gin.Context) {
	accountID, ok := server.callerAccount(ctx)
	if !ok {
		return
	}
	filter := billing.EventFilter{Limit: server.config.HistoryLimit}
	if rawPool := ctx.Query("pool"); rawPool != "" {
		pool, err := billing.ParsePool(rawPool)
		if err != nil {
			server.respondError(ctx, err)
			return
		}
		filter.Pool = pool
	}
	if rawKind := ctx.Query("kind"); rawKind != "" {
		kind, err := billing.ParseEventKind(rawKind)
		if err != nil {
			server.respondError(ctx, err)
			return
		}
		filter.Kind = kind
	}
	events, err := server.service.History(ctx.Request.Context(), accountID, filter)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payload := make([]eventPayload, 0, len(events))
	for _, event := range events {
		payload = append(payload, mapEventPayload(event))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

type paymentConfirmRequest struct {
	Pool        string         `json:"pool"`
	Amount      int64          `json:"amount"`
	ExternalRef string         `json:"external_ref"`
	Metadata    map[string]any `json:"metadata"`
}

func (server *Server) handlePaymentConfirm(ctx *gin.Context) {
	accountID, ok := server.callerAccount(ctx)
	if !ok {
		return
	}
	var request paymentConfirmRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	pool, amount, externalRef, metadata, err := parseChargeFields(request.Pool, request.Amount, request.ExternalRef, request.Metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	result, err := server.service.AdmitCharge(ctx.Request.Context(), accountID, pool, amount, externalRef, billing.ChannelCreditPurchase, metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if result.Applied {
		metrics.ChargesAdmitted.WithLabelValues(pool.String(), billing.ChannelCreditPurchase.String()).Inc()
	} else {
		metrics.ChargesReplayed.Inc()
	}
	ctx.JSON(http.StatusOK, gin.H{
		"applied":     result.Applied,
		"event":       mapEventPayload(result.Event),
		"new_balance": result.NewBalance.Int64(),
	})
}

type quoteRequest struct {
	Channel        string         `json:"channel"`
	Conditions     map[string]int `json:"conditions"`
	RecipientCount int            `json:"recipient_count"`
}

func (server *Server) handleQuote(ctx *gin.Context) {
	if _, ok := server.callerAccount(ctx); !ok {
		return
	}
	var request quoteRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	channel, err := billing.ParseSendChannel(request.Channel)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	quote, err := server.service.QuoteSend(ctx.Request.Context(), channel, request.Conditions, request.RecipientCount)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, mapQuotePayload(quote))
}

type authorizeRequest struct {
	Pool           string         `json:"pool"`
	Channel        string         `json:"channel"`
	Conditions     map[string]int `json:"conditions"`
	RecipientCount int            `json:"recipient_count"`
}

func (server *Server) handleAuthorize(ctx *gin.Context) {
	accountID, ok := server.callerAccount(ctx)
	if !ok {
		return
	}
	var request authorizeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	pool, err := billing.ParsePool(request.Pool)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	channel, err := billing.ParseSendChannel(request.Channel)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	authorization, quote, err := server.service.QuoteAndAuthorize(ctx.Request.Context(), accountID, pool, channel, request.Conditions, request.RecipientCount)
	if err != nil {
		if errors.Is(err, billing.ErrInsufficientBalance) {
			metrics.AuthorizationsRejected.WithLabelValues(channel.String()).Inc()
		}
		server.respondError(ctx, err)
		return
	}
	metrics.AuthorizationsIssued.WithLabelValues(channel.String()).Inc()
	ctx.JSON(http.StatusOK, gin.H{
		"token_id":            authorization.TokenID,
		"expires_at_unix_utc": authorization.ExpiresAtUnixUTC,
		"quote":               mapQuotePayload(quote),
	})
}

type settleRequest struct {
	TokenID         string `json:"token_id"`
	SuccessfulCount int    `json:"successful_count"`
}

func (server *Server) handleSettle(ctx *gin.Context) {
	if _, ok := server.callerAccount(ctx); !ok {
		return
	}
	var request settleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.TokenID == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "token_id is required"))
		return
	}
	result, err := server.service.Settle(ctx.Request.Context(), request.TokenID, request.SuccessfulCount)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	response := gin.H{"debited": result.Debited.Int64()}
	if result.Event != nil {
		response["event"] = mapEventPayload(*result.Event)
		metrics.Settlements.WithLabelValues(result.Event.Channel.String()).Inc()
		metrics.SettledUnits.WithLabelValues(result.Event.Channel.String()).Add(float64(result.Debited.Int64()))
	}
	ctx.JSON(http.StatusOK, response)
}

type scheduleRequest struct {
	Pool               string         `json:"pool"`
	Channel            string         `json:"channel"`
	Conditions         map[string]int `json:"conditions"`
	RecipientCount     int            `json:"recipient_count"`
	ScheduledAtUnixUTC int64          `json:"scheduled_at_unix_utc"`
}

func (server *Server) handleSchedule(ctx *gin.Context) {
	accountID, ok := server.callerAccount(ctx)
	if !ok {
		return
	}
	var request scheduleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	pool, err := billing.ParsePool(request.Pool)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	channel, err := billing.ParseSendChannel(request.Channel)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if request.RecipientCount <= 0 {
		server.respondError(ctx, billing.ErrInvalidRecipientCount)
		return
	}
	if request.ScheduledAtUnixUTC <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "scheduled_at_unix_utc is required"))
		return
	}
	// Booking never reserves balance; the worker re-checks at fire time.
	booked, err := server.store.CreateScheduledSend(ctx.Request.Context(), billing.ScheduledSend{
		AccountID:          accountID.String(),
		Pool:               pool,
		Channel:            channel,
		RecipientCount:     request.RecipientCount,
		Conditions:         request.Conditions,
		ScheduledAtUnixUTC: request.ScheduledAtUnixUTC,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, mapScheduledPayload(booked))
}

func (server *Server) handleListScheduled(ctx *gin.Context) {
	accountID, ok := server.callerAccount(ctx)
	if !ok {
		return
	}
	sends, err := server.store.ListScheduledSends(ctx.Request.Context(), accountID.String(), server.config.HistoryLimit)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(sends))
	for _, send := range sends {
		payload = append(payload, mapScheduledPayload(send))
	}
	ctx.JSON(http.StatusOK, gin.H{"scheduled_sends": payload})
}

type adminAdjustmentRequest struct {
	AccountID   string         `json:"account_id"`
	Pool        string         `json:"pool"`
	Amount      int64          `json:"amount"`
	ExternalRef string         `json:"external_ref"`
	Metadata    map[string]any `json:"metadata"`
}

func (server *Server) handleAdminGrant(ctx *gin.Context) {
	server.handleAdminMutation(ctx, func(requestCtx context.Context, accountID billing.AccountID, pool billing.Pool, amount billing.Amount, externalRef billing.ExternalRef, metadata billing.MetadataJSON) (any, error) {
		result, err := server.service.Grant(requestCtx, accountID, pool, amount, externalRef, metadata)
		if err != nil {
			return nil, err
		}
		if result.Applied {
			metrics.ChargesAdmitted.WithLabelValues(pool.String(), billing.ChannelAdminGrant.String()).Inc()
		} else {
			metrics.ChargesReplayed.Inc()
		}
		return gin.H{
			"applied":     result.Applied,
			"event":       mapEventPayload(result.Event),
			"new_balance": result.NewBalance.Int64(),
		}, nil
	})
}

func (server *Server) handleAdminRefund(ctx *gin.Context) {
	server.handleAdminMutation(ctx, func(requestCtx context.Context, accountID billing.AccountID, pool billing.Pool, amount billing.Amount, externalRef billing.ExternalRef, metadata billing.MetadataJSON) (any, error) {
		event, err := server.service.Refund(requestCtx, accountID, pool, amount, externalRef, metadata)
		if err != nil {
			return nil, err
		}
		return gin.H{"event": mapEventPayload(event)}, nil
	})
}

func (server *Server) handleAdminPenalty(ctx *gin.Context) {
	server.handleAdminMutation(ctx, func(requestCtx context.Context, accountID billing.AccountID, pool billing.Pool, amount billing.Amount, externalRef billing.ExternalRef, metadata billing.MetadataJSON) (any, error) {
		event, err := server.service.Penalty(requestCtx, accountID, pool, amount, externalRef, metadata)
		if err != nil {
			return nil, err
		}
		return gin.H{"event": mapEventPayload(event)}, nil
	})
}

func (server *Server) handleAdminMutation(ctx *gin.Context, apply func(context.Context, billing.AccountID, billing.Pool, billing.Amount, billing.ExternalRef, billing.MetadataJSON) (any, error)) {
	var request adminAdjustmentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	accountID, err := billing.NewAccountID(request.AccountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	pool, amount, externalRef, metadata, err := parseChargeFields(request.Pool, request.Amount, request.ExternalRef, request.Metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	response, err := apply(ctx.Request.Context(), accountID, pool, amount, externalRef, metadata)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, response)
}

func (server *Server) handleAdminReconcile(ctx *gin.Context) {
	accountID, err := billing.NewAccountID(ctx.Param("account_id"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	report, err := server.service.Reconcile(ctx.Request.Context(), accountID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"fold": gin.H{
			"advertising": report.Fold.Advertising.Int64(),
			"reward":      report.Fold.Reward.Int64(),
		},
		"counters": gin.H{
			"advertising": report.Counters.Advertising.Int64(),
			"reward":      report.Counters.Reward.Int64(),
		},
		"divergent": report.Divergent,
	})
}

type createRuleRequest struct {
	Category      string `json:"category"`
	Channel       string `json:"channel"`
	ConditionType string `json:"condition_type"`
	UnitPrice     int64  `json:"unit_price"`
}

func (server *Server) handleAdminCreateRule(ctx *gin.Context) {
	var request createRuleRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	channel, err := billing.ParseSendChannel(request.Channel)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	category := billing.RuleCategory(request.Category)
	switch category {
	case billing.RuleBase, billing.RuleMedia, billing.RuleCustomer:
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unknown rule category"))
		return
	}
	unitPrice, err := billing.NewAmount(request.UnitPrice)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	rule, err := server.store.CreatePricingRule(ctx.Request.Context(), billing.PricingRule{
		Category:      category,
		Channel:       channel,
		ConditionType: request.ConditionType,
		UnitPrice:     unitPrice,
		Active:        true,
	})
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, mapRulePayload(rule))
}

func (server *Server) handleAdminListRules(ctx *gin.Context) {
	channel, err := billing.ParseSendChannel(ctx.Query("channel"))
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	rules, err := server.store.ListPricingRules(ctx.Request.Context(), channel)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	payload := make([]gin.H, 0, len(rules))
	for _, rule := range rules {
		payload = append(payload, mapRulePayload(rule))
	}
	ctx.JSON(http.StatusOK, gin.H{"pricing_rules": payload})
}

func (server *Server) handleAdminRetireRule(ctx *gin.Context) {
	ruleID, err := strconv.ParseInt(ctx.Param("rule_id"), 10, 64)
	if err != nil || ruleID <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "rule id must be a positive integer"))
		return
	}
	retired, err := server.store.RetirePricingRule(ctx.Request.Context(), ruleID)
	if err != nil {
		server.respondError(ctx, err)
		return
	}
	if !retired {
		ctx.JSON(http.StatusNotFound, errorResponse("not_found", "no active rule with that id"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"retired": true})
}

type referralRequest struct {
	ReferredAccountID string `json:"referred_account_id"`
	ReferrerAccountID string `json:"referrer_account_id"`
}

func (server *Server) handleAdminSetReferrer(ctx *gin.Context) {
	var request referralRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if request.ReferredAccountID == "" || request.ReferrerAccountID == "" || request.ReferredAccountID == request.ReferrerAccountID {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "distinct referred and referrer account ids are required"))
		return
	}
	if err := server.store.SetReferrer(ctx.Request.Context(), request.ReferredAccountID, request.ReferrerAccountID); err != nil {
		server.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"linked": true})
}

func (server *Server) callerAccount(ctx *gin.Context) (billing.AccountID, bool) {
	accountID, err := billing.NewAccountID(callerAccountID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing account"))
		return billing.AccountID{}, false
	}
	return accountID, true
}

func parseChargeFields(rawPool string, rawAmount int64, rawExternalRef string, rawMetadata map[string]any) (billing.Pool, billing.Amount, billing.ExternalRef, billing.MetadataJSON, error) {
	pool, err := billing.ParsePool(rawPool)
	if err != nil {
		return "", 0, billing.ExternalRef{}, billing.MetadataJSON{}, err
	}
	amount, err := billing.NewAmount(rawAmount)
	if err != nil {
		return "", 0, billing.ExternalRef{}, billing.MetadataJSON{}, err
	}
	externalRef, err := billing.NewExternalRef(rawExternalRef)
	if err != nil {
		return "", 0, billing.ExternalRef{}, billing.MetadataJSON{}, err
	}
	metadata, err := billing.NewMetadataJSON(marshalMetadata(rawMetadata))
	if err != nil {
		return "", 0, billing.ExternalRef{}, billing.MetadataJSON{}, err
	}
	return pool, amount, externalRef, metadata, nil
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func (server *Server) respondError(ctx *gin.Context, err error) {
	var balanceError *billing.InsufficientBalanceError
	if errors.As(err, &balanceError) {
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": gin.H{
				"code":      "insufficient_balance",
				"pool":      balanceError.Pool.String(),
				"requested": balanceError.Requested.Int64(),
				"available": balanceError.Available.Int64(),
				"shortfall": balanceError.Shortfall(),
			},
		})
		return
	}
	switch {
	case errors.Is(err, billing.ErrDuplicateExternalRef):
		ctx.JSON(http.StatusConflict, errorResponse("duplicate_external_ref", err.Error()))
	case errors.Is(err, billing.ErrTokenAlreadySettled):
		ctx.JSON(http.StatusConflict, errorResponse("token_already_settled", err.Error()))
	case errors.Is(err, billing.ErrStaleToken):
		ctx.JSON(http.StatusGone, errorResponse("stale_token", err.Error()))
	case errors.Is(err, billing.ErrUnknownToken):
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_token", err.Error()))
	case errors.Is(err, billing.ErrPricingRuleNotFound):
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("pricing_rule_not_found", err.Error()))
	case errors.Is(err, billing.ErrPricingRuleConflict):
		ctx.JSON(http.StatusConflict, errorResponse("pricing_rule_conflict", err.Error()))
	case isValidationError(err):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	default:
		server.logger.Error("request failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "request failed"))
	}
}

func isValidationError(err error) bool {
	validationSentinels := []error{
		billing.ErrInvalidAccountID,
		billing.ErrInvalidAmount,
		billing.ErrInvalidPool,
		billing.ErrInvalidEventKind,
		billing.ErrInvalidChannel,
		billing.ErrInvalidExternalRef,
		billing.ErrInvalidMetadataJSON,
		billing.ErrInvalidRecipientCount,
	}
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type eventPayload struct {
	EventID        string          `json:"event_id"`
	Kind           string          `json:"kind"`
	Amount         int64           `json:"amount"`
	SignedAmount   int64           `json:"signed_amount"`
	Pool           string          `json:"pool"`
	Channel        string          `json:"channel"`
	ExternalRef    string          `json:"external_ref"`
	Status         string          `json:"status"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

func mapEventPayload(event billing.TransactionEvent) eventPayload {
	metadata := event.MetadataJSON
	if metadata == "" {
		metadata = "{}"
	}
	return eventPayload{
		EventID:        event.EventID,
		Kind:           event.Kind.String(),
		Amount:         event.Amount.Int64(),
		SignedAmount:   event.SignedAmount(),
		Pool:           event.Pool.String(),
		Channel:        event.Channel.String(),
		ExternalRef:    event.ExternalRef,
		Status:         event.Status.String(),
		Metadata:       json.RawMessage(metadata),
		CreatedUnixUTC: event.CreatedUnixUTC,
	}
}

func mapQuotePayload(quote billing.Quote) gin.H {
	return gin.H{
		"channel":          quote.Channel.String(),
		"unit_cost":        quote.UnitCost.Int64(),
		"recipient_count":  quote.RecipientCount,
		"total_cost":       quote.TotalCost.Int64(),
		"applied_rule_ids": quote.AppliedRuleIDs,
	}
}

func mapScheduledPayload(send billing.ScheduledSend) gin.H {
	return gin.H{
		"id":                    send.ID,
		"pool":                  send.Pool.String(),
		"channel":               send.Channel.String(),
		"recipient_count":       send.RecipientCount,
		"conditions":            send.Conditions,
		"scheduled_at_unix_utc": send.ScheduledAtUnixUTC,
		"status":                send.Status.String(),
		"failure_reason":        send.FailureReason,
		"usage_event_id":        send.UsageEventID,
	}
}

func mapRulePayload(rule billing.PricingRule) gin.H {
	return gin.H{
		"id":             rule.ID,
		"category":       string(rule.Category),
		"channel":        rule.Channel.String(),
		"condition_type": rule.ConditionType,
		"unit_price":     rule.UnitPrice.Int64(),
		"active":         rule.Active,
	}
}
