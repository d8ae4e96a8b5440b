package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"call-orchestrator/internal/auth"
	"call-orchestrator/internal/calls"
	"call-orchestrator/internal/history"
	"call-orchestrator/internal/media"
	"call-orchestrator/internal/orchestrator"
	"call-orchestrator/internal/scope"
	"call-orchestrator/internal/signaling"
	"call-orchestrator/internal/surface"
	"call-orchestrator/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Surfaces *surface.Registry
	Engine   *media.Builder
	History  *history.Service
	Groups   signaling.Groups
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
}

// Login issues a JWT token pair.
//
// NOTE: identity comes from the host application; credentials are not checked here.
func (h Handlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h Handlers) Refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	now := time.Now()
	claims, err := h.Auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, now)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	pair, err := h.Auth.IssuePair(now, claims.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

// Logout tears down every scope of the caller.
func (h Handlers) Logout(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	h.Surfaces.CloseUser(uid)
	c.Status(http.StatusNoContent)
}

// --- Scopes ---

type openScopeRequest struct {
	ScopeID string `json:"scope_id"`
}

func (h Handlers) OpenScope(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	var req openScopeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ScopeID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "scope_id required"})
		return
	}
	m, err := h.Surfaces.Open(c.Request.Context(), uid, req.ScopeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m.Current())
}

func (h Handlers) ListScopes(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	scopes := h.Surfaces.Scopes(uid)
	if scopes == nil {
		scopes = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"scopes": scopes})
}

func (h Handlers) CloseScope(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	if err := h.Surfaces.CloseScope(uid, c.Param("scope_id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Groups ---

// JoinGroup adds the caller to a group so that calls to the group ring them.
func (h Handlers) JoinGroup(c *gin.Context) {
	h.membership(c, h.Groups.JoinGroup)
}

// LeaveGroup removes the caller from a group.
func (h Handlers) LeaveGroup(c *gin.Context) {
	h.membership(c, h.Groups.LeaveGroup)
}

func (h Handlers) membership(c *gin.Context, fn func(ctx context.Context, groupID, userID string) error) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	groupID := c.Param("group_id")
	if err := fn(c.Request.Context(), groupID, uid); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_id": groupID, "user_id": uid})
}

// --- Call commands ---

func (h Handlers) GetCall(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, m.Current())
}

type initiateRequest struct {
	TargetID     string             `json:"target_id"`
	ReceiverType calls.ReceiverType `json:"receiver_type"`
	CallType     calls.CallType     `json:"call_type"`
}

// Initiate starts an outgoing call. The request is accepted once the call is ringing locally;
// the signaling outcome arrives on the stream.
func (h Handlers) Initiate(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ReceiverType == "" {
		req.ReceiverType = calls.ReceiverUser
	}
	if req.TargetID == "" || !req.ReceiverType.Valid() || !req.CallType.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "target_id, receiver_type (user|group) and call_type (audio|video) required"})
		return
	}
	h.command(c, m, http.StatusAccepted, func(ctx context.Context) error {
		return m.Initiate(ctx, req.TargetID, req.ReceiverType, req.CallType)
	})
}

func (h Handlers) Accept(c *gin.Context) {
	if m, ok := h.machine(c); ok {
		h.command(c, m, http.StatusAccepted, m.AcceptCurrent)
	}
}

func (h Handlers) Decline(c *gin.Context) {
	if m, ok := h.machine(c); ok {
		h.command(c, m, http.StatusOK, m.DeclineCurrent)
	}
}

func (h Handlers) End(c *gin.Context) {
	if m, ok := h.machine(c); ok {
		h.command(c, m, http.StatusOK, m.EndCurrent)
	}
}

func (h Handlers) AcknowledgeError(c *gin.Context) {
	if m, ok := h.machine(c); ok {
		h.command(c, m, http.StatusOK, m.AcknowledgeError)
	}
}

type engineErrorRequest struct {
	Reason string `json:"reason"`
}

// EngineError is reported by the presentation when the calling engine fails mid-call.
func (h Handlers) EngineError(c *gin.Context) {
	m, ok := h.machine(c)
	if !ok {
		return
	}
	var req engineErrorRequest
	// An empty body is allowed.
	_ = c.ShouldBindJSON(&req)
	h.command(c, m, http.StatusOK, func(ctx context.Context) error {
		return m.ReportEngineError(ctx, req.Reason)
	})
}

func (h Handlers) command(c *gin.Context, m *orchestrator.Machine, status int, fn func(ctx context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(status, m.Current())
}

// --- Calling engine ---

// EngineReady records the capability descriptor of the calling engine.
func (h Handlers) EngineReady(c *gin.Context) {
	var caps media.Capabilities
	if err := c.ShouldBindJSON(&caps); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if err := h.Engine.Init(caps); err != nil {
		writeError(c, err)
		return
	}
	got, _ := h.Engine.Capabilities()
	c.JSON(http.StatusOK, gin.H{"ready": true, "capabilities": got})
}

func (h Handlers) EngineStatus(c *gin.Context) {
	caps, ready := h.Engine.Capabilities()
	if !ready {
		c.JSON(http.StatusOK, gin.H{"ready": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ready": true, "capabilities": caps})
}

// --- Call logs ---

func (h Handlers) ListHistory(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	rng, ok := timeRange(c)
	if !ok {
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	entries, err := h.History.List(c.Request.Context(), history.ListRequest{UserID: uid, Range: rng, Limit: limit})
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

const defaultSummaryWindow = 30 * 24 * time.Hour

func (h Handlers) Summary(c *gin.Context) {
	uid, ok := userID(c)
	if !ok {
		return
	}
	rng, ok := timeRange(c)
	if !ok {
		return
	}
	if rng.To.IsZero() {
		rng.To = time.Now().UTC().Add(time.Second)
	}
	if rng.From.IsZero() {
		rng.From = rng.To.Add(-defaultSummaryWindow)
	}
	sum, err := h.History.Summary(c.Request.Context(), history.SummaryRequest{UserID: uid, Range: rng})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// --- helpers ---

func userID(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", false
	}
	return uid, true
}

func (h Handlers) machine(c *gin.Context) (*orchestrator.Machine, bool) {
	uid, ok := userID(c)
	if !ok {
		return nil, false
	}
	m, ok := h.Surfaces.Machine(uid, c.Param("scope_id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "scope not open"})
		return nil, false
	}
	return m, true
}

func timeRange(c *gin.Context) (history.TimeRange, bool) {
	var rng history.TimeRange
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"from", &rng.From}, {"to", &rng.To}} {
		v := c.Query(p.key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": p.key + " must be RFC3339"})
			return history.TimeRange{}, false
		}
		*p.dst = t
	}
	return rng, true
}

// writeError maps package errors to HTTP status codes. Unknown errors are logged and hidden.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		status, msg = http.StatusConflict, "command not valid in the current call state"
	case errors.Is(err, scope.ErrScopeLeased):
		status, msg = http.StatusConflict, "scope is active in another session"
	case errors.Is(err, surface.ErrScopeNotFound), errors.Is(err, orchestrator.ErrClosed):
		status, msg = http.StatusNotFound, "scope not open"
	case errors.Is(err, surface.ErrInvalidRequest), errors.Is(err, history.ErrInvalidRequest),
		errors.Is(err, calls.ErrInvalidSession), errors.Is(err, signaling.ErrInvalidRequest):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, media.ErrUnsupportedEngine):
		status, msg = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, signaling.ErrTransport):
		status, msg = http.StatusBadGateway, "signaling unavailable"
	case errors.Is(err, surface.ErrClosed):
		status, msg = http.StatusServiceUnavailable, "shutting down"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		status, msg = http.StatusGatewayTimeout, "request timed out"
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
