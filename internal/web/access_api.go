package web

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/streamgate/internal/access"
	"github.com/tyemirov/streamgate/internal/authkit"
	"github.com/tyemirov/streamgate/pkg/statussync"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	changeStreamBuffer       = 8
)

// AccessHandlers serves the access_control API and its change stream.
type AccessHandlers struct {
	store     access.Store
	hub       *access.ChangeHub
	logger    *zap.Logger
	heartbeat time.Duration
}

// NewAccessHandlers constructs the handlers. Writes go through store, which is
// expected to publish to hub itself.
func NewAccessHandlers(store access.Store, hub *access.ChangeHub, logger *zap.Logger) *AccessHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessHandlers{store: store, hub: hub, logger: logger, heartbeat: defaultHeartbeatInterval}
}

// Mount registers the caller and admin routes. api must already run
// authkit.RequireSession.
func (handlers *AccessHandlers) Mount(api gin.IRouter) {
	api.GET("/access/me", handlers.HandleMyAccess)
	api.GET("/access/changes", handlers.HandleChanges)
	admin := api.Group("/admin", authkit.RequireRole(authkit.RoleAdmin))
	admin.GET("/access/:email", handlers.HandleAdminGet)
	admin.PUT("/access/:email", handlers.HandleAdminPut)
	admin.GET("/hub/stats", handlers.HandleHubStats)
}

// HandleMyAccess returns the caller's latest access record.
func (handlers *AccessHandlers) HandleMyAccess(contextGin *gin.Context) {
	claims, found := authkit.SessionClaims(contextGin)
	if !found {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session.unauthenticated"})
		return
	}
	record, latestErr := handlers.store.Latest(contextGin.Request.Context(), claims.GetUserEmail())
	if errors.Is(latestErr, access.ErrRecordNotFound) {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "access.not_found"})
		return
	}
	if latestErr != nil {
		handlers.logger.Warn("access lookup failed",
			zap.String("code", "api.access.lookup_failed"),
			zap.String("email", claims.GetUserEmail()),
			zap.Error(latestErr))
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "access.unavailable"})
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, record)
}

// HandleAdminGet returns the latest record and the history for an email.
func (handlers *AccessHandlers) HandleAdminGet(contextGin *gin.Context) {
	email := statussync.NormalizeEmail(contextGin.Param("email"))
	history, historyErr := handlers.store.History(contextGin.Request.Context(), email)
	if historyErr != nil {
		handlers.logger.Error("access history failed",
			zap.String("code", "api.admin.history_failed"),
			zap.String("email", email),
			zap.Error(historyErr))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "api.internal"})
		return
	}
	if len(history) == 0 {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "access.not_found"})
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{
		"record":   history[0],
		"decision": decisionPayload(history[0].Decision()),
		"history":  history,
	})
}

// HandleAdminPut appends a new record for an email.
func (handlers *AccessHandlers) HandleAdminPut(contextGin *gin.Context) {
	var update access.Update
	if err := contextGin.ShouldBindJSON(&update); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "api.admin.invalid_json"})
		return
	}
	update.Email = contextGin.Param("email")

	record, putErr := handlers.store.Put(contextGin.Request.Context(), update)
	if putErr != nil {
		switch {
		case errors.Is(putErr, access.ErrInvalidEmail):
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "access.invalid_email"})
		case errors.Is(putErr, access.ErrInvalidStatus):
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "access.invalid_status"})
		case errors.Is(putErr, access.ErrInvalidAccessLevel):
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "access.invalid_access_level"})
		default:
			handlers.logger.Error("access update failed",
				zap.String("code", "api.admin.put_failed"),
				zap.String("email", update.Email),
				zap.Error(putErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "api.internal"})
		}
		return
	}
	actor := ""
	if claims, found := authkit.SessionClaims(contextGin); found {
		actor = claims.GetUserEmail()
	}
	handlers.logger.Info("access record updated",
		zap.String("email", record.Email),
		zap.String("status", string(record.Status)),
		zap.Bool("can_access", record.CanAccess),
		zap.String("actor", actor))
	contextGin.JSON(http.StatusOK, gin.H{
		"record":   record,
		"decision": decisionPayload(record.Decision()),
	})
}

// HandleHubStats reports change hub counters.
func (handlers *AccessHandlers) HandleHubStats(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, handlers.hub.Stats())
}

// HandleChanges streams the caller's access_control changes as Server-Sent
// Events. Rows for other emails are never sent.
func (handlers *AccessHandlers) HandleChanges(contextGin *gin.Context) {
	claims, found := authkit.SessionClaims(contextGin)
	if !found {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session.unauthenticated"})
		return
	}
	email := statussync.NormalizeEmail(claims.GetUserEmail())
	subscriberID, changes, subscribeErr := handlers.hub.Subscribe(changeStreamBuffer)
	if subscribeErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "access.changes_unavailable"})
		return
	}
	defer func() { _ = handlers.hub.Unsubscribe(subscriberID) }()

	heartbeat := time.NewTicker(handlers.heartbeat)
	defer heartbeat.Stop()

	contextGin.Header("Cache-Control", "no-cache")
	contextGin.Header("Connection", "keep-alive")
	contextGin.Header("X-Accel-Buffering", "no")
	contextGin.SSEvent("ready", gin.H{"table": statussync.AccessControlTable, "email": email})
	contextGin.Writer.Flush()

	requestContext := contextGin.Request.Context()
	contextGin.Stream(func(writer io.Writer) bool {
		select {
		case <-requestContext.Done():
			return false
		case change, open := <-changes:
			if !open {
				return false
			}
			if change.Record.Email != email {
				return true
			}
			contextGin.SSEvent("change", changePayload(change))
			return true
		case <-heartbeat.C:
			contextGin.SSEvent("heartbeat", gin.H{"at": time.Now().UTC()})
			return true
		}
	})
}

func changePayload(change access.Change) gin.H {
	return gin.H{
		"table":             change.Table,
		"email":             change.Record.Email,
		"status":            change.Record.Status,
		"can_access":        change.Record.CanAccess,
		"access_level":      change.Record.AccessLevel,
		"suspension_reason": change.Record.SuspensionReason,
		"created_at":        change.Record.CreatedAt,
	}
}
