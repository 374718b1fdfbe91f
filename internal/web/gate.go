package web

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/streamgate/internal/authkit"
	"github.com/tyemirov/streamgate/pkg/statussync"
	"go.uber.org/zap"
)

const accessDecisionContextKey = "access_decision"

// RequireActiveAccess rejects sessions whose latest access record blocks them.
// It must run after authkit.RequireSession. Missing records and lookup
// failures allow the request.
func RequireActiveAccess(reader statussync.RecordReader, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		claims, found := authkit.SessionClaims(contextGin)
		if !found {
			logger.Warn("access gate without session",
				zap.String("code", "api.access.missing_claims"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session.unauthenticated"})
			return
		}
		decision := lookupDecision(contextGin, reader, claims.GetUserEmail())
		contextGin.Set(accessDecisionContextKey, decision)
		if decision.IsSuspended {
			logger.Info("blocked request from suspended account",
				zap.String("email", decision.Email),
				zap.String("path", contextGin.FullPath()))
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":  "access.suspended",
				"reason": decision.SuspensionReason,
			})
			return
		}
		contextGin.Next()
	}
}

// AccessDecision returns the decision stored by RequireActiveAccess.
func AccessDecision(contextGin *gin.Context) (statussync.SyncDecision, bool) {
	value, exists := contextGin.Get(accessDecisionContextKey)
	if !exists {
		return statussync.SyncDecision{}, false
	}
	decision, ok := value.(statussync.SyncDecision)
	return decision, ok
}

func lookupDecision(contextGin *gin.Context, reader statussync.RecordReader, email string) statussync.SyncDecision {
	return statussync.DecideFromLookup(email, reader.GetRecordByEmail(contextGin.Request.Context(), email))
}

func decisionPayload(decision statussync.SyncDecision) gin.H {
	return gin.H{
		"email":             decision.Email,
		"is_suspended":      decision.IsSuspended,
		"is_restricted":     decision.IsRestricted,
		"status":            decision.Status,
		"can_access":        decision.CanAccess,
		"access_level":      decision.AccessLevel,
		"suspension_reason": decision.SuspensionReason,
	}
}
