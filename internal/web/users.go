package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/streamgate/internal/authkit"
	"go.uber.org/zap"
)

// HandleWhoAmI resolves the authenticated user's profile payload.
func HandleWhoAmI(logger *zap.Logger, users authkit.UserStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user store is required")
	}

	return func(contextGin *gin.Context) {
		claims, found := authkit.SessionClaims(contextGin)
		if !found || claims.GetUserID() == "" {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.me.missing_claims"))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session.unauthenticated"})
			return
		}

		profile, profileErr := users.GetUserProfile(contextGin, claims.GetUserID())
		if profileErr != nil {
			if errors.Is(profileErr, authkit.ErrUserNotFound) {
				logger.Warn("user profile missing",
					zap.String("code", "api.me.profile_missing"),
					zap.String("user_id", claims.GetUserID()))
				contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "api.me.profile_missing"})
				return
			}
			logger.Error("user profile lookup error",
				zap.String("code", "api.me.profile_error"),
				zap.String("user_id", claims.GetUserID()),
				zap.Error(profileErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "api.internal"})
			return
		}

		payload := gin.H{
			"user_id":    profile.UserID,
			"user_email": profile.Email,
			"display":    profile.DisplayName,
			"roles":      profile.Roles,
			"expires":    claims.GetExpiresAt(),
		}
		if decision, ok := AccessDecision(contextGin); ok {
			payload["access"] = decisionPayload(decision)
		}
		contextGin.JSON(http.StatusOK, payload)
	}
}
