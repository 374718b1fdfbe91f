package authkit

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/streamgate/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// ClaimsContextKey is where RequireSession stores *sessionvalidator.Claims.
const ClaimsContextKey = sessionvalidator.DefaultContextKey

// RequireSession validates the session cookie and injects claims.
func RequireSession(configuration ServerConfig) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		validator, validatorErr := newSessionValidator(configuration)
		if validatorErr != nil {
			currentLogger().Error("session validator misconfigured",
				zap.String("code", "auth.session.validator_config"),
				zap.Error(validatorErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth.session.misconfigured"})
			return
		}
		claims, validateErr := validator.ValidateRequest(contextGin.Request)
		if validateErr != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session.unauthenticated"})
			return
		}
		contextGin.Set(ClaimsContextKey, claims)
		contextGin.Next()
	}
}

// OptionalSession injects claims when the session cookie is valid and never aborts.
func OptionalSession(configuration ServerConfig) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		validator, validatorErr := newSessionValidator(configuration)
		if validatorErr == nil {
			if claims, validateErr := validator.ValidateRequest(contextGin.Request); validateErr == nil {
				contextGin.Set(ClaimsContextKey, claims)
			}
		}
		contextGin.Next()
	}
}

// RequireRole rejects sessions that lack role. It must run after RequireSession.
func RequireRole(role string) gin.HandlerFunc {
	return sessionvalidator.RequireRole(ClaimsContextKey, role)
}

// SessionClaims returns the claims stored by RequireSession.
func SessionClaims(contextGin *gin.Context) (*sessionvalidator.Claims, bool) {
	return sessionvalidator.ClaimsFromContext(contextGin, ClaimsContextKey)
}

func newSessionValidator(configuration ServerConfig) (*sessionvalidator.Validator, error) {
	return sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.AppJWTSigningKey,
		Issuer:     configuration.AppJWTIssuer,
		CookieName: configuration.SessionCookieName,
		Clock:      currentClock(),
	})
}
