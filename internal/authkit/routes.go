package authkit

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	LogoutScopeLocal  = "local"
	LogoutScopeGlobal = "global"
)

// MountAuthRoutes registers the identity endpoints under /auth.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, users UserStore, refreshTokens RefreshTokenStore, nonces NonceStore) {
	handlers := &authHandlers{
		configuration: configuration,
		users:         users,
		refreshTokens: refreshTokens,
		nonces:        nonces,
	}
	router.POST("/auth/signup", handlers.handleSignUp)
	router.POST("/auth/signin", handlers.handleSignIn)
	if configuration.GoogleSignInEnabled() {
		router.POST("/auth/nonce", handlers.handleNonce)
		router.POST("/auth/google", handlers.handleGoogle)
	}
	router.POST("/auth/refresh", handlers.handleRefresh)
	router.POST("/auth/logout", handlers.handleLogout)
	router.GET("/auth/session", handlers.handleSession)
}

type authHandlers struct {
	configuration ServerConfig
	users         UserStore
	refreshTokens RefreshTokenStore
	nonces        NonceStore
}

func (handlers *authHandlers) handleSignUp(contextGin *gin.Context) {
	var inbound struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		recordMetric(metricAuthSignupFailure)
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "auth.invalid_json"})
		return
	}
	if !handlers.requireHTTPS(contextGin) {
		recordMetric(metricAuthSignupFailure)
		return
	}

	profile, createErr := handlers.users.CreatePasswordUser(contextGin, inbound.Email, inbound.Password, inbound.DisplayName)
	if createErr != nil {
		recordMetric(metricAuthSignupFailure)
		switch {
		case errors.Is(createErr, ErrUserExists):
			contextGin.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "auth.user_exists"})
		case errors.Is(createErr, ErrInvalidEmail):
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "auth.invalid_email"})
		case errors.Is(createErr, ErrWeakPassword):
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "auth.weak_password"})
		default:
			currentLogger().Error("sign-up failed",
				zap.String("code", "auth.signup.store_error"),
				zap.Error(createErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth.internal"})
		}
		return
	}

	expiresAt, issueErr := handlers.establishSession(contextGin, profile, "")
	if issueErr != nil {
		recordMetric(metricAuthSignupFailure)
		return
	}
	recordMetric(metricAuthSignupSuccess)
	contextGin.JSON(http.StatusCreated, sessionPayload(profile, expiresAt))
}

func (handlers *authHandlers) handleSignIn(contextGin *gin.Context) {
	var inbound struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
		recordMetric(metricAuthLoginFailure)
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "auth.invalid_json"})
		return
	}
	if !handlers.requireHTTPS(contextGin) {
		recordMetric(metricAuthLoginFailure)
		return
	}

	profile, verifyErr := handlers.users.VerifyPassword(contextGin, inbound.Email, inbound.Password)
	if verifyErr != nil {
		recordMetric(metricAuthLoginFailure)
		if errors.Is(verifyErr, ErrInvalidCredentials) {
			currentLogger().Info("password sign-in rejected",
				zap.String("code", "auth.signin.invalid_credentials"),
				zap.String("email", normalizeEmail(inbound.Email)))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth.invalid_credentials"})
			return
		}
		currentLogger().Error("password sign-in failed",
			zap.String("code", "auth.signin.store_error"),
			zap.Error(verifyErr))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth.internal"})
		return
	}

	expiresAt, issueErr := handlers.establishSession(contextGin, profile, "")
	if issueErr != nil {
		recordMetric(metricAuthLoginFailure)
		return
	}
	recordMetric(metricAuthLoginSuccess)
	contextGin.JSON(http.StatusOK, sessionPayload(profile, expiresAt))
}

func (handlers *authHandlers) handleNonce(contextGin *gin.Context) {
	if handlers.nonces == nil {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "auth.nonce_disabled"})
		return
	}
	nonce, issueErr := handlers.nonces.Issue(contextGin)
	if issueErr != nil {
		currentLogger().Error("nonce issue failed",
			zap.String("code", "auth.nonce.issue_failed"),
			zap.Error(issueErr))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth.internal"})
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

func (handlers *authHandlers) handleGoogle(contextGin *gin.Context) {
	var inbound struct {
		GoogleIDToken string `json:"google_id_token"`
		Nonce         string `json:"nonce"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.GoogleIDToken) == "" {
		recordMetric(metricAuthLoginFailure)
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "auth.invalid_json"})
		return
	}
	if !handlers.requireHTTPS(contextGin) {
		recordMetric(metricAuthLoginFailure)
		return
	}

	validator, validatorErr := currentGoogleValidator(contextGin.Request.Context())
	if validatorErr != nil {
		recordMetric(metricAuthLoginFailure)
		currentLogger().Error("google validator unavailable",
			zap.String("code", "auth.google.validator_unavailable"),
			zap.Error(validatorErr))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth.internal"})
		return
	}
	payload, validateErr := validator.Validate(contextGin.Request.Context(), inbound.GoogleIDToken, handlers.configuration.GoogleWebClientID)
	if validateErr != nil || payload == nil {
		recordMetric(metricAuthLoginFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth.invalid_google_token"})
		return
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		recordMetric(metricAuthLoginFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth.invalid_issuer"})
		return
	}
	if strings.TrimSpace(inbound.Nonce) != "" {
		tokenNonce, _ := payload.Claims["nonce"].(string)
		if handlers.nonces == nil || tokenNonce != inbound.Nonce || handlers.nonces.Consume(contextGin, inbound.Nonce) != nil {
			recordMetric(metricAuthLoginFailure)
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth.invalid_nonce"})
			return
		}
	}
	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	userDisplayName, _ := payload.Claims["name"].(string)
	if googleSub == "" || userEmail == "" || !emailVerified {
		recordMetric(metricAuthLoginFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth.unverified_identity"})
		return
	}

	profile, upsertErr := handlers.users.UpsertGoogleUser(contextGin, googleSub, userEmail, userDisplayName)
	if upsertErr != nil || profile.UserID == "" {
		recordMetric(metricAuthLoginFailure)
		currentLogger().Error("google user upsert failed",
			zap.String("code", "auth.google.upsert_failed"),
			zap.Error(upsertErr))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth.internal"})
		return
	}

	expiresAt, issueErr := handlers.establishSession(contextGin, profile, "")
	if issueErr != nil {
		recordMetric(metricAuthLoginFailure)
		return
	}
	recordMetric(metricAuthLoginSuccess)
	contextGin.JSON(http.StatusOK, sessionPayload(profile, expiresAt))
}

func (handlers *authHandlers) handleRefresh(contextGin *gin.Context) {
	refreshCookie, cookieErr := contextGin.Request.Cookie(handlers.configuration.RefreshCookieName)
	if cookieErr != nil || refreshCookie == nil || strings.TrimSpace(refreshCookie.Value) == "" {
		recordMetric(metricAuthRefreshFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth.refresh.missing"})
		return
	}

	applicationUserID, currentTokenID, _, validateErr := handlers.refreshTokens.Validate(contextGin, refreshCookie.Value)
	if validateErr != nil {
		recordMetric(metricAuthRefreshFailure)
		currentLogger().Info("refresh token rejected",
			zap.String("code", "auth.refresh.invalid"),
			zap.Error(validateErr))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth.refresh.invalid"})
		return
	}

	profile, profileErr := handlers.users.GetUserProfile(contextGin, applicationUserID)
	if profileErr != nil {
		recordMetric(metricAuthRefreshFailure)
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth.refresh.unknown_user"})
		return
	}

	if _, issueErr := handlers.establishSession(contextGin, profile, currentTokenID); issueErr != nil {
		recordMetric(metricAuthRefreshFailure)
		return
	}
	if revokeErr := handlers.refreshTokens.Revoke(contextGin, currentTokenID); revokeErr != nil {
		recordMetric(metricAuthRefreshFailure)
		currentLogger().Error("refresh rotation revoke failed",
			zap.String("code", "auth.refresh.revoke_failed"),
			zap.Error(revokeErr))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth.internal"})
		return
	}
	recordMetric(metricAuthRefreshSuccess)
	contextGin.Status(http.StatusNoContent)
}

func (handlers *authHandlers) handleLogout(contextGin *gin.Context) {
	scope := strings.ToLower(strings.TrimSpace(contextGin.DefaultQuery("scope", LogoutScopeLocal)))
	switch scope {
	case LogoutScopeLocal:
		if tokenID := handlers.refreshTokenID(contextGin); tokenID != "" {
			if revokeErr := handlers.refreshTokens.Revoke(contextGin, tokenID); revokeErr != nil && !errors.Is(revokeErr, ErrRefreshTokenAlreadyRevoked) {
				currentLogger().Warn("logout revoke failed",
					zap.String("code", "auth.logout.revoke_failed"),
					zap.Error(revokeErr))
			}
		}
		handlers.clearSessionCookies(contextGin)
		recordMetric(metricAuthLogout)
		contextGin.Status(http.StatusNoContent)
	case LogoutScopeGlobal:
		applicationUserID := handlers.logoutUserID(contextGin)
		handlers.clearSessionCookies(contextGin)
		if applicationUserID == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session.unauthenticated"})
			return
		}
		revokedCount, revokeErr := handlers.refreshTokens.RevokeAllForUser(contextGin, applicationUserID)
		if revokeErr != nil {
			currentLogger().Error("global logout revoke failed",
				zap.String("code", "auth.logout.global_revoke_failed"),
				zap.String("user_id", applicationUserID),
				zap.Error(revokeErr))
			contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth.internal"})
			return
		}
		currentLogger().Info("global logout",
			zap.String("user_id", applicationUserID),
			zap.Int64("revoked", revokedCount))
		recordMetric(metricAuthLogoutGlobal)
		contextGin.Status(http.StatusNoContent)
	default:
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "auth.logout.invalid_scope"})
	}
}

func (handlers *authHandlers) handleSession(contextGin *gin.Context) {
	validator, validatorErr := newSessionValidator(handlers.configuration)
	if validatorErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth.session.misconfigured"})
		return
	}
	claims, validateErr := validator.ValidateRequest(contextGin.Request)
	if validateErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session.unauthenticated"})
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.JSON(http.StatusOK, sessionPayload(UserProfile{
		UserID:      claims.GetUserID(),
		Email:       claims.GetUserEmail(),
		DisplayName: claims.GetUserDisplayName(),
		Roles:       claims.GetUserRoles(),
	}, claims.GetExpiresAt()))
}

// establishSession mints the session token, issues a refresh token and writes
// both cookies. On failure it has already answered the request.
func (handlers *authHandlers) establishSession(contextGin *gin.Context, profile UserProfile, previousTokenID string) (time.Time, error) {
	sessionToken, sessionExpiresAt, mintErr := mintProfileSession(handlers.configuration, profile)
	if mintErr != nil {
		currentLogger().Error("session mint failed",
			zap.String("code", "auth.session.mint_failed"),
			zap.Error(mintErr))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth.internal"})
		return time.Time{}, mintErr
	}
	refreshExpiresAt := currentClock().Now().Add(handlers.configuration.RefreshTTL)
	_, refreshOpaque, issueErr := handlers.refreshTokens.Issue(contextGin, profile.UserID, refreshExpiresAt.Unix(), previousTokenID)
	if issueErr == nil && strings.TrimSpace(refreshOpaque) == "" {
		issueErr = ErrRefreshTokenEmptyOpaque
	}
	if issueErr != nil {
		currentLogger().Error("refresh issue failed",
			zap.String("code", "auth.refresh.issue_failed"),
			zap.Error(issueErr))
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth.internal"})
		return time.Time{}, issueErr
	}
	handlers.writeCookie(contextGin, handlers.configuration.SessionCookieName, sessionToken, "/", sessionExpiresAt)
	handlers.writeCookie(contextGin, handlers.configuration.RefreshCookieName, refreshOpaque, "/auth", refreshExpiresAt)
	return sessionExpiresAt, nil
}

func (handlers *authHandlers) refreshTokenID(contextGin *gin.Context) string {
	refreshCookie, cookieErr := contextGin.Request.Cookie(handlers.configuration.RefreshCookieName)
	if cookieErr != nil || refreshCookie == nil || strings.TrimSpace(refreshCookie.Value) == "" {
		return ""
	}
	_, tokenID, _, validateErr := handlers.refreshTokens.Validate(contextGin, refreshCookie.Value)
	if validateErr != nil {
		return ""
	}
	return tokenID
}

func (handlers *authHandlers) logoutUserID(contextGin *gin.Context) string {
	if validator, validatorErr := newSessionValidator(handlers.configuration); validatorErr == nil {
		if claims, validateErr := validator.ValidateRequest(contextGin.Request); validateErr == nil {
			return claims.GetUserID()
		}
	}
	refreshCookie, cookieErr := contextGin.Request.Cookie(handlers.configuration.RefreshCookieName)
	if cookieErr != nil || refreshCookie == nil {
		return ""
	}
	applicationUserID, _, _, validateErr := handlers.refreshTokens.Validate(contextGin, refreshCookie.Value)
	if validateErr != nil {
		return ""
	}
	return applicationUserID
}

func (handlers *authHandlers) requireHTTPS(contextGin *gin.Context) bool {
	if handlers.configuration.AllowInsecureHTTP || isHTTPS(contextGin.Request) {
		return true
	}
	contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "auth.https_required"})
	return false
}

func (handlers *authHandlers) writeCookie(contextGin *gin.Context, name string, value string, path string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   handlers.configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !handlers.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: handlers.configuration.SameSiteMode,
	})
}

func (handlers *authHandlers) clearSessionCookies(contextGin *gin.Context) {
	for _, cookie := range []struct{ name, path string }{
		{handlers.configuration.SessionCookieName, "/"},
		{handlers.configuration.RefreshCookieName, "/auth"},
	} {
		http.SetCookie(contextGin.Writer, &http.Cookie{
			Name:     cookie.name,
			Value:    "",
			Path:     cookie.path,
			Domain:   handlers.configuration.CookieDomain,
			MaxAge:   -1,
			Secure:   !handlers.configuration.AllowInsecureHTTP,
			HttpOnly: true,
			SameSite: handlers.configuration.SameSiteMode,
		})
	}
}

func sessionPayload(profile UserProfile, expiresAt time.Time) gin.H {
	roles := profile.Roles
	if roles == nil {
		roles = []string{}
	}
	return gin.H{
		"user_id":    profile.UserID,
		"user_email": profile.Email,
		"display":    profile.DisplayName,
		"roles":      roles,
		"expires":    expiresAt.UTC(),
	}
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	if strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	return splitErr == nil && host == "localhost"
}
