package web

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/streamgate/internal/authkit"
	"github.com/tyemirov/streamgate/pkg/statussync"
	"go.uber.org/zap"
)

const (
	RouteSignUp      = "/signup"
	RouteBrowse      = "/browse"
	defaultAfterAuth = RouteBrowse
)

// Pages renders the HTML sign-in, sign-up and protected pages. Routes must be
// mounted behind authkit.OptionalSession on a router with LoadTemplates set.
type Pages struct {
	reader statussync.RecordReader
	logger *zap.Logger
}

// NewPages constructs the page handlers.
func NewPages(reader statussync.RecordReader, logger *zap.Logger) *Pages {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pages{reader: reader, logger: logger}
}

// Mount registers the pages on router.
func (pages *Pages) Mount(router gin.IRouter) {
	router.GET(statussync.RouteSignIn, pages.HandleLogin)
	router.GET(RouteSignUp, pages.HandleSignUp)
	router.GET(RouteBrowse, pages.HandleBrowse)
	router.GET("/", func(contextGin *gin.Context) {
		contextGin.Redirect(http.StatusFound, RouteBrowse)
	})
}

// HandleLogin renders the sign-in form. A signed-in visitor is sent on to the
// requested page unless they arrived from a suspension. The suspension reason
// is shown only to the suspended account's own session; anonymous visitors get
// the generic notice.
func (pages *Pages) HandleLogin(contextGin *gin.Context) {
	next := safeNext(contextGin.Query("next"))
	suspended := contextGin.Query("suspended") == "1" || strings.EqualFold(contextGin.Query("suspended"), "true")
	email := statussync.NormalizeEmail(contextGin.Query("email"))
	claims, signedIn := authkit.SessionClaims(contextGin)

	if signedIn && !suspended {
		contextGin.Redirect(http.StatusFound, next)
		return
	}

	data := gin.H{"Title": "Sign in", "Next": next, "Suspended": suspended, "Email": email}
	if suspended {
		notice := statussync.SyncDecision{Email: email, IsSuspended: true}
		if signedIn {
			if own := lookupDecision(contextGin, pages.reader, claims.GetUserEmail()); own.IsSuspended {
				notice = own
			}
		}
		data["SuspensionMessage"] = statussync.SuspensionMessage(notice)
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.HTML(http.StatusOK, "login.tmpl", data)
}

// HandleSignUp renders the account creation form.
func (pages *Pages) HandleSignUp(contextGin *gin.Context) {
	if _, signedIn := authkit.SessionClaims(contextGin); signedIn {
		contextGin.Redirect(http.StatusFound, defaultAfterAuth)
		return
	}
	contextGin.Header("Cache-Control", "no-store")
	contextGin.HTML(http.StatusOK, "signup.tmpl", gin.H{"Title": "Sign up", "Next": safeNext(contextGin.Query("next"))})
}

// HandleBrowse is the protected landing page.
func (pages *Pages) HandleBrowse(contextGin *gin.Context) {
	claims, signedIn := authkit.SessionClaims(contextGin)
	if !signedIn {
		contextGin.Redirect(http.StatusFound, statussync.SignInRedirect(statussync.RouteSignIn, contextGin.Request.URL.RequestURI()))
		return
	}
	decision := lookupDecision(contextGin, pages.reader, claims.GetUserEmail())
	contextGin.Header("Cache-Control", "no-store")
	if decision.IsSuspended {
		pages.logger.Info("suspended account reached protected page",
			zap.String("email", decision.Email))
		contextGin.HTML(http.StatusForbidden, "suspended.tmpl", gin.H{
			"Title":             "Access unavailable",
			"Email":             decision.Email,
			"SuspensionMessage": statussync.SuspensionMessage(decision),
		})
		return
	}
	contextGin.HTML(http.StatusOK, "browse.tmpl", gin.H{
		"Title":      "Browse",
		"Display":    claims.GetUserDisplayName(),
		"Email":      claims.GetUserEmail(),
		"Restricted": decision.IsRestricted,
	})
}

// safeNext keeps post-auth redirects on this origin and off the auth pages.
func safeNext(next string) string {
	trimmed := strings.TrimSpace(next)
	if trimmed == "" || !strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "/\\") {
		return defaultAfterAuth
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Host != "" || parsed.Scheme != "" {
		return defaultAfterAuth
	}
	if parsed.Path == statussync.RouteSignIn || parsed.Path == RouteSignUp {
		return defaultAfterAuth
	}
	return trimmed
}
