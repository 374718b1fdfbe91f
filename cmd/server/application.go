package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/streamgate/internal/access"
	"github.com/tyemirov/streamgate/internal/accesspg"
	"github.com/tyemirov/streamgate/internal/authkit"
	"github.com/tyemirov/streamgate/internal/web"
	webassets "github.com/tyemirov/streamgate/web"
	"go.uber.org/zap"
)

const apiChangeSource = "api"

// application is the wired HTTP surface together with the resources it owns.
type application struct {
	options  serverOptions
	router   *gin.Engine
	users    authkit.UserStore
	access   access.Store
	hub      *access.ChangeHub
	database *authkit.Database
	pool     *pgxpool.Pool
	metrics  *authkit.CounterMetrics
}

// newApplication opens the stores, starts the background listeners on ctx and
// builds the router.
func newApplication(ctx context.Context, serverConfig authkit.ServerConfig, options serverOptions, logger *zap.Logger) (*application, error) {
	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if options.EnableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	app := &application{options: options, hub: access.NewChangeHub(logger)}
	success := false
	defer func() {
		if !success {
			app.Close()
		}
	}()

	if serverConfig.GoogleSignInEnabled() {
		validator, validatorErr := buildGoogleTokenValidator(ctx)
		if validatorErr != nil {
			return nil, fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		authkit.ProvideGoogleTokenValidator(validator)
	} else {
		logger.Info("google sign-in disabled; no client id configured")
	}
	authkit.ProvideClock(authkit.NewSystemClock())
	authkit.ProvideLogger(logger)
	app.metrics = authkit.NewCounterMetrics()
	authkit.ProvideMetrics(app.metrics)

	if options.PGNotify && options.DatabaseURL == "" {
		return nil, configError(configCodePGNotifyRequiresPG, "pg_notify needs a postgres database_url")
	}

	var refreshStore authkit.RefreshTokenStore
	var baseAccessStore access.Store
	if options.DatabaseURL != "" {
		database, openErr := authkit.OpenDatabase(ctx, options.DatabaseURL)
		if openErr != nil {
			return nil, openErr
		}
		app.database = database
		if options.PGNotify && database.Driver != authkit.DriverPostgres {
			return nil, configError(configCodePGNotifyRequiresPG, "pg_notify needs a postgres database_url")
		}
		users, usersErr := authkit.NewDatabaseUserStore(ctx, database, serverConfig.AdminEmails)
		if usersErr != nil {
			return nil, usersErr
		}
		persistentRefresh, refreshErr := authkit.NewDatabaseRefreshTokenStore(ctx, database)
		if refreshErr != nil {
			return nil, refreshErr
		}
		accessStore, accessErr := access.NewDatabaseStore(ctx, database, logger)
		if accessErr != nil {
			return nil, accessErr
		}
		app.users = users
		refreshStore = persistentRefresh
		baseAccessStore = accessStore
		logger.Info("using persistent stores", zap.String("driver", database.Driver))
	} else {
		app.users = authkit.NewMemoryUserStore(serverConfig.AdminEmails)
		refreshStore = authkit.NewMemoryRefreshTokenStore()
		baseAccessStore = access.NewMemoryStore(logger)
		logger.Info("using in-memory stores")
	}

	if options.PGNotify {
		pool, poolErr := accesspg.BuildPool(ctx, options.DatabaseURL)
		if poolErr != nil {
			return nil, poolErr
		}
		app.pool = pool
		if err := accesspg.EnsureSchema(ctx, pool); err != nil {
			return nil, err
		}
		notifier := accesspg.NewNotifier(pool, app.hub, logger)
		go func() {
			if err := notifier.Run(ctx); err != nil {
				logger.Error("access notification listener stopped",
					zap.String("code", "server.pg_notify_stopped"),
					zap.Error(err))
			}
		}()
		app.access = baseAccessStore
		logger.Info("access changes published by postgres", zap.String("channel", accesspg.NotificationChannel))
	} else {
		app.access = access.NewNotifyingStore(baseAccessStore, app.hub, apiChangeSource)
	}

	if options.AccessSeedFile != "" {
		reloader := access.NewSeedReloader(options.AccessSeedFile, app.access, logger)
		if _, err := reloader.Reload(ctx); err != nil {
			return nil, err
		}
		go func() {
			if err := reloader.Run(ctx); err != nil {
				logger.Warn("access seed watcher stopped",
					zap.String("code", "server.seed_watch_stopped"),
					zap.Error(err))
			}
		}()
	}

	router, routerErr := app.buildRouter(serverConfig, refreshStore, logger)
	if routerErr != nil {
		return nil, routerErr
	}
	app.router = router
	success = true
	return app, nil
}

func (app *application) buildRouter(serverConfig authkit.ServerConfig, refreshStore authkit.RefreshTokenStore, logger *zap.Logger) (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if app.options.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, app.options.CORSAllowedOrigins)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	templates, templatesErr := web.LoadTemplates(webassets.FS)
	if templatesErr != nil {
		return nil, templatesErr
	}
	router.SetHTMLTemplate(templates)
	router.GET("/static/streamgate.css", func(contextGin *gin.Context) {
		web.ServeEmbeddedStatic(contextGin, webassets.FS, "static/streamgate.css", "text/css; charset=utf-8")
	})
	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	pages := router.Group("", authkit.OptionalSession(serverConfig))
	web.NewPages(app.access, logger).Mount(pages)

	authkit.MountAuthRoutes(router, serverConfig, app.users, refreshStore, authkit.NewMemoryNonceStore(serverConfig.NonceTTL))

	clientConfig := web.ClientConfig{
		GoogleClientID: serverConfig.GoogleWebClientID,
		BaseURL:        app.options.PublicBaseURL,
		PollInterval:   app.options.PollInterval,
		DebounceWindow: app.options.DebounceWindow,
	}
	router.GET("/api/config", func(contextGin *gin.Context) {
		web.ServeClientConfig(contextGin, clientConfig)
	})

	protected := router.Group("/api")
	protected.Use(authkit.RequireSession(serverConfig))
	protected.GET("/me", web.RequireActiveAccess(app.access, logger), web.HandleWhoAmI(logger, app.users))
	web.NewAccessHandlers(app.access, app.hub, logger).Mount(protected)

	return router, nil
}

// Close releases the hub, the listener pool and the database, and resets the
// authkit providers.
func (app *application) Close() {
	if app.hub != nil {
		app.hub.Close()
	}
	if app.pool != nil {
		app.pool.Close()
	}
	if app.database != nil {
		_ = app.database.Close()
	}
	authkit.ProvideGoogleTokenValidator(nil)
	authkit.ProvideClock(nil)
	authkit.ProvideLogger(nil)
	authkit.ProvideMetrics(nil)
}
