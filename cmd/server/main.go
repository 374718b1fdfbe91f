package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tyemirov/streamgate/internal/authkit"
	"github.com/tyemirov/streamgate/pkg/sessionvalidator"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "config.dotenv: %v\n", err)
	}
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "streamgate",
		Short:   "Streaming catalogue gate with password and Google sign-in, JWT sessions and live access control",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("public_base_url", "", "Public base URL advertised to clients; derived from the request when empty")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google sign-in")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for session JWTs")
	rootCmd.Flags().Duration("session_ttl", 15*time.Minute, "Session token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 60*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google Sign-In exchanges")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "Database URL (postgres:// or sqlite://); empty keeps everything in memory")
	rootCmd.Flags().Bool("pg_notify", false, "Publish access_control changes through Postgres LISTEN/NOTIFY (postgres only)")
	rootCmd.Flags().String("access_seed_file", "", "YAML file of access_control records applied at start and on change")
	rootCmd.Flags().StringSlice("admin_emails", []string{}, "Accounts granted the admin role")
	rootCmd.Flags().Duration("poll_interval", 30*time.Second, "Client access re-check interval")
	rootCmd.Flags().Duration("debounce_window", 5*time.Second, "Client access check debounce window")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	rootCmd.Flags().VisitAll(func(flag *pflag.Flag) {
		_ = viper.BindPFlag(flag.Name, flag)
	})

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	appJWTIssuer      = "streamgate"
	refreshCookieName = "streamgate_refresh"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodePGNotifyRequiresPG      = "config.pg_notify_requires_postgres"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

// serverOptions holds the settings that are not part of authkit.ServerConfig.
type serverOptions struct {
	ListenAddr         string
	PublicBaseURL      string
	DatabaseURL        string
	PGNotify           bool
	AccessSeedFile     string
	PollInterval       time.Duration
	DebounceWindow     time.Duration
	EnableCORS         bool
	CORSAllowedOrigins []string
}

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads the identity settings from flags and APP_* variables.
func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	nonceTTL := 5 * time.Minute
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	return authkit.ServerConfig{
		GoogleWebClientID: strings.TrimSpace(viper.GetString("google_web_client_id")),
		AppJWTSigningKey:  []byte(jwtSigningKey),
		AppJWTIssuer:      appJWTIssuer,
		CookieDomain:      viper.GetString("cookie_domain"),
		SessionCookieName: sessionvalidator.DefaultCookieName,
		RefreshCookieName: refreshCookieName,
		SessionTTL:        sessionTTL,
		RefreshTTL:        refreshTTL,
		NonceTTL:          nonceTTL,
		AdminEmails:       viper.GetStringSlice("admin_emails"),
	}, nil
}

func loadServerOptions() serverOptions {
	return serverOptions{
		ListenAddr:         viper.GetString("listen_addr"),
		PublicBaseURL:      viper.GetString("public_base_url"),
		DatabaseURL:        strings.TrimSpace(viper.GetString("database_url")),
		PGNotify:           viper.GetBool("pg_notify"),
		AccessSeedFile:     strings.TrimSpace(viper.GetString("access_seed_file")),
		PollInterval:       viper.GetDuration("poll_interval"),
		DebounceWindow:     viper.GetDuration("debounce_window"),
		EnableCORS:         viper.GetBool("enable_cors"),
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
	}
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}
	serverConfig.AllowInsecureHTTP = viper.GetBool("dev_insecure_http")

	runContext, cancelRun := context.WithCancel(context.Background())
	app, buildErr := newApplication(runContext, serverConfig, loadServerOptions(), logger)
	if buildErr != nil {
		cancelRun()
		return buildErr
	}
	defer func() {
		cancelRun()
		app.Close()
	}()

	server := &http.Server{
		Addr:              app.options.ListenAddr,
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return runContext },
	}

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-runContext.Done():
			return
		}
		cancelRun()
		graceCtx, graceCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.String("code", "server.shutdown_failed"), zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", app.options.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
