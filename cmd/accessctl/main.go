// Command accessctl inspects and edits access_control records and follows a
// signed-in account the way a browser client would.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	configCodeMissingBackend  = "config.missing_backend"
	configCodeMissingServer   = "config.missing_server"
	configCodeMissingAccount  = "config.missing_account"
	configCodeInvalidOutput   = "config.invalid_output"
	configCodeInvalidLogLevel = "config.invalid_log_level"

	outputJSON = "json"
	outputYAML = "yaml"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "config.dotenv: %v\n", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cliConfig is resolved from flags and ACCESSCTL_* variables.
type cliConfig struct {
	ServerURL   string
	DatabaseURL string
	Email       string
	Password    string
	Output      string
	LogLevel    string
	Timeout     time.Duration
}

func newRootCommand() *cobra.Command {
	settings := viper.New()
	rootCmd := &cobra.Command{
		Use:           "accessctl",
		Short:         "Inspect, edit and follow streamgate access_control records",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("server", "", "streamgate base URL (e.g. https://streamgate.example.com)")
	flags.String("database_url", "", "Database URL (postgres:// or sqlite://); takes precedence over --server for record commands")
	flags.String("email", "", "Account email used to sign in to --server")
	flags.String("password", "", "Account password used to sign in to --server")
	flags.String("output", outputJSON, "Output format: json or yaml")
	flags.String("log_level", "warn", "Log level: debug, info, warn or error")
	flags.Duration("timeout", 30*time.Second, "Timeout for record commands")
	flags.VisitAll(func(flag *pflag.Flag) {
		_ = settings.BindPFlag(flag.Name, flag)
	})
	settings.SetEnvPrefix("ACCESSCTL")
	settings.AutomaticEnv()

	loadConfig := func() (cliConfig, error) {
		configuration := cliConfig{
			ServerURL:   strings.TrimSpace(settings.GetString("server")),
			DatabaseURL: strings.TrimSpace(settings.GetString("database_url")),
			Email:       strings.TrimSpace(settings.GetString("email")),
			Password:    settings.GetString("password"),
			Output:      strings.ToLower(strings.TrimSpace(settings.GetString("output"))),
			LogLevel:    settings.GetString("log_level"),
			Timeout:     settings.GetDuration("timeout"),
		}
		if configuration.Output != outputJSON && configuration.Output != outputYAML {
			return cliConfig{}, fmt.Errorf("%s: output must be json or yaml", configCodeInvalidOutput)
		}
		return configuration, nil
	}

	rootCmd.AddCommand(
		newCheckCommand(loadConfig),
		newHistoryCommand(loadConfig),
		newSetCommand(loadConfig),
		newSeedCommand(loadConfig),
		newWatchCommand(loadConfig),
	)
	return rootCmd
}

func newLogger(level string) (*zap.Logger, error) {
	parsedLevel, parseErr := zapcore.ParseLevel(strings.TrimSpace(level))
	if parseErr != nil {
		return nil, fmt.Errorf("%s: %w", configCodeInvalidLogLevel, parseErr)
	}
	loggerConfig := zap.NewProductionConfig()
	loggerConfig.Level = zap.NewAtomicLevelAt(parsedLevel)
	loggerConfig.OutputPaths = []string{"stderr"}
	loggerConfig.ErrorOutputPaths = []string{"stderr"}
	return loggerConfig.Build()
}
