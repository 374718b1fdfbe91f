package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/tyemirov/streamgate/internal/access"
	"github.com/tyemirov/streamgate/pkg/statussync"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type configLoader func() (cliConfig, error)

type recordView struct {
	Email            string    `json:"email" yaml:"email"`
	Status           string    `json:"status" yaml:"status"`
	CanAccess        bool      `json:"can_access" yaml:"can_access"`
	AccessLevel      string    `json:"access_level" yaml:"access_level"`
	SuspensionReason string    `json:"suspension_reason,omitempty" yaml:"suspension_reason,omitempty"`
	CreatedAt        time.Time `json:"created_at" yaml:"created_at"`
}

type decisionView struct {
	Email            string `json:"email" yaml:"email"`
	Lookup           string `json:"lookup" yaml:"lookup"`
	Suspended        bool   `json:"suspended" yaml:"suspended"`
	Restricted       bool   `json:"restricted" yaml:"restricted"`
	Status           string `json:"status" yaml:"status"`
	CanAccess        bool   `json:"can_access" yaml:"can_access"`
	AccessLevel      string `json:"access_level" yaml:"access_level"`
	SuspensionReason string `json:"suspension_reason,omitempty" yaml:"suspension_reason,omitempty"`
	Message          string `json:"message,omitempty" yaml:"message,omitempty"`
}

func newRecordView(record access.Record) recordView {
	return recordView{
		Email:            record.Email,
		Status:           string(record.Status),
		CanAccess:        record.CanAccess,
		AccessLevel:      string(record.AccessLevel),
		SuspensionReason: record.SuspensionReason,
		CreatedAt:        record.CreatedAt,
	}
}

func newDecisionView(decision statussync.SyncDecision, lookup statussync.LookupResult) decisionView {
	view := decisionView{
		Email:            decision.Email,
		Lookup:           lookup.Kind().String(),
		Suspended:        decision.IsSuspended,
		Restricted:       decision.IsRestricted,
		Status:           string(decision.Status),
		CanAccess:        decision.CanAccess,
		AccessLevel:      string(decision.AccessLevel),
		SuspensionReason: decision.SuspensionReason,
	}
	if decision.IsSuspended {
		view.Message = statussync.SuspensionMessage(decision)
	}
	if lookup.Kind() == statussync.LookupQueryError {
		view.Message = lookup.Message()
	}
	return view
}

// printer writes values as JSON lines or YAML documents. It is safe for
// concurrent use.
type printer struct {
	mutex  sync.Mutex
	writer io.Writer
	format string
}

func (output *printer) Print(value any) error {
	output.mutex.Lock()
	defer output.mutex.Unlock()
	if output.format == outputYAML {
		encoder := yaml.NewEncoder(output.writer)
		defer encoder.Close()
		return encoder.Encode(value)
	}
	return json.NewEncoder(output.writer).Encode(value)
}

// withBackend resolves the configuration, opens the backend and runs action.
func withBackend(command *cobra.Command, loadConfig configLoader, action func(ctx context.Context, backend recordBackend, output *printer) error) error {
	configuration, configErr := loadConfig()
	if configErr != nil {
		return configErr
	}
	logger, loggerErr := newLogger(configuration.LogLevel)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	ctx := command.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if configuration.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, configuration.Timeout)
		defer cancel()
	}

	backend, backendErr := openBackend(ctx, configuration, logger)
	if backendErr != nil {
		return backendErr
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("backend close failed", zap.String("code", "accessctl.backend.close_failed"), zap.Error(err))
		}
	}()
	return action(ctx, backend, &printer{writer: command.OutOrStdout(), format: configuration.Output})
}

func newCheckCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "check <email>",
		Short: "Print the access decision for an email",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withBackend(command, loadConfig, func(ctx context.Context, backend recordBackend, output *printer) error {
				email := statussync.NormalizeEmail(arguments[0])
				lookup := backend.Lookup(ctx, email)
				return output.Print(newDecisionView(statussync.DecideFromLookup(email, lookup), lookup))
			})
		},
	}
}

func newHistoryCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "history <email>",
		Short: "Print every access_control row of an email, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			return withBackend(command, loadConfig, func(ctx context.Context, backend recordBackend, output *printer) error {
				records, err := backend.History(ctx, arguments[0])
				if err != nil {
					return err
				}
				views := make([]recordView, 0, len(records))
				for _, record := range records {
					views = append(views, newRecordView(record))
				}
				return output.Print(views)
			})
		},
	}
}

func newSetCommand(loadConfig configLoader) *cobra.Command {
	command := &cobra.Command{
		Use:   "set <email>",
		Short: "Append a new access_control row for an email",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			update := access.Update{Email: arguments[0]}
			update.Status, _ = command.Flags().GetString("status")
			update.AccessLevel, _ = command.Flags().GetString("access_level")
			update.SuspensionReason, _ = command.Flags().GetString("reason")
			if command.Flags().Changed("can_access") {
				rawCanAccess, _ := command.Flags().GetString("can_access")
				canAccess, parseErr := strconv.ParseBool(rawCanAccess)
				if parseErr != nil {
					return fmt.Errorf("accessctl.set.can_access: %w", parseErr)
				}
				update.CanAccess = &canAccess
			}
			if _, err := update.Normalize(); err != nil {
				return err
			}
			return withBackend(command, loadConfig, func(ctx context.Context, backend recordBackend, output *printer) error {
				record, err := backend.Put(ctx, update)
				if err != nil {
					return err
				}
				return output.Print(newRecordView(record))
			})
		},
	}
	command.Flags().String("status", string(statussync.StatusActive), "active, suspended or restricted")
	command.Flags().String("access_level", string(statussync.AccessLevelFull), "full or limited")
	command.Flags().String("reason", "", "Suspension reason shown to the account")
	command.Flags().String("can_access", "", "Override can_access (true or false); derived from status when unset")
	return command
}

func newSeedCommand(loadConfig configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file>",
		Short: "Apply a YAML seed file of access_control records",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, arguments []string) error {
			seed, loadErr := access.LoadSeedFile(arguments[0])
			if loadErr != nil {
				return loadErr
			}
			return withBackend(command, loadConfig, func(ctx context.Context, backend recordBackend, output *printer) error {
				applied, err := backend.Apply(ctx, seed)
				if err != nil {
					return err
				}
				return output.Print(map[string]int{"records": len(seed.Records), "applied": applied})
			})
		},
	}
}
