package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/tyemirov/streamgate/pkg/statussync"
	"github.com/tyemirov/streamgate/pkg/streamclient"
	"go.uber.org/zap"
)

type watchEvent struct {
	Event      string `json:"event" yaml:"event"`
	At         string `json:"at" yaml:"at"`
	Route      string `json:"route,omitempty" yaml:"route,omitempty"`
	Phase      string `json:"phase,omitempty" yaml:"phase,omitempty"`
	Gate       string `json:"gate,omitempty" yaml:"gate,omitempty"`
	Email      string `json:"email,omitempty" yaml:"email,omitempty"`
	Suspended  bool   `json:"suspended" yaml:"suspended"`
	Restricted bool   `json:"restricted" yaml:"restricted"`
	Reason     string `json:"reason,omitempty" yaml:"reason,omitempty"`
	Message    string `json:"message,omitempty" yaml:"message,omitempty"`
	RedirectTo string `json:"redirect_to,omitempty" yaml:"redirect_to,omitempty"`
}

type navigation struct {
	path  string
	state statussync.NavigationState
}

func newWatchCommand(loadConfig configLoader) *cobra.Command {
	command := &cobra.Command{
		Use:   "watch",
		Short: "Sign in and follow the account's access state until it is suspended",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, arguments []string) error {
			configuration, configErr := loadConfig()
			if configErr != nil {
				return configErr
			}
			route, _ := command.Flags().GetString("route")
			storagePath, _ := command.Flags().GetString("storage")
			duration, _ := command.Flags().GetDuration("duration")
			logger, loggerErr := newLogger(configuration.LogLevel)
			if loggerErr != nil {
				return loggerErr
			}
			defer func() { _ = logger.Sync() }()

			ctx := command.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return runWatch(ctx, configuration, route, storagePath, &printer{writer: command.OutOrStdout(), format: configuration.Output}, logger)
		},
	}
	command.Flags().String("route", "/browse", "Protected route the client stays on")
	command.Flags().String("storage", ":memory:", "SQLite file holding the client's persisted keys")
	command.Flags().Duration("duration", 0, "Stop after this long; zero waits for suspension or a signal")
	return command
}

// runWatch drives a statussync.Engine against the server. It returns after a
// forced redirect to the sign-in route or when ctx ends.
func runWatch(ctx context.Context, configuration cliConfig, route string, storagePath string, output *printer, logger *zap.Logger) error {
	if configuration.ServerURL == "" {
		return fmt.Errorf("%s: --server is required", configCodeMissingServer)
	}
	if configuration.Email == "" || configuration.Password == "" {
		return fmt.Errorf("%s: --email and --password are required", configCodeMissingAccount)
	}
	client, clientErr := streamclient.New(streamclient.Config{BaseURL: configuration.ServerURL, Logger: logger})
	if clientErr != nil {
		return clientErr
	}
	remote, remoteErr := client.FetchConfig(ctx)
	if remoteErr != nil {
		logger.Warn("client config unavailable; using defaults",
			zap.String("code", "accessctl.watch.config_unavailable"),
			zap.Error(remoteErr))
	}

	storage, storageErr := streamclient.OpenSQLiteStorage(storagePath)
	if storageErr != nil {
		return storageErr
	}
	defer storage.Close()

	accessor, accessorErr := statussync.NewProviderSessionAccessor(client, storage, logger)
	if accessorErr != nil {
		return accessorErr
	}
	navigations := make(chan navigation, 1)
	engine, engineErr := statussync.NewEngine(statussync.EngineConfig{
		Sessions: accessor,
		Records:  client,
		Changes:  client,
		Navigator: statussync.NavigatorFunc(func(path string, state statussync.NavigationState) {
			select {
			case navigations <- navigation{path: path, state: state}:
			default:
			}
		}),
		Logger:         logger,
		DebounceWindow: remote.DebounceWindow(),
		PollInterval:   remote.PollInterval(),
		SignInRoute:    remote.SignInRoute,
		SignUpRoute:    remote.SignUpRoute,
	})
	if engineErr != nil {
		return engineErr
	}
	defer engine.Dispose()
	gate := statussync.NewRouteGate(engine, accessor, storage, logger)

	signInView := statussync.SignInView{Sessions: accessor, Storage: storage}
	if !signInView.ShouldAutoRedirect(ctx) {
		if _, err := accessor.SignIn(ctx, configuration.Email, configuration.Password); err != nil {
			return fmt.Errorf("accessctl.watch.sign_in: %w", err)
		}
	}

	var printedMutex sync.Mutex
	var printed watchEvent
	unsubscribe := engine.OnChange(func(snapshot statussync.Snapshot) {
		if snapshot.Phase != statussync.PhaseResolved {
			return
		}
		event := snapshotEvent(snapshot)
		printedMutex.Lock()
		defer printedMutex.Unlock()
		if event.Email == printed.Email && event.Suspended == printed.Suspended && event.Restricted == printed.Restricted {
			return
		}
		printed = event
		_ = output.Print(event)
	})
	defer unsubscribe()

	engine.SetRoute(route)

	select {
	case <-ctx.Done():
		view := gate.Evaluate(context.Background(), route)
		return output.Print(gateEvent("stopped", route, view))
	case next := <-navigations:
		view := gate.Evaluate(context.Background(), route)
		event := gateEvent("navigate", next.path, view)
		event.Suspended = next.state.Suspended
		event.Email = next.state.Email
		event.Reason = next.state.Reason
		if next.state.Suspended {
			event.Message = statussync.SuspensionMessage(statussync.SyncDecision{SuspensionReason: next.state.Reason})
		}
		return output.Print(event)
	}
}

func snapshotEvent(snapshot statussync.Snapshot) watchEvent {
	event := watchEvent{
		Event:   "decision",
		At:      time.Now().UTC().Format(time.RFC3339),
		Route:   snapshot.Route,
		Phase:   snapshot.Phase.String(),
		Message: snapshot.ErrorMessage,
	}
	if decision := snapshot.Decision; decision != nil {
		event.Email = decision.Email
		event.Suspended = decision.IsSuspended
		event.Restricted = decision.IsRestricted
		event.Reason = decision.SuspensionReason
	}
	return event
}

func gateEvent(name string, route string, view statussync.GateView) watchEvent {
	return watchEvent{
		Event:      name,
		At:         time.Now().UTC().Format(time.RFC3339),
		Route:      route,
		Gate:       strings.ToLower(view.State.String()),
		Email:      view.Email,
		Suspended:  view.State == statussync.GateBlocked,
		Restricted: view.Restricted,
		Reason:     view.Reason,
		Message:    view.Message,
		RedirectTo: view.RedirectTo,
	}
}
