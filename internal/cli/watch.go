package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prudhvinik1/venuelock/internal/client"
	"github.com/prudhvinik1/venuelock/internal/logger"
	"github.com/prudhvinik1/venuelock/internal/models"
	"github.com/prudhvinik1/venuelock/internal/stream"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Server string
	Token  string
	Secret string
	Email  string
	Name   string

	Stream       string
	ResourceType string
	ResourceID   string
	Action       string

	Backoff        time.Duration
	MaxAttempts    int
	PollInterval   time.Duration
	HealthInterval time.Duration
	HealthTimeout  time.Duration
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a lock or event stream",
		Long: `Open a stream on the server and print every event until interrupted.

Streams:
  locks     lock acquisitions, releases, expiries and extensions
  events    resource changes and stats updates
  resource  the private queue of one resource (needs --resource-type and --resource-id)

After a dropped connection the client retries with exponential backoff; once
the attempts are spent it polls the lock list instead.

Examples:
  lockwatch watch --token $TOKEN
  lockwatch watch --stream events --resource-type booking
  lockwatch watch --email alice@example.com --secret $JWT_SECRET --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWatch(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "server base URL (defaults to $LOCKWATCH_SERVER or "+defaultServer+")")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token (defaults to $LOCKWATCH_TOKEN)")
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "JWT secret used to mint a token when none is given")
	cmd.Flags().StringVar(&opts.Email, "email", "", "admin email used to mint a token")
	cmd.Flags().StringVar(&opts.Name, "name", "", "admin display name used to mint a token")

	cmd.Flags().StringVarP(&opts.Stream, "stream", "s", string(stream.KindLocks), "stream to follow (locks|events|resource)")
	cmd.Flags().StringVar(&opts.ResourceType, "resource-type", "", "only events for this resource type")
	cmd.Flags().StringVar(&opts.ResourceID, "resource-id", "", "only events for this resource id")
	cmd.Flags().StringVar(&opts.Action, "action", "", "only events for this action")

	cmd.Flags().DurationVar(&opts.Backoff, "backoff", client.DefaultBaseBackoff, "initial reconnect delay, doubled per attempt")
	cmd.Flags().IntVar(&opts.MaxAttempts, "max-attempts", client.DefaultMaxAttempts, "reconnect attempts before polling")
	cmd.Flags().DurationVar(&opts.PollInterval, "poll-interval", client.DefaultPollInterval, "lock list polling interval in fallback mode")
	cmd.Flags().DurationVar(&opts.HealthInterval, "health-interval", client.DefaultHealthCheckInterval, "stream health check interval")
	cmd.Flags().DurationVar(&opts.HealthTimeout, "health-timeout", client.DefaultHealthTimeout, "silence after which the stream is reopened")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions, cmd *cobra.Command) error {
	filter, kind, err := opts.subscription()
	if err != nil {
		return err
	}

	token, err := opts.bearerToken()
	if err != nil {
		return err
	}

	level := "warn"
	if opts.Verbose {
		level = "debug"
	}
	log := logger.NewWithWriter(logger.Config{Level: level, Format: "console"}, cmd.ErrOrStderr())

	printer := newEventPrinter(cmd.OutOrStdout(), opts.Format)
	r := client.NewReconnector(client.Config{
		BaseURL:             opts.serverURL(),
		Token:               token,
		Stream:              string(kind),
		Filter:              filter,
		BaseBackoff:         opts.Backoff,
		MaxAttempts:         opts.MaxAttempts,
		PollInterval:        opts.PollInterval,
		HealthCheckInterval: opts.HealthInterval,
		HealthTimeout:       opts.HealthTimeout,
	}, printer.print, log)
	r.OnStateChange(func(s client.State) {
		log.Info().Str("state", string(s)).Msg("connection state")
	})

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "stream ended", err)
	}
	return printer.err
}

func (o *WatchOptions) subscription() (models.ResourceFilter, stream.Kind, error) {
	filter := models.ResourceFilter{ResourceID: o.ResourceID, Action: o.Action}
	if o.ResourceType != "" {
		rt, err := models.ParseResourceType(o.ResourceType)
		if err != nil {
			return filter, "", WrapExitError(ExitCommandError, "invalid --resource-type", err)
		}
		filter.ResourceType = rt
	}

	req := stream.SubscribeRequest{Kind: stream.Kind(o.Stream), Filter: filter}
	if err := req.Validate(); err != nil {
		return filter, "", WrapExitError(ExitCommandError, "invalid subscription", err)
	}
	return filter, req.Kind, nil
}

func (o *WatchOptions) serverURL() string {
	if server := flagOrEnv(o.Server, "LOCKWATCH_SERVER"); server != "" {
		return server
	}
	return defaultServer
}

// bearerToken prefers an explicit token and otherwise mints one from the
// shared secret.
func (o *WatchOptions) bearerToken() (string, error) {
	if token := flagOrEnv(o.Token, "LOCKWATCH_TOKEN"); token != "" {
		return token, nil
	}
	if o.Email == "" {
		return "", NewExitError(ExitCommandError, "either --token or --email with a JWT secret is required")
	}
	token, _, err := mintToken(o.Secret, o.Email, o.Name, defaultTokenExpiry)
	return token, err
}
