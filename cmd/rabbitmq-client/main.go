package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	rabbitmqclient "github.com/GtechGovind/RabbitMQClient"
	"github.com/GtechGovind/RabbitMQClient/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// options holds the persistent flags
type options struct {
	host           string
	port           int
	username       string
	password       string
	vhost          string
	autoReconnect  bool
	reconnectDelay time.Duration
	connectionName string
	envFile        string
	logFormat      string
	verbose        bool
	metricsAddr    string
}

func main() {
	if err := newRootCmd(&options{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rabbitmq-client",
		Short: "Declare, publish and consume against a RabbitMQ broker",
		Long: `rabbitmq-client drives the resilient RabbitMQ client from the command line.
Connection settings come from RABBITMQ_* environment variables (optionally
loaded from --env-file) and are overridden by flags.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.host, "host", rabbitmqclient.DefaultHost, "Broker host")
	flags.IntVar(&opts.port, "port", rabbitmqclient.DefaultPort, "Broker port")
	flags.StringVar(&opts.username, "username", rabbitmqclient.DefaultUsername, "Login user")
	flags.StringVar(&opts.password, "password", rabbitmqclient.DefaultPassword, "Login password")
	flags.StringVar(&opts.vhost, "vhost", rabbitmqclient.DefaultVirtualHost, "Virtual host")
	flags.BoolVar(&opts.autoReconnect, "auto-reconnect", false, "Reconnect automatically after failures")
	flags.DurationVar(&opts.reconnectDelay, "reconnect-delay", rabbitmqclient.DefaultReconnectDelay, "Delay before each reconnect attempt")
	flags.StringVar(&opts.connectionName, "connection-name", "rabbitmq-client", "Connection name reported to the broker")
	flags.StringVar(&opts.envFile, "env-file", "", "Load environment variables from this file first")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /metrics, /healthz and /readyz on this address (consume only)")

	rootCmd.AddCommand(
		newDeclareExchangeCmd(opts),
		newDeclareQueueCmd(opts),
		newPublishCmd(opts),
		newConsumeCmd(opts),
	)

	return rootCmd
}

// config layers flags that were set explicitly over the environment
func (o *options) config(cmd *cobra.Command) (rabbitmqclient.Config, error) {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			return rabbitmqclient.Config{}, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	cfg, err := rabbitmqclient.ConfigFromEnv()
	if err != nil {
		return rabbitmqclient.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = o.host
	}
	if flags.Changed("port") {
		cfg.Port = o.port
	}
	if flags.Changed("username") {
		cfg.Username = o.username
	}
	if flags.Changed("password") {
		cfg.Password = o.password
	}
	if flags.Changed("vhost") {
		cfg.VirtualHost = o.vhost
	}
	if flags.Changed("auto-reconnect") {
		cfg.AutoReconnect = o.autoReconnect
	}
	if flags.Changed("reconnect-delay") {
		cfg.ReconnectDelay = o.reconnectDelay
	}
	if flags.Changed("connection-name") || cfg.ConnectionName == "" {
		cfg.ConnectionName = o.connectionName
	}

	logger, err := newLogger(o.logFormat, o.verbose, cmd.ErrOrStderr())
	if err != nil {
		return rabbitmqclient.Config{}, err
	}
	cfg.Logger = logger

	return cfg, cfg.Validate()
}

func newLogger(format string, verbose bool, w io.Writer) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// connect builds a strict client for one-shot commands, so failures reach the exit code
func (o *options) connect(cmd *cobra.Command, overrides ...func(*rabbitmqclient.Config)) (*rabbitmqclient.Client, error) {
	cfg, err := o.config(cmd)
	if err != nil {
		return nil, err
	}
	cfg.StrictErrors = true
	for _, override := range overrides {
		override(&cfg)
	}

	client, err := rabbitmqclient.New(cmd.Context(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return client, nil
}

func newDeclareExchangeCmd(opts *options) *cobra.Command {
	var (
		kind       string
		durable    bool
		autoDelete bool
	)

	cmd := &cobra.Command{
		Use:   "declare-exchange <name>",
		Short: "Declare an exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.DeclareExchange(cmd.Context(), args[0], kind, durable, autoDelete); err != nil {
				return fmt.Errorf("failed to declare exchange: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exchange %s declared\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "type", "t", rabbitmqclient.ExchangeDirect, "Exchange type: direct, fanout, topic or headers")
	cmd.Flags().BoolVar(&durable, "durable", true, "Survive broker restarts")
	cmd.Flags().BoolVar(&autoDelete, "auto-delete", false, "Delete when the last binding is removed")
	return cmd
}

func newDeclareQueueCmd(opts *options) *cobra.Command {
	var (
		ttlDays      int64
		expiresYears int64
		durable      bool
		autoDelete   bool
	)

	cmd := &cobra.Command{
		Use:   "declare-queue <name>",
		Short: "Declare a queue with optional message TTL and queue expiry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.connect(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.DeclareQueueWithTTL(cmd.Context(), args[0], ttlDays, expiresYears, durable, autoDelete); err != nil {
				return fmt.Errorf("failed to declare queue: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queue %s declared\n", args[0])
			return nil
		},
	}
	cmd.Flags().Int64Var(&ttlDays, "ttl-days", 0, "Message TTL in days, 0 for none")
	cmd.Flags().Int64Var(&expiresYears, "expires-years", 0, "Queue expiry in 365-day years, 0 for none")
	cmd.Flags().BoolVar(&durable, "durable", true, "Survive broker restarts")
	cmd.Flags().BoolVar(&autoDelete, "auto-delete", false, "Delete when the last consumer unsubscribes")
	return cmd
}

func newPublishCmd(opts *options) *cobra.Command {
	var (
		persistent  bool
		contentType string
	)

	cmd := &cobra.Command{
		Use:   "publish <exchange> <routing-key> [message]",
		Short: "Publish one message; reads stdin when no message is given",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			if len(args) == 3 {
				body = []byte(args[2])
			} else {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read message: %w", err)
				}
				body = data
			}

			client, err := opts.connect(cmd, func(cfg *rabbitmqclient.Config) {
				if cmd.Flags().Changed("persistent") {
					cfg.PersistentMessages = persistent
				}
				cfg.ContentType = contentType
			})
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.SendMessage(cmd.Context(), args[0], args[1], body); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&persistent, "persistent", false, "Publish with persistent delivery mode")
	cmd.Flags().StringVar(&contentType, "content-type", "text/plain", "Content type of the message")
	return cmd
}

func newConsumeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consume <queue>",
		Short: "Print messages from a queue until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := opts.config(cmd)
			if err != nil {
				return err
			}
			cfg.RecoverConsumers = true

			var registry *prometheus.Registry
			if opts.metricsAddr != "" {
				registry = prometheus.NewRegistry()
				registry.MustRegister(
					collectors.NewGoCollector(),
					collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
				)
				cfg.MetricsRegisterer = registry
			}

			client, err := rabbitmqclient.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer client.Close()

			if registry != nil {
				srv := newServer(opts.metricsAddr, registry, client.HealthChecker(), client.SubscriptionChecker(args[0]))
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						cfg.Logger.Error("metrics server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			out := cmd.OutOrStdout()
			err = client.ConsumeMessages(ctx, args[0], func(body string) {
				fmt.Fprintln(out, body)
			})
			if err != nil {
				return fmt.Errorf("failed to consume: %w", err)
			}

			cfg.Logger.Info("consuming, press Ctrl+C to stop", "queue", args[0])
			<-ctx.Done()
			return nil
		},
	}
	return cmd
}

func newServer(addr string, registry *prometheus.Registry, checkers ...health.Checker) *http.Server {
	checks := health.NewRegistry()
	checks.SetMetadata("version", version)
	for _, checker := range checkers {
		checks.Register(checker)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.Handle("/healthz", health.NewHandler(checks, 5*time.Second))
	mux.Handle("/readyz", health.ReadinessHandler(checks))
	mux.Handle("/livez", health.LivenessHandler())

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
